package api

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"path/filepath"
	"strconv"

	"chatbloom/internal/models"
	"chatbloom/internal/storage"

	"github.com/h2non/filetype"
)

const MaxUploadSize = 10 << 20

type UploadResponse struct {
	FileID   string             `json:"fileId"`
	URL      string             `json:"url"`
	Name     string             `json:"name,omitempty"`
	MimeType string             `json:"mimeType"`
	Size     int64              `json:"size"`
	Type     models.MessageType `json:"type"`
}

// UploadHandler stores the raw request body. The result is meant to be sent
// as an image or file message with the returned id in its meta.
func (a *API) UploadHandler(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, MaxUploadSize)
	data, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "File too large")
			return
		}
		writeError(w, http.StatusBadRequest, "Failed to read upload")
		return
	}
	if len(data) == 0 {
		writeError(w, http.StatusBadRequest, "Empty upload")
		return
	}

	mimeType := "application/octet-stream"
	if kind, err := filetype.Match(data); err == nil && kind != filetype.Unknown {
		mimeType = kind.MIME.Value
	}
	msgType := models.MessageTypeFile
	if filetype.IsImage(data) {
		msgType = models.MessageTypeImage
	}

	hash, size, err := a.files.Put(bytes.NewReader(data))
	if err != nil {
		slog.Error("failed to store upload", "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to store file")
		return
	}

	identity := identityFrom(r.Context())
	name := filepath.Base(r.URL.Query().Get("name"))
	if name == "." || name == "/" {
		name = ""
	}
	att, err := a.store.SaveAttachment(storage.Attachment{
		Hash:       hash,
		Name:       name,
		MimeType:   mimeType,
		Size:       size,
		Type:       msgType,
		UploadedBy: identity.ID,
	})
	if err != nil {
		slog.Error("failed to store attachment", "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to store file")
		return
	}

	slog.Info("file uploaded", "fileID", att.ID, "userID", identity.ID, "mimeType", mimeType, "size", size)
	writeJSON(w, http.StatusOK, UploadResponse{
		FileID:   att.ID,
		URL:      "/api/files/" + att.ID,
		Name:     att.Name,
		MimeType: att.MimeType,
		Size:     att.Size,
		Type:     att.Type,
	})
}

// FileHandler serves an uploaded file. Images are shown inline, anything
// else is offered as a download under its original name.
func (a *API) FileHandler(w http.ResponseWriter, r *http.Request) {
	att, err := a.store.GetAttachment(r.PathValue("id"))
	if err != nil {
		writeError(w, statusOf(err), "File not found")
		return
	}

	rc, err := a.files.Get(att.Hash)
	if err != nil {
		slog.Error("file content missing", "fileID", att.ID, "error", err)
		writeError(w, statusOf(err), "File not found")
		return
	}
	defer func() { _ = rc.Close() }()

	w.Header().Set("Content-Type", att.MimeType)
	w.Header().Set("Content-Length", strconv.FormatInt(att.Size, 10))
	w.Header().Set("Cache-Control", "private, max-age=31536000, immutable")
	if att.Type != models.MessageTypeImage {
		params := map[string]string{}
		if att.Name != "" {
			params["filename"] = att.Name
		}
		w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", params))
	}
	if _, err := io.Copy(w, rc); err != nil {
		slog.Debug("failed to send file", "fileID", att.ID, "error", err)
	}
}
