package storage

import (
	"fmt"
	"strings"

	"chatbloom/internal/models"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"
	"go.etcd.io/bbolt"
)

// Attachment describes an uploaded file that image and file messages point
// to. The bytes live in the file store under Hash.
type Attachment struct {
	ID         string             `msgpack:"id"`
	Hash       string             `msgpack:"hash"`
	Name       string             `msgpack:"name"`
	MimeType   string             `msgpack:"mimeType"`
	Size       int64              `msgpack:"size"`
	Type       models.MessageType `msgpack:"type"`
	UploadedBy string             `msgpack:"uploadedBy"`
	CreatedAt  int64              `msgpack:"createdAt"`
}

func (a *Attachment) Key() []byte {
	return []byte(a.ID)
}

func (a *Attachment) MarshalBinary() (data []byte, err error) {
	type alias Attachment
	return msgpack.Marshal((*alias)(a))
}

func (a *Attachment) UnmarshalBinary(data []byte) error {
	type alias Attachment
	return msgpack.Unmarshal(data, (*alias)(a))
}

// SaveAttachment records a new upload. ID and CreatedAt are assigned here,
// and Type is derived from the MIME type when not set.
func (s *BboltStorage) SaveAttachment(att Attachment) (Attachment, error) {
	if att.Hash == "" {
		return Attachment{}, fmt.Errorf("%w: attachment without content hash", models.ErrValidation)
	}
	if att.ID == "" {
		att.ID = uuid.NewString()
	}
	if att.Type == "" {
		att.Type = models.MessageTypeFile
		if strings.HasPrefix(att.MimeType, "image/") {
			att.Type = models.MessageTypeImage
		}
	}

	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketFiles)
		if b.Get(att.Key()) != nil {
			return fmt.Errorf("attachment %s already exists", att.ID)
		}
		att.CreatedAt = s.now().UnixMilli()
		data, err := att.MarshalBinary()
		if err != nil {
			return fmt.Errorf("failed to marshal attachment: %w", err)
		}
		return b.Put(att.Key(), data)
	})
	if err != nil {
		return Attachment{}, err
	}
	return att, nil
}

func (s *BboltStorage) GetAttachment(id string) (Attachment, error) {
	var att Attachment
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketFiles).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("attachment %s: %w", id, models.ErrNotFound)
		}
		return att.UnmarshalBinary(data)
	})
	return att, err
}
