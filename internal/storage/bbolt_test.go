package storage

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"chatbloom/internal/auth"
	"chatbloom/internal/models"
)

func newTestStorage(t *testing.T) *BboltStorage {
	t.Helper()
	store, err := NewBboltStorage(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to create storage: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestStorage(t *testing.T) {
	store := newTestStorage(t)

	t.Run("Credentials", func(t *testing.T) {
		creds := auth.UserCredentials{
			User:         models.User{ID: "user1", Username: "alice", CreatedAt: 1},
			PasswordHash: "hash",
		}
		if err := store.UpsertCredentials(creds); err != nil {
			t.Fatalf("UpsertCredentials failed: %v", err)
		}

		listCreds, err := store.ListCredentials()
		if err != nil {
			t.Fatalf("ListCredentials failed: %v", err)
		}
		if len(listCreds) != 1 {
			t.Fatalf("expected 1 credential, got %d", len(listCreds))
		}
		if listCreds[0].ID != creds.ID || listCreds[0].PasswordHash != "hash" {
			t.Errorf("unexpected credentials %+v", listCreds[0])
		}

		// Same username, different id.
		dup := auth.UserCredentials{User: models.User{ID: "user2", Username: "alice"}}
		if err := store.UpsertCredentials(dup); !errors.Is(err, auth.ErrUserExists) {
			t.Errorf("expected ErrUserExists, got %v", err)
		}

		user, err := store.GetUser("user1")
		if err != nil {
			t.Fatalf("GetUser failed: %v", err)
		}
		if user.Username != "alice" {
			t.Errorf("expected alice, got %s", user.Username)
		}

		if _, err := store.GetUser("missing"); !errors.Is(err, models.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("ListUsers", func(t *testing.T) {
		if err := store.UpsertCredentials(auth.UserCredentials{User: models.User{ID: "user3", Username: "aaron"}}); err != nil {
			t.Fatalf("UpsertCredentials failed: %v", err)
		}
		users, err := store.ListUsers()
		if err != nil {
			t.Fatalf("ListUsers failed: %v", err)
		}
		if len(users) != 2 {
			t.Fatalf("expected 2 users, got %d", len(users))
		}
		if users[0].Username != "aaron" || users[1].Username != "alice" {
			t.Errorf("expected users ordered by name, got %v", users)
		}
	})

	t.Run("Rooms", func(t *testing.T) {
		for _, r := range []models.Room{
			{Name: "global"},
			{Name: "secret", IsPrivate: true},
			{Name: "books", CreatedBy: "user1"},
		} {
			if err := store.UpsertRoom(r); err != nil {
				t.Fatalf("UpsertRoom failed: %v", err)
			}
		}

		rooms, err := store.ListRooms(50)
		if err != nil {
			t.Fatalf("ListRooms failed: %v", err)
		}
		if len(rooms) != 2 {
			t.Fatalf("expected 2 public rooms, got %d", len(rooms))
		}
		if rooms[0].Name != "books" || rooms[1].Name != "global" {
			t.Errorf("unexpected rooms %v", rooms)
		}
		if rooms[0].CreatedAt == 0 {
			t.Error("expected CreatedAt to be set")
		}

		limited, err := store.ListRooms(1)
		if err != nil {
			t.Fatalf("ListRooms failed: %v", err)
		}
		if len(limited) != 1 {
			t.Errorf("expected limit to apply, got %d", len(limited))
		}

		room, err := store.GetRoom("secret")
		if err != nil {
			t.Fatalf("GetRoom failed: %v", err)
		}
		if !room.IsPrivate {
			t.Error("expected secret room to be private")
		}
		if _, err := store.GetRoom("nope"); !errors.Is(err, models.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("Attachments", func(t *testing.T) {
		fixed := time.UnixMilli(1_700_000_000_000)
		store.now = func() time.Time { return fixed }
		defer func() { store.now = time.Now }()

		att, err := store.SaveAttachment(Attachment{Hash: "abc", Name: "dot.png", MimeType: "image/png", Size: 10, UploadedBy: "user1"})
		if err != nil {
			t.Fatalf("SaveAttachment failed: %v", err)
		}
		if att.ID == "" || att.CreatedAt != fixed.UnixMilli() {
			t.Errorf("expected id and creation time to be assigned, got %+v", att)
		}
		if att.Type != models.MessageTypeImage {
			t.Errorf("expected image type from mime, got %q", att.Type)
		}

		got, err := store.GetAttachment(att.ID)
		if err != nil {
			t.Fatalf("GetAttachment failed: %v", err)
		}
		if got != att {
			t.Errorf("expected %+v, got %+v", att, got)
		}

		doc, err := store.SaveAttachment(Attachment{Hash: "def", MimeType: "application/pdf", UploadedBy: "user1"})
		if err != nil {
			t.Fatalf("SaveAttachment failed: %v", err)
		}
		if doc.Type != models.MessageTypeFile {
			t.Errorf("expected file type, got %q", doc.Type)
		}

		if _, err := store.SaveAttachment(Attachment{ID: att.ID, Hash: "xyz"}); err == nil {
			t.Error("expected duplicate attachment id to be rejected")
		}
		if _, err := store.SaveAttachment(Attachment{Name: "empty"}); !errors.Is(err, models.ErrValidation) {
			t.Errorf("expected ErrValidation without hash, got %v", err)
		}
		if _, err := store.GetAttachment("missing"); !errors.Is(err, models.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestMessages_InsertAndGet(t *testing.T) {
	store := newTestStorage(t)
	fixed := time.UnixMilli(1_700_000_000_000)
	store.now = func() time.Time { return fixed }

	msg, err := store.InsertMessage(models.Message{
		Sender:  models.Identity{ID: "u1", Username: "alice"},
		Room:    "global",
		Content: "hello",
		Meta:    map[string]any{"fileId": "f1"},
	})
	if err != nil {
		t.Fatalf("InsertMessage failed: %v", err)
	}
	if msg.ID == "" {
		t.Error("expected generated id")
	}
	if msg.Type != models.MessageTypeText {
		t.Errorf("expected default type text, got %s", msg.Type)
	}
	if msg.CreatedAt != fixed.UnixMilli() {
		t.Errorf("expected CreatedAt %d, got %d", fixed.UnixMilli(), msg.CreatedAt)
	}

	// Same clock reading: the store must still hand out an increasing stamp.
	msg2, err := store.InsertMessage(models.Message{Sender: models.Identity{ID: "u1"}, Room: "global", Content: "again"})
	if err != nil {
		t.Fatalf("InsertMessage failed: %v", err)
	}
	if msg2.CreatedAt <= msg.CreatedAt {
		t.Errorf("expected increasing CreatedAt, got %d after %d", msg2.CreatedAt, msg.CreatedAt)
	}

	got, err := store.GetMessage(msg.ID)
	if err != nil {
		t.Fatalf("GetMessage failed: %v", err)
	}
	if got.Content != "hello" || got.Sender.ID != "u1" || got.Room != "global" {
		t.Errorf("unexpected message %+v", got)
	}
	if got.Meta["fileId"] != "f1" {
		t.Errorf("expected meta to round trip, got %v", got.Meta)
	}
	if got.ReadBy == nil {
		t.Error("expected non-nil ReadBy")
	}

	if _, err := store.GetMessage("missing"); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	if _, err := store.InsertMessage(models.Message{Content: "no room"}); err == nil {
		t.Error("expected error for message without room")
	}
	if _, err := store.InsertMessage(models.Message{ID: msg.ID, Room: "global", Content: "dup"}); err == nil {
		t.Error("expected error for duplicate id")
	}
}

func TestMessages_Pagination(t *testing.T) {
	store := newTestStorage(t)

	const total = 45
	for i := 0; i < total; i++ {
		if _, err := store.InsertMessage(models.Message{
			Sender:  models.Identity{ID: "u1"},
			Room:    "global",
			Content: fmt.Sprintf("msg %d", i),
		}); err != nil {
			t.Fatalf("InsertMessage failed: %v", err)
		}
	}
	if _, err := store.InsertMessage(models.Message{Sender: models.Identity{ID: "u1"}, Room: "other", Content: "elsewhere"}); err != nil {
		t.Fatalf("InsertMessage failed: %v", err)
	}

	latest, err := store.ListMessages("global", 0, 20)
	if err != nil {
		t.Fatalf("ListMessages failed: %v", err)
	}
	if len(latest) != 20 {
		t.Fatalf("expected 20 messages, got %d", len(latest))
	}
	if latest[0].Content != "msg 25" || latest[19].Content != "msg 44" {
		t.Errorf("expected msgs 25..44 oldest first, got %s..%s", latest[0].Content, latest[19].Content)
	}

	seen := make(map[string]bool)
	for _, m := range latest {
		seen[m.ID] = true
	}

	cursor := latest[0].CreatedAt
	pages := 1
	for {
		page, err := store.ListMessages("global", cursor, 20)
		if err != nil {
			t.Fatalf("ListMessages failed: %v", err)
		}
		if len(page) > 20 {
			t.Fatalf("page larger than limit: %d", len(page))
		}
		if len(page) == 0 {
			break
		}
		pages++
		for i, m := range page {
			if seen[m.ID] {
				t.Fatalf("message %s returned twice", m.ID)
			}
			seen[m.ID] = true
			if m.CreatedAt >= cursor {
				t.Fatalf("message %s not older than cursor", m.ID)
			}
			if i > 0 && page[i-1].CreatedAt >= m.CreatedAt {
				t.Fatalf("page not ordered oldest to newest")
			}
		}
		cursor = page[0].CreatedAt
	}

	if len(seen) != total {
		t.Errorf("expected to see %d messages, saw %d", total, len(seen))
	}
	if pages != 3 {
		t.Errorf("expected 3 pages, got %d", pages)
	}

	// A cursor newer than everything behaves like "latest".
	future, err := store.ListMessages("global", time.Now().Add(time.Hour).UnixMilli(), 5)
	if err != nil {
		t.Fatalf("ListMessages failed: %v", err)
	}
	if len(future) != 5 || future[4].Content != "msg 44" {
		t.Errorf("unexpected page for future cursor: %v", future)
	}

	empty, err := store.ListMessages("nowhere", 0, 20)
	if err != nil {
		t.Fatalf("ListMessages failed: %v", err)
	}
	if empty == nil || len(empty) != 0 {
		t.Errorf("expected empty non-nil slice, got %v", empty)
	}
}

func TestMessages_AddReader(t *testing.T) {
	store := newTestStorage(t)

	msg, err := store.InsertMessage(models.Message{Sender: models.Identity{ID: "u1"}, Room: "global", Content: "read me"})
	if err != nil {
		t.Fatalf("InsertMessage failed: %v", err)
	}

	_, added, err := store.AddReader(msg.ID, "u2")
	if err != nil {
		t.Fatalf("AddReader failed: %v", err)
	}
	if !added {
		t.Error("expected first AddReader to add")
	}

	updated, added, err := store.AddReader(msg.ID, "u2")
	if err != nil {
		t.Fatalf("AddReader failed: %v", err)
	}
	if added {
		t.Error("expected second AddReader to be a no-op")
	}
	if len(updated.ReadBy) != 1 || updated.ReadBy[0] != "u2" {
		t.Errorf("expected readBy [u2], got %v", updated.ReadBy)
	}

	if _, _, err := store.AddReader("missing", "u2"); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestMessages_ConcurrentReaders(t *testing.T) {
	store := newTestStorage(t)

	msg, err := store.InsertMessage(models.Message{Sender: models.Identity{ID: "u1"}, Room: "global", Content: "popular"})
	if err != nil {
		t.Fatalf("InsertMessage failed: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		reader := fmt.Sprintf("r%d", i%5)
		wg.Go(func() {
			if _, _, err := store.AddReader(msg.ID, reader); err != nil {
				t.Errorf("AddReader failed: %v", err)
			}
		})
	}
	wg.Wait()

	got, err := store.GetMessage(msg.ID)
	if err != nil {
		t.Fatalf("GetMessage failed: %v", err)
	}
	if len(got.ReadBy) != 5 {
		t.Errorf("expected 5 distinct readers, got %v", got.ReadBy)
	}
}

func TestRooms_CreateRoom(t *testing.T) {
	store := newTestStorage(t)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners []string
	)
	for i := range 8 {
		creator := fmt.Sprintf("u%d", i)
		wg.Go(func() {
			room, err := store.CreateRoom(models.Room{Name: "books", CreatedBy: creator})
			switch {
			case err == nil:
				mu.Lock()
				winners = append(winners, room.CreatedBy)
				mu.Unlock()
			case !errors.Is(err, ErrRoomExists):
				t.Errorf("unexpected error %v", err)
			}
		})
	}
	wg.Wait()

	if len(winners) != 1 {
		t.Fatalf("expected exactly one creator, got %v", winners)
	}
	room, err := store.GetRoom("books")
	if err != nil {
		t.Fatalf("GetRoom failed: %v", err)
	}
	if room.CreatedBy != winners[0] || room.CreatedAt == 0 {
		t.Errorf("room was overwritten or incomplete: %+v, winner %s", room, winners[0])
	}
}
