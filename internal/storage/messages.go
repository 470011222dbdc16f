package storage

import (
	"errors"
	"fmt"
	"slices"

	"chatbloom/internal/models"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"
)

// InsertMessage persists a new message and returns it with ID and CreatedAt set.
// CreatedAt is assigned inside the write transaction and is strictly increasing
// within a room, so it doubles as the pagination cursor.
func (s *BboltStorage) InsertMessage(message models.Message) (models.Message, error) {
	if message.Room == "" {
		return models.Message{}, errors.New("message missing room")
	}
	if message.ID == "" {
		message.ID = uuid.NewString()
	}
	if message.Type == "" {
		message.Type = models.MessageTypeText
	}

	err := s.db.Update(func(tx *bbolt.Tx) error {
		index := tx.Bucket(bucketMsgIndex)
		if index.Get([]byte(message.ID)) != nil {
			return fmt.Errorf("message %s already exists", message.ID)
		}

		roomBucket, err := tx.Bucket(bucketMessages).CreateBucketIfNotExists([]byte(message.Room))
		if err != nil {
			return fmt.Errorf("failed to create room bucket: %w", err)
		}

		createdAt := s.now().UnixMilli()
		if last, _ := roomBucket.Cursor().Last(); last != nil {
			if prev := keyTime(last); createdAt <= prev {
				createdAt = prev + 1
			}
		}
		message.CreatedAt = createdAt

		dbMessage := fromModel(message)
		data, err := dbMessage.MarshalBinary()
		if err != nil {
			return fmt.Errorf("failed to marshal message: %w", err)
		}
		if err := roomBucket.Put(dbMessage.Key(), data); err != nil {
			return fmt.Errorf("failed to put message: %w", err)
		}

		ref := &DBMessageRef{ID: message.ID, Room: message.Room, CreatedAt: createdAt}
		refData, err := ref.MarshalBinary()
		if err != nil {
			return err
		}
		return index.Put(ref.Key(), refData)
	})
	if err != nil {
		return models.Message{}, err
	}

	if message.ReadBy == nil {
		message.ReadBy = []string{}
	}
	return message, nil
}

func (s *BboltStorage) GetMessage(id string) (models.Message, error) {
	var msg models.Message
	err := s.db.View(func(tx *bbolt.Tx) error {
		dbMsg, _, err := lookupMessage(tx, id)
		if err != nil {
			return err
		}
		msg = dbMsg.toModel()
		return nil
	})
	return msg, err
}

// ListMessages returns up to limit messages of a room created strictly before
// the cursor, ordered oldest to newest. A zero cursor means "latest".
func (s *BboltStorage) ListMessages(room string, before int64, limit int) ([]models.Message, error) {
	messages := []models.Message{}
	if limit <= 0 {
		return messages, nil
	}

	err := s.db.View(func(tx *bbolt.Tx) error {
		roomBucket := tx.Bucket(bucketMessages).Bucket([]byte(room))
		if roomBucket == nil {
			return nil
		}

		c := roomBucket.Cursor()
		var k, v []byte
		if before > 0 {
			k, v = c.Seek(timeKey(before))
			if k == nil {
				k, v = c.Last()
			} else {
				k, v = c.Prev()
			}
		} else {
			k, v = c.Last()
		}

		for ; k != nil && len(messages) < limit; k, v = c.Prev() {
			var dbMsg DBMessage
			if err := dbMsg.UnmarshalBinary(v); err != nil {
				return err
			}
			messages = append(messages, dbMsg.toModel())
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	slices.Reverse(messages)
	return messages, nil
}

// AddReader adds userID to the message read set. It reports whether the set changed.
func (s *BboltStorage) AddReader(messageID, userID string) (models.Message, bool, error) {
	var (
		msg   models.Message
		added bool
	)
	err := s.db.Update(func(tx *bbolt.Tx) error {
		dbMsg, roomBucket, err := lookupMessage(tx, messageID)
		if err != nil {
			return err
		}

		if !slices.Contains(dbMsg.ReadBy, userID) {
			dbMsg.ReadBy = append(dbMsg.ReadBy, userID)
			data, err := dbMsg.MarshalBinary()
			if err != nil {
				return fmt.Errorf("failed to marshal message: %w", err)
			}
			if err := roomBucket.Put(dbMsg.Key(), data); err != nil {
				return err
			}
			added = true
		}

		msg = dbMsg.toModel()
		return nil
	})
	return msg, added, err
}

func lookupMessage(tx *bbolt.Tx, id string) (DBMessage, *bbolt.Bucket, error) {
	var dbMsg DBMessage

	refData := tx.Bucket(bucketMsgIndex).Get([]byte(id))
	if refData == nil {
		return dbMsg, nil, fmt.Errorf("message %s: %w", id, models.ErrNotFound)
	}
	var ref DBMessageRef
	if err := ref.UnmarshalBinary(refData); err != nil {
		return dbMsg, nil, err
	}

	roomBucket := tx.Bucket(bucketMessages).Bucket([]byte(ref.Room))
	if roomBucket == nil {
		return dbMsg, nil, fmt.Errorf("room bucket %s for message %s: %w", ref.Room, id, models.ErrNotFound)
	}
	data := roomBucket.Get(timeKey(ref.CreatedAt))
	if data == nil {
		return dbMsg, nil, fmt.Errorf("message %s: %w", id, models.ErrNotFound)
	}
	if err := dbMsg.UnmarshalBinary(data); err != nil {
		return dbMsg, nil, err
	}
	return dbMsg, roomBucket, nil
}

func fromModel(m models.Message) *DBMessage {
	return &DBMessage{
		ID:        m.ID,
		SenderID:  m.Sender.ID,
		Room:      m.Room,
		Content:   m.Content,
		HTML:      m.HTML,
		Type:      string(m.Type),
		Meta:      m.Meta,
		CreatedAt: m.CreatedAt,
		ReadBy:    m.ReadBy,
	}
}

func (m *DBMessage) toModel() models.Message {
	readBy := m.ReadBy
	if readBy == nil {
		readBy = []string{}
	}
	return models.Message{
		ID:        m.ID,
		Sender:    models.Identity{ID: m.SenderID},
		Room:      m.Room,
		Content:   m.Content,
		HTML:      m.HTML,
		Type:      models.MessageType(m.Type),
		Meta:      m.Meta,
		CreatedAt: m.CreatedAt,
		ReadBy:    readBy,
	}
}
