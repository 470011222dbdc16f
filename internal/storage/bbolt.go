package storage

import (
	"errors"
	"fmt"
	"time"

	"chatbloom/internal/auth"
	"chatbloom/internal/models"

	"go.etcd.io/bbolt"
)

var (
	bucketUsers     = []byte("users")
	bucketUsernames = []byte("usernames")
	bucketRooms     = []byte("rooms")
	bucketMessages  = []byte("messages")
	bucketMsgIndex  = []byte("message_index")
	bucketFiles     = []byte("files")
)

type BboltStorage struct {
	db  *bbolt.DB
	now func() time.Time
}

func NewBboltStorage(path string) (*BboltStorage, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bbolt db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{
			bucketUsers,
			bucketUsernames,
			bucketRooms,
			bucketMessages,
			bucketMsgIndex,
			bucketFiles,
		} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	return &BboltStorage{db: db, now: time.Now}, nil
}

func (s *BboltStorage) Close() error {
	return s.db.Close()
}

// UpsertCredentials stores new or updated user credentials.
// A username can only belong to one user id.
func (s *BboltStorage) UpsertCredentials(credentials auth.UserCredentials) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		names := tx.Bucket(bucketUsernames)
		if owner := names.Get([]byte(credentials.Username)); owner != nil && string(owner) != credentials.ID {
			return auth.ErrUserExists
		}

		dbUser := &DBUser{
			ID:           credentials.ID,
			UserName:     credentials.Username,
			PasswordHash: credentials.PasswordHash,
			CreatedAt:    credentials.CreatedAt,
		}
		data, err := dbUser.MarshalBinary()
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketUsers).Put(dbUser.Key(), data); err != nil {
			return err
		}
		return names.Put([]byte(dbUser.UserName), dbUser.Key())
	})
}

// ListCredentials returns all user credentials stored in the database.
func (s *BboltStorage) ListCredentials() ([]auth.UserCredentials, error) {
	var credentials []auth.UserCredentials
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketUsers)
		return b.ForEach(func(k, v []byte) error {
			var dbUser DBUser
			if err := dbUser.UnmarshalBinary(v); err != nil {
				return err
			}
			credentials = append(credentials, auth.UserCredentials{
				User:         dbUser.toModel(),
				PasswordHash: dbUser.PasswordHash,
			})
			return nil
		})
	})
	return credentials, err
}

func (s *BboltStorage) GetUser(id string) (models.User, error) {
	var user models.User
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketUsers).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("user %s: %w", id, models.ErrNotFound)
		}
		var dbUser DBUser
		if err := dbUser.UnmarshalBinary(data); err != nil {
			return err
		}
		user = dbUser.toModel()
		return nil
	})
	return user, err
}

// ListUsers returns all users ordered by username.
func (s *BboltStorage) ListUsers() ([]models.User, error) {
	users := []models.User{}
	err := s.db.View(func(tx *bbolt.Tx) error {
		byID := tx.Bucket(bucketUsers)
		return tx.Bucket(bucketUsernames).ForEach(func(_, id []byte) error {
			data := byID.Get(id)
			if data == nil {
				return nil
			}
			var dbUser DBUser
			if err := dbUser.UnmarshalBinary(data); err != nil {
				return err
			}
			users = append(users, dbUser.toModel())
			return nil
		})
	})
	return users, err
}

func (u *DBUser) toModel() models.User {
	return models.User{
		ID:        u.ID,
		Username:  u.UserName,
		CreatedAt: u.CreatedAt,
	}
}

// ErrRoomExists is returned by CreateRoom for a name that is already taken.
var ErrRoomExists = errors.New("room already exists")

// UpsertRoom saves a room directory entry.
func (s *BboltStorage) UpsertRoom(room models.Room) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		_, err := s.putRoom(tx, room)
		return err
	})
}

// CreateRoom adds a room directory entry unless the name is already taken.
func (s *BboltStorage) CreateRoom(room models.Room) (models.Room, error) {
	var created models.Room
	err := s.db.Update(func(tx *bbolt.Tx) error {
		if tx.Bucket(bucketRooms).Get([]byte(room.Name)) != nil {
			return fmt.Errorf("room %s: %w", room.Name, ErrRoomExists)
		}
		var err error
		created, err = s.putRoom(tx, room)
		return err
	})
	return created, err
}

func (s *BboltStorage) putRoom(tx *bbolt.Tx, room models.Room) (models.Room, error) {
	dbRoom := &DBRoom{
		Name:      room.Name,
		IsPrivate: room.IsPrivate,
		CreatedBy: room.CreatedBy,
		CreatedAt: room.CreatedAt,
	}
	if dbRoom.CreatedAt == 0 {
		dbRoom.CreatedAt = s.now().UnixMilli()
	}
	data, err := dbRoom.MarshalBinary()
	if err != nil {
		return models.Room{}, err
	}
	if err := tx.Bucket(bucketRooms).Put(dbRoom.Key(), data); err != nil {
		return models.Room{}, err
	}
	return dbRoom.toModel(), nil
}

func (s *BboltStorage) GetRoom(name string) (models.Room, error) {
	var room models.Room
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketRooms).Get([]byte(name))
		if data == nil {
			return fmt.Errorf("room %s: %w", name, models.ErrNotFound)
		}
		var dbRoom DBRoom
		if err := dbRoom.UnmarshalBinary(data); err != nil {
			return err
		}
		room = dbRoom.toModel()
		return nil
	})
	return room, err
}

// ListRooms returns up to limit public rooms ordered by name.
func (s *BboltStorage) ListRooms(limit int) ([]models.Room, error) {
	rooms := []models.Room{}
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketRooms).Cursor()
		for k, v := c.First(); k != nil && len(rooms) < limit; k, v = c.Next() {
			var dbRoom DBRoom
			if err := dbRoom.UnmarshalBinary(v); err != nil {
				return err
			}
			if dbRoom.IsPrivate {
				continue
			}
			rooms = append(rooms, dbRoom.toModel())
		}
		return nil
	})
	return rooms, err
}

func (r *DBRoom) toModel() models.Room {
	return models.Room{
		Name:      r.Name,
		IsPrivate: r.IsPrivate,
		CreatedBy: r.CreatedBy,
		CreatedAt: r.CreatedAt,
	}
}
