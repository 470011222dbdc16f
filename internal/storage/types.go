package storage

import (
	"encoding"
	"encoding/binary"

	"github.com/vmihailenco/msgpack/v5"
)

type Storeable interface {
	Key() []byte
	encoding.BinaryMarshaler
	encoding.BinaryUnmarshaler
}

type DBUser struct {
	ID           string `msgpack:"id"`
	UserName     string `msgpack:"userName"`
	PasswordHash string `msgpack:"passwordHash"`
	CreatedAt    int64  `msgpack:"createdAt"`
}

func (u *DBUser) Key() []byte {
	return []byte(u.ID)
}

func (u *DBUser) MarshalBinary() (data []byte, err error) {
	type alias DBUser
	return msgpack.Marshal((*alias)(u))
}

func (u *DBUser) UnmarshalBinary(data []byte) error {
	type alias DBUser
	return msgpack.Unmarshal(data, (*alias)(u))
}

type DBRoom struct {
	Name      string `msgpack:"name"`
	IsPrivate bool   `msgpack:"isPrivate"`
	CreatedBy string `msgpack:"createdBy"`
	CreatedAt int64  `msgpack:"createdAt"`
}

func (r *DBRoom) Key() []byte {
	return []byte(r.Name)
}

func (r *DBRoom) MarshalBinary() (data []byte, err error) {
	type alias DBRoom
	return msgpack.Marshal((*alias)(r))
}

func (r *DBRoom) UnmarshalBinary(data []byte) error {
	type alias DBRoom
	return msgpack.Unmarshal(data, (*alias)(r))
}

// DBMessage is stored in a per-room bucket keyed by CreatedAt.
type DBMessage struct {
	ID        string         `msgpack:"id"`
	SenderID  string         `msgpack:"senderId"`
	Room      string         `msgpack:"room"`
	Content   string         `msgpack:"content"`
	HTML      string         `msgpack:"html"`
	Type      string         `msgpack:"type"`
	Meta      map[string]any `msgpack:"meta"`
	CreatedAt int64          `msgpack:"createdAt"`
	ReadBy    []string       `msgpack:"readBy"`
}

func (m *DBMessage) Key() []byte {
	return timeKey(m.CreatedAt)
}

func (m *DBMessage) MarshalBinary() (data []byte, err error) {
	type alias DBMessage
	return msgpack.Marshal((*alias)(m))
}

func (m *DBMessage) UnmarshalBinary(data []byte) error {
	type alias DBMessage
	return msgpack.Unmarshal(data, (*alias)(m))
}

// DBMessageRef locates a message by id.
type DBMessageRef struct {
	ID        string `msgpack:"id"`
	Room      string `msgpack:"room"`
	CreatedAt int64  `msgpack:"createdAt"`
}

func (r *DBMessageRef) Key() []byte {
	return []byte(r.ID)
}

func (r *DBMessageRef) MarshalBinary() (data []byte, err error) {
	type alias DBMessageRef
	return msgpack.Marshal((*alias)(r))
}

func (r *DBMessageRef) UnmarshalBinary(data []byte) error {
	type alias DBMessageRef
	return msgpack.Unmarshal(data, (*alias)(r))
}

func timeKey(ts int64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, uint64(ts))
	return key
}

func keyTime(key []byte) int64 {
	return int64(binary.BigEndian.Uint64(key))
}
