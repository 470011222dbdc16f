package chat

import (
	"sort"
	"strings"
)

const (
	privatePrefix    = "private:"
	privateSeparator = ":"
)

// PrivateRoomKey returns the room shared by two users. The ids are sorted,
// so both participants derive the same key.
func PrivateRoomKey(a, b string) string {
	ids := []string{a, b}
	sort.Strings(ids)
	return privatePrefix + ids[0] + privateSeparator + ids[1]
}

func IsPrivateRoom(name string) bool {
	return strings.HasPrefix(name, privatePrefix)
}

// PrivateRoomMembers parses a private room key.
func PrivateRoomMembers(name string) (string, string, bool) {
	if !IsPrivateRoom(name) {
		return "", "", false
	}
	parts := strings.Split(strings.TrimPrefix(name, privatePrefix), privateSeparator)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

// CanAccess reports whether userID may use the room. Named rooms are open to
// everybody, private rooms only to their two participants.
func CanAccess(name, userID string) bool {
	if !IsPrivateRoom(name) {
		return true
	}
	a, b, ok := PrivateRoomMembers(name)
	return ok && (a == userID || b == userID)
}
