package content

import (
	"bytes"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"
)

const (
	MaxUsernameLength = 50
	MaxRoomNameLength = 100
	MaxMessageLength  = 5000
	MinPasswordLength = 6
)

var (
	policy        = bluemonday.UGCPolicy()
	markdown      = goldmark.New()
	usernameRegex = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)
)

// Sanitize removes unsafe HTML from the input string using a strict policy.
func Sanitize(input string) string {
	return policy.Sanitize(input)
}

// RenderMarkdown converts message text to HTML safe for direct insertion into the page.
func RenderMarkdown(input string) (string, error) {
	var buf bytes.Buffer
	if err := markdown.Convert([]byte(input), &buf); err != nil {
		return "", fmt.Errorf("failed to render markdown: %w", err)
	}
	return strings.TrimSpace(string(policy.SanitizeBytes(buf.Bytes()))), nil
}

// ValidateUsername checks if the username contains only allowed characters
// (alphanumeric, dot, dash, underscore) and is not empty.
func ValidateUsername(username string) error {
	if username == "" {
		return errors.New("username cannot be empty")
	}
	if len(username) > MaxUsernameLength {
		return errors.New("username exceeds maximum length")
	}
	if !usernameRegex.MatchString(username) {
		return errors.New("username contains invalid characters (allowed: alphanumeric, dot, dash, underscore)")
	}
	return nil
}

func ValidatePassword(password string) error {
	if utf8.RuneCountInString(password) < MinPasswordLength {
		return fmt.Errorf("password must be at least %d characters", MinPasswordLength)
	}
	return nil
}

// ValidateRoomName rejects empty, oversized and non-printable room names.
func ValidateRoomName(name string) error {
	if strings.TrimSpace(name) == "" {
		return errors.New("room name cannot be empty")
	}
	if len(name) > MaxRoomNameLength {
		return errors.New("room name exceeds maximum length")
	}
	if !utf8.ValidString(name) {
		return errors.New("room name contains invalid characters")
	}
	for _, r := range name {
		if unicode.IsControl(r) {
			return errors.New("room name contains invalid characters")
		}
	}
	return nil
}

func ValidateMessage(text string) error {
	if strings.TrimSpace(text) == "" {
		return errors.New("message content cannot be empty")
	}
	if len(text) > MaxMessageLength {
		return errors.New("message exceeds maximum length")
	}
	if !utf8.ValidString(text) {
		return errors.New("message contains invalid characters")
	}
	return nil
}
