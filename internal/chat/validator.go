package chat

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

const (
	MaxMessageBytes = 4096 // 4KB max frame size
	MaxTextChars    = 2000 // max character count
)

var (
	ErrEmptyMessage   = errors.New("message text is empty")
	ErrMessageTooLong = errors.New("message is too long")
	ErrInvalidText    = errors.New("message contains invalid UTF-8")
)

// NormalizeMessage trims surrounding whitespace and validates what is left.
// Errors are one of the sentinels above, wrapped with the exceeded limit
// where one applies.
func NormalizeMessage(text string) (string, error) {
	text = strings.TrimSpace(text)
	return text, ValidateMessage(text)
}

// ValidateMessage checks that a chat message meets content requirements.
func ValidateMessage(text string) error {
	switch {
	case len(text) == 0:
		return ErrEmptyMessage
	case len(text) > MaxMessageBytes:
		return fmt.Errorf("%w: over %d bytes", ErrMessageTooLong, MaxMessageBytes)
	case !utf8.ValidString(text):
		return ErrInvalidText
	case utf8.RuneCountInString(text) > MaxTextChars:
		return fmt.Errorf("%w: over %d characters", ErrMessageTooLong, MaxTextChars)
	}
	return nil
}
