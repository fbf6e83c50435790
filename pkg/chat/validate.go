package chat

import (
	"errors"
	"strings"
	"unicode"
	"unicode/utf8"
)

const (
	minMessageLength = 2
	maxMessageLength = 2000
	minLetterRatio   = 0.3
)

// Validation errors. Their text is safe to return to the client.
var (
	ErrInvalidMessage = errors.New("your message appears to be incomplete or invalid, please send a clear question or message")
	ErrMessageTooLong = errors.New("message exceeds 2000 characters")
)

// Validate rejects messages that are too short, too long, or mostly
// symbols and digits.
func Validate(message string) error {
	if utf8.RuneCountInString(message) > maxMessageLength {
		return ErrMessageTooLong
	}
	cleaned := strings.TrimSpace(message)
	if utf8.RuneCountInString(cleaned) < minMessageLength {
		return ErrInvalidMessage
	}

	var letters, total int
	for _, r := range cleaned {
		if r == ' ' {
			continue
		}
		total++
		if unicode.IsLetter(r) {
			letters++
		}
	}
	if total == 0 || float64(letters)/float64(total) < minLetterRatio {
		return ErrInvalidMessage
	}
	return nil
}
