package protocol

import (
	"fmt"
	"unicode/utf8"
)

const (
	// MaxContentBytes caps the encoded size of a chat message body.
	MaxContentBytes = 4096
	// MaxContentChars caps the character count of a chat message body.
	MaxContentChars = 2000
)

// ValidateContent checks that a chat message body meets the content
// requirements shared by client and server.
func ValidateContent(content string) error {
	if len(content) == 0 {
		return fmt.Errorf("message content is empty")
	}
	if len(content) > MaxContentBytes {
		return fmt.Errorf("message exceeds %d byte limit", MaxContentBytes)
	}
	if utf8.RuneCountInString(content) > MaxContentChars {
		return fmt.Errorf("message exceeds %d character limit", MaxContentChars)
	}
	if !utf8.ValidString(content) {
		return fmt.Errorf("message contains invalid UTF-8")
	}
	return nil
}
