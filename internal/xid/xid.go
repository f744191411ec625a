package xid

import (
	"strings"

	"github.com/google/uuid"
)

func New() string {
	return uuid.NewString()
}

// NewInstructionID returns a mobile-wallet payment request id: 32 upper-case
// hex characters, a UUID without dashes.
func NewInstructionID() string {
	return strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))
}

// IsUUID reports whether id parses as a UUID.
func IsUUID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}
