package common

import (
	"encoding/hex"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// NewULID returns a lexicographically sortable id. Ids minted within the
// same millisecond stay ordered.
func NewULID() (string, error) {
	id, err := ulid.New(ulid.Timestamp(time.Now()), ulid.DefaultEntropy())
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// NewGuestID returns "guest_" followed by 16 hex characters.
func NewGuestID() string {
	u := uuid.New()
	return "guest_" + hex.EncodeToString(u[:8])
}
