package storage

import "github.com/google/uuid"

// NewID returns a fresh random identifier for a stored record.
func NewID() string {
	return uuid.NewString()
}
