package uuidx

import "github.com/google/uuid"

// New returns a version 7 UUID. Version 7 ids sort by creation time, which
// keeps descriptor and answer ids readable in logs.
func New() uuid.UUID {
	return uuid.Must(uuid.NewV7())
}

func NewString() string {
	return New().String()
}

// Prefixed returns "<prefix>-<uuid>", or a bare id when prefix is empty.
func Prefixed(prefix string) string {
	if prefix == "" {
		return NewString()
	}
	return prefix + "-" + NewString()
}
