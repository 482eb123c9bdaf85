// Package uuid issues the identifiers stamped on runs and published records.
package uuid

import (
	"fmt"

	"github.com/google/uuid"
)

// Source issues identifiers. The zero value is ready to use.
type Source struct{}

// NewSource creates a new Source.
func NewSource() *Source {
	return &Source{}
}

// ProcessID returns a UUIDv7 string so process ids sort by launch time.
func (Source) ProcessID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate process id: %w", err)
	}
	return id.String(), nil
}

// RunID returns the key of a run history row.
func (Source) RunID() (uuid.UUID, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.Nil, fmt.Errorf("generate run id: %w", err)
	}
	return id, nil
}

// MessageID returns a random UUIDv4 string for an output envelope.
func (Source) MessageID() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("generate message id: %w", err)
	}
	return id.String(), nil
}

// Canonical validates s and returns its lower-case hyphenated form.
func Canonical(s string) (string, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return "", fmt.Errorf("parse uuid %q: %w", s, err)
	}
	return id.String(), nil
}
