package util

import "github.com/google/uuid"

// NewID returns a new random UUID string used for run identifiers.
func NewID() string { return uuid.NewString() }
