package transformer

import "github.com/google/uuid"

// IDGenerator produces resource identifiers. Implementations must be safe for
// concurrent use if the transformer is shared between goroutines.
type IDGenerator interface {
	NewID() string
}

// UUIDGenerator generates random (version 4) UUIDs.
type UUIDGenerator struct{}

// NewID returns a new random UUID string.
func (UUIDGenerator) NewID() string {
	return uuid.NewString()
}

// IDGeneratorFunc adapts a function to IDGenerator.
type IDGeneratorFunc func() string

// NewID calls f.
func (f IDGeneratorFunc) NewID() string {
	return f()
}
