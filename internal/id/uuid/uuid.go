// Package uuid generates blob keys and request identifiers.
package uuid

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Generator creates time-ordered UUIDv7 keys, optionally under a fixed prefix.
type Generator struct {
	prefix string
}

// New creates a Generator. A non-empty prefix is joined to each ID with "/".
func New(prefix string) *Generator {
	return &Generator{prefix: strings.Trim(prefix, "/")}
}

// NewID returns a fresh key such as "blobs/0190b6e4-...".
func (g *Generator) NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate uuid7: %w", err)
	}
	if g.prefix == "" {
		return id.String(), nil
	}
	return g.prefix + "/" + id.String(), nil
}

// NewRequestID returns a random UUIDv4 string for correlating HTTP requests.
func NewRequestID() string {
	return uuid.NewString()
}
