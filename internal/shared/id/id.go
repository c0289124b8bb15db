// Package id provides centralized ID generation.
//
// Session IDs are prefixed ULIDs: time-ordered, globally unique, and safe
// to generate on any device without coordination, which is what the sync
// merge key requires.
package id

import (
	"crypto/rand"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Prefixes identify the ID's owner type in logs and storage keys.
const (
	SessionPrefix = "sess"
	RequestPrefix = "req"
)

// Generator generates ULIDs with optional prefixes.
type Generator struct {
	entropy   io.Reader
	entropyMu sync.Mutex
}

var (
	defaultGenerator *Generator
	once             sync.Once
)

// Default returns the shared generator backed by crypto/rand.
func Default() *Generator {
	once.Do(func() {
		defaultGenerator = NewGenerator(rand.Reader)
	})
	return defaultGenerator
}

// NewGenerator creates a generator with the given entropy source.
// Deterministic sources are useful in tests.
func NewGenerator(entropy io.Reader) *Generator {
	return &Generator{entropy: entropy}
}

// Generate creates a new ULID string.
func (g *Generator) Generate() string {
	g.entropyMu.Lock()
	defer g.entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), g.entropy).String()
}

// GenerateWithPrefix creates a prefixed ULID string.
func (g *Generator) GenerateWithPrefix(prefix string) string {
	return fmt.Sprintf("%s_%s", prefix, g.Generate())
}

// Session returns a new session ID.
func Session() string {
	return Default().GenerateWithPrefix(SessionPrefix)
}

// Request returns a new request ID.
func Request() string {
	return Default().GenerateWithPrefix(RequestPrefix)
}
