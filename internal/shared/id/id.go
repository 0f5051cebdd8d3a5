// Package id provides centralized ID generation for the backend.
//
// Two schemes coexist on purpose:
//   - Session IDs use random UUIDv4. Sessions are created asynchronously
//     (including in response to remote content, e.g. pivoting into a new
//     session from a citation discovered mid-stream), so collision
//     resistance matters more than sortability. Session IDs are never
//     recycled within a process lifetime, even after deletion.
//   - Request and stream-attempt IDs use ULIDs. They appear in logs and
//     benefit from being k-sortable.
package id

import (
	"crypto/rand"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// SessionID identifies a research session
type SessionID string

// RequestID identifies an API request
type RequestID string

// AttemptID identifies one stream connection attempt
type AttemptID string

const (
	SessionPrefix = "sess"
	RequestPrefix = "req"
	AttemptPrefix = "att"
)

// Generator generates ULIDs with optional prefixes
type Generator struct {
	entropy   io.Reader
	entropyMu sync.Mutex // Protects entropy reader
}

var (
	defaultGenerator *Generator
	once             sync.Once
)

// Default returns the singleton generator instance
func Default() *Generator {
	once.Do(func() {
		defaultGenerator = NewGenerator()
	})
	return defaultGenerator
}

// NewGenerator creates a new ULID generator
func NewGenerator() *Generator {
	return &Generator{
		entropy: rand.Reader,
	}
}

// NewGeneratorWithEntropy creates a generator with custom entropy source
// Useful for testing with deterministic entropy
func NewGeneratorWithEntropy(entropy io.Reader) *Generator {
	return &Generator{
		entropy: entropy,
	}
}

// Generate creates a new ULID
func (g *Generator) Generate() ulid.ULID {
	g.entropyMu.Lock()
	defer g.entropyMu.Unlock()

	return ulid.MustNew(ulid.Timestamp(time.Now()), g.entropy)
}

// GenerateString creates a new ULID as a string
func (g *Generator) GenerateString() string {
	return g.Generate().String()
}

// GenerateWithPrefix creates a prefixed ULID string
func (g *Generator) GenerateWithPrefix(prefix string) string {
	return fmt.Sprintf("%s_%s", prefix, g.GenerateString())
}

// NewSessionID generates a new session ID.
func NewSessionID() SessionID {
	return SessionID(fmt.Sprintf("%s_%s", SessionPrefix, uuid.NewString()))
}

// NewRequestID generates a new request ID
func NewRequestID() RequestID {
	return RequestID(Default().GenerateWithPrefix(RequestPrefix))
}

// NewAttemptID generates a new stream attempt ID
func NewAttemptID() AttemptID {
	return AttemptID(Default().GenerateWithPrefix(AttemptPrefix))
}

// String methods for ID types
func (id SessionID) String() string { return string(id) }
func (id RequestID) String() string { return string(id) }
func (id AttemptID) String() string { return string(id) }

// IsValidULID checks if an ID string is a valid ULID
func IsValidULID(id string) bool {
	_, err := ulid.Parse(id)
	return err == nil
}

// Timestamp extracts the timestamp from a ULID string
func Timestamp(id string) (time.Time, error) {
	parsed, err := ulid.Parse(id)
	if err != nil {
		return time.Time{}, err
	}
	return ulid.Time(parsed.Time()), nil
}
