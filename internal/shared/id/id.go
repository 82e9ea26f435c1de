// Package id provides centralized ID generation for backupd.
//
// This package offers type-safe ULID generation with:
//   - Lexicographic sortability: run and operation histories sort by time
//   - Prefixed types: type-specific prefixes for debugging (op_*, run_*, xfer_*)
//   - Type safety: separate types prevent token misuse
//
// Design Principles:
//   - ULIDs only: single ID format across the service
//   - K-sortable: timeline queries without timestamps
//   - Debuggable: prefixes make logs readable
package id

import (
	"crypto/rand"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// OpToken identifies one cancelable unit of work in the operation registry.
type OpToken string

// RunID identifies one whole backup run.
type RunID string

// TransferID identifies one producer transfer session on the transport.
type TransferID string

const (
	OpPrefix       = "op"
	RunPrefix      = "run"
	TransferPrefix = "xfer"
	RequestPrefix  = "req"
)

// Generator generates ULIDs with optional prefixes.
type Generator struct {
	entropy   io.Reader
	entropyMu sync.Mutex // protects entropy reader
}

var (
	defaultGenerator *Generator
	once             sync.Once
)

// Default returns the singleton generator instance.
func Default() *Generator {
	once.Do(func() {
		defaultGenerator = NewGenerator()
	})
	return defaultGenerator
}

// NewGenerator creates a new ULID generator backed by crypto/rand.
func NewGenerator() *Generator {
	return &Generator{entropy: rand.Reader}
}

// NewGeneratorWithEntropy creates a generator with a custom entropy source.
// Useful for testing with deterministic entropy.
func NewGeneratorWithEntropy(entropy io.Reader) *Generator {
	return &Generator{entropy: entropy}
}

// Generate creates a new ULID.
func (g *Generator) Generate() ulid.ULID {
	g.entropyMu.Lock()
	defer g.entropyMu.Unlock()

	return ulid.MustNew(ulid.Timestamp(time.Now()), g.entropy)
}

// GenerateString creates a new ULID as a string.
func (g *Generator) GenerateString() string {
	return g.Generate().String()
}

// GenerateWithPrefix creates a prefixed ULID string.
func (g *Generator) GenerateWithPrefix(prefix string) string {
	return fmt.Sprintf("%s_%s", prefix, g.GenerateString())
}

// NewOpToken generates a new operation token.
func NewOpToken() OpToken {
	return OpToken(Default().GenerateWithPrefix(OpPrefix))
}

// NewRunID generates a new run ID.
func NewRunID() RunID {
	return RunID(Default().GenerateWithPrefix(RunPrefix))
}

// NewTransferID generates a new transfer session ID.
func NewTransferID() TransferID {
	return TransferID(Default().GenerateWithPrefix(TransferPrefix))
}

// NewRequestID generates a request trace identifier.
func NewRequestID() string {
	return Default().GenerateWithPrefix(RequestPrefix)
}

func (t OpToken) String() string    { return string(t) }
func (r RunID) String() string      { return string(r) }
func (x TransferID) String() string { return string(x) }

// IsValid checks if an ID string is a valid ULID.
func IsValid(id string) bool {
	_, err := ulid.Parse(id)
	return err == nil
}

// Timestamp extracts the creation time from an unprefixed ULID string.
func Timestamp(id string) (time.Time, error) {
	parsed, err := ulid.Parse(id)
	if err != nil {
		return time.Time{}, err
	}
	return ulid.Time(parsed.Time()), nil
}
