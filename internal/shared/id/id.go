// Package id provides unique default names for kernel resources.
//
// Ports are addressed by name in the abstract socket namespace, which is shared
// by every process on the host, so an unnamed port needs a name nobody else
// will pick. ULIDs give that with a time-sortable, debuggable string:
//   - Prefixed: port_*, thrd_*, area_* make logs readable
//   - Bounded: prefix + ULID always fits in a 32-byte kernel name
package id

import (
	"crypto/rand"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// ============================================================================
// Name Prefixes
// ============================================================================

const (
	PortPrefix   = "port"
	ThreadPrefix = "thrd"
	AreaPrefix   = "area"
)

// ============================================================================
// ULID Generator
// ============================================================================

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
		entropy: ulid.Monotonic(rand.Reader, 0),
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

// ============================================================================
// Resource Names
// ============================================================================

// PortName returns a fresh abstract-namespace name for an unnamed port.
func PortName() string {
	return Default().GenerateWithPrefix(PortPrefix)
}

// ThreadName returns a default name for an unnamed thread.
func ThreadName() string {
	return Default().GenerateWithPrefix(ThreadPrefix)
}

// AreaName returns a default name for an unnamed area.
func AreaName() string {
	return Default().GenerateWithPrefix(AreaPrefix)
}

// IsValid checks if an ID string is a valid ULID
func IsValid(id string) bool {
	_, err := ulid.Parse(id)
	return err == nil
}

// Timestamp extracts the creation time from a ULID, with or without a prefix.
func Timestamp(id string) (time.Time, error) {
	if len(id) > ulid.EncodedSize {
		id = id[len(id)-ulid.EncodedSize:]
	}
	parsed, err := ulid.Parse(id)
	if err != nil {
		return time.Time{}, err
	}
	return ulid.Time(parsed.Time()), nil
}
