// Package id provides ULID generation for the controller layer.
//
// IDs are lexicographically sortable, so script and note listings come back
// in creation order without a separate timestamp sort. Prefixes keep logs
// readable (scr_*, note_*, exec_*).
package id

import (
	"crypto/rand"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// ScriptID identifies a stored script.
type ScriptID string

// NoteID identifies a memory note.
type NoteID string

// ExecID identifies a single execution request.
type ExecID string

const (
	ScriptPrefix = "scr"
	NotePrefix   = "note"
	ExecPrefix   = "exec"
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

// Default returns the singleton generator instance.
func Default() *Generator {
	once.Do(func() {
		defaultGenerator = NewGenerator(rand.Reader)
	})
	return defaultGenerator
}

// NewGenerator creates a generator with the given entropy source.
// Pass a deterministic reader in tests.
func NewGenerator(entropy io.Reader) *Generator {
	return &Generator{entropy: entropy}
}

// Generate creates a new ULID.
func (g *Generator) Generate() ulid.ULID {
	g.entropyMu.Lock()
	defer g.entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), g.entropy)
}

// GenerateWithPrefix creates a prefixed ULID string.
func (g *Generator) GenerateWithPrefix(prefix string) string {
	return fmt.Sprintf("%s_%s", prefix, g.Generate().String())
}

// NewScriptID generates a new script ID.
func NewScriptID() ScriptID {
	return ScriptID(Default().GenerateWithPrefix(ScriptPrefix))
}

// NewNoteID generates a new note ID.
func NewNoteID() NoteID {
	return NoteID(Default().GenerateWithPrefix(NotePrefix))
}

// NewExecID generates a new execution ID.
func NewExecID() ExecID {
	return ExecID(Default().GenerateWithPrefix(ExecPrefix))
}
