// Package capture owns the output sinks: two append-only files that receive
// everything a submission prints. Files, not in-memory pipes, absorb the
// backpressure of large or slow output: a submission can write megabytes
// before anyone reads a byte and nothing blocks. The transport reads the
// sinks after the execution (or its deadline), never through the execution
// call itself.
package capture

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/saintfish/chardet"
	"golang.org/x/text/encoding/htmlindex"
)

// Sinks is one pair of stdout/stderr file sinks. A single pair is active at
// a time; Reset truncates both before every execution.
type Sinks struct {
	mu     sync.Mutex
	dir    string
	stdout *os.File
	stderr *os.File
}

// New creates (or reopens) the sink pair under dir.
func New(dir string) (*Sinks, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create sink dir: %w", err)
	}

	stdout, err := os.OpenFile(filepath.Join(dir, "stdout.sink"), os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open stdout sink: %w", err)
	}
	stderr, err := os.OpenFile(filepath.Join(dir, "stderr.sink"), os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		stdout.Close()
		return nil, fmt.Errorf("open stderr sink: %w", err)
	}

	return &Sinks{dir: dir, stdout: stdout, stderr: stderr}, nil
}

// NewTemp creates sinks in a fresh temporary directory.
func NewTemp() (*Sinks, error) {
	dir, err := os.MkdirTemp("", "agentkernel-sinks-")
	if err != nil {
		return nil, fmt.Errorf("create temp sink dir: %w", err)
	}
	return New(dir)
}

// Dir returns the sink directory.
func (s *Sinks) Dir() string { return s.dir }

// Reset truncates both sinks for the next execution.
func (s *Sinks) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, f := range []*os.File{s.stdout, s.stderr} {
		if err := f.Truncate(0); err != nil {
			return fmt.Errorf("truncate sink: %w", err)
		}
		if _, err := f.Seek(0, 0); err != nil {
			return fmt.Errorf("rewind sink: %w", err)
		}
	}
	return nil
}

// Stdout returns the stdout sink writer.
func (s *Sinks) Stdout() *Writer { return &Writer{sinks: s, file: s.stdout} }

// Stderr returns the stderr sink writer.
func (s *Sinks) Stderr() *Writer { return &Writer{sinks: s, file: s.stderr} }

// Writer serializes writes to one sink file. Safe for use by the execution
// goroutine while the transport is answering status calls.
type Writer struct {
	sinks *Sinks
	file  *os.File
}

func (w *Writer) Write(p []byte) (int, error) {
	w.sinks.mu.Lock()
	defer w.sinks.mu.Unlock()
	return w.file.Write(p)
}

// Collect reads both sinks in full and repairs the encoding. It is called
// after the execution completed or its deadline elapsed; on timeout the
// sinks hold everything written up to that moment, which is returned as-is.
func (s *Sinks) Collect() (stdout, stderr string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	outBytes, err := os.ReadFile(s.stdout.Name())
	if err != nil {
		return "", "", fmt.Errorf("read stdout sink: %w", err)
	}
	errBytes, err := os.ReadFile(s.stderr.Name())
	if err != nil {
		return "", "", fmt.Errorf("read stderr sink: %w", err)
	}

	return decodeToUTF8(outBytes), decodeToUTF8(errBytes), nil
}

// Close closes both sink files.
func (s *Sinks) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err1 := s.stdout.Close()
	err2 := s.stderr.Close()
	if err1 != nil {
		return err1
	}
	return err2
}

// decodeToUTF8 returns the sink bytes as valid UTF-8. Submissions that shell
// out or emit legacy encodings used to corrupt responses; sniff the charset
// and transcode when the bytes are not already valid UTF-8.
func decodeToUTF8(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	if utf8.Valid(b) {
		return string(b)
	}

	detector := chardet.NewTextDetector()
	if result, err := detector.DetectBest(b); err == nil && result.Charset != "" {
		if enc, err := htmlindex.Get(strings.ToLower(result.Charset)); err == nil {
			if decoded, err := enc.NewDecoder().Bytes(b); err == nil && utf8.Valid(decoded) {
				return string(decoded)
			}
		}
	}

	// Last resort: drop the invalid sequences rather than the whole output.
	return strings.ToValidUTF8(string(b), string(utf8.RuneError))
}
