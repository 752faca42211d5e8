package capture

import (
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSinks(t *testing.T) *Sinks {
	t.Helper()
	sinks, err := New(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { sinks.Close() })
	return sinks
}

func TestWriteAndCollect(t *testing.T) {
	sinks := newTestSinks(t)

	_, err := sinks.Stdout().Write([]byte("hello\n"))
	require.NoError(t, err)
	_, err = sinks.Stderr().Write([]byte("oops\n"))
	require.NoError(t, err)

	stdout, stderr, err := sinks.Collect()
	require.NoError(t, err)
	assert.Equal(t, "hello\n", stdout)
	assert.Equal(t, "oops\n", stderr)
}

func TestResetTruncates(t *testing.T) {
	sinks := newTestSinks(t)

	_, err := sinks.Stdout().Write([]byte("stale output"))
	require.NoError(t, err)
	require.NoError(t, sinks.Reset())

	stdout, stderr, err := sinks.Collect()
	require.NoError(t, err)
	assert.Empty(t, stdout)
	assert.Empty(t, stderr)
}

func TestCollectIsRepeatable(t *testing.T) {
	sinks := newTestSinks(t)

	_, err := sinks.Stdout().Write([]byte("once"))
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		stdout, _, err := sinks.Collect()
		require.NoError(t, err)
		assert.Equal(t, "once", stdout)
	}
}

func TestLargeOutputDoesNotBlock(t *testing.T) {
	sinks := newTestSinks(t)

	// Far beyond any pipe buffer: the filesystem absorbs it all without a
	// reader on the other end.
	line := strings.Repeat("x", 1024) + "\n"
	w := sinks.Stdout()
	for i := 0; i < 8*1024; i++ {
		_, err := w.Write([]byte(line))
		require.NoError(t, err)
	}

	stdout, _, err := sinks.Collect()
	require.NoError(t, err)
	assert.Len(t, stdout, 8*1024*1025)
}

func TestConcurrentWriters(t *testing.T) {
	sinks := newTestSinks(t)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				fmt.Fprintf(sinks.Stdout(), "writer-%d\n", n)
			}
		}(i)
	}
	wg.Wait()

	stdout, _, err := sinks.Collect()
	require.NoError(t, err)
	assert.Len(t, strings.Split(strings.TrimRight(stdout, "\n"), "\n"), 800)
}

func TestInvalidUTF8IsRepaired(t *testing.T) {
	sinks := newTestSinks(t)

	// Latin-1 "café": the é is a bare 0xE9 byte.
	_, err := sinks.Stdout().Write([]byte{'c', 'a', 'f', 0xE9})
	require.NoError(t, err)

	stdout, _, err := sinks.Collect()
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(stdout, "caf"))
	assert.True(t, len(stdout) >= 4) // decoded or replaced, never dropped
}
