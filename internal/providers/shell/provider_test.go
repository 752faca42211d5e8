package shell

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecCapturesOutput(t *testing.T) {
	p := NewProvider(nil, "")

	res, err := p.Execute(context.Background(), "shell.exec", map[string]any{
		"command": "echo out; echo err >&2",
	})
	require.NoError(t, err)
	require.True(t, res.Success)
	assert.Equal(t, "out\n", res.Data["stdout"])
	assert.Equal(t, "err\n", res.Data["stderr"])
	assert.Equal(t, 0, res.Data["exit_code"])
	assert.Equal(t, false, res.Data["timed_out"])
}

func TestExecNonZeroExit(t *testing.T) {
	p := NewProvider(nil, "")

	res, err := p.Execute(context.Background(), "shell.exec", map[string]any{
		"command": "exit 3",
	})
	require.NoError(t, err)
	require.True(t, res.Success)
	assert.Equal(t, 3, res.Data["exit_code"])
}

func TestExecTimeout(t *testing.T) {
	p := NewProvider(nil, "")

	start := time.Now()
	res, err := p.Execute(context.Background(), "shell.exec", map[string]any{
		"command":    "sleep 30",
		"timeout_ms": float64(300),
	})
	require.NoError(t, err)
	require.True(t, res.Success)
	assert.Equal(t, true, res.Data["timed_out"])
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestExecTimeoutKillsGrandchildren(t *testing.T) {
	p := NewProvider(nil, "")

	// The sleep is a grandchild of the provider (shell -> sleep) holding the
	// output pipes. The group kill must take it down with the shell, or the
	// call would block until the sleep exits on its own.
	start := time.Now()
	res, err := p.Execute(context.Background(), "shell.exec", map[string]any{
		"command":    "echo before; sleep 30; echo after",
		"timeout_ms": float64(300),
	})
	require.NoError(t, err)
	require.True(t, res.Success)
	assert.Equal(t, true, res.Data["timed_out"])
	assert.Equal(t, -1, res.Data["exit_code"])
	assert.Contains(t, res.Data["stdout"], "before")
	assert.NotContains(t, res.Data["stdout"], "after")
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestExecDoesNotWaitForDetachedChildren(t *testing.T) {
	p := NewProvider(nil, "")

	start := time.Now()
	res, err := p.Execute(context.Background(), "shell.exec", map[string]any{
		"command": "sleep 30 & echo started",
	})
	require.NoError(t, err)
	require.True(t, res.Success)
	assert.Contains(t, res.Data["stdout"], "started")
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestExecHardenedEnvWins(t *testing.T) {
	p := NewProvider([]string{"OMP_NUM_THREADS=1"}, "")

	res, err := p.Execute(context.Background(), "shell.exec", map[string]any{
		"command": "printf %s \"$OMP_NUM_THREADS\"",
	})
	require.NoError(t, err)
	require.True(t, res.Success)
	assert.Equal(t, "1", res.Data["stdout"])
}

func TestExecStripsControllerSecrets(t *testing.T) {
	t.Setenv("AGENTKERNEL_TEST_SECRET", "sekrit")
	p := NewProvider(nil, "")

	res, err := p.Execute(context.Background(), "shell.exec", map[string]any{
		"command": "printf %s \"${AGENTKERNEL_TEST_SECRET:-absent}\"",
	})
	require.NoError(t, err)
	require.True(t, res.Success)
	assert.Equal(t, "absent", res.Data["stdout"])
}

func TestExecWorkingDir(t *testing.T) {
	dir := t.TempDir()
	p := NewProvider(nil, "")

	res, err := p.Execute(context.Background(), "shell.exec", map[string]any{
		"command":     "pwd",
		"working_dir": dir,
	})
	require.NoError(t, err)
	require.True(t, res.Success)
	assert.Contains(t, res.Data["stdout"], dir)
}

func TestExecRejectsEmptyCommand(t *testing.T) {
	p := NewProvider(nil, "")

	res, err := p.Execute(context.Background(), "shell.exec", map[string]any{"command": "  "})
	require.NoError(t, err)
	assert.False(t, res.Success)
}

func TestOutputCapped(t *testing.T) {
	p := NewProvider(nil, "")

	res, err := p.Execute(context.Background(), "shell.exec", map[string]any{
		"command": "head -c 3000000 /dev/zero | tr '\\0' 'x'",
	})
	require.NoError(t, err)
	require.True(t, res.Success)
	out := res.Data["stdout"].(string)
	assert.Equal(t, maxOutputBytes, len(out))
}
