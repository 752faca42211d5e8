package patch

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadEmbeddedTable(t *testing.T) {
	table, err := Load()
	require.NoError(t, err)
	assert.NotEmpty(t, table.Rules)
	assert.NotEmpty(t, table.Env)
	assert.True(t, table.HasRules("http", "getAll"))
}

func TestRewriteForcesCallerValue(t *testing.T) {
	table := MustLoad()

	// Caller explicitly asks for 8 parallel fetches; the table wins.
	opts := table.Rewrite("http", "getAll", map[string]any{"parallel": 8})
	assert.EqualValues(t, 1, opts["parallel"])
}

func TestRewriteDefaultOnlyFillsGaps(t *testing.T) {
	table := MustLoad()

	opts := table.Rewrite("http", "get", nil)
	assert.EqualValues(t, 30000, opts["timeout_ms"])

	opts = table.Rewrite("http", "get", map[string]any{"timeout_ms": 500})
	assert.EqualValues(t, 500, opts["timeout_ms"])
}

func TestRewriteIgnoresUnpatchedFunctions(t *testing.T) {
	table := MustLoad()

	opts := table.Rewrite("stats", "mean", map[string]any{"workers": 16})
	assert.EqualValues(t, 16, opts["workers"])
	assert.Nil(t, table.Rewrite("console", "log", nil))
}

func TestChildEnvForcesSingleThreadedMath(t *testing.T) {
	table := MustLoad()
	env := table.ChildEnv()
	assert.Contains(t, env, "OPENBLAS_NUM_THREADS=1")
	assert.Contains(t, env, "OMP_NUM_THREADS=1")
}
