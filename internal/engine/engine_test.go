package engine

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentkernel/agentkernel/internal/capture"
	"github.com/agentkernel/agentkernel/internal/logging"
	"github.com/agentkernel/agentkernel/internal/protocol"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	sinks, err := capture.New(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { sinks.Close() })

	eng, err := New(Config{
		Sinks:         sinks,
		Logger:        logging.NewDefault(),
		AbandonFactor: 2,
	})
	require.NoError(t, err)
	return eng
}

func TestStatePersistsAcrossExecutions(t *testing.T) {
	eng := newTestEngine(t)

	res := eng.Execute("x = 100", time.Second)
	require.Equal(t, protocol.OutcomeSuccess, res.Outcome)
	assert.Empty(t, res.Stdout)

	res = eng.Execute("print(x)", time.Second)
	require.Equal(t, protocol.OutcomeSuccess, res.Outcome)
	assert.Equal(t, "100\n", res.Stdout)
}

func TestRebindingReplacesValue(t *testing.T) {
	eng := newTestEngine(t)

	eng.Execute("v = 'first'", time.Second)
	eng.Execute("v = 'second'", time.Second)

	res := eng.Execute("print(v)", time.Second)
	assert.Equal(t, "second\n", res.Stdout)
}

func TestRuntimeErrorIsIsolated(t *testing.T) {
	eng := newTestEngine(t)

	eng.Execute("x = 42", time.Second)

	res := eng.Execute("noSuchFunction()", time.Second)
	require.Equal(t, protocol.OutcomeRuntimeError, res.Outcome)
	assert.Contains(t, res.Stderr, "noSuchFunction")

	// The kernel survives the fault and prior state is intact.
	res = eng.Execute("print(x)", time.Second)
	require.Equal(t, protocol.OutcomeSuccess, res.Outcome)
	assert.Equal(t, "42\n", res.Stdout)
}

func TestFaultLeavesPartialState(t *testing.T) {
	eng := newTestEngine(t)

	res := eng.Execute("a = 1; b = 2; boom()", time.Second)
	require.Equal(t, protocol.OutcomeRuntimeError, res.Outcome)

	names := varNames(eng.Inspect(""))
	assert.Contains(t, names, "a")
	assert.Contains(t, names, "b")
}

func TestTimeoutReturnsPartialOutput(t *testing.T) {
	eng := newTestEngine(t)

	start := time.Now()
	res := eng.Execute("print('before'); sleep(10000); print('after')", 150*time.Millisecond)
	elapsed := time.Since(start)

	require.Equal(t, protocol.OutcomeTimeout, res.Outcome)
	assert.Less(t, elapsed, 2*time.Second)
	assert.Contains(t, res.Stdout, "before")
	assert.NotContains(t, res.Stdout, "after")

	// Liveness survives the timeout: status and the next execution work.
	_, _, mem := eng.Status()
	assert.NotZero(t, mem)
}

func TestWatchdogReclaimsExecutionLock(t *testing.T) {
	eng := newTestEngine(t)

	res := eng.Execute("for(;;){}", 100*time.Millisecond)
	require.Equal(t, protocol.OutcomeTimeout, res.Outcome)

	// The abandoned loop holds the lock until the watchdog interrupts it at
	// factor x timeout; the next execution must get through shortly after.
	res = eng.Execute("y = 7; print(y)", 3*time.Second)
	require.Equal(t, protocol.OutcomeSuccess, res.Outcome)
	assert.Equal(t, "7\n", res.Stdout)
}

func TestResetClearsNamespace(t *testing.T) {
	eng := newTestEngine(t)

	eng.Execute("kept = [1, 2, 3]", time.Second)
	require.NotEmpty(t, eng.Inspect(""))

	require.NoError(t, eng.Reset())
	assert.Empty(t, eng.Inspect(""))

	// The engine still works after a reset.
	res := eng.Execute("print('alive')", time.Second)
	assert.Equal(t, protocol.OutcomeSuccess, res.Outcome)
	assert.Equal(t, "alive\n", res.Stdout)
}

func TestInspectReportsTypesAndSizes(t *testing.T) {
	eng := newTestEngine(t)

	eng.Execute("n = 3.5; s = 'hello'; arr = [1,2,3]; obj = {a: 1}; f = function() {}", time.Second)

	byName := map[string]protocol.VarInfo{}
	for _, v := range eng.Inspect("") {
		byName[v.Name] = v
	}

	assert.Equal(t, "number", byName["n"].Type)
	assert.Equal(t, "string", byName["s"].Type)
	assert.Equal(t, "array", byName["arr"].Type)
	assert.Equal(t, "object", byName["obj"].Type)
	assert.Equal(t, "function", byName["f"].Type)
	assert.Greater(t, byName["s"].Size, int64(0))
}

func TestInspectFilterAndOrdering(t *testing.T) {
	eng := newTestEngine(t)

	eng.Execute("alpha = 1", time.Second)
	eng.Execute("beta = 2", time.Second)
	eng.Execute("alphabet = 3", time.Second)

	all := eng.Inspect("")
	require.Len(t, all, 3)
	// Most recently defined first.
	assert.Equal(t, "alphabet", all[0].Name)

	filtered := varNames(eng.Inspect("ALPHA"))
	assert.ElementsMatch(t, []string{"alpha", "alphabet"}, filtered)
}

func TestInspectIsIdempotent(t *testing.T) {
	eng := newTestEngine(t)
	eng.Execute("x = 1; y = 2", time.Second)

	first := eng.Inspect("")
	for i := 0; i < 5; i++ {
		assert.Equal(t, first, eng.Inspect(""))
	}

	_, entries, _ := eng.Status()
	assert.Equal(t, len(first), entries)
}

func TestBuiltinsAreNotListed(t *testing.T) {
	eng := newTestEngine(t)
	assert.Empty(t, eng.Inspect(""))

	eng.Execute("print('hi')", time.Second)
	assert.Empty(t, eng.Inspect(""))
}

func TestConcurrentExecutesAreSerialized(t *testing.T) {
	eng := newTestEngine(t)
	eng.Execute("count = 0", time.Second)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res := eng.Execute("count = count + 1", 5*time.Second)
			assert.Equal(t, protocol.OutcomeSuccess, res.Outcome)
		}()
	}
	wg.Wait()

	res := eng.Execute("print(count)", time.Second)
	assert.Equal(t, "10\n", res.Stdout)
}

func TestStatsModule(t *testing.T) {
	eng := newTestEngine(t)

	res := eng.Execute("print(stats.mean([1, 2, 3, 4]))", time.Second)
	require.Equal(t, protocol.OutcomeSuccess, res.Outcome)
	assert.Equal(t, "2.5\n", res.Stdout)

	res = eng.Execute("r = stats.bootstrap([1,2,3,4,5], {iterations: 50, workers: 16}); print(r.iterations)", time.Second)
	require.Equal(t, protocol.OutcomeSuccess, res.Outcome)
	assert.Equal(t, "50\n", res.Stdout)
}

func TestHTTPGetAllIsForcedSequential(t *testing.T) {
	var inFlight, maxInFlight int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cur := atomic.AddInt64(&inFlight, 1)
		for {
			old := atomic.LoadInt64(&maxInFlight)
			if cur <= old || atomic.CompareAndSwapInt64(&maxInFlight, old, cur) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		atomic.AddInt64(&inFlight, -1)
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	eng := newTestEngine(t)
	code := `
		urls = [];
		for (i = 0; i < 4; i++) { urls.push('` + srv.URL + `'); }
		rs = http.getAll(urls, {parallel: 8});
		print(rs.length, rs[0].status);
	`
	res := eng.Execute(code, 30*time.Second)
	require.Equal(t, protocol.OutcomeSuccess, res.Outcome, res.Stderr)
	assert.Equal(t, "4 200\n", res.Stdout)

	// The patch table downgraded parallel:8 to a single worker.
	assert.EqualValues(t, 1, atomic.LoadInt64(&maxInFlight))
}

func varNames(vars []protocol.VarInfo) []string {
	names := make([]string, len(vars))
	for i, v := range vars {
		names[i] = v.Name
	}
	return names
}
