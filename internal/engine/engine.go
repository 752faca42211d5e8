// Package engine owns the persistent namespace and evaluates submitted code
// against it. One goja runtime lives for the whole kernel process; globals
// bound by one execution are visible to every later one until an explicit
// reset. Executions are strictly serialized (the runtime has no internal
// concurrency safety) while status and inspect answer from snapshots so
// they never touch the VM mid-execution.
package engine

import (
	"fmt"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bytedance/sonic"
	"github.com/dop251/goja"
	"go.uber.org/zap"

	"github.com/agentkernel/agentkernel/internal/capture"
	"github.com/agentkernel/agentkernel/internal/logging"
	"github.com/agentkernel/agentkernel/internal/patch"
	"github.com/agentkernel/agentkernel/internal/protocol"
)

// minAbandonFactor keeps the watchdog strictly behind the transport deadline.
const minAbandonFactor = 2

// Config configures the engine.
type Config struct {
	Sinks  *capture.Sinks
	Logger *logging.Logger
	Table  *patch.Table
	// AbandonFactor bounds a runaway execution: the VM is interrupted at
	// AbandonFactor x the requested timeout so the execution lock is never
	// held forever. Clamped to at least 2.
	AbandonFactor int
}

// Result is the outcome of one execution unit.
type Result struct {
	Stdout  string
	Stderr  string
	Outcome protocol.Outcome
	Elapsed time.Duration
}

// Engine evaluates code units against the persistent namespace.
type Engine struct {
	execMu sync.Mutex // serializes executions and all VM access
	vm     *goja.Runtime

	sinks   *capture.Sinks
	log     *logging.Logger
	table   *patch.Table
	factor  int
	started time.Time

	// baseline holds the global names installed by the engine itself, so
	// inspect only reports what submissions defined.
	baseline map[string]struct{}

	// interrupted is polled by blocking builtins (sleep, http) so a pending
	// VM interrupt takes effect without waiting out a host call.
	interrupted atomic.Bool

	snapMu   sync.RWMutex
	snapVars []protocol.VarInfo
}

// New builds an engine, installs the host modules, and applies the safety
// patch table. The table is consulted exactly once, here, before any
// request is served.
func New(cfg Config) (*Engine, error) {
	if cfg.Sinks == nil {
		return nil, fmt.Errorf("engine requires sinks")
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NewDefault()
	}
	if cfg.Table == nil {
		t, err := patch.Load()
		if err != nil {
			return nil, err
		}
		cfg.Table = t
	}
	factor := cfg.AbandonFactor
	if factor < minAbandonFactor {
		factor = minAbandonFactor
	}

	e := &Engine{
		sinks:   cfg.Sinks,
		log:     cfg.Logger.Named("engine"),
		table:   cfg.Table,
		factor:  factor,
		started: time.Now(),
	}
	if err := e.initVM(); err != nil {
		return nil, err
	}
	return e, nil
}

// initVM creates a fresh runtime with builtins and records the baseline.
// Callers must hold execMu (or be the constructor).
func (e *Engine) initVM() error {
	vm := goja.New()
	e.vm = vm
	if err := e.installBuiltins(vm); err != nil {
		return fmt.Errorf("install builtins: %w", err)
	}

	e.baseline = make(map[string]struct{})
	for _, name := range vm.GlobalObject().Keys() {
		e.baseline[name] = struct{}{}
	}
	e.refreshSnapshotLocked()
	return nil
}

// Execute runs one code unit with the given transport-side timeout.
//
// The wait is bounded, the evaluation is not: on deadline the caller gets
// outcome timeout with whatever the sinks hold, while the evaluation keeps
// running, and possibly keeps mutating the namespace, until it finishes
// or the watchdog interrupts it at factor x timeout.
func (e *Engine) Execute(code string, timeout time.Duration) *Result {
	start := time.Now()
	done := make(chan *Result, 1)
	execStarted := make(chan struct{})

	go e.run(code, timeout, execStarted, done)

	select {
	case res := <-done:
		return res
	case <-time.After(timeout):
	}

	// Deadline elapsed. Only report partial sink contents if this execution
	// actually started; otherwise it is still queued behind an abandoned
	// predecessor and the sinks belong to someone else.
	res := &Result{Outcome: protocol.OutcomeTimeout, Elapsed: time.Since(start)}
	select {
	case <-execStarted:
		stdout, stderr, err := e.sinks.Collect()
		if err != nil {
			e.log.Warn("collect after timeout failed", zap.Error(err))
		}
		res.Stdout, res.Stderr = stdout, stderr
	default:
	}
	e.log.Info("execution abandoned at deadline",
		zap.Duration("timeout", timeout),
		zap.Int("abandon_factor", e.factor))
	return res
}

// run performs the evaluation under the execution lock and always delivers
// exactly one result on done, even when nobody is listening anymore.
func (e *Engine) run(code string, timeout time.Duration, started chan<- struct{}, done chan<- *Result) {
	e.execMu.Lock()
	defer e.execMu.Unlock()

	close(started)
	begin := time.Now()

	if err := e.sinks.Reset(); err != nil {
		done <- &Result{
			Outcome: protocol.OutcomeRuntimeError,
			Stderr:  fmt.Sprintf("kernel: sink reset failed: %v", err),
			Elapsed: time.Since(begin),
		}
		return
	}

	// Hard stop for runaway executions. Without this, an infinite loop
	// would hold the execution lock for the rest of the process lifetime.
	e.interrupted.Store(false)
	watchdog := time.AfterFunc(time.Duration(e.factor)*timeout, func() {
		e.interrupted.Store(true)
		e.vm.Interrupt("execution abandoned: exceeded watchdog deadline")
	})

	_, evalErr := e.vm.RunString(code)

	watchdog.Stop()
	e.vm.ClearInterrupt()
	e.interrupted.Store(false)

	outcome := classify(evalErr)
	if outcome == protocol.OutcomeRuntimeError {
		// The fault is part of the submission's output, not a kernel error.
		fmt.Fprintln(e.sinks.Stderr(), faultMessage(evalErr))
	}
	if outcome == protocol.OutcomeTimeout {
		e.log.Warn("watchdog interrupted runaway execution",
			zap.Duration("requested_timeout", timeout))
	}

	e.refreshSnapshotLocked()

	stdout, stderr, collectErr := e.sinks.Collect()
	if collectErr != nil {
		e.log.Error("sink collect failed", zap.Error(collectErr))
	}

	done <- &Result{
		Stdout:  stdout,
		Stderr:  stderr,
		Outcome: outcome,
		Elapsed: time.Since(begin),
	}
}

// classify maps an evaluation error to an outcome. Faults never propagate:
// anything the VM reports becomes a result, and only resource exhaustion at
// the process level may ever take the kernel down.
func classify(err error) protocol.Outcome {
	if err == nil {
		return protocol.OutcomeSuccess
	}
	if _, ok := err.(*goja.InterruptedError); ok {
		return protocol.OutcomeTimeout
	}
	return protocol.OutcomeRuntimeError
}

func faultMessage(err error) string {
	if ex, ok := err.(*goja.Exception); ok {
		return ex.String()
	}
	return err.Error()
}

// Reset atomically replaces the namespace with an empty one. The process
// survives, and with it loaded module state and uptime; only bindings go.
func (e *Engine) Reset() error {
	e.execMu.Lock()
	defer e.execMu.Unlock()

	if err := e.initVM(); err != nil {
		return fmt.Errorf("reset: %w", err)
	}
	e.log.Info("namespace reset")
	return nil
}

// Inspect lists namespace entries, most recently defined first, optionally
// filtered by a case-insensitive substring match on the name. It serves the
// snapshot taken at the end of the last execution, so it never evaluates
// code and never races a running submission.
func (e *Engine) Inspect(filter string) []protocol.VarInfo {
	e.snapMu.RLock()
	defer e.snapMu.RUnlock()

	if filter == "" {
		out := make([]protocol.VarInfo, len(e.snapVars))
		copy(out, e.snapVars)
		return out
	}

	needle := strings.ToLower(filter)
	var out []protocol.VarInfo
	for _, v := range e.snapVars {
		if strings.Contains(strings.ToLower(v.Name), needle) {
			out = append(out, v)
		}
	}
	return out
}

// Status reports process uptime, entry count, and approximate memory
// footprint. Best-effort with respect to a concurrent execution.
func (e *Engine) Status() (uptime time.Duration, entries int, memoryBytes uint64) {
	e.snapMu.RLock()
	entries = len(e.snapVars)
	e.snapMu.RUnlock()

	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return time.Since(e.started), entries, m.Sys
}

// refreshSnapshotLocked rebuilds the inspect snapshot. Callers hold execMu;
// this is the only place that reflects on live VM values.
func (e *Engine) refreshSnapshotLocked() {
	keys := e.vm.GlobalObject().Keys()
	vars := make([]protocol.VarInfo, 0, len(keys))
	for _, name := range keys {
		if _, builtin := e.baseline[name]; builtin {
			continue
		}
		val := e.vm.GlobalObject().Get(name)
		vars = append(vars, protocol.VarInfo{
			Name: name,
			Type: describeType(val),
			Size: approxSize(val),
		})
	}
	// Property order is definition order; newest first reads better.
	for i, j := 0, len(vars)-1; i < j; i, j = i+1, j-1 {
		vars[i], vars[j] = vars[j], vars[i]
	}

	e.snapMu.Lock()
	e.snapVars = vars
	e.snapMu.Unlock()
}

// describeType returns a short type descriptor for a namespace value.
func describeType(v goja.Value) string {
	if v == nil || goja.IsUndefined(v) {
		return "undefined"
	}
	if goja.IsNull(v) {
		return "null"
	}
	if obj, ok := v.(*goja.Object); ok {
		switch cls := obj.ClassName(); cls {
		case "Array":
			return "array"
		case "Function":
			return "function"
		default:
			return strings.ToLower(cls)
		}
	}
	switch v.Export().(type) {
	case string:
		return "string"
	case bool:
		return "boolean"
	case int64, float64:
		return "number"
	default:
		return "object"
	}
}

// approxSize estimates the in-memory size of a value via its JSON encoding.
// Functions and cyclic structures fall back to the length of their string
// form; the number is advisory, never exact.
func approxSize(v goja.Value) int64 {
	if v == nil {
		return 0
	}
	exported := v.Export()
	if exported == nil {
		return 0
	}
	if data, err := sonic.Marshal(exported); err == nil {
		return int64(len(data))
	}
	return int64(len(v.String()))
}
