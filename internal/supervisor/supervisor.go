// Package supervisor starts the kernel process when absent, probes its
// liveness, and restarts it when it stops answering. The state machine is
// deliberately small: NotStarted -> Starting -> Ready -> Unresponsive ->
// (restart) -> Starting, with liveness probes as the only trigger out of
// Ready.
//
// A restart destroys the namespace; the in-band reset request does not.
// The two are different operations on purpose.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/agentkernel/agentkernel/internal/client"
	"github.com/agentkernel/agentkernel/internal/logging"
)

// State is the supervisor's view of the kernel process.
type State int

const (
	StateNotStarted State = iota
	StateStarting
	StateReady
	StateUnresponsive
)

func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "not-started"
	case StateStarting:
		return "starting"
	case StateReady:
		return "ready"
	case StateUnresponsive:
		return "unresponsive"
	default:
		return "unknown"
	}
}

// ErrStartupDeadline reports that a spawned kernel never became ready.
var ErrStartupDeadline = errors.New("kernel did not become ready before deadline")

// Config configures the supervisor.
type Config struct {
	Addr   string
	Binary string
	Args   []string
	// ExtraEnv is appended to the inherited environment; the patch table's
	// single-thread hardening goes here.
	ExtraEnv []string
	// PIDFile, when set, records the spawned kernel's PID so a later
	// supervisor in another process can stop or restart it.
	PIDFile        string
	StartupTimeout time.Duration
	ProbeInterval  time.Duration
	Logger         *logging.Logger
}

// Supervisor owns the kernel process lifecycle.
type Supervisor struct {
	cfg    Config
	client *client.Client
	log    *logging.Logger

	mu      sync.Mutex
	state   State
	cmd     *exec.Cmd
	adopted bool // kernel was already live; we never kill what we didn't start
	waitErr chan error
}

// New creates a supervisor for the kernel at cfg.Addr.
func New(cfg Config) *Supervisor {
	if cfg.StartupTimeout <= 0 {
		cfg.StartupTimeout = 10 * time.Second
	}
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = 200 * time.Millisecond
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NewDefault()
	}
	return &Supervisor{
		cfg:    cfg,
		client: client.New(cfg.Addr),
		log:    cfg.Logger.Named("supervisor"),
	}
}

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Client returns the kernel client bound to the supervised address.
func (s *Supervisor) Client() *client.Client { return s.client }

// Ensure makes sure a kernel is answering on the pre-agreed port. An
// already-live kernel is adopted, not treated as an error: the port being
// taken means someone is home. Otherwise the kernel binary is spawned with
// its standard streams on /dev/null (never pipes: nobody would drain them)
// and polled until ready.
func (s *Supervisor) Ensure(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	alive := s.client.Ping(probeCtx)
	cancel()
	if alive {
		s.mu.Lock()
		s.state = StateReady
		s.adopted = true
		s.mu.Unlock()
		s.log.Info("adopted already-running kernel", zap.String("addr", s.cfg.Addr))
		return nil
	}

	return s.spawn(ctx)
}

func (s *Supervisor) spawn(ctx context.Context) error {
	s.mu.Lock()
	s.state = StateStarting
	s.adopted = false

	cmd := exec.Command(s.cfg.Binary, s.cfg.Args...)
	cmd.Env = append(os.Environ(), s.cfg.ExtraEnv...)
	// Stdout/Stderr left nil: os/exec wires them to /dev/null.
	if err := cmd.Start(); err != nil {
		s.state = StateNotStarted
		s.mu.Unlock()
		return fmt.Errorf("start kernel %s: %w", s.cfg.Binary, err)
	}
	waitErr := make(chan error, 1)
	go func() { waitErr <- cmd.Wait() }()
	s.cmd = cmd
	s.waitErr = waitErr
	s.mu.Unlock()

	if s.cfg.PIDFile != "" {
		if err := os.WriteFile(s.cfg.PIDFile, []byte(strconv.Itoa(cmd.Process.Pid)), 0o644); err != nil {
			s.log.Warn("write pidfile", zap.Error(err))
		}
	}

	s.log.Info("kernel spawned", zap.Int("pid", cmd.Process.Pid), zap.String("addr", s.cfg.Addr))

	deadline := time.Now().Add(s.cfg.StartupTimeout)
	ticker := time.NewTicker(s.cfg.ProbeInterval)
	defer ticker.Stop()

	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			s.kill()
			return ctx.Err()
		case err := <-waitErr:
			s.setState(StateNotStarted)
			return fmt.Errorf("kernel exited during startup: %w", err)
		case <-ticker.C:
			probeCtx, cancel := context.WithTimeout(ctx, time.Second)
			alive := s.client.Ping(probeCtx)
			cancel()
			if alive {
				s.setState(StateReady)
				s.log.Info("kernel ready")
				return nil
			}
		}
	}

	s.kill()
	s.setState(StateUnresponsive)
	return fmt.Errorf("%w: %s", ErrStartupDeadline, s.cfg.Addr)
}

// CheckLiveness probes the kernel once and updates the state machine. The
// probe is the only thing that may move Ready to Unresponsive: a process
// that is bound but not answering is a zombie needing restart, which is a
// different failure from the port never having been bound at all.
func (s *Supervisor) CheckLiveness(ctx context.Context) State {
	probeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	alive := s.client.Ping(probeCtx)
	cancel()

	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case alive:
		s.state = StateReady
	case s.state == StateReady:
		s.state = StateUnresponsive
		s.log.Warn("kernel stopped answering", zap.String("addr", s.cfg.Addr))
	}
	return s.state
}

// Restart stops the current kernel and spawns a fresh one. This destroys
// the namespace. A kernel this supervisor cannot reach by handle or
// pidfile is left alone, so Restart against a foreign kernel degrades to
// re-adopting it.
func (s *Supervisor) Restart(ctx context.Context) error {
	s.Stop()
	return s.Ensure(ctx)
}

// Stop terminates the kernel process: SIGTERM, a grace period, then
// SIGKILL. Without an in-process handle it falls back to the pidfile left
// by whichever supervisor spawned the kernel; with neither it is a no-op.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	cmd := s.cmd
	waitErr := s.waitErr
	adopted := s.adopted
	s.cmd = nil
	s.waitErr = nil
	if !adopted {
		s.state = StateNotStarted
	}
	s.mu.Unlock()

	if cmd != nil && cmd.Process != nil {
		_ = cmd.Process.Signal(syscall.SIGTERM)
		select {
		case <-waitErr:
		case <-time.After(3 * time.Second):
			_ = cmd.Process.Kill()
			<-waitErr
		}
		s.clearPIDFile()
		s.log.Info("kernel stopped", zap.Int("pid", cmd.Process.Pid))
		return
	}

	if pid, ok := s.pidFromFile(); ok {
		s.stopPID(pid)
	}
}

func (s *Supervisor) stopPID(pid int) {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return
	}
	// Signal 0 probes existence without touching the process.
	if err := proc.Signal(syscall.Signal(0)); err != nil {
		s.clearPIDFile()
		return
	}

	_ = proc.Signal(syscall.SIGTERM)
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if proc.Signal(syscall.Signal(0)) != nil {
			s.clearPIDFile()
			s.setState(StateNotStarted)
			s.log.Info("kernel stopped", zap.Int("pid", pid))
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	_ = proc.Kill()
	s.clearPIDFile()
	s.setState(StateNotStarted)
	s.log.Info("kernel killed", zap.Int("pid", pid))
}

func (s *Supervisor) pidFromFile() (int, bool) {
	if s.cfg.PIDFile == "" {
		return 0, false
	}
	raw, err := os.ReadFile(s.cfg.PIDFile)
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil || pid <= 0 {
		return 0, false
	}
	return pid, true
}

func (s *Supervisor) clearPIDFile() {
	if s.cfg.PIDFile != "" {
		_ = os.Remove(s.cfg.PIDFile)
	}
}

// Watch probes the kernel at the given interval and restarts it on liveness
// loss. Blocks until ctx is done.
func (s *Supervisor) Watch(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.CheckLiveness(ctx) == StateUnresponsive {
				s.log.Warn("restarting unresponsive kernel")
				if err := s.Restart(ctx); err != nil {
					s.log.Error("kernel restart failed", zap.Error(err))
				}
			}
		}
	}
}

func (s *Supervisor) kill() {
	s.mu.Lock()
	cmd := s.cmd
	waitErr := s.waitErr
	s.cmd = nil
	s.waitErr = nil
	s.mu.Unlock()

	if cmd != nil && cmd.Process != nil {
		_ = cmd.Process.Kill()
		if waitErr != nil {
			<-waitErr
		}
	}
}

func (s *Supervisor) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}
