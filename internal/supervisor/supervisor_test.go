package supervisor

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentkernel/agentkernel/internal/capture"
	"github.com/agentkernel/agentkernel/internal/engine"
	"github.com/agentkernel/agentkernel/internal/logging"
	"github.com/agentkernel/agentkernel/internal/monitoring"
	"github.com/agentkernel/agentkernel/internal/patch"
	"github.com/agentkernel/agentkernel/internal/server"
)

// startLocalKernel runs a real kernel in-process so the supervisor has
// something live to adopt.
func startLocalKernel(t *testing.T) *server.Server {
	t.Helper()

	sinks, err := capture.NewTemp()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sinks.Close() })

	log := logging.NewDevelopment()
	eng, err := engine.New(engine.Config{
		Sinks:  sinks,
		Logger: log,
		Table:  patch.MustLoad(),
	})
	require.NoError(t, err)

	srv, err := server.New(server.Config{
		Addr:           "127.0.0.1:0",
		Engine:         eng,
		Logger:         log,
		Metrics:        monitoring.New(prometheus.NewRegistry()),
		DefaultTimeout: 5 * time.Second,
	})
	require.NoError(t, err)
	require.NoError(t, srv.Listen())
	go srv.Serve()
	t.Cleanup(func() { _ = srv.Close() })
	return srv
}

func TestEnsureAdoptsRunningKernel(t *testing.T) {
	srv := startLocalKernel(t)

	sup := New(Config{
		Addr:   srv.Addr(),
		Binary: "/nonexistent/agentkernel-kernel",
		Logger: logging.NewDevelopment(),
	})
	require.Equal(t, StateNotStarted, sup.State())

	require.NoError(t, sup.Ensure(context.Background()))
	assert.Equal(t, StateReady, sup.State())

	// Adoption means the supervisor talks to the existing kernel.
	resp, err := sup.Client().Execute(context.Background(), "1+1", 0)
	require.NoError(t, err)
	assert.True(t, resp.OK)
}

func TestEnsureFailsWhenBinaryMissing(t *testing.T) {
	sup := New(Config{
		Addr:   "127.0.0.1:1", // nothing answers here
		Binary: "/nonexistent/agentkernel-kernel",
		Logger: logging.NewDevelopment(),
	})

	err := sup.Ensure(context.Background())
	require.Error(t, err)
	assert.Equal(t, StateNotStarted, sup.State())
}

func TestEnsureSpawnDeadline(t *testing.T) {
	// "sleep" starts fine but never binds the port, so startup must time
	// out and the process must be reaped.
	sup := New(Config{
		Addr:           "127.0.0.1:1",
		Binary:         "sleep",
		Args:           []string{"60"},
		StartupTimeout: 500 * time.Millisecond,
		ProbeInterval:  100 * time.Millisecond,
		Logger:         logging.NewDevelopment(),
	})

	err := sup.Ensure(context.Background())
	require.ErrorIs(t, err, ErrStartupDeadline)
	assert.Equal(t, StateUnresponsive, sup.State())
}

func TestLivenessTransitions(t *testing.T) {
	srv := startLocalKernel(t)

	sup := New(Config{
		Addr:   srv.Addr(),
		Binary: "/nonexistent/agentkernel-kernel",
		Logger: logging.NewDevelopment(),
	})
	require.NoError(t, sup.Ensure(context.Background()))
	assert.Equal(t, StateReady, sup.CheckLiveness(context.Background()))

	require.NoError(t, srv.Close())
	assert.Equal(t, StateUnresponsive, sup.CheckLiveness(context.Background()))
}

func TestStopViaPIDFile(t *testing.T) {
	// A supervisor in a fresh process has no exec handle; the pidfile is
	// how it finds the kernel a previous run spawned.
	victim := exec.Command("sleep", "60")
	require.NoError(t, victim.Start())
	waited := make(chan error, 1)
	go func() { waited <- victim.Wait() }()

	pidFile := filepath.Join(t.TempDir(), "kernel.pid")
	require.NoError(t, os.WriteFile(pidFile, []byte(strconv.Itoa(victim.Process.Pid)), 0o644))

	sup := New(Config{
		Addr:    "127.0.0.1:1",
		Binary:  "/nonexistent/agentkernel-kernel",
		PIDFile: pidFile,
		Logger:  logging.NewDevelopment(),
	})
	sup.Stop()

	select {
	case <-waited:
	case <-time.After(5 * time.Second):
		t.Fatal("process survived Stop")
	}
	_, err := os.Stat(pidFile)
	assert.True(t, os.IsNotExist(err))
}

func TestStopIsNoopForAdoptedKernel(t *testing.T) {
	srv := startLocalKernel(t)

	sup := New(Config{
		Addr:   srv.Addr(),
		Binary: "/nonexistent/agentkernel-kernel",
		Logger: logging.NewDevelopment(),
	})
	require.NoError(t, sup.Ensure(context.Background()))

	sup.Stop()

	// The adopted kernel must still be serving.
	assert.Equal(t, StateReady, sup.CheckLiveness(context.Background()))
}
