// Package shell runs one-shot commands on the controller host. Commands run
// outside the kernel, so they get the same single-thread math hardening the
// kernel applies to its own children, plus a scrubbed environment.
package shell

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/agentkernel/agentkernel/internal/types"
)

const (
	defaultTimeout = 60 * time.Second
	maxTimeout     = 10 * time.Minute
	maxOutputBytes = 1 << 20
)

// Secrets and controller-internal settings never reach child processes.
var strippedEnvPrefixes = []string{
	"AGENTKERNEL_",
	"AWS_SECRET",
	"AWS_SESSION",
	"GITHUB_TOKEN",
	"OPENAI_API_KEY",
	"ANTHROPIC_API_KEY",
}

// Provider implements the shell service.
type Provider struct {
	// hardenEnv is appended to every child environment; the patch table's
	// ChildEnv goes here.
	hardenEnv  []string
	workingDir string
}

// NewProvider creates a shell provider. hardenEnv entries are KEY=VALUE.
func NewProvider(hardenEnv []string, workingDir string) *Provider {
	return &Provider{hardenEnv: hardenEnv, workingDir: workingDir}
}

// Definition returns service metadata
func (p *Provider) Definition() types.Service {
	return types.Service{
		ID:           "shell",
		Name:         "Shell Service",
		Description:  "One-shot host commands with a sanitized environment",
		Category:     types.CategoryShell,
		Capabilities: []string{"exec"},
		Tools: []types.Tool{
			{
				ID:          "shell.exec",
				Name:        "Execute Command",
				Description: "Run a command through /bin/sh with bounded runtime and output",
				Parameters: []types.Parameter{
					{Name: "command", Type: "string", Description: "Command line", Required: true},
					{Name: "timeout_ms", Type: "number", Description: "Runtime bound", Required: false},
					{Name: "working_dir", Type: "string", Description: "Directory to run in", Required: false},
				},
				Returns: "object",
			},
		},
	}
}

// Execute routes to the tool implementations.
func (p *Provider) Execute(ctx context.Context, toolID string, params map[string]any) (*types.Result, error) {
	if toolID != "shell.exec" {
		return types.Failure("unknown tool: " + toolID), fmt.Errorf("unknown tool: %s", toolID)
	}
	return p.exec(ctx, params)
}

func (p *Provider) exec(ctx context.Context, params map[string]any) (*types.Result, error) {
	command, _ := params["command"].(string)
	if strings.TrimSpace(command) == "" {
		return types.Failure("command is required"), nil
	}

	timeout := defaultTimeout
	if ms, ok := params["timeout_ms"].(float64); ok && ms > 0 {
		timeout = time.Duration(ms) * time.Millisecond
		if timeout > maxTimeout {
			timeout = maxTimeout
		}
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "/bin/sh", "-c", command)
	// The shell runs in its own process group and the whole group dies on
	// cancel. Killing only the shell would leave grandchildren holding the
	// output pipes, and Run would block until they exit.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = time.Second
	cmd.Env = p.childEnv()
	if dir, ok := params["working_dir"].(string); ok && dir != "" {
		cmd.Dir = dir
	} else if p.workingDir != "" {
		cmd.Dir = p.workingDir
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &capWriter{buf: &stdout}
	cmd.Stderr = &capWriter{buf: &stderr}

	start := time.Now()
	err := cmd.Run()
	elapsed := time.Since(start)

	exitCode := 0
	timedOut := errors.Is(runCtx.Err(), context.DeadlineExceeded)
	if err != nil {
		var exitErr *exec.ExitError
		switch {
		case timedOut:
			exitCode = -1
		case errors.Is(err, exec.ErrWaitDelay):
			// The shell exited cleanly but a detached child still held the
			// output pipes past the wait delay. Output up to that point stands.
		case errors.As(err, &exitErr):
			exitCode = exitErr.ExitCode()
		default:
			return types.Failure(err.Error()), nil
		}
	}

	return types.Ok(map[string]any{
		"stdout":     stdout.String(),
		"stderr":     stderr.String(),
		"exit_code":  exitCode,
		"timed_out":  timedOut,
		"elapsed_ms": elapsed.Milliseconds(),
	}), nil
}

// childEnv is the inherited environment minus stripped prefixes, with the
// hardening entries appended last so they win.
func (p *Provider) childEnv() []string {
	env := make([]string, 0, len(os.Environ())+len(p.hardenEnv))
	for _, kv := range os.Environ() {
		if stripped(kv) {
			continue
		}
		env = append(env, kv)
	}
	return append(env, p.hardenEnv...)
}

func stripped(kv string) bool {
	for _, prefix := range strippedEnvPrefixes {
		if strings.HasPrefix(kv, prefix) {
			return true
		}
	}
	return false
}

// capWriter truncates instead of buffering runaway output.
type capWriter struct {
	buf *bytes.Buffer
}

func (w *capWriter) Write(p []byte) (int, error) {
	remain := maxOutputBytes - w.buf.Len()
	if remain > 0 {
		if len(p) > remain {
			w.buf.Write(p[:remain])
		} else {
			w.buf.Write(p)
		}
	}
	// Report full length so the child never sees a write error.
	return len(p), nil
}
