package mcp

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentkernel/agentkernel/internal/protocol"
	"github.com/agentkernel/agentkernel/internal/providers/memory"
	"github.com/agentkernel/agentkernel/internal/service"
)

type fakeKernel struct {
	lastCode    string
	lastTimeout time.Duration
}

func (f *fakeKernel) Execute(_ context.Context, code string, timeout time.Duration) (*protocol.Response, error) {
	f.lastCode = code
	f.lastTimeout = timeout
	return &protocol.Response{OK: true, Op: protocol.OpExecute, Outcome: protocol.OutcomeSuccess, Stdout: "4\n"}, nil
}

func (f *fakeKernel) Status(context.Context) (*protocol.Response, error) {
	return &protocol.Response{OK: true, Op: protocol.OpStatus, UptimeSeconds: 7, EntryCount: 2}, nil
}

func (f *fakeKernel) Inspect(_ context.Context, filter string) (*protocol.Response, error) {
	return &protocol.Response{OK: true, Op: protocol.OpInspect, Vars: []protocol.VarInfo{{Name: "x", Type: "number", Size: 8}}}, nil
}

func (f *fakeKernel) Reset(context.Context) (*protocol.Response, error) {
	return &protocol.Response{OK: true, Op: protocol.OpReset}, nil
}

func (f *fakeKernel) Ping(context.Context) bool { return true }

func newTestServer(t *testing.T) (*Server, *fakeKernel) {
	t.Helper()

	store, err := memory.NewStore(filepath.Join(t.TempDir(), "notes.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	registry := service.NewRegistry()
	require.NoError(t, registry.Register(memory.NewProvider(store)))

	kernel := &fakeKernel{}
	return NewServer(kernel, registry, "test"), kernel
}

func callRequest(args map[string]any) mcp.CallToolRequest {
	req := mcp.CallToolRequest{}
	req.Params.Arguments = args
	return req
}

func textContent(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content)
	text, ok := mcp.AsTextContent(result.Content[0])
	require.True(t, ok)
	return text.Text
}

func TestRunCode(t *testing.T) {
	srv, kernel := newTestServer(t)

	result, err := srv.handleRunCode(context.Background(), callRequest(map[string]any{
		"code": "2 + 2", "timeout_ms": float64(1000),
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)
	assert.Equal(t, "2 + 2", kernel.lastCode)
	assert.Equal(t, time.Second, kernel.lastTimeout)

	var decoded map[string]any
	require.NoError(t, sonic.Unmarshal([]byte(textContent(t, result)), &decoded))
	assert.Equal(t, "4\n", decoded["stdout"])
	assert.Equal(t, "success", decoded["outcome"])
}

func TestRunCodeRequiresCode(t *testing.T) {
	srv, _ := newTestServer(t)

	result, err := srv.handleRunCode(context.Background(), callRequest(map[string]any{}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestInspect(t *testing.T) {
	srv, _ := newTestServer(t)

	result, err := srv.handleInspect(context.Background(), callRequest(map[string]any{"filter": "x"}))
	require.NoError(t, err)
	require.False(t, result.IsError)
	assert.Contains(t, textContent(t, result), `"x"`)
}

func TestStatus(t *testing.T) {
	srv, _ := newTestServer(t)

	result, err := srv.handleStatus(context.Background(), callRequest(nil))
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, sonic.Unmarshal([]byte(textContent(t, result)), &decoded))
	assert.Equal(t, true, decoded["alive"])
	assert.Equal(t, float64(7), decoded["uptime_seconds"])
}

func TestProviderShimRoutesThroughRegistry(t *testing.T) {
	srv, _ := newTestServer(t)

	result, err := srv.registry.Execute(context.Background(), "memory.add", map[string]any{
		"topic": "t", "content": "c",
	})
	require.NoError(t, err)
	assert.True(t, result.Success)

	found, err := srv.registry.Execute(context.Background(), "memory.search", map[string]any{"query": "c"})
	require.NoError(t, err)
	assert.Equal(t, 1, found.Data["count"])
}
