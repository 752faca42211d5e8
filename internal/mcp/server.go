// Package mcp exposes the controller as a Model Context Protocol server on
// stdio. This surface is how coding agents talk to the kernel: submit code,
// look at what stuck, save and replay scripts, keep notes.
package mcp

import (
	"context"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/mitchellh/mapstructure"

	"github.com/agentkernel/agentkernel/internal/httpapi"
	"github.com/agentkernel/agentkernel/internal/service"
)

// Server wraps the kernel client and provider registry as MCP tools.
type Server struct {
	kernel    httpapi.Kernel
	registry  *service.Registry
	mcpServer *server.MCPServer
}

// NewServer creates the MCP server and registers all tools.
func NewServer(kernel httpapi.Kernel, registry *service.Registry, version string) *Server {
	s := &Server{
		kernel:    kernel,
		registry:  registry,
		mcpServer: server.NewMCPServer("agentkernel", version),
	}
	s.registerKernelTools()
	s.registerProviderTools()
	return s
}

// ServeStdio starts the server on stdin/stdout.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcpServer)
}

type runCodeArgs struct {
	Code      string `mapstructure:"code"`
	TimeoutMS int64  `mapstructure:"timeout_ms"`
}

func (s *Server) registerKernelTools() {
	s.mcpServer.AddTool(mcp.NewTool("run_code",
		mcp.WithDescription("Execute code in the persistent kernel. Variables and functions survive between calls; stdout/stderr come back captured."),
		mcp.WithString("code", mcp.Required(), mcp.Description("Code to execute")),
		mcp.WithNumber("timeout_ms", mcp.Description("Execution timeout in milliseconds (default 300000)")),
	), s.handleRunCode)

	s.mcpServer.AddTool(mcp.NewTool("inspect_kernel",
		mcp.WithDescription("List variables currently defined in the kernel namespace, newest first."),
		mcp.WithString("filter", mcp.Description("Case-insensitive substring filter on variable names")),
	), s.handleInspect)

	s.mcpServer.AddTool(mcp.NewTool("kernel_status",
		mcp.WithDescription("Kernel liveness, uptime, namespace entry count and memory use."),
	), s.handleStatus)

	s.mcpServer.AddTool(mcp.NewTool("reset_kernel",
		mcp.WithDescription("Clear the kernel namespace without restarting the process. Saved scripts and notes are untouched."),
	), s.handleReset)
}

// Provider tools are thin shims over the registry: the MCP name maps to a
// registry tool ID and the arguments pass through unchanged.
var providerTools = []struct {
	name    string
	toolID  string
	desc    string
	options []mcp.ToolOption
}{
	{
		name: "script_save", toolID: "scripts.save",
		desc: "Save a reusable script under a name.",
		options: []mcp.ToolOption{
			mcp.WithString("name", mcp.Required(), mcp.Description("Script name")),
			mcp.WithString("code", mcp.Required(), mcp.Description("Script body")),
			mcp.WithString("description", mcp.Description("What the script does")),
			mcp.WithArray("tags", mcp.Description("Search tags")),
		},
	},
	{
		name: "script_run", toolID: "scripts.run",
		desc: "Run a saved script in the kernel.",
		options: []mcp.ToolOption{
			mcp.WithString("name", mcp.Required(), mcp.Description("Script name")),
			mcp.WithNumber("timeout_ms", mcp.Description("Execution timeout in milliseconds")),
		},
	},
	{
		name: "script_list", toolID: "scripts.list",
		desc: "List saved scripts, newest first.",
	},
	{
		name: "script_delete", toolID: "scripts.delete",
		desc: "Delete a saved script.",
		options: []mcp.ToolOption{
			mcp.WithString("name", mcp.Required(), mcp.Description("Script name")),
		},
	},
	{
		name: "script_search", toolID: "scripts.search",
		desc: "Search scripts by text query and optional glob pattern.",
		options: []mcp.ToolOption{
			mcp.WithString("query", mcp.Description("Substring of name, description or tags")),
			mcp.WithString("pattern", mcp.Description("Glob pattern against the name")),
		},
	},
	{
		name: "memory_add", toolID: "memory.add",
		desc: "Store a durable note under a topic.",
		options: []mcp.ToolOption{
			mcp.WithString("topic", mcp.Required(), mcp.Description("Note topic")),
			mcp.WithString("content", mcp.Required(), mcp.Description("Note body")),
			mcp.WithArray("tags", mcp.Description("Search tags")),
		},
	},
	{
		name: "memory_search", toolID: "memory.search",
		desc: "Search notes by topic, content or tags.",
		options: []mcp.ToolOption{
			mcp.WithString("query", mcp.Description("Substring to match")),
			mcp.WithNumber("limit", mcp.Description("Max results")),
		},
	},
	{
		name: "memory_delete", toolID: "memory.delete",
		desc: "Delete a note by ID.",
		options: []mcp.ToolOption{
			mcp.WithString("id", mcp.Required(), mcp.Description("Note ID")),
		},
	},
	{
		name: "shell_exec", toolID: "shell.exec",
		desc: "Run a one-shot host command with a sanitized environment.",
		options: []mcp.ToolOption{
			mcp.WithString("command", mcp.Required(), mcp.Description("Command line")),
			mcp.WithNumber("timeout_ms", mcp.Description("Runtime bound in milliseconds")),
		},
	},
}

func (s *Server) registerProviderTools() {
	for _, def := range providerTools {
		toolID := def.toolID
		opts := append([]mcp.ToolOption{mcp.WithDescription(def.desc)}, def.options...)
		s.mcpServer.AddTool(mcp.NewTool(def.name, opts...),
			func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
				result, err := s.registry.Execute(ctx, toolID, request.GetArguments())
				if err != nil {
					return mcp.NewToolResultError(err.Error()), nil
				}
				if !result.Success {
					return mcp.NewToolResultError(*result.Error), nil
				}
				return jsonResult(result.Data)
			})
	}
}

func (s *Server) handleRunCode(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args runCodeArgs
	if err := mapstructure.WeakDecode(request.GetArguments(), &args); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("bad arguments: %v", err)), nil
	}
	if args.Code == "" {
		return mcp.NewToolResultError("code is required"), nil
	}

	var timeout time.Duration
	if args.TimeoutMS > 0 {
		timeout = time.Duration(args.TimeoutMS) * time.Millisecond
	}
	resp, err := s.kernel.Execute(ctx, args.Code, timeout)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("kernel call failed: %v", err)), nil
	}
	return jsonResult(map[string]any{
		"outcome":    resp.Outcome,
		"stdout":     resp.Stdout,
		"stderr":     resp.Stderr,
		"elapsed_ms": resp.ElapsedMS,
	})
}

func (s *Server) handleInspect(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	filter := request.GetString("filter", "")
	resp, err := s.kernel.Inspect(ctx, filter)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("kernel call failed: %v", err)), nil
	}
	return jsonResult(map[string]any{"vars": resp.Vars})
}

func (s *Server) handleStatus(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	resp, err := s.kernel.Status(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("kernel call failed: %v", err)), nil
	}
	return jsonResult(map[string]any{
		"alive":          true,
		"uptime_seconds": resp.UptimeSeconds,
		"entry_count":    resp.EntryCount,
		"memory_bytes":   resp.MemoryBytes,
	})
}

func (s *Server) handleReset(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if _, err := s.kernel.Reset(ctx); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("kernel call failed: %v", err)), nil
	}
	return mcp.NewToolResultText(`{"reset":true}`), nil
}

func jsonResult(data any) (*mcp.CallToolResult, error) {
	encoded, err := sonic.Marshal(data)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("encode result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(encoded)), nil
}
