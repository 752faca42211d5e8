// Package scripts stores reusable code snippets and replays them through
// the kernel. Bodies live as plain files so they can be edited outside the
// controller; sqlite carries the metadata.
package scripts

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/agentkernel/agentkernel/internal/protocol"
	"github.com/agentkernel/agentkernel/internal/types"
)

// Runner submits code to the kernel.
type Runner interface {
	Execute(ctx context.Context, code string, timeout time.Duration) (*protocol.Response, error)
}

// Provider implements the scripts service.
type Provider struct {
	store  *Store
	runner Runner
}

// NewProvider creates a scripts provider backed by store and runner.
func NewProvider(store *Store, runner Runner) *Provider {
	return &Provider{store: store, runner: runner}
}

// Definition returns service metadata
func (p *Provider) Definition() types.Service {
	return types.Service{
		ID:          "scripts",
		Name:        "Script Library",
		Description: "Save, search and replay code snippets through the kernel",
		Category:    types.CategoryScripts,
		Capabilities: []string{
			"save", "run", "list", "get", "delete", "search", "export",
		},
		Tools: []types.Tool{
			{
				ID:          "scripts.save",
				Name:        "Save Script",
				Description: "Store a script body under a name",
				Parameters: []types.Parameter{
					{Name: "name", Type: "string", Description: "Script name", Required: true},
					{Name: "code", Type: "string", Description: "Script body", Required: true},
					{Name: "description", Type: "string", Description: "What the script does", Required: false},
					{Name: "tags", Type: "array", Description: "Search tags", Required: false},
				},
				Returns: "object",
			},
			{
				ID:          "scripts.run",
				Name:        "Run Script",
				Description: "Execute a saved script in the kernel",
				Parameters: []types.Parameter{
					{Name: "name", Type: "string", Description: "Script name", Required: true},
					{Name: "timeout_ms", Type: "number", Description: "Execution timeout", Required: false},
				},
				Returns: "object",
			},
			{
				ID:          "scripts.list",
				Name:        "List Scripts",
				Description: "List all saved scripts, newest first",
				Parameters:  []types.Parameter{},
				Returns:     "array",
			},
			{
				ID:          "scripts.get",
				Name:        "Get Script",
				Description: "Fetch a script's metadata and body",
				Parameters: []types.Parameter{
					{Name: "name", Type: "string", Description: "Script name", Required: true},
				},
				Returns: "object",
			},
			{
				ID:          "scripts.delete",
				Name:        "Delete Script",
				Description: "Remove a saved script",
				Parameters: []types.Parameter{
					{Name: "name", Type: "string", Description: "Script name", Required: true},
				},
				Returns: "boolean",
			},
			{
				ID:          "scripts.search",
				Name:        "Search Scripts",
				Description: "Match scripts by text query and optional glob pattern",
				Parameters: []types.Parameter{
					{Name: "query", Type: "string", Description: "Substring of name, description or tags", Required: false},
					{Name: "pattern", Type: "string", Description: "Glob pattern against the name", Required: false},
				},
				Returns: "array",
			},
			{
				ID:          "scripts.export",
				Name:        "Export Scripts",
				Description: "Write all script bodies into a tar.gz archive",
				Parameters: []types.Parameter{
					{Name: "path", Type: "string", Description: "Destination archive path", Required: true},
				},
				Returns: "object",
			},
		},
	}
}

// Execute routes to the tool implementations.
func (p *Provider) Execute(ctx context.Context, toolID string, params map[string]any) (*types.Result, error) {
	switch toolID {
	case "scripts.save":
		return p.save(ctx, params)
	case "scripts.run":
		return p.run(ctx, params)
	case "scripts.list":
		return p.list(ctx)
	case "scripts.get":
		return p.get(ctx, params)
	case "scripts.delete":
		return p.delete(ctx, params)
	case "scripts.search":
		return p.search(ctx, params)
	case "scripts.export":
		return p.export(ctx, params)
	default:
		return types.Failure("unknown tool: " + toolID), fmt.Errorf("unknown tool: %s", toolID)
	}
}

func (p *Provider) save(ctx context.Context, params map[string]any) (*types.Result, error) {
	name, _ := params["name"].(string)
	code, _ := params["code"].(string)
	if name == "" || code == "" {
		return types.Failure("name and code are required"), nil
	}
	description, _ := params["description"].(string)
	rec, err := p.store.Save(ctx, name, description, stringList(params["tags"]), code)
	if err != nil {
		return types.Failure(err.Error()), nil
	}
	return types.Ok(map[string]any{"script": rec}), nil
}

func (p *Provider) run(ctx context.Context, params map[string]any) (*types.Result, error) {
	name, _ := params["name"].(string)
	if name == "" {
		return types.Failure("name is required"), nil
	}
	_, code, err := p.store.Get(ctx, name)
	if err != nil {
		return types.Failure(err.Error()), nil
	}

	var timeout time.Duration
	if ms, ok := params["timeout_ms"].(float64); ok && ms > 0 {
		timeout = time.Duration(ms) * time.Millisecond
	}
	resp, err := p.runner.Execute(ctx, code, timeout)
	if err != nil {
		return types.Failure(err.Error()), nil
	}
	return types.Ok(map[string]any{
		"outcome":    resp.Outcome,
		"stdout":     resp.Stdout,
		"stderr":     resp.Stderr,
		"elapsed_ms": resp.ElapsedMS,
	}), nil
}

func (p *Provider) list(ctx context.Context) (*types.Result, error) {
	recs, err := p.store.List(ctx)
	if err != nil {
		return types.Failure(err.Error()), nil
	}
	return types.Ok(map[string]any{"scripts": recs, "count": len(recs)}), nil
}

func (p *Provider) get(ctx context.Context, params map[string]any) (*types.Result, error) {
	name, _ := params["name"].(string)
	rec, code, err := p.store.Get(ctx, name)
	if err != nil {
		return types.Failure(err.Error()), nil
	}
	return types.Ok(map[string]any{"script": rec, "code": code}), nil
}

func (p *Provider) delete(ctx context.Context, params map[string]any) (*types.Result, error) {
	name, _ := params["name"].(string)
	if err := p.store.Delete(ctx, name); err != nil {
		return types.Failure(err.Error()), nil
	}
	return types.Ok(map[string]any{"deleted": name}), nil
}

func (p *Provider) search(ctx context.Context, params map[string]any) (*types.Result, error) {
	query, _ := params["query"].(string)
	pattern, _ := params["pattern"].(string)
	recs, err := p.store.Search(ctx, query, pattern)
	if err != nil {
		return types.Failure(err.Error()), nil
	}
	return types.Ok(map[string]any{"scripts": recs, "count": len(recs)}), nil
}

func (p *Provider) export(ctx context.Context, params map[string]any) (*types.Result, error) {
	path, _ := params["path"].(string)
	if path == "" {
		return types.Failure("path is required"), nil
	}
	f, err := os.Create(path)
	if err != nil {
		return types.Failure(err.Error()), nil
	}
	defer f.Close()

	count, err := p.store.Export(ctx, f)
	if err != nil {
		return types.Failure(err.Error()), nil
	}
	return types.Ok(map[string]any{"path": path, "count": count}), nil
}

func stringList(v any) []string {
	switch vv := v.(type) {
	case []string:
		return vv
	case []any:
		out := make([]string, 0, len(vv))
		for _, item := range vv {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
