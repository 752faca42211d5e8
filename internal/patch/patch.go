// Package patch neutralizes known-unsafe default behaviors of the host
// modules exposed to submitted code. The set of patched call sites is a
// fixed, data-driven table compiled into the binary; it is consulted once at
// engine construction and baked into the module registrations, so adding a
// call site never touches engine logic.
//
// This is liveness hardening, not sandboxing: a submission that asks for
// multi-threaded behavior is silently downgraded, never rejected.
package patch

import (
	_ "embed"
	"fmt"

	"github.com/goccy/go-yaml"
)

//go:embed table.yaml
var tableYAML []byte

// Rule rewrites one option of one host-module function.
type Rule struct {
	Module   string `yaml:"module"`
	Function string `yaml:"function"`
	Option   string `yaml:"option"`
	// Force always overrides the caller's value; Default only fills a gap.
	Force   any    `yaml:"force,omitempty"`
	Default any    `yaml:"default,omitempty"`
	Reason  string `yaml:"reason"`
}

// Table is the full patch set plus the environment forced onto child
// processes spawned on behalf of submissions.
type Table struct {
	Rules []Rule            `yaml:"rules"`
	Env   map[string]string `yaml:"env"`
}

// Load parses the embedded table.
func Load() (*Table, error) {
	var t Table
	if err := yaml.Unmarshal(tableYAML, &t); err != nil {
		return nil, fmt.Errorf("parse patch table: %w", err)
	}
	for i, r := range t.Rules {
		if r.Module == "" || r.Function == "" || r.Option == "" {
			return nil, fmt.Errorf("patch rule %d is incomplete", i)
		}
		if r.Force == nil && r.Default == nil {
			return nil, fmt.Errorf("patch rule %d has neither force nor default", i)
		}
	}
	return &t, nil
}

// MustLoad is Load for package initialization paths where the embedded table
// being unparsable is a build defect.
func MustLoad() *Table {
	t, err := Load()
	if err != nil {
		panic(err)
	}
	return t
}

// Rewrite applies every matching rule to an options map in place and returns
// it. A nil map is allocated when a rule needs to set something.
func (t *Table) Rewrite(module, function string, opts map[string]any) map[string]any {
	for _, r := range t.Rules {
		if r.Module != module || r.Function != function {
			continue
		}
		if opts == nil {
			opts = make(map[string]any)
		}
		if r.Force != nil {
			opts[r.Option] = r.Force
		} else if _, present := opts[r.Option]; !present {
			opts[r.Option] = r.Default
		}
	}
	return opts
}

// HasRules reports whether any rule targets the given function.
func (t *Table) HasRules(module, function string) bool {
	for _, r := range t.Rules {
		if r.Module == module && r.Function == function {
			return true
		}
	}
	return false
}

// ChildEnv returns the forced environment as KEY=VALUE pairs, for appending
// to a child process environment. Later entries win in os/exec, so appending
// these after the inherited environment enforces them.
func (t *Table) ChildEnv() []string {
	env := make([]string, 0, len(t.Env))
	for k, v := range t.Env {
		env = append(env, k+"="+v)
	}
	return env
}
