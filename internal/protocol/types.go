// Package protocol defines the wire format spoken between the controller and
// the kernel process: a request/response pair per call, each encoded as a
// JSON body behind a 4-byte big-endian length prefix.
package protocol

import "time"

// Op discriminates request types.
type Op string

const (
	OpExecute Op = "execute"
	OpStatus  Op = "status"
	OpInspect Op = "inspect"
	OpReset   Op = "reset"
)

// Outcome classifies how an execution finished.
type Outcome string

const (
	OutcomeSuccess      Outcome = "success"
	OutcomeRuntimeError Outcome = "runtime-error"
	OutcomeTimeout      Outcome = "timeout"
)

// Request is a single framed request. Code is only meaningful for execute,
// Filter for inspect. TimeoutMS bounds the transport-side wait for execute;
// zero means the kernel's default.
type Request struct {
	Op        Op     `json:"op"`
	Code      string `json:"code,omitempty"`
	Filter    string `json:"filter,omitempty"`
	TimeoutMS int64  `json:"timeout_ms,omitempty"`
}

// VarInfo describes one namespace entry for inspect responses.
type VarInfo struct {
	Name string `json:"name"`
	Type string `json:"type"`
	Size int64  `json:"size"`
}

// Response is the single framed answer to a Request. OK reports whether the
// kernel understood and served the request; execution faults and timeouts are
// reported in-band through Outcome and are still OK=true.
type Response struct {
	OK      bool    `json:"ok"`
	Op      Op      `json:"op"`
	Error   string  `json:"error,omitempty"`
	Outcome Outcome `json:"outcome,omitempty"`
	Stdout  string  `json:"stdout,omitempty"`
	Stderr  string  `json:"stderr,omitempty"`

	ElapsedMS int64 `json:"elapsed_ms,omitempty"`

	Vars []VarInfo `json:"vars,omitempty"`

	UptimeSeconds float64 `json:"uptime_seconds,omitempty"`
	EntryCount    int     `json:"entry_count,omitempty"`
	MemoryBytes   uint64  `json:"memory_bytes,omitempty"`
}

// Timeout returns the request timeout as a duration, or fallback when unset.
func (r *Request) Timeout(fallback time.Duration) time.Duration {
	if r.TimeoutMS <= 0 {
		return fallback
	}
	return time.Duration(r.TimeoutMS) * time.Millisecond
}
