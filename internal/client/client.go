// Package client is the controller-side half of the kernel protocol. Calls
// are synchronous: one framed request, one framed response per call. A
// circuit breaker guards the socket so a dead kernel trips fast and the
// supervisor gets signalled instead of every caller timing out in turn.
package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/agentkernel/agentkernel/internal/protocol"
	"github.com/agentkernel/agentkernel/internal/resilience"
)

// ErrKernelUnreachable reports a transport-level failure: nothing answered
// the kernel port, or the connection died mid-call. This is a kernel-health
// incident for the supervisor, not a condition to retry blindly, unlike
// runtime errors and timeouts, which arrive in-band as normal responses.
var ErrKernelUnreachable = errors.New("kernel unreachable")

const (
	dialTimeout  = 2 * time.Second
	ioGrace      = 10 * time.Second
	controlLimit = 10 * time.Second
)

// Client issues kernel protocol calls over the fixed loopback port.
type Client struct {
	addr    string
	codec   protocol.Codec
	breaker *resilience.Breaker
}

// New creates a client for the given kernel address.
func New(addr string) *Client {
	return &Client{
		addr:  addr,
		codec: protocol.Codec{},
		breaker: resilience.New("kernel", resilience.Settings{
			MaxRequests: 3,
			Interval:    30 * time.Second,
			Timeout:     10 * time.Second,
			ReadyToTrip: func(counts resilience.Counts) bool {
				return counts.ConsecutiveFailures >= 5 ||
					(counts.Requests >= 10 && float64(counts.TotalFailures)/float64(counts.Requests) > 0.5)
			},
		}),
	}
}

// Addr returns the kernel address this client talks to.
func (c *Client) Addr() string { return c.addr }

// Breaker exposes the circuit breaker state for health reporting.
func (c *Client) Breaker() *resilience.Breaker { return c.breaker }

// Call performs one request/response round trip through the breaker.
func (c *Client) Call(ctx context.Context, req *protocol.Request) (*protocol.Response, error) {
	return resilience.Call(c.breaker, func() (*protocol.Response, error) {
		return c.call(ctx, req)
	})
}

func (c *Client) call(ctx context.Context, req *protocol.Request) (*protocol.Response, error) {
	dialer := net.Dialer{Timeout: dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKernelUnreachable, err)
	}
	defer conn.Close()

	// The kernel answers execute requests no later than their timeout, so
	// the socket deadline only needs a grace margin on top.
	limit := controlLimit
	if req.Op == protocol.OpExecute {
		limit = req.Timeout(5*time.Minute) + ioGrace
	}
	deadline := time.Now().Add(limit)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKernelUnreachable, err)
	}

	if err := c.codec.WriteRequest(conn, req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKernelUnreachable, err)
	}
	resp, err := c.codec.ReadResponse(conn)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKernelUnreachable, err)
	}
	return resp, nil
}

// Execute submits a code unit with the given transport timeout.
func (c *Client) Execute(ctx context.Context, code string, timeout time.Duration) (*protocol.Response, error) {
	return c.Call(ctx, &protocol.Request{
		Op:        protocol.OpExecute,
		Code:      code,
		TimeoutMS: timeout.Milliseconds(),
	})
}

// Status fetches kernel uptime, entry count, and memory footprint.
func (c *Client) Status(ctx context.Context) (*protocol.Response, error) {
	return c.Call(ctx, &protocol.Request{Op: protocol.OpStatus})
}

// Inspect lists namespace entries matching filter (all when empty).
func (c *Client) Inspect(ctx context.Context, filter string) (*protocol.Response, error) {
	return c.Call(ctx, &protocol.Request{Op: protocol.OpInspect, Filter: filter})
}

// Reset clears the kernel namespace without restarting the process.
func (c *Client) Reset(ctx context.Context) (*protocol.Response, error) {
	return c.Call(ctx, &protocol.Request{Op: protocol.OpReset})
}

// Ping reports whether a live kernel answers a status round trip. It
// bypasses the breaker so liveness probes never see ErrCircuitOpen.
func (c *Client) Ping(ctx context.Context) bool {
	resp, err := c.call(ctx, &protocol.Request{Op: protocol.OpStatus})
	return err == nil && resp.OK
}

// IsUnreachable reports whether err is a transport failure, including a
// breaker that has opened because of earlier transport failures.
func IsUnreachable(err error) bool {
	return errors.Is(err, ErrKernelUnreachable) || errors.Is(err, resilience.ErrCircuitOpen)
}
