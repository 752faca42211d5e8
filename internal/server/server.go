// Package server is the kernel-side transport: a loopback TCP listener
// speaking the framed request/response protocol. Each connection carries any
// number of request/response pairs; executions are serialized by the engine,
// while status and inspect answer concurrently from snapshots.
package server

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/agentkernel/agentkernel/internal/engine"
	"github.com/agentkernel/agentkernel/internal/logging"
	"github.com/agentkernel/agentkernel/internal/monitoring"
	"github.com/agentkernel/agentkernel/internal/protocol"
)

// ErrPortInUse reports that the pre-agreed kernel port already has a
// listener. This is a distinct condition from an unresponsive kernel: an
// already-live kernel is not an error, and the supervisor connects to it
// instead of failing.
var ErrPortInUse = errors.New("kernel port already in use")

// Config configures the kernel server.
type Config struct {
	Addr           string
	Engine         *engine.Engine
	Logger         *logging.Logger
	Metrics        *monitoring.Metrics
	DefaultTimeout time.Duration
	MaxFrameBytes  int64
}

// Server accepts controller connections and dispatches protocol requests.
type Server struct {
	cfg   Config
	codec protocol.Codec
	log   *logging.Logger

	mu       sync.Mutex
	listener net.Listener
	closed   bool
}

// New creates a server. Listen must be called before Serve.
func New(cfg Config) (*Server, error) {
	if cfg.Engine == nil {
		return nil, fmt.Errorf("server requires an engine")
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NewDefault()
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 5 * time.Minute
	}
	return &Server{
		cfg:   cfg,
		codec: protocol.Codec{MaxFrame: cfg.MaxFrameBytes},
		log:   cfg.Logger.Named("server"),
	}, nil
}

// Listen binds the kernel port. An EADDRINUSE bind failure is surfaced as
// ErrPortInUse so the supervisor can distinguish "already live" from
// "cannot start".
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		if errors.Is(err, syscall.EADDRINUSE) {
			return fmt.Errorf("%w: %s", ErrPortInUse, s.cfg.Addr)
		}
		return fmt.Errorf("bind %s: %w", s.cfg.Addr, err)
	}

	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	s.log.Info("kernel listening", zap.String("addr", ln.Addr().String()))
	return nil
}

// Addr returns the bound address, or empty before Listen.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Serve accepts connections until Close. Each connection gets its own
// goroutine; the engine lock, not the accept loop, serializes executions.
func (s *Server) Serve() error {
	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()
	if ln == nil {
		return fmt.Errorf("serve called before listen")
	}

	for {
		conn, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		go s.handleConn(conn)
	}
}

// Close stops accepting connections.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if s.listener != nil {
		return s.listener.Close()
	}
	return nil
}

// handleConn serves framed request/response pairs until the peer hangs up.
// A response is written for every request, including deadline responses,
// so the connection stays healthy across timeouts.
func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()

	for {
		req, err := s.codec.ReadRequest(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				s.log.Debug("connection read failed", zap.Error(err))
			}
			return
		}

		resp := s.dispatch(req)
		if err := s.codec.WriteResponse(conn, resp); err != nil {
			s.log.Warn("response write failed", zap.Error(err))
			return
		}
	}
}

// dispatch maps one request to one response. Execution faults and timeouts
// are normal results (ok=true with an outcome); only malformed requests get
// ok=false.
func (s *Server) dispatch(req *protocol.Request) *protocol.Response {
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.RequestsTotal.WithLabelValues(string(req.Op)).Inc()
	}

	switch req.Op {
	case protocol.OpExecute:
		return s.handleExecute(req)
	case protocol.OpStatus:
		return s.handleStatus()
	case protocol.OpInspect:
		return &protocol.Response{
			OK:   true,
			Op:   protocol.OpInspect,
			Vars: s.cfg.Engine.Inspect(req.Filter),
		}
	case protocol.OpReset:
		if err := s.cfg.Engine.Reset(); err != nil {
			return &protocol.Response{OK: false, Op: protocol.OpReset, Error: err.Error()}
		}
		return &protocol.Response{OK: true, Op: protocol.OpReset}
	default:
		return &protocol.Response{
			OK:    false,
			Op:    req.Op,
			Error: fmt.Sprintf("unknown op %q", req.Op),
		}
	}
}

func (s *Server) handleExecute(req *protocol.Request) *protocol.Response {
	if req.Code == "" {
		return &protocol.Response{OK: false, Op: protocol.OpExecute, Error: "execute requires code"}
	}

	timeout := req.Timeout(s.cfg.DefaultTimeout)
	res := s.cfg.Engine.Execute(req.Code, timeout)

	if s.cfg.Metrics != nil {
		s.cfg.Metrics.ExecutionsTotal.WithLabelValues(string(res.Outcome)).Inc()
		s.cfg.Metrics.ExecutionDuration.Observe(res.Elapsed.Seconds())
		_, entries, _ := s.cfg.Engine.Status()
		s.cfg.Metrics.NamespaceEntries.Set(float64(entries))
	}

	return &protocol.Response{
		OK:        true,
		Op:        protocol.OpExecute,
		Outcome:   res.Outcome,
		Stdout:    res.Stdout,
		Stderr:    res.Stderr,
		ElapsedMS: res.Elapsed.Milliseconds(),
	}
}

func (s *Server) handleStatus() *protocol.Response {
	uptime, entries, memory := s.cfg.Engine.Status()
	return &protocol.Response{
		OK:            true,
		Op:            protocol.OpStatus,
		UptimeSeconds: uptime.Seconds(),
		EntryCount:    entries,
		MemoryBytes:   memory,
	}
}
