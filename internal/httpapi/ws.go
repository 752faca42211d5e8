package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/agentkernel/agentkernel/internal/logging"
	"github.com/agentkernel/agentkernel/internal/monitoring"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Local tooling only; same stance as the REST surface.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// streamHandler runs an interactive execute session over one websocket:
// each inbound message is a submission, each outbound message the full
// result including captured output. Submissions on one socket run in
// order, like any other kernel client.
type streamHandler struct {
	kernel  Kernel
	metrics *monitoring.Metrics
	log     *logging.Logger
}

type streamRequest struct {
	Code      string `json:"code"`
	TimeoutMS int64  `json:"timeout_ms"`
}

type streamEvent struct {
	Type      string `json:"type"` // "result" or "error"
	Outcome   string `json:"outcome,omitempty"`
	Stdout    string `json:"stdout,omitempty"`
	Stderr    string `json:"stderr,omitempty"`
	ElapsedMS int64  `json:"elapsed_ms,omitempty"`
	Error     string `json:"error,omitempty"`
}

func (h *streamHandler) handle(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()
	if h.metrics != nil {
		done := h.metrics.WSConnected()
		defer done()
	}

	for {
		var req streamRequest
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		if req.Code == "" {
			_ = conn.WriteJSON(streamEvent{Type: "error", Error: "code is required"})
			continue
		}

		var timeout time.Duration
		if req.TimeoutMS > 0 {
			timeout = time.Duration(req.TimeoutMS) * time.Millisecond
		}
		resp, err := h.kernel.Execute(c.Request.Context(), req.Code, timeout)
		if err != nil {
			_ = conn.WriteJSON(streamEvent{Type: "error", Error: err.Error()})
			continue
		}
		_ = conn.WriteJSON(streamEvent{
			Type:      "result",
			Outcome:   string(resp.Outcome),
			Stdout:    resp.Stdout,
			Stderr:    resp.Stderr,
			ElapsedMS: resp.ElapsedMS,
		})
	}
}
