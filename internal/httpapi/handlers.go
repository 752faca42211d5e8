package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/agentkernel/agentkernel/internal/client"
	"github.com/agentkernel/agentkernel/internal/logging"
	"github.com/agentkernel/agentkernel/internal/service"
)

type handlers struct {
	kernel   Kernel
	registry *service.Registry
	log      *logging.Logger
}

type executeRequest struct {
	Code      string `json:"code" binding:"required"`
	TimeoutMS int64  `json:"timeout_ms"`
}

type serviceExecuteRequest struct {
	ToolID string         `json:"tool_id" binding:"required"`
	Params map[string]any `json:"params"`
}

func (h *handlers) health(c *gin.Context) {
	alive := h.kernel.Ping(c.Request.Context())
	status := http.StatusOK
	if !alive {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{"kernel_alive": alive})
}

func (h *handlers) status(c *gin.Context) {
	resp, err := h.kernel.Status(c.Request.Context())
	if err != nil {
		h.kernelError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h *handlers) execute(c *gin.Context) {
	var req executeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var timeout time.Duration
	if req.TimeoutMS > 0 {
		timeout = time.Duration(req.TimeoutMS) * time.Millisecond
	}
	resp, err := h.kernel.Execute(c.Request.Context(), req.Code, timeout)
	if err != nil {
		h.kernelError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h *handlers) inspect(c *gin.Context) {
	resp, err := h.kernel.Inspect(c.Request.Context(), c.Query("filter"))
	if err != nil {
		h.kernelError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h *handlers) reset(c *gin.Context) {
	resp, err := h.kernel.Reset(c.Request.Context())
	if err != nil {
		h.kernelError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h *handlers) listServices(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"services": h.registry.List()})
}

func (h *handlers) executeService(c *gin.Context) {
	var req serviceExecuteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result, err := h.registry.Execute(c.Request.Context(), req.ToolID, req.Params)
	if err != nil {
		c.JSON(http.StatusNotFound, result)
		return
	}
	c.JSON(http.StatusOK, result)
}

// kernelError maps transport failures to 502: the daemon is fine, the
// kernel is not.
func (h *handlers) kernelError(c *gin.Context, err error) {
	h.log.Warn("kernel call failed", zap.Error(err), zap.String("path", c.FullPath()))
	status := http.StatusInternalServerError
	if client.IsUnreachable(err) {
		status = http.StatusBadGateway
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
