// Package httpapi exposes the controller over HTTP: kernel operations,
// provider tools, liveness, and metrics. The daemon talks to the kernel
// through the socket client; it never hosts the kernel in-process.
package httpapi

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/agentkernel/agentkernel/internal/logging"
	"github.com/agentkernel/agentkernel/internal/monitoring"
	"github.com/agentkernel/agentkernel/internal/protocol"
	"github.com/agentkernel/agentkernel/internal/service"
)

// Kernel is the slice of the socket client the API needs.
type Kernel interface {
	Execute(ctx context.Context, code string, timeout time.Duration) (*protocol.Response, error)
	Status(ctx context.Context) (*protocol.Response, error)
	Inspect(ctx context.Context, filter string) (*protocol.Response, error)
	Reset(ctx context.Context) (*protocol.Response, error)
	Ping(ctx context.Context) bool
}

// Config configures the API server.
type Config struct {
	Kernel       Kernel
	Registry     *service.Registry
	Metrics      *monitoring.Metrics
	PromGatherer prometheus.Gatherer
	Logger       *logging.Logger
	Development  bool
	RateLimit    *RateLimitConfig
}

// New assembles the router.
func New(cfg Config) *gin.Engine {
	if !cfg.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NewDefault()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(RequestID())
	router.Use(CORS())
	if cfg.Metrics != nil {
		router.Use(metricsMiddleware(cfg.Metrics))
	}
	if cfg.RateLimit != nil {
		router.Use(RateLimit(*cfg.RateLimit))
	}

	h := &handlers{
		kernel:   cfg.Kernel,
		registry: cfg.Registry,
		log:      cfg.Logger.Named("httpapi"),
	}
	ws := &streamHandler{kernel: cfg.Kernel, metrics: cfg.Metrics, log: h.log}

	router.GET("/health", h.health)
	router.GET("/status", h.status)
	router.POST("/execute", h.execute)
	router.GET("/inspect", h.inspect)
	router.POST("/reset", h.reset)

	router.GET("/services", h.listServices)
	router.POST("/services/execute", h.executeService)

	router.GET("/stream", ws.handle)

	if cfg.PromGatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(cfg.PromGatherer, promhttp.HandlerOpts{})))
	}

	return router
}

func metricsMiddleware(m *monitoring.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		m.ObserveHTTPRequest(c.Request.Method, c.FullPath(), c.Writer.Status(), time.Since(start))
	}
}
