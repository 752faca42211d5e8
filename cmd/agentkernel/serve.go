package main

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/agentkernel/agentkernel/internal/httpapi"
	"github.com/agentkernel/agentkernel/internal/monitoring"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the controller HTTP daemon",
	Long: `Starts the kernel if none is running, then serves the REST and
websocket surface plus Prometheus metrics. The kernel keeps running when
the daemon stops.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().Bool("watch", true, "restart the kernel when it stops answering")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg := loadConfig(cmd)
	log := newLogger(cfg)
	defer log.Sync()

	sup := newSupervisor(cfg, log)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := sup.Ensure(ctx); err != nil {
		return err
	}
	kernel := sup.Client()

	registry, cleanup, err := buildRegistry(cfg, kernel)
	if err != nil {
		return err
	}
	defer cleanup()

	reg := prometheus.NewRegistry()
	metrics := monitoring.New(reg)

	var rateLimit *httpapi.RateLimitConfig
	if cfg.RateLimit.Enabled {
		rateLimit = &httpapi.RateLimitConfig{
			RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
			Burst:             cfg.RateLimit.Burst,
		}
	}
	router := httpapi.New(httpapi.Config{
		Kernel:       kernel,
		Registry:     registry,
		Metrics:      metrics,
		PromGatherer: reg,
		Logger:       log,
		Development:  cfg.Logging.Development,
		RateLimit:    rateLimit,
	})

	if watch, _ := cmd.Flags().GetBool("watch"); watch {
		go sup.Watch(ctx, 15*time.Second)
	}

	addr := net.JoinHostPort(cfg.Controller.Host, cfg.Controller.Port)
	srv := &http.Server{Addr: addr, Handler: router}

	errChan := make(chan error, 1)
	go func() { errChan <- srv.ListenAndServe() }()
	log.Info("controller listening", zap.String("addr", addr), zap.String("kernel", cfg.KernelAddr()))

	select {
	case <-ctx.Done():
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errChan:
		return err
	}
}
