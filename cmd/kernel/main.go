// The kernel process: one goja runtime behind a framed socket, holding a
// namespace that survives across submissions. Run one per host; the
// controller supervises it.
package main

import (
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/agentkernel/agentkernel/internal/capture"
	"github.com/agentkernel/agentkernel/internal/config"
	"github.com/agentkernel/agentkernel/internal/engine"
	"github.com/agentkernel/agentkernel/internal/logging"
	"github.com/agentkernel/agentkernel/internal/monitoring"
	"github.com/agentkernel/agentkernel/internal/patch"
	"github.com/agentkernel/agentkernel/internal/server"
)

func main() {
	cfg := config.LoadOrDefault()

	addr := flag.String("addr", cfg.KernelAddr(), "listen address")
	sinkDir := flag.String("sink-dir", cfg.Kernel.SinkDir, "output sink directory (empty for a temp dir)")
	dev := flag.Bool("dev", cfg.Logging.Development, "development logging")
	flag.Parse()

	var log *logging.Logger
	if *dev {
		log = logging.NewDevelopment()
	} else {
		log = logging.NewDefault()
	}
	defer log.Sync()

	var sinks *capture.Sinks
	var err error
	if *sinkDir != "" {
		sinks, err = capture.New(*sinkDir)
	} else {
		sinks, err = capture.NewTemp()
	}
	if err != nil {
		log.Fatal("open output sinks", zap.Error(err))
	}
	defer sinks.Close()

	table, err := patch.Load()
	if err != nil {
		log.Fatal("load patch table", zap.Error(err))
	}

	eng, err := engine.New(engine.Config{
		Sinks:         sinks,
		Logger:        log,
		Table:         table,
		AbandonFactor: cfg.Kernel.AbandonFactor,
	})
	if err != nil {
		log.Fatal("initialize engine", zap.Error(err))
	}

	metrics := monitoring.New(nil)
	srv, err := server.New(server.Config{
		Addr:           *addr,
		Engine:         eng,
		Logger:         log,
		Metrics:        metrics,
		DefaultTimeout: cfg.Kernel.DefaultTimeout,
		MaxFrameBytes:  cfg.Kernel.MaxFrameBytes,
	})
	if err != nil {
		log.Fatal("configure server", zap.Error(err))
	}

	if err := srv.Listen(); err != nil {
		if errors.Is(err, server.ErrPortInUse) {
			// Another kernel already owns the port. That kernel holds the
			// namespace; a second one must not race it.
			log.Fatal("kernel already running", zap.String("addr", *addr))
		}
		log.Fatal("listen", zap.Error(err))
	}
	log.Info("kernel listening", zap.String("addr", srv.Addr()))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	errChan := make(chan error, 1)
	go func() { errChan <- srv.Serve() }()

	select {
	case <-sigChan:
		log.Info("shutting down")
		_ = srv.Close()
	case err := <-errChan:
		if err != nil {
			log.Fatal("serve", zap.Error(err))
		}
	}
}
