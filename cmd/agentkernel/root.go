package main

import (
	"fmt"
	"net"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/agentkernel/agentkernel/internal/client"
	"github.com/agentkernel/agentkernel/internal/config"
	"github.com/agentkernel/agentkernel/internal/logging"
	"github.com/agentkernel/agentkernel/internal/patch"
	"github.com/agentkernel/agentkernel/internal/providers/memory"
	"github.com/agentkernel/agentkernel/internal/providers/scripts"
	"github.com/agentkernel/agentkernel/internal/providers/shell"
	"github.com/agentkernel/agentkernel/internal/service"
	"github.com/agentkernel/agentkernel/internal/supervisor"
)

const version = "1.0.0"

var rootCmd = &cobra.Command{
	Use:   "agentkernel",
	Short: "Persistent code-execution kernel controller",
	Long: `agentkernel drives a persistent out-of-process execution kernel:
variables survive between submissions, output comes back captured, and the
kernel outlives any one client session.`,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().String("addr", "", "kernel address (default from KERNEL_HOST/KERNEL_PORT)")
}

func loadConfig(cmd *cobra.Command) *config.Config {
	cfg := config.LoadOrDefault()
	if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
		// A full host:port on the flag overrides the env pair.
		cfg.Kernel.Host, cfg.Kernel.Port = splitAddr(addr, cfg.Kernel.Port)
	}
	return cfg
}

func splitAddr(addr string, fallbackPort int) (string, int) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return addr, fallbackPort
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return host, fallbackPort
	}
	return host, port
}

func newLogger(cfg *config.Config) *logging.Logger {
	if cfg.Logging.Development {
		return logging.NewDevelopment()
	}
	return logging.NewDefault()
}

func newSupervisor(cfg *config.Config, log *logging.Logger) *supervisor.Supervisor {
	return supervisor.New(supervisor.Config{
		Addr:     cfg.KernelAddr(),
		Binary:   cfg.Kernel.Binary,
		Args:     []string{"-addr", cfg.KernelAddr()},
		ExtraEnv: patch.MustLoad().ChildEnv(),
		PIDFile:  cfg.Kernel.PIDFile,
		Logger:   log,
	})
}

// buildRegistry wires the provider layer: scripts and notes share the
// sqlite file, shell children get the patch table's hardened environment.
func buildRegistry(cfg *config.Config, runner scripts.Runner) (*service.Registry, func(), error) {
	scriptStore, err := scripts.NewStore(cfg.Storage.DBPath, cfg.Storage.ScriptsDir)
	if err != nil {
		return nil, nil, err
	}
	noteStore, err := memory.NewStore(cfg.Storage.DBPath)
	if err != nil {
		scriptStore.Close()
		return nil, nil, err
	}

	registry := service.NewRegistry()
	for _, provider := range []service.Provider{
		scripts.NewProvider(scriptStore, runner),
		memory.NewProvider(noteStore),
		shell.NewProvider(patch.MustLoad().ChildEnv(), ""),
	} {
		if err := registry.Register(provider); err != nil {
			scriptStore.Close()
			noteStore.Close()
			return nil, nil, err
		}
	}

	cleanup := func() {
		scriptStore.Close()
		noteStore.Close()
	}
	return registry, cleanup, nil
}

func kernelClient(cfg *config.Config) *client.Client {
	return client.New(cfg.KernelAddr())
}
