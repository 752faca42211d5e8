package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var kernelCmd = &cobra.Command{
	Use:   "kernel",
	Short: "Manage the kernel process",
}

var kernelStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the kernel if none is running",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg := loadConfig(cmd)
		log := newLogger(cfg)
		defer log.Sync()

		if err := newSupervisor(cfg, log).Ensure(context.Background()); err != nil {
			return err
		}
		fmt.Printf("kernel ready at %s\n", cfg.KernelAddr())
		return nil
	},
}

var kernelStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop a kernel started by this CLI",
	Long: `Stops the kernel recorded in the pidfile. A kernel started
elsewhere has no pidfile here and is left alone.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg := loadConfig(cmd)
		log := newLogger(cfg)
		defer log.Sync()

		sup := newSupervisor(cfg, log)
		if !sup.Client().Ping(cmd.Context()) {
			fmt.Println("no kernel running")
			return nil
		}
		sup.Stop()
		if sup.Client().Ping(cmd.Context()) {
			fmt.Println("kernel still answering; it was not started by this CLI")
			return nil
		}
		fmt.Println("kernel stopped")
		return nil
	},
}

var kernelRestartCmd = &cobra.Command{
	Use:   "restart",
	Short: "Restart the kernel, destroying the namespace",
	Long: `Spawns a fresh kernel process. Unlike reset, this also recovers
from a wedged process; unlike reset, it cannot preserve anything.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg := loadConfig(cmd)
		log := newLogger(cfg)
		defer log.Sync()

		sup := newSupervisor(cfg, log)
		if err := sup.Ensure(context.Background()); err != nil {
			return err
		}
		if err := sup.Restart(context.Background()); err != nil {
			return err
		}
		fmt.Printf("kernel restarted at %s\n", cfg.KernelAddr())
		return nil
	},
}

func init() {
	kernelCmd.AddCommand(kernelStartCmd, kernelStopCmd, kernelRestartCmd)
	rootCmd.AddCommand(kernelCmd)
}
