package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentkernel/agentkernel/internal/protocol"
)

var execCmd = &cobra.Command{
	Use:   "exec [code]",
	Short: "Execute code in the kernel",
	Long: `Submits code and prints the captured output. With no argument the
code is read from stdin. Variables defined here persist for later calls.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runExec,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show kernel uptime, entry count and memory use",
	RunE:  runStatus,
}

var inspectCmd = &cobra.Command{
	Use:   "inspect",
	Short: "List variables in the kernel namespace, newest first",
	RunE:  runInspect,
}

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Clear the kernel namespace without restarting the process",
	RunE:  runReset,
}

func init() {
	execCmd.Flags().Duration("timeout", 0, "execution timeout (0 for the kernel default)")
	inspectCmd.Flags().String("filter", "", "case-insensitive substring filter")
	rootCmd.AddCommand(execCmd, statusCmd, inspectCmd, resetCmd)
}

func runExec(cmd *cobra.Command, args []string) error {
	cfg := loadConfig(cmd)

	var code string
	if len(args) == 1 {
		code = args[0]
	} else {
		raw, err := os.ReadFile("/dev/stdin")
		if err != nil {
			return fmt.Errorf("read stdin: %w", err)
		}
		code = string(raw)
	}

	timeout, _ := cmd.Flags().GetDuration("timeout")
	resp, err := kernelClient(cfg).Execute(context.Background(), code, timeout)
	if err != nil {
		return err
	}

	fmt.Print(resp.Stdout)
	fmt.Fprint(os.Stderr, resp.Stderr)
	if resp.Outcome != protocol.OutcomeSuccess {
		return fmt.Errorf("execution finished with outcome %s", resp.Outcome)
	}
	return nil
}

func runStatus(cmd *cobra.Command, _ []string) error {
	cfg := loadConfig(cmd)
	resp, err := kernelClient(cfg).Status(context.Background())
	if err != nil {
		return err
	}
	fmt.Printf("kernel     %s\n", cfg.KernelAddr())
	fmt.Printf("uptime     %s\n", (time.Duration(resp.UptimeSeconds) * time.Second).String())
	fmt.Printf("entries    %d\n", resp.EntryCount)
	fmt.Printf("memory     %d bytes\n", resp.MemoryBytes)
	return nil
}

func runInspect(cmd *cobra.Command, _ []string) error {
	cfg := loadConfig(cmd)
	filter, _ := cmd.Flags().GetString("filter")
	resp, err := kernelClient(cfg).Inspect(context.Background(), filter)
	if err != nil {
		return err
	}
	if len(resp.Vars) == 0 {
		fmt.Println("namespace is empty")
		return nil
	}
	for _, v := range resp.Vars {
		fmt.Printf("%-24s %-12s %d bytes\n", v.Name, v.Type, v.Size)
	}
	return nil
}

func runReset(cmd *cobra.Command, _ []string) error {
	cfg := loadConfig(cmd)
	if _, err := kernelClient(cfg).Reset(context.Background()); err != nil {
		return err
	}
	fmt.Println("namespace cleared")
	return nil
}
