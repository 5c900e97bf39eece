package main

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/bouthilx/protopt/internal/tui"
	"github.com/spf13/cobra"
)

func newWatchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Watch the experiment in an interactive dashboard",
		Long: `Opens the terminal dashboard on the monitor API. When no monitor answers
at the configured address, a background "protopt serve" is started first.`,
		Args: cobra.NoArgs,
		RunE: runWatch,
	}
	cmd.Flags().Duration("interval", 2*time.Second, "refresh interval")
	cmd.Flags().Bool("spawn", true, "start a background monitor when none answers")
	return cmd
}

func runWatch(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	addr := cfg.Monitor.Addr
	if addr == "" {
		return fmt.Errorf("monitor.addr is empty")
	}
	interval, _ := cmd.Flags().GetDuration("interval")
	spawn, _ := cmd.Flags().GetBool("spawn")

	client := tui.NewClient(addr)
	if !client.Health() {
		if !spawn {
			return fmt.Errorf("no monitor at %s", addr)
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Monitor not running. Starting background service...")
		if err := startMonitor(cmd.OutOrStdout(), client, os.Args[1:]); err != nil {
			return fmt.Errorf("failed to start monitor: %w", err)
		}
	}

	if err := tui.New(addr, interval).Run(); err != nil {
		return fmt.Errorf("TUI error: %w", err)
	}
	return nil
}

// startMonitor runs "protopt serve" detached with the flags of the current
// invocation and waits for it to answer.
func startMonitor(out io.Writer, client *tui.Client, args []string) error {
	exe, err := os.Executable()
	if err != nil {
		return err
	}

	cmd := exec.Command(exe, serveArgs(args)...)
	configureDetached(cmd)
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil

	if err := cmd.Start(); err != nil {
		return err
	}
	cmd.Process.Release()

	fmt.Fprint(out, "   Waiting for monitor...")
	for i := 0; i < 20; i++ {
		if client.Health() {
			fmt.Fprintln(out, " Done.")
			return nil
		}
		time.Sleep(250 * time.Millisecond)
		fmt.Fprint(out, ".")
	}
	fmt.Fprintln(out, " Timeout!")
	return fmt.Errorf("monitor started but not healthy")
}

// serveArgs replaces the watch subcommand in args by serve and drops the
// flags only watch knows.
func serveArgs(args []string) []string {
	out := []string{"serve"}
	for i := 0; i < len(args); i++ {
		a := args[i]
		switch {
		case a == "watch":
		case a == "--interval":
			i++
		case strings.HasPrefix(a, "--interval="), strings.HasPrefix(a, "--spawn"):
		default:
			out = append(out, a)
		}
	}
	return out
}
