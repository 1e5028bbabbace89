package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"time"

	"github.com/spf13/cobra"

	"github.com/fentz26/relayq/internal/client"
	"github.com/fentz26/relayq/internal/tui"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Launch the interactive TUI",
	RunE:  runWatch,
}

var (
	spawnServer bool
	refresh     time.Duration
)

func init() {
	watchCmd.Flags().BoolVar(&spawnServer, "spawn", false, "Start a background server if none is reachable")
	watchCmd.Flags().DurationVar(&refresh, "refresh", time.Second, "How often to refresh store counts (0 disables)")
}

func runWatch(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	codec, err := resolveCodec(cfg)
	if err != nil {
		return err
	}

	// 1. Check if the server is running
	if !isServerRunning(cfg.Server.Addr) {
		if !spawnServer {
			return fmt.Errorf("no relayq server at %s (start one with `relayq serve` or pass --spawn)", cfg.Server.Addr)
		}
		fmt.Println("⚡ relayq server not running. Starting background service...")
		if err := startServer(cfg.Server.Addr); err != nil {
			return fmt.Errorf("failed to start server: %w", err)
		}
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
	c, err := client.Dial(ctx, cfg.Server.Addr, codec)
	cancel()
	if err != nil {
		return err
	}
	defer c.Close()

	// 2. Launch TUI
	app := tui.New(c, cfg.Server.Addr, refresh)
	if err := app.Run(); err != nil {
		return fmt.Errorf("TUI error: %w", err)
	}
	return nil
}

func isServerRunning(addr string) bool {
	conn, err := net.DialTimeout("tcp", addr, 500*time.Millisecond)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

func startServer(addr string) error {
	exe, err := os.Executable()
	if err != nil {
		return err
	}

	// Start "relayq serve" in background with the same config
	args := []string{"serve"}
	if configPath != "" {
		args = append(args, "--config", configPath)
	}
	if serverAddr != "" {
		args = append(args, "--addr", serverAddr)
	}
	if codecName != "" {
		args = append(args, "--codec", codecName)
	}
	cmd := exec.Command(exe, args...)
	// Detach process so it survives TUI exit
	configureServerProc(cmd)
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil

	if err := cmd.Start(); err != nil {
		return err
	}

	// Wait for it to become ready
	fmt.Print("   Waiting for server...")
	for i := 0; i < 20; i++ { // Wait up to 5 seconds
		if isServerRunning(addr) {
			fmt.Println(" Done.")
			return nil
		}
		time.Sleep(250 * time.Millisecond)
		fmt.Print(".")
	}
	fmt.Println(" Timeout!")
	return fmt.Errorf("server started but not reachable at %s", addr)
}
