package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/fentz26/relayq/internal/config"
	"github.com/fentz26/relayq/internal/wire"
)

var rootCmd = &cobra.Command{
	Use:   "relayq",
	Short: "relayq - length-prefixed task queue server",
	Long: `relayq accepts tasks over a framed TCP protocol, runs them through a local
worker pool, and pushes each result back to the connections awaiting it.`,
	SilenceUsage: true,
	// No RunE - defaults to showing help when no subcommand is provided
}

var (
	configPath string
	serverAddr string
	codecName  string
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to relayq.yaml (default: ./relayq.yaml or ~/.relayq/relayq.yaml)")
	rootCmd.PersistentFlags().StringVar(&serverAddr, "addr", "", "Wire server address (overrides server.addr)")
	rootCmd.PersistentFlags().StringVar(&codecName, "codec", "", "Payload codec: json or cbor (overrides server.codec)")

	// Add subcommands
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(taskCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(configCmd)
}

// loadConfig reads the config file and applies command-line overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if serverAddr != "" {
		cfg.Server.Addr = serverAddr
	}
	if codecName != "" {
		cfg.Server.Codec = codecName
	}
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func resolveCodec(cfg *config.Config) (wire.Codec, error) {
	return wire.Lookup(cfg.Server.Codec)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
