package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/fentz26/relayq/internal/controlplane"
)

// DefaultClientTimeout is the default timeout for API requests.
const DefaultClientTimeout = 10 * time.Second

// apiClient is the shared HTTP client with timeout.
var apiClient = &http.Client{
	Timeout: DefaultClientTimeout,
}

var apiAddr string

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check server health over the HTTP endpoints",
	RunE:  runHealth,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&apiAddr, "api", "", "HTTP endpoint base URL (default: http://<server.http_addr>)")
	rootCmd.AddCommand(healthCmd)
}

// apiBase returns the HTTP base URL from --api or the config.
func apiBase() (string, error) {
	if apiAddr != "" {
		return strings.TrimSuffix(apiAddr, "/"), nil
	}
	cfg, err := loadConfig()
	if err != nil {
		return "", err
	}
	if cfg.Server.HTTPAddr == "" {
		return "", errors.New("HTTP endpoints are disabled: set server.http_addr or pass --api")
	}
	return "http://" + cfg.Server.HTTPAddr, nil
}

// apiGet performs a GET request to the API with timeout.
func apiGet(path string) ([]byte, error) {
	base, err := apiBase()
	if err != nil {
		return nil, err
	}
	resp, err := apiClient.Get(base + path)
	if err != nil {
		return nil, fmt.Errorf("API request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	return body, nil
}

// CheckHealth checks if the server is healthy and returns the health response.
// Unlike other API calls, this returns the parsed HealthResponse even on non-200
// responses, allowing callers to inspect the health payload alongside the error.
func CheckHealth() (*controlplane.HealthResponse, error) {
	base, err := apiBase()
	if err != nil {
		return nil, err
	}
	resp, err := apiClient.Get(base + "/health")
	if err != nil {
		return nil, fmt.Errorf("API request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	var health controlplane.HealthResponse
	if err := json.Unmarshal(body, &health); err != nil {
		return nil, fmt.Errorf("failed to parse health response: %w", err)
	}

	// Return both payload and error on non-200 status
	if resp.StatusCode != http.StatusOK {
		return &health, fmt.Errorf("health check failed (status %d): %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	return &health, nil
}

func runHealth(cmd *cobra.Command, args []string) error {
	health, err := CheckHealth()
	if health != nil {
		fmt.Printf("OK:          %t\n", health.OK)
		fmt.Printf("DB:          %s\n", health.DB)
		fmt.Printf("Version:     %s\n", health.Version)
		fmt.Printf("Connections: %d\n", health.Connections)
		fmt.Printf("Time:        %s\n", health.Time)
	}
	return err
}
