package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
)

type statusResponse struct {
	Success bool `json:"success"`
	Data    struct {
		Status        string  `json:"status"`
		UptimeSeconds float64 `json:"uptime_seconds"`
		Registry      struct {
			SessionCount     int    `json:"session_count"`
			AgentCount       int    `json:"agent_count"`
			Health           string `json:"health"`
			DegradationLevel string `json:"degradation_level"`
		} `json:"registry"`
		Degradation struct {
			Level    string   `json:"level"`
			Affected []string `json:"affected"`
		} `json:"degradation"`
		Breakers []struct {
			Name         string `json:"name"`
			State        string `json:"state"`
			FailureCount int    `json:"failure_count"`
		} `json:"breakers"`
	} `json:"data"`
}

func newStatusCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Query a running server's health",
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, _ := cmd.Flags().GetString("addr")
			return printStatus(addr)
		},
	}
	cmd.Flags().String("addr", "http://localhost:8080", "Server base URL")
	return cmd
}

func printStatus(addr string) error {
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(addr + "/health")
	if err != nil {
		return fmt.Errorf("server unreachable: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	var status statusResponse
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return fmt.Errorf("decoding health response: %w", err)
	}
	data := status.Data

	fmt.Println(bold("agentry server status"))
	fmt.Printf("  %s %s\n", gray("status:"), colorizeStatus(data.Status))
	fmt.Printf("  %s %s\n", gray("uptime:"), (time.Duration(data.UptimeSeconds) * time.Second).String())
	fmt.Printf("  %s %d sessions, %d agents (%s)\n", gray("registry:"),
		data.Registry.SessionCount, data.Registry.AgentCount, data.Registry.Health)

	if len(data.Degradation.Affected) > 0 {
		fmt.Printf("  %s %s, affected: %v\n", gray("degradation:"),
			colorizeStatus(data.Degradation.Level), data.Degradation.Affected)
	}
	for _, breaker := range data.Breakers {
		fmt.Printf("  %s %s is %s (%d failures)\n", gray("breaker:"),
			cyan(breaker.Name), colorizeStatus(breaker.State), breaker.FailureCount)
	}
	return nil
}

func colorizeStatus(status string) string {
	switch status {
	case "ok", "normal", "healthy", "closed":
		return green(status)
	case "partial", "warning", "half-open", "degraded":
		return yellow(status)
	default:
		return red(status)
	}
}
