package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var (
	green  = color.New(color.FgGreen).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	cyan   = color.New(color.FgCyan).SprintFunc()
	gray   = color.New(color.FgHiBlack).SprintFunc()
	bold   = color.New(color.Bold).SprintFunc()
)

// isTTY reports whether stdout is an interactive terminal. Colored output is
// disabled otherwise.
func isTTY() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "agentry-server",
		Short: "Multi-tenant agent session registry server",
		Long: `agentry-server hosts the multi-tenant agent session registry:
per-user agent sessions, circuit-broken dependency calls, degradation-aware
health reporting, and a per-user websocket event stream.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to config file")

	rootCmd.AddCommand(newServeCommand())
	rootCmd.AddCommand(newStatusCommand())
	rootCmd.AddCommand(newVersionCommand())
	return rootCmd
}

func main() {
	if !isTTY() {
		color.NoColor = true
	}
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, red("Error: ")+err.Error())
		os.Exit(1)
	}
}
