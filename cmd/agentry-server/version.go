package main

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

// Populated via -ldflags at build time.
var (
	version   = "dev"
	gitCommit = "unknown"
)

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("agentry-server %s (%s) %s/%s %s\n",
				version, gitCommit, runtime.GOOS, runtime.GOARCH, runtime.Version())
		},
	}
}
