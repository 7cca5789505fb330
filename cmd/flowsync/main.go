package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "flowsync",
		Short: "Real-time collaborative flowchart sync server",
		Long: `FlowSync keeps a shared node/edge diagram consistent across every
connected client. Each room is an isolated document: edits are broadcast to
the other participants over WebSockets and persisted to durable storage, so
the document survives restarts and empty rooms.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		serveCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}
