// Command vocalcheck is the entry point for the vocal self-assessment server.
package main

import (
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// newRootCmd builds a fresh command tree, so tests can run commands in
// isolation.
func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "vocalcheck",
		Short:         "Guided vocal self-assessment: record, transcode, upload and analyse",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.AddCommand(
		newServeCmd(),
		newTranscodeCmd(),
		newStagesCmd(),
	)
	return root
}
