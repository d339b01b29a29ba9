package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "agentlab",
	Short: "Run multi-agent experiments over a local model registry",
	Long: `agentlab runs long-lived experiments composed of AI-agent conversations,
streams their progress to clients in real time, and manages background
model downloads.

State is persisted as plain JSON files under the data directory and
survives restarts.`,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
