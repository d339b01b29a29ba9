package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/agentlab/agentlab/internal/config"
	"github.com/agentlab/agentlab/internal/registry"
	"github.com/agentlab/agentlab/internal/resilience"
)

var pullCmd = &cobra.Command{
	Use:   "pull <model>",
	Short: "Download a model from the local registry",
	Args:  cobra.ExactArgs(1),
	RunE:  runPull,
}

func init() {
	rootCmd.AddCommand(pullCmd)
}

// runPull downloads one model in the foreground, with the same retry
// policy the server's background tasks use.
func runPull(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	name := args[0]
	reg := registry.NewClient(cfg.Registry)

	retryCfg := resilience.RetryConfig{
		MaxAttempts: cfg.Pull.MaxAttempts,
		BackoffCap:  cfg.Pull.BackoffCap,
	}

	err = resilience.Retry(cmd.Context(), retryCfg, func(ctx context.Context) error {
		return reg.Pull(ctx, name, func(chunk registry.PullChunk) {
			if chunk.Total > 0 {
				fmt.Printf("\r%s: %.1f%% (%s / %s)        ",
					chunk.Status,
					float64(chunk.Completed)/float64(chunk.Total)*100,
					formatSize(chunk.Completed), formatSize(chunk.Total))
			} else if chunk.Status != "" {
				fmt.Printf("\r%s                                  ", chunk.Status)
			}
		})
	}, nil)
	fmt.Println()
	if err != nil {
		return fmt.Errorf("pull failed: %w", err)
	}
	fmt.Printf("pulled %s\n", name)
	return nil
}
