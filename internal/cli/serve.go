package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/agentlab/agentlab/internal/config"
	"github.com/agentlab/agentlab/internal/experiment"
	"github.com/agentlab/agentlab/internal/filestore"
	"github.com/agentlab/agentlab/internal/metrics"
	"github.com/agentlab/agentlab/internal/producer"
	"github.com/agentlab/agentlab/internal/pull"
	"github.com/agentlab/agentlab/internal/registry"
	"github.com/agentlab/agentlab/internal/web"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the experiment server",
	Long: `Start the experiment server.

Examples:
  agentlab serve              # Start on default port 8080
  agentlab serve --port 3000  # Start on port 3000`,
	RunE: runServe,
}

var servePort int

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 0, "Port to listen on (overrides AGENTLAB_PORT)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if servePort != 0 {
		cfg.Server.Port = servePort
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	store, err := filestore.New(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("failed to initialize data directory: %w", err)
	}

	// Create context that cancels on interrupt.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("shutting down")
		cancel()
	}()

	var recorder metrics.Recorder
	if exporter, err := metrics.NewExporter(ctx, metrics.LoadConfig()); err == nil {
		recorder = exporter
		defer func() { _ = exporter.Close(context.Background()) }()
	} else {
		recorder = metrics.NewNoOpRecorder()
	}

	reg := registry.NewClient(cfg.Registry)
	prod := producer.NewChatProducer(cfg.Registry.Host)

	pulls := pull.NewManager(store, reg, cfg.Pull, recorder, logger)
	if err := pulls.Resume(); err != nil {
		return fmt.Errorf("failed to resume pull tasks: %w", err)
	}
	go pulls.RunJanitor(ctx)

	experiments := experiment.NewManager(store, prod, cfg.Experiment, recorder, logger)
	if err := experiments.RecoverInterrupted(); err != nil {
		return fmt.Errorf("failed to recover interrupted experiments: %w", err)
	}

	server := web.NewServer(cfg.Server.Port, store, experiments, pulls, reg, logger)
	return server.Start(ctx)
}
