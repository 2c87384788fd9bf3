package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/loqalabs/loqa-scribe/internal/runtime"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the transcription service",
	Long: `Runs the service until SIGINT or SIGTERM. Sessions are started and
stopped over HTTP; transcript events are available from /v1/events and,
when the bus is enabled, on NATS subjects scribe.transcript.<kind>.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		printError("config", err)
		return err
	}
	logger := newLogger(os.Stdout, cfg, true)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt := runtime.New(cfg, logger)
	if err := rt.Start(ctx); err != nil {
		logger.Error("runtime exited with error", slog.String("error", err.Error()))
		return err
	}
	logger.Info("shutdown complete")
	return nil
}
