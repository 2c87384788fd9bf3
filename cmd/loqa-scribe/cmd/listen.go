package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/reconcile"
	"github.com/loqalabs/loqa-scribe/internal/runtime"
	"github.com/spf13/cobra"
)

var (
	listenDevice string
	listenLines  int
)

var listenCmd = &cobra.Command{
	Use:   "listen",
	Short: "Transcribe from an input device in this terminal",
	Long: `Starts a session and redraws the transcript as it changes. Press
Ctrl-C to stop recording; queued utterances are still refined before exit
and the final transcript is printed.

Examples:
  loqa-scribe listen
  loqa-scribe listen --device "USB Microphone"
  loqa-scribe listen --device file:meeting.wav`,
	RunE: runListen,
}

func init() {
	rootCmd.AddCommand(listenCmd)

	listenCmd.Flags().StringVarP(&listenDevice, "device", "d", "",
		"input device name, index, \"default\" or file:<path.wav>")
	listenCmd.Flags().IntVar(&listenLines, "lines", 20,
		"transcript lines shown")
}

func runListen(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		printError("config", err)
		return err
	}
	// Logs go to stderr so they do not tear the redrawn transcript.
	logger := newLogger(os.Stderr, cfg, false)

	rt := runtime.New(cfg, logger,
		runtime.WithoutHTTP(),
		runtime.WithRenderer(reconcile.NewTerminalRenderer(os.Stdout, listenLines)))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rt.Setup(ctx); err != nil {
		printError("startup", err)
		return err
	}
	shutdown := func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout()+5*time.Second)
		defer cancel()
		_ = rt.Shutdown(shutdownCtx)
	}

	if _, err := rt.Controller().Start(ctx, listenDevice); err != nil {
		shutdown()
		printError("start session", err)
		return err
	}

	// The session also ends on its own at the end of a file or on a device
	// failure.
	ended := make(chan struct{})
	go func() {
		_ = rt.Controller().Wait(context.Background())
		close(ended)
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "\nstopping, finishing queued utterances...")
	case <-ended:
	}
	shutdown()

	fmt.Print(rt.Transcript().Text())
	return nil
}
