package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/webpilot-ai/webpilot/cmd"
	"github.com/webpilot-ai/webpilot/internal/observability"
)

// main is the entry point of the application.
func main() {
	// Set up a context that listens for interrupt signals (SIGINT,
	// SIGTERM) so running workflows and the API server can shut down
	// gracefully.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err := cmd.Execute(ctx)

	// Flush buffered log entries before the process exits; os.Exit
	// skips deferred calls.
	observability.Sync()

	if err != nil {
		if errors.Is(err, context.Canceled) {
			// Graceful shutdown initiated by the user is a clean exit.
			os.Exit(0)
		}
		os.Exit(1)
	}
}
