// Command omnia runs the dialogue engine behind an HTTP API and, optionally, a
// WhatsApp relay.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	// Environment first so flags can override it.
	initializeLogger(os.Getenv("LOG_LEVEL"))
	config := loadEnvironmentConfig()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd(&config).ExecuteContext(ctx); err != nil {
		slog.Error("omnia failed to run", "error", err)
		stop()
		os.Exit(1)
	}
	slog.Info("omnia exited successfully")
}
