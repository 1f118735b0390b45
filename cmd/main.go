package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/megamelange/melange-backend/internal/app"
	"github.com/megamelange/melange-backend/internal/logger"
)

func main() {
	// Logger
	logMode := os.Getenv("LOG_MODE")
	if logMode == "" {
		logMode = "development"
	}
	log, err := logger.New(logMode)
	if err != nil {
		fmt.Printf("Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info("Wiring melange backend...")
	a, err := app.New(ctx, log)
	if err != nil {
		log.Error("Failed to wire application", "error", err)
		os.Exit(1)
	}
	defer a.Close()

	addr := ":" + a.Config.Port
	log.Info("Starting server", "addr", addr)
	errCh := make(chan error, 1)
	go func() {
		errCh <- a.Router.Run(addr)
	}()

	select {
	case err := <-errCh:
		log.Error("Server stopped", "error", err)
		os.Exit(1)
	case <-ctx.Done():
		log.Info("Shutting down")
	}
}
