// Command nous runs the retrieval pipeline as a standalone process. It
// constructs a nous.App, exposes a liveness endpoint on NOUS_PORT, and
// blocks until SIGINT/SIGTERM. Routing the pipeline's own operations
// (Select, Ingest, ProposeHypothesis, CompareExternal) over HTTP or any
// other transport is left to the embedding application — this entrypoint
// demonstrates wiring, not a router.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/nous-run/nous"
)

var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLogLevel(os.Getenv("NOUS_LOG_LEVEL")),
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func run(ctx context.Context, logger *slog.Logger) error {
	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	app, err := nous.New(nous.WithLogger(logger), nous.WithVersion(version))
	if err != nil {
		return fmt.Errorf("construct app: %w", err)
	}

	port := os.Getenv("NOUS_PORT")
	if port == "" {
		port = "8080"
	}
	healthSrv := &http.Server{
		Addr:         ":" + port,
		Handler:      healthHandler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := healthSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	logger.Info("nous starting", "version", version, "port", port)

	appErrCh := make(chan error, 1)
	go func() {
		appErrCh <- app.Run(ctx)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	case err := <-appErrCh:
		return err
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := healthSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("health server shutdown error", "error", err)
	}

	<-appErrCh
	logger.Info("nous stopped")
	return nil
}

func healthHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

func parseLogLevel(raw string) slog.Level {
	switch raw {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
