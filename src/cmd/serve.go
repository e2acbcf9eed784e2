package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/username/tradejournal/backend/src/handlers"
)

const (
	purgeInterval   = time.Hour
	shutdownTimeout = 20 * time.Second
	minSecretLength = 32
)

var serveCMD = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API server",
	Long:  `Start the HTTP API server. Stale import batches are purged every hour while it runs.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := bootstrap()
		if err != nil {
			return err
		}
		defer a.Close()

		if len(a.cfg.JWTSecret) < minSecretLength {
			a.log.Error("JWT_SECRET configuration invalid.", "minLength", minSecretLength)
			return fmt.Errorf("JWT_SECRET must be at least %d characters", minSecretLength)
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		router := handlers.NewRouter(handlers.RouterDeps{
			Auth:           a.auth,
			AllowedOrigins: a.cfg.AllowedOrigins,
			Upload:         handlers.NewUploadHandler(a.ingestion, a.cfg.MaxUploadSizeBytes),
			Trades:         handlers.NewTradeHandler(a.trades),
			Fees:           handlers.NewFeeHandler(a.trades),
			Brokers:        handlers.NewBrokerHandler(a.registry),
			AiIngest:       handlers.NewAiIngestHandler(a.aiIngest),
		})

		serverAddr := ":" + a.cfg.Port
		server := &http.Server{
			Addr:         serverAddr,
			Handler:      router,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: a.cfg.AITimeout + 30*time.Second,
			IdleTimeout:  60 * time.Second,
		}

		go a.purgeLoop(ctx)

		errCh := make(chan error, 1)
		go func() {
			a.log.Info("Server starting", "address", serverAddr)
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
			close(errCh)
		}()

		select {
		case err := <-errCh:
			if err != nil {
				return fmt.Errorf("failed to start server: %w", err)
			}
			return nil
		case <-ctx.Done():
		}

		a.log.Info("Shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	},
}

// purgeLoop clears stale import batches until ctx is done.
func (a *app) purgeLoop(ctx context.Context) {
	ticker := time.NewTicker(purgeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := a.ingestion.PurgeStaleBatches(ctx)
			if err != nil {
				a.log.Error("Stale batch purge failed", "error", err)
				continue
			}
			if n > 0 {
				a.log.Info("Stale import batches purged", "count", n)
			}
		}
	}
}
