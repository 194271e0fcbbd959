package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mikey/lead-router/internal/adapters/httpapi"
	"github.com/mikey/lead-router/internal/config"
	"github.com/mikey/lead-router/internal/core"
	"github.com/mikey/lead-router/internal/di"
	"github.com/mikey/lead-router/internal/factory"
	"go.uber.org/dig"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	// Build the dependency injection container
	container, err := di.BuildContainer()
	if err != nil {
		fmt.Printf("Failed to build dependency container: %v\n", err)
		os.Exit(1)
	}

	// Run the application
	if err := container.Invoke(run); err != nil {
		fmt.Printf("Application error: %v\n", err)
		os.Exit(1)
	}
}

type deps struct {
	dig.In

	Config       *config.Config
	Logger       *zap.Logger
	Server       *httpapi.Server
	Ingestor     *core.Ingestor
	Orchestrator *core.Orchestrator
	Credentials  *core.CredentialStore
	Leads        *core.LeadStore
	Hub          *core.Hub
	Transport    *factory.Transport
	Snapshots    *factory.Snapshots
	Dedup        factory.DedupCache
	Classifier   core.Classifier
}

// run is the main application function that gets all dependencies injected
func run(d deps) error {
	logger := d.Logger
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := d.Credentials.Restore(ctx); err != nil {
		logger.Warn("Failed to restore sessions, starting empty", zap.Error(err))
	}
	if err := d.Leads.Restore(ctx); err != nil {
		logger.Warn("Failed to restore leads, starting empty", zap.Error(err))
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(d.Server.Start)
	g.Go(func() error {
		if d.Transport.Pull != nil {
			return d.Ingestor.RunPolling(gctx, d.Transport.Pull)
		}
		return d.Ingestor.RunStreaming(gctx, d.Transport.Stream)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down...")
		// ends the open event streams so that the server can drain
		d.Hub.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), d.Config.GetServer().ShutdownTimeout)
		defer cancel()
		if err := d.Server.Shutdown(shutdownCtx); err != nil {
			logger.Error("Failed to stop HTTP server", zap.Error(err))
		}
		return nil
	})

	runErr := g.Wait()
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		logger.Error("Service stopped with error", zap.Error(runErr))
	}

	// Ingestion has stopped; let running classifications finish
	orchCtx, cancel := context.WithTimeout(context.Background(), d.Config.GetOrchestrator().ShutdownTimeout)
	if err := d.Orchestrator.Shutdown(orchCtx); err != nil {
		logger.Warn("Classification tasks did not finish in time", zap.Error(err))
	}
	cancel()

	persistCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := d.Credentials.Persist(persistCtx); err != nil {
		logger.Error("Failed to persist sessions", zap.Error(err))
	}
	if err := d.Leads.Persist(persistCtx); err != nil {
		logger.Error("Failed to persist leads", zap.Error(err))
	}

	if err := d.Transport.Close(); err != nil {
		logger.Error("Failed to close transport", zap.Error(err))
	}
	if d.Dedup != nil {
		d.Dedup.Stop()
	}
	if closer, ok := d.Classifier.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			logger.Error("Failed to close classifier", zap.Error(err))
		}
	}
	if err := d.Snapshots.Close(); err != nil {
		logger.Error("Failed to close snapshot database", zap.Error(err))
	}

	logger.Info("Shutdown complete")
	return runErr
}
