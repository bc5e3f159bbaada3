// Package app contains the shared, reusable logic for starting and stopping the service.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/tinywideclouds/go-session-manager/pkg/edge"
)

const shutdownTimeout = 15 * time.Second

// Membership is the registry side of the front machine lifecycle.
type Membership interface {
	SetupServer(ctx context.Context, fm edge.FrontMachine) error
	ReleaseServer(ctx context.Context) error
}

// Gateway is the client-facing server.
type Gateway interface {
	Start(ctx context.Context) error
	Shutdown(ctx context.Context) error
}

// Service bundles what Run drives. Closers run after the gateway has drained
// and before the front machine leaves the registry.
type Service struct {
	FrontMachine edge.FrontMachine
	Membership   Membership
	Repository   edge.Repository
	Gateway      Gateway
	// BusClosed reports an unexpected loss of the message bus. May be nil.
	BusClosed <-chan error
	Closers   []func() error
}

// Run executes the main application lifecycle of a front machine. It registers
// the instance, serves clients until a signal, a cancelled ctx, a gateway failure
// or a bus loss, then shuts everything down in dependency order.
func Run(ctx context.Context, logger *slog.Logger, svc Service) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := register(ctx, logger, svc); err != nil {
		return err
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		logger.Info("Starting Connection Manager Service...")
		err := svc.Gateway.Start(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("Connection Manager Service failed", "err", err)
			cancel() // Trigger shutdown of other services.
		}
	}()

	// Wait for a shutdown signal.
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(shutdown)

	select {
	case sig := <-shutdown:
		logger.Info("Received shutdown signal.", "signal", sig.String())
	case err := <-svc.BusClosed:
		logger.Error("Message bus connection lost, initiating shutdown.", "err", err)
	case <-ctx.Done():
		logger.Info("Context cancelled, initiating shutdown.")
	}

	// Execute graceful shutdown.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	logger.Info("Shutting down Connection Manager...")
	if err := svc.Gateway.Shutdown(shutdownCtx); err != nil {
		logger.Error("Connection Manager shutdown failed.", "err", err)
	}
	wg.Wait()

	for _, closeFn := range svc.Closers {
		if err := closeFn(); err != nil {
			logger.Error("Failed to close dependency.", "err", err)
		}
	}

	logger.Info("Releasing front machine...", "fm_id", svc.FrontMachine.ID)
	if err := svc.Membership.ReleaseServer(shutdownCtx); err != nil {
		logger.Error("Registry release failed.", "err", err)
	}
	if err := svc.Repository.DeleteFMRegistration(shutdownCtx, svc.FrontMachine.ID); err != nil {
		logger.Error("Failed to delete front machine record.", "err", err)
	}

	logger.Info("All services shut down gracefully.")
	return nil
}

// register claims the lease first, then records the instance in the
// relational store. A stale record left by a crash is overwritten.
func register(ctx context.Context, logger *slog.Logger, svc Service) error {
	if err := svc.Membership.SetupServer(ctx, svc.FrontMachine); err != nil {
		return fmt.Errorf("failed to register front machine: %w", err)
	}

	previous, err := svc.Repository.GetFMRegistration(ctx, svc.FrontMachine.ID)
	if err != nil {
		logger.Warn("Failed to read previous front machine record", "err", err)
	} else if previous != nil {
		logger.Warn("Overwriting stale front machine record", "fm_id", previous.ID, "ip", previous.IP, "port", previous.Port)
	}

	if err := svc.Repository.SetFMRegistration(ctx, svc.FrontMachine); err != nil {
		releaseCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if relErr := svc.Membership.ReleaseServer(releaseCtx); relErr != nil {
			logger.Error("Registry release failed.", "err", relErr)
		}
		return fmt.Errorf("failed to record front machine: %w", err)
	}
	logger.Info("Front machine registered.", "fm_id", svc.FrontMachine.ID, "ip", svc.FrontMachine.IP, "port", svc.FrontMachine.Port)
	return nil
}
