// The worker runs the background side of the saga engine: cron-scheduled
// recovery sweeps over open streams and the outbox relay. Exactly one
// worker does leader work at a time; followers keep retrying the lease so
// failover happens within one lease duration.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"provisioner/application/catalog"
	"provisioner/infrastructure/config"
	"provisioner/infrastructure/di"
	dynamostore "provisioner/infrastructure/persistence/dynamodb"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

const (
	leaderRole    = "saga-worker"
	leaseDuration = 2 * time.Minute
	leaseRetry    = 30 * time.Second
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	container, cleanup, err := di.InitializeContainer(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to initialize container: %v", err)
	}
	defer cleanup()

	logger := container.Logger
	if err := catalog.Register(container.Definitions); err != nil {
		logger.Fatal("Failed to register saga definitions", zap.Error(err))
	}

	holderID := workerID()
	logger.Info("Worker starting",
		zap.String("holder", holderID),
		zap.String("schedule", cfg.RecoverySweepSchedule),
	)

	// Single-node backends have no peers to coordinate with, so the
	// lease protocol only runs against DynamoDB.
	if cfg.EventStoreBackend == "dynamodb" {
		go runLeaderLoop(ctx, container, holderID)
	} else {
		go runStandalone(ctx, container)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("Worker shutting down")
	cancel()
	_ = logger.Sync()
}

// runLeaderLoop acquires the lease and holds leader work until the lease
// is lost or the context ends. Losing the lease drops back to acquiring.
func runLeaderLoop(ctx context.Context, container *di.Container, holderID string) {
	logger := container.Logger

	for {
		lease, err := container.LeaderLock.Acquire(ctx, leaderRole, holderID, leaseDuration)
		if err != nil {
			if err != dynamostore.ErrLeaseHeld {
				logger.Warn("Lease acquisition failed", zap.Error(err))
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(leaseRetry):
				continue
			}
		}

		runAsLeader(ctx, container, lease)
		if ctx.Err() != nil {
			return
		}
	}
}

// runAsLeader runs the sweeps and the relay until the lease is lost
func runAsLeader(ctx context.Context, container *di.Container, lease *dynamostore.Lease) {
	logger := container.Logger
	cfg := container.Config

	scheduler := cron.New()
	_, err := scheduler.AddFunc(cfg.RecoverySweepSchedule, func() {
		sweep(ctx, container)
	})
	if err != nil {
		logger.Error("Invalid sweep schedule",
			zap.String("schedule", cfg.RecoverySweepSchedule),
			zap.Error(err),
		)
		_ = lease.Release(ctx)
		return
	}

	// Sweep once immediately; the schedule covers steady state.
	sweep(ctx, container)

	scheduler.Start()
	defer scheduler.Stop()

	if container.OutboxRelay != nil {
		container.OutboxRelay.Start(ctx)
		defer container.OutboxRelay.Stop()
	}

	renewTicker := time.NewTicker(leaseDuration / 3)
	defer renewTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			releaseCtx, releaseCancel := context.WithTimeout(context.Background(), 5*time.Second)
			_ = lease.Release(releaseCtx)
			releaseCancel()
			return
		case <-renewTicker.C:
			if err := lease.Renew(ctx); err != nil {
				logger.Warn("Lease lost, stepping down", zap.Error(err))
				return
			}
		}
	}
}

// runStandalone runs the sweeps without leader election
func runStandalone(ctx context.Context, container *di.Container) {
	logger := container.Logger
	cfg := container.Config

	scheduler := cron.New()
	_, err := scheduler.AddFunc(cfg.RecoverySweepSchedule, func() {
		sweep(ctx, container)
	})
	if err != nil {
		logger.Error("Invalid sweep schedule",
			zap.String("schedule", cfg.RecoverySweepSchedule),
			zap.Error(err),
		)
		return
	}

	sweep(ctx, container)

	scheduler.Start()
	defer scheduler.Stop()
	<-ctx.Done()
}

// sweep runs one recovery pass inside its own trace segment. Background
// work has no inbound request to attach to, so each sweep is a root segment.
func sweep(ctx context.Context, container *di.Container) {
	segCtx, seg := container.Tracer.StartSegment(ctx, "recovery.sweep")
	err := container.Recovery.RunOnce(segCtx)
	seg.Close(err)
	if err != nil {
		container.Logger.Warn("Recovery sweep failed", zap.Error(err))
	}
}

func workerID() string {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "worker"
	}
	return hostname + "-" + uuid.New().String()[:8]
}
