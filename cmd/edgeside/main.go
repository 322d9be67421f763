// Command edgeside is the Edge Side half of the proxy fabric (spec §2): it
// watches the workload container's lifecycle, dials into the Container
// Side's control port, and serves every data channel the CS asks it to
// open by forwarding the request to an Object-Store adapter.
//
// grounded on the same graceful-shutdown shape as cmd/containerside, with
// the supervisor's own reconnection loop (package supervisor) taking the
// place of an http.Server as "the long-running thing main.go starts and
// waits to unwind."
package main

import (
	"context"
	"log"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/sasta-kro/corvus-paas/corvus-proxy-fabric/config"
	"github.com/sasta-kro/corvus-paas/corvus-proxy-fabric/containerstatus"
	"github.com/sasta-kro/corvus-paas/corvus-proxy-fabric/controlclient"
	"github.com/sasta-kro/corvus-paas/corvus-proxy-fabric/dataclient"
	"github.com/sasta-kro/corvus-paas/corvus-proxy-fabric/objectstore"
	"github.com/sasta-kro/corvus-paas/corvus-proxy-fabric/objectstore/memstore"
	"github.com/sasta-kro/corvus-paas/corvus-proxy-fabric/objectstore/s3store"
	"github.com/sasta-kro/corvus-paas/corvus-proxy-fabric/supervisor"
	"github.com/sasta-kro/corvus-paas/corvus-proxy-fabric/telemetry"
)

func main() {
	cfg, err := config.LoadESConfig()
	if err != nil {
		log.Fatalf("failed to load edge side config: %v", err)
	}
	logger := config.NewLogger(cfg.LogFormat)

	logger.Info("corvus proxy fabric edge side starting",
		"cs_host", cfg.CSHost,
		"control_port", cfg.ControlPort,
		"data_port_base", cfg.DataPortBase,
		"data_port_count", cfg.DataPortCount,
		"container_id", cfg.ContainerID,
		"object_store_backend", cfg.ObjectStoreBackend,
	)

	ctx, stopSignals := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stopSignals()

	shutdownTracing, err := telemetry.Setup(ctx, "corvus-proxy-fabric-edgeside")
	if err != nil {
		log.Fatalf("failed to set up tracing: %v", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.Warn("tracer provider shutdown failed", "error", err)
		}
	}()

	adapter, err := buildObjectStoreAdapter(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("failed to construct object-store adapter: %v", err)
	}

	watcher, err := containerstatus.NewWatcher(cfg.ContainerID, logger)
	if err != nil {
		log.Fatalf("failed to connect to docker daemon: %v", err)
	}
	defer func() {
		if err := watcher.Close(); err != nil {
			logger.Warn("containerstatus watcher close failed", "error", err)
		}
	}()

	watcherErrC := make(chan error, 1)
	go func() {
		watcherErrC <- watcher.Run(ctx)
	}()

	channels := dataclient.New(cfg.CSHost, cfg.DataPortBase, cfg.DataPortCount, adapter, logger)
	control := controlclient.New(cfg.CSHost, cfg.ControlPort, channels, watcher, logger)
	super := supervisor.New(control, watcher, logger)

	supervisorDone := super.Start(ctx)

	logger.Info("startup complete, edge side ready to serve")

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-watcherErrC:
		if err != nil && err != context.Canceled {
			logger.Error("container status watcher ended unexpectedly", "error", err)
		}
		stopSignals()
	case <-supervisorDone:
		// the supervisor only ever exits permanently (container stopping
		// or stopped, or ctx canceled); either way there is nothing left
		// to keep this process alive for.
		logger.Info("supervisor exited")
		stopSignals()
	}

	select {
	case <-supervisorDone:
	case <-time.After(10 * time.Second):
		logger.Warn("supervisor did not exit within shutdown window")
	}
}

// buildObjectStoreAdapter selects between the real S3-compatible adapter
// and the in-memory fake per ESConfig.ObjectStoreBackend (SPEC_FULL §8's
// "in-memory objectstore fake ... so the end-to-end seed scenarios run
// without network access to AWS").
func buildObjectStoreAdapter(ctx context.Context, cfg *config.ESConfig, logger *slog.Logger) (objectstore.Adapter, error) {
	if cfg.ObjectStoreBackend == "memory" {
		logger.Info("using in-memory object-store adapter", "default_bucket", cfg.S3Bucket)
		return memstore.New(cfg.S3Bucket, cfg.S3KnownBuckets), nil
	}

	return s3store.New(ctx, s3store.Config{
		Endpoint:      cfg.S3Endpoint,
		Region:        cfg.S3Region,
		DefaultBucket: cfg.S3Bucket,
		AccessKey:     cfg.S3AccessKey,
		SecretKey:     cfg.S3SecretKey,
		KnownBuckets:  cfg.S3KnownBuckets,
	}, logger)
}
