// Command containerside is the Container Side half of the proxy fabric
// (spec §2): it runs inside the same network namespace as the in-container
// workload, accepts the ES's single inbound control connection, opens the
// data-port pool, and serves the local HTTP/1.1 ingress every workload
// request calls through.
//
// grounded on the teacher's root main.go: config load -> logger ->
// dependency construction -> http.Server with explicit timeouts ->
// goroutine + buffered error channel + signal.Notify graceful shutdown.
// the dependency list is different (pool/controlserver/statsdb instead of
// db/docker/handlers) but the startup shape is copied line for line.
package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/sasta-kro/corvus-paas/corvus-proxy-fabric/config"
	"github.com/sasta-kro/corvus-paas/corvus-proxy-fabric/controlserver"
	"github.com/sasta-kro/corvus-paas/corvus-proxy-fabric/ingress"
	"github.com/sasta-kro/corvus-paas/corvus-proxy-fabric/pool"
	"github.com/sasta-kro/corvus-paas/corvus-proxy-fabric/statsdb"
	"github.com/sasta-kro/corvus-paas/corvus-proxy-fabric/telemetry"
)

func main() {
	cfg, err := config.LoadCSConfig()
	if err != nil {
		log.Fatalf("failed to load container side config: %v", err)
	}
	logger := config.NewLogger(cfg.LogFormat)

	logger.Info("corvus proxy fabric container side starting",
		"ingress_port", cfg.IngressPort,
		"control_port", cfg.ControlPort,
		"data_port_base", cfg.DataPortBase,
		"data_port_count", cfg.DataPortCount,
		"log_format", cfg.LogFormat,
	)

	ctx, stopSignals := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stopSignals()

	shutdownTracing, err := telemetry.Setup(ctx, "corvus-proxy-fabric-containerside")
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
	if !telemetry.Enabled() {
		logger.Info("OTEL_EXPORTER_OTLP_ENDPOINT not set, tracing spans will accumulate against the exporter default (localhost:4318)")
	}

	// opening the stats database and running its schema migration.
	// counters are purely observability (spec §4.2): a failure here must
	// not keep the fabric itself from serving traffic, so it is logged and
	// the ingress is simply started with a nil *statsdb.Stats rather than
	// failing fast the way the control plane's primary database does.
	stats, err := statsdb.Open(cfg.StatsDBPath, logger)
	if err != nil {
		logger.Error("failed to open stats database, continuing without persisted counters", "error", err)
		stats = nil
	} else {
		defer func() {
			if err := stats.Close(); err != nil {
				logger.Warn("stats database close failed", "error", err)
			}
		}()
	}

	// controlServer and pool have a circular dependency at the interface
	// level (pool sends AllocateChannel through controlServer;
	// controlServer resolves pending allocations through pool), resolved
	// the same way pool.ControlSender's doc comment describes: both sides
	// depend on small structurally-satisfied interfaces, not on each
	// other's concrete types, so construction order here (controlServer
	// first, with pool wired in after) is just a matter of which
	// constructor needs the other's pointer.
	var dataPool *pool.Pool
	controlSrv := controlserver.New(controlServerResolver{pool: &dataPool}, logger)
	dataPool = pool.New(cfg.DataPortBase, cfg.DataPortCount, controlSrv, logger)

	if err := dataPool.ListenAll(ctx); err != nil {
		log.Fatalf("failed to open data-channel pool: %v", err)
	}

	router := ingress.NewRouter(ingress.Dependencies{
		Logger:            logger,
		Pool:              dataPool,
		ControlStatus:     controlSrv,
		Stats:             stats,
		RequestsPerSecond: cfg.RequestsPerSecond,
		Burst:             cfg.Burst,
	})

	server := &http.Server{
		Addr:         ":" + cfg.IngressPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 11 * time.Minute, // above responseTimeout's 10 minutes (spec §4.4)
		IdleTimeout:  60 * time.Second,
	}

	controlServerErrC := make(chan error, 1)
	go func() {
		if err := controlSrv.Listen(cfg.ControlPort, ctx.Done()); err != nil {
			controlServerErrC <- err
			return
		}
		close(controlServerErrC)
	}()

	ingressErrC := make(chan error, 1)
	go func() {
		logger.Info("ingress http server listening", "addr", server.Addr)
		err := server.ListenAndServe()
		if err != nil && err != http.ErrServerClosed {
			ingressErrC <- err
		}
		close(ingressErrC)
	}()

	logger.Info("startup complete, container side ready to serve")

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-controlServerErrC:
		if err != nil {
			logger.Error("control server failed", "error", err)
		}
		stopSignals()
	case err := <-ingressErrC:
		if err != nil {
			logger.Error("ingress http server failed", "error", err)
		}
		stopSignals()
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("ingress graceful shutdown failed", "error", err)
	} else {
		logger.Info("ingress server shut down cleanly")
	}
}

// controlServerResolver adapts the not-yet-constructed *pool.Pool into
// controlserver.AllocationResolver: controlserver.New must be called before
// pool.New has a control sender to hand it, so the resolver this package
// passes in holds a pointer-to-pointer and dereferences it lazily, once,
// the first time a ChannelAllocated/Error frame actually arrives (which is
// always after both constructors above have run).
type controlServerResolver struct {
	pool **pool.Pool
}

func (r controlServerResolver) ResolveAllocation(requestID string, port int, err error) {
	(*r.pool).ResolveAllocation(requestID, port, err)
}
