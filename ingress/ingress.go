// Package ingress implements the Container Side's local HTTP/1.1 server
// (spec §4.2, §2's "CS ingress :H"): the one port arbitrary in-container
// workloads call as if it were a generic HTTP proxy. it allocates a data
// channel per request, runs the request writer and response reader
// concurrently (§4.2 point 3), and maps the proxy fabric's typed errors
// onto the 503/502 policy of §4.2 point 5 / §7.
//
// grounded on the teacher's router.go (chi + middleware.Logger/Recoverer,
// one RouterDependencies struct carrying everything handlers need) and
// helpers.go (the writeJsonAndRespond / writeErrorJsonAndLogIt pattern),
// adapted from a deployment-management API onto a proxy.
package ingress

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"

	"github.com/sasta-kro/corvus-paas/corvus-proxy-fabric/statsdb"
)

// responseTimeout bounds how long the ingress waits for a full response
// off a data channel (spec §4.4: "Timeout: 10 minutes per response").
const responseTimeout = 10 * time.Minute

// Pool is the subset of pool.Pool the ingress needs: allocate a channel,
// claim its socket for the duration of one exchange, and release it when
// done. declared here (not imported from pool) so this package's exported
// surface documents exactly what it depends on; *pool.Pool satisfies this
// interface structurally, no adapter needed.
type Pool interface {
	Allocate(ctx context.Context, requestID string) (int, error)
	ClaimSocket(port int) (net.Conn, io.Reader, error)
	Release(port int, socketStillOpen bool)
	NoteSocketClosed(port int)
}

// ControlStatusProvider reports whether the control channel is currently
// connected, for the /health and /healthcheck endpoints (spec §4.2 point
// 1). implemented by package controlserver.
type ControlStatusProvider interface {
	IsConnected() bool
}

// Dependencies groups everything the router and its handlers need,
// mirroring the teacher's RouterDependencies: one struct instead of a
// long constructor argument list, so adding a dependency later touches
// one place.
type Dependencies struct {
	Logger        *slog.Logger
	Pool          Pool
	ControlStatus ControlStatusProvider
	Stats         *statsdb.Stats

	// RequestsPerSecond and Burst configure the token-bucket limiter
	// placed in front of the allocator (SPEC_FULL §1.2's domain-stack
	// entry for golang.org/x/time/rate): load is shed here, before it
	// ever reaches the pool's saturation check, when callers exceed the
	// configured steady-state rate.
	RequestsPerSecond float64
	Burst             int
}

// NewRouter constructs the chi router, attaches middleware, and registers
// every route. it returns a plain http.Handler, same as the teacher's
// CreateAndSetupRouter, so main.go has no chi import of its own.
func NewRouter(deps Dependencies) http.Handler {
	router := chi.NewRouter()

	router.Use(middleware.Recoverer)
	router.Use(middleware.Logger)

	limiter := rate.NewLimiter(rate.Limit(deps.RequestsPerSecond), deps.Burst)

	healthHandler := &healthHandler{controlStatus: deps.ControlStatus}
	statsHandler := &statsHandler{stats: deps.Stats, logger: deps.Logger}
	proxy := &proxyHandler{
		pool:    deps.Pool,
		stats:   deps.Stats,
		logger:  deps.Logger,
		limiter: limiter,
	}

	router.Get("/healthcheck", healthHandler.serveHTTP)
	router.Get("/health", healthHandler.serveHTTP)
	router.Get("/stats", statsHandler.serveHTTP)

	// the catch-all proxy route is wrapped in otelhttp so every proxied
	// exchange gets one span, per SPEC_FULL §1.2's otel domain-stack
	// entry; the other three routes are local debug/health endpoints and
	// are deliberately left untraced.
	router.NotFound(otelhttp.NewHandler(http.HandlerFunc(proxy.serveHTTP), "ingress.proxy").ServeHTTP)
	router.MethodNotAllowed(otelhttp.NewHandler(http.HandlerFunc(proxy.serveHTTP), "ingress.proxy").ServeHTTP)
	router.Handle("/*", otelhttp.NewHandler(http.HandlerFunc(proxy.serveHTTP), "ingress.proxy"))

	return router
}

// healthHandler implements spec §4.2 point 1.
type healthHandler struct {
	controlStatus ControlStatusProvider
}

func (h *healthHandler) serveHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if h.controlStatus.IsConnected() {
		_, _ = w.Write([]byte("CONNECTED"))
	} else {
		_, _ = w.Write([]byte("DISCONNECTED"))
	}
}

// statsHandler exposes the persisted counters from SPEC_FULL §3.1. it is
// not part of spec.md's protocol surface — purely a debug aid, same as the
// teacher's own health endpoint being "no business logic".
type statsHandler struct {
	stats  *statsdb.Stats
	logger *slog.Logger
}

func (h *statsHandler) serveHTTP(w http.ResponseWriter, r *http.Request) {
	snapshot, err := h.stats.Read()
	if err != nil {
		h.logger.Error("ingress: reading stats snapshot failed", "error", err)
		http.Error(w, `{"error":"stats unavailable"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(snapshot)
}
