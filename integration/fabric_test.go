// Package integration wires a complete Container Side + Edge Side pair
// together over real loopback sockets — the CS's ingress, data pool and
// control server, and the ES's control client, data-channel manager and
// supervisor — and drives an HTTP exchange through the whole fabric, with
// package objectstore/memstore standing in for a real S3-compatible
// backend. it exists to catch wiring mistakes a per-package unit test
// cannot: a field name that matches by accident, a port range that
// doesn't line up, a state transition only visible once both halves are
// actually talking to each other.
package integration

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gotest.tools/v3/assert"

	"github.com/sasta-kro/corvus-paas/corvus-proxy-fabric/containerstatus"
	"github.com/sasta-kro/corvus-paas/corvus-proxy-fabric/controlclient"
	"github.com/sasta-kro/corvus-paas/corvus-proxy-fabric/controlserver"
	"github.com/sasta-kro/corvus-paas/corvus-proxy-fabric/dataclient"
	"github.com/sasta-kro/corvus-paas/corvus-proxy-fabric/ingress"
	"github.com/sasta-kro/corvus-paas/corvus-proxy-fabric/objectstore/memstore"
	"github.com/sasta-kro/corvus-paas/corvus-proxy-fabric/pool"
	"github.com/sasta-kro/corvus-paas/corvus-proxy-fabric/statsdb"
	"github.com/sasta-kro/corvus-paas/corvus-proxy-fabric/supervisor"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// alwaysRunning satisfies both controlclient.StatusSource and
// supervisor.StatusSource with a fixed StateRunning, standing in for a
// real containerstatus.Watcher backed by the Docker event stream.
type alwaysRunning struct{}

func (alwaysRunning) Status() containerstatus.State { return containerstatus.StateRunning }

// resolverAdapter breaks the construction-order cycle between
// controlserver.New (needs an AllocationResolver before pool.New has run)
// and pool.New (needs the controlserver.Server as its ControlSender),
// the same way cmd/containerside/main.go does it.
type resolverAdapter struct{ pool **pool.Pool }

func (r resolverAdapter) ResolveAllocation(requestID string, port int, err error) {
	(*r.pool).ResolveAllocation(requestID, port, err)
}

// harness holds every moving part of one assembled CS+ES pair so tests
// can seed data and make requests without re-deriving the wiring.
type harness struct {
	ingressURL string
	controlSrv *controlserver.Server

	stopControl chan struct{}
	cancel      context.CancelFunc
	superDone   <-chan struct{}
}

func startFabric(t *testing.T, controlPort, dataBasePort, dataCount int) *harness {
	t.Helper()
	logger := discardLogger()

	ctx, cancel := context.WithCancel(context.Background())

	var dataPool *pool.Pool
	controlSrv := controlserver.New(resolverAdapter{pool: &dataPool}, logger)
	dataPool = pool.New(dataBasePort, dataCount, controlSrv, logger)
	assert.NilError(t, dataPool.ListenAll(ctx))

	stopControl := make(chan struct{})
	go func() { _ = controlSrv.Listen(controlPort, stopControl) }()

	statsPath := filepath.Join(t.TempDir(), "stats.db")
	stats, err := statsdb.Open(statsPath, logger)
	assert.NilError(t, err)

	router := ingress.NewRouter(ingress.Dependencies{
		Logger:            logger,
		Pool:              dataPool,
		ControlStatus:     controlSrv,
		Stats:             stats,
		RequestsPerSecond: 1000,
		Burst:             1000,
	})
	ingressSrv := httptest.NewServer(router)

	adapter := memstore.New("default", nil)
	status := alwaysRunning{}
	channels := dataclient.New("127.0.0.1", dataBasePort, dataCount, adapter, logger)
	control := controlclient.New("127.0.0.1", controlPort, channels, status, logger)
	super := supervisor.New(control, status, logger)
	superDone := super.Start(ctx)

	h := &harness{
		ingressURL:  ingressSrv.URL,
		controlSrv:  controlSrv,
		stopControl: stopControl,
		cancel:      cancel,
		superDone:   superDone,
	}

	t.Cleanup(func() {
		cancel()
		close(stopControl)
		ingressSrv.Close()
		_ = stats.Close()
		select {
		case <-superDone:
		case <-time.After(2 * time.Second):
		}
	})

	waitForConnected(t, controlSrv)
	return h
}

func waitForConnected(t *testing.T, controlSrv *controlserver.Server) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for !controlSrv.IsConnected() {
		select {
		case <-deadline:
			t.Fatal("control channel never connected")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestPutThenGetRoundTripsThroughFabric(t *testing.T) {
	h := startFabric(t, 19590, 19600, 2)

	putReq, err := http.NewRequest(http.MethodPut, h.ingressURL+"/greeting.txt", strings.NewReader("hello fabric"))
	assert.NilError(t, err)
	putReq.ContentLength = int64(len("hello fabric"))
	putOut, err := http.DefaultClient.Do(putReq)
	assert.NilError(t, err)
	putBody, _ := io.ReadAll(putOut.Body)
	putOut.Body.Close()
	assert.Equal(t, putOut.StatusCode, http.StatusNoContent, string(putBody))

	getResp, err := http.Get(h.ingressURL + "/greeting.txt")
	assert.NilError(t, err)
	defer getResp.Body.Close()
	body, err := io.ReadAll(getResp.Body)
	assert.NilError(t, err)
	assert.Equal(t, getResp.StatusCode, http.StatusOK)
	assert.Equal(t, string(body), "hello fabric")
}

func TestGetMissingKeyReturns404ThroughFabric(t *testing.T) {
	h := startFabric(t, 19591, 19610, 2)

	resp, err := http.Get(h.ingressURL + "/never-written.txt")
	assert.NilError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, resp.StatusCode, http.StatusNotFound)
}

func TestHealthEndpointReportsConnected(t *testing.T) {
	h := startFabric(t, 19592, 19620, 2)

	resp, err := http.Get(h.ingressURL + "/health")
	assert.NilError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	assert.NilError(t, err)
	assert.Equal(t, string(body), "CONNECTED")
}

func TestStatsEndpointReflectsSuccessfulRequest(t *testing.T) {
	h := startFabric(t, 19593, 19630, 2)

	putReq, err := http.NewRequest(http.MethodPut, h.ingressURL+"/a.txt", strings.NewReader("x"))
	assert.NilError(t, err)
	putReq.ContentLength = 1
	putResp, err := http.DefaultClient.Do(putReq)
	assert.NilError(t, err)
	putResp.Body.Close()
	assert.Equal(t, putResp.StatusCode, http.StatusNoContent)

	resp, err := http.Get(h.ingressURL + "/stats")
	assert.NilError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	assert.NilError(t, err)
	assert.Assert(t, strings.Contains(string(body), "\"successful_requests\":1"))
}

func TestConcurrentRequestsEachGetADistinctDataChannel(t *testing.T) {
	h := startFabric(t, 19594, 19640, 3)

	const n = 3
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		go func(i int) {
			path := h.ingressURL + "/concurrent-" + string(rune('a'+i)) + ".txt"
			req, err := http.NewRequest(http.MethodPut, path, strings.NewReader("data"))
			if err != nil {
				errs <- err
				return
			}
			req.ContentLength = 4
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				errs <- err
				return
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusNoContent {
				errs <- os.ErrInvalid
				return
			}
			errs <- nil
		}(i)
	}

	for i := 0; i < n; i++ {
		assert.NilError(t, <-errs)
	}
}
