// Package containerstatus answers the one question the ES supervisor
// (spec §4.8) and the ES control-channel connect retries (spec §4.6) need
// about the world outside the proxy fabric: is the workload container
// running, stopping, or stopped? the ES data-channel dial retries in
// package dataclient do not consult it.
//
// this is deliberately thin glue over the Docker SDK — spec §1 excludes
// "all resource-lifecycle orchestration for the container itself" from the
// core, but the supervisor's own transition rule ("enters Connecting only
// if container status is running") is unimplementable without some signal
// for it. keeping that signal in one small package means supervisor and
// controlclient depend only on the State enum below, never
// on the Docker SDK directly — the same isolation principle behind the
// teacher's docker package ("all Docker SDK calls are isolated here so no
// other package imports the Docker SDK directly").
package containerstatus

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/docker/docker/api/types/events"
	"github.com/docker/docker/api/types/filters"
	dockerSDKclient "github.com/docker/docker/client"
)

// State is the three-value lifecycle the supervisor and connect-retry
// logic gate on. NewWatcher starts a Watcher at StateUnknown; Run's first
// inspect call replaces it, except when the inspect reports no state at
// all, in which case StateUnknown is kept until an event arrives.
type State string

const (
	StateUnknown  State = "unknown"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateStopped  State = "stopped"
)

// Watcher tracks one container's lifecycle state via the Docker daemon's
// event stream. reads of Status are lock-free (atomic.Value), matching the
// pattern used for connection-state fields elsewhere in this module, since
// both the supervisor's reconnect loop and the data-channel retry loop
// poll it frequently without ever wanting to block on a mutex.
type Watcher struct {
	sdk         *dockerSDKclient.Client
	containerID string
	logger      *slog.Logger
	state       atomic.Value // State
}

// NewWatcher connects to the Docker daemon (via the default environment,
// same as the teacher's docker.NewClient) and constructs a Watcher for the
// given container ID. it does not start watching until Run is called.
func NewWatcher(containerID string, logger *slog.Logger) (*Watcher, error) {
	sdkClient, err := dockerSDKclient.NewClientWithOpts(
		dockerSDKclient.FromEnv,
		dockerSDKclient.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("containerstatus: failed to create docker sdk client: %w", err)
	}

	w := &Watcher{sdk: sdkClient, containerID: containerID, logger: logger}
	w.state.Store(StateUnknown)
	return w, nil
}

// Status returns the most recently observed state. safe for concurrent use.
func (w *Watcher) Status() State {
	return w.state.Load().(State)
}

// Run blocks, tracking container lifecycle events until ctx is canceled or
// the event stream ends unrecoverably. it should be started in its own
// goroutine from main.go, alongside the supervisor.
//
// an initial ContainerInspect seeds the state (the container may already
// be running before this process starts watching); after that, the
// daemon's event stream drives every subsequent transition.
func (w *Watcher) Run(ctx context.Context) error {
	if err := w.seedInitialState(ctx); err != nil {
		w.logger.Warn("containerstatus: initial inspect failed, assuming running", "error", err)
		w.state.Store(StateRunning)
	}

	eventFilters := filters.NewArgs(
		filters.Arg("container", w.containerID),
		filters.Arg("type", string(events.ContainerEventType)),
	)

	eventChan, errChan := w.sdk.Events(ctx, events.ListOptions{Filters: eventFilters})

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-errChan:
			if err == nil {
				continue
			}
			// the event stream itself ending is treated as the container
			// being gone — there is no more lifecycle to observe.
			w.logger.Warn("containerstatus: event stream ended", "error", err)
			w.state.Store(StateStopped)
			return fmt.Errorf("containerstatus: docker event stream closed: %w", err)
		case event := <-eventChan:
			w.applyEvent(event)
		}
	}
}

// applyEvent maps a single Docker container event onto the State enum.
// die/kill/stop move the watcher to stopping (the supervisor must finish
// any in-flight reconnect attempt but not start a new one); a subsequent
// destroy, or the event stream closing, moves it to stopped.
func (w *Watcher) applyEvent(event events.Message) {
	switch event.Action {
	case events.ActionDie, events.ActionKill, events.ActionStop:
		w.logger.Info("containerstatus: container stopping", "action", event.Action)
		w.state.Store(StateStopping)
	case events.ActionDestroy:
		w.logger.Info("containerstatus: container stopped", "action", event.Action)
		w.state.Store(StateStopped)
	case events.ActionStart, events.ActionUnPause:
		w.logger.Info("containerstatus: container running", "action", event.Action)
		w.state.Store(StateRunning)
	}
}

func (w *Watcher) seedInitialState(ctx context.Context) error {
	inspectCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	info, err := w.sdk.ContainerInspect(inspectCtx, w.containerID)
	if err != nil {
		return fmt.Errorf("containerstatus: inspect failed: %w", err)
	}

	switch {
	case info.State == nil:
		w.state.Store(StateUnknown)
	case info.State.Running:
		w.state.Store(StateRunning)
	case info.State.Status == "removing" || info.State.Status == "exited":
		w.state.Store(StateStopped)
	default:
		w.state.Store(StateStopping)
	}
	return nil
}

// Close releases the underlying Docker SDK client connection.
func (w *Watcher) Close() error {
	return w.sdk.Close()
}
