// Package supervisor implements the Edge Side reconnection supervisor
// (spec §4.8): a single long-running task that keeps the control channel
// up, moving through Disconnected → Connecting → Connected → Disconnected
// for as long as the workload container is alive, backing off 1s after a
// clean disconnect or 5s after an error, and exiting permanently once a
// stop is requested or the container reports stopping/stopped.
//
// grounded on the nishisan-dev-n-backup ControlChannel.run goroutine (the
// state-store-then-loop-with-backoff shape) and on spec §9's "at most one
// supervisor task" design note: Start is idempotent via sync.Once rather
// than a mutex-guarded boolean, since the guarantee needed is "the first
// caller wins, everyone else observes the same running instance."
package supervisor

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sasta-kro/corvus-paas/corvus-proxy-fabric/containerstatus"
)

// State is the supervisor's own lifecycle, distinct from the Client's
// per-connection concerns — it additionally covers the time spent waiting
// for the container to be running in the first place.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
)

const (
	backoffNormal = 1 * time.Second
	backoffError  = 5 * time.Second

	// notRunningPoll is how often the supervisor re-checks container status
	// while waiting for it to become StateRunning before its first connect
	// attempt.
	notRunningPoll = 1 * time.Second
)

// ControlRunner is the subset of controlclient.Client this package needs:
// one connect-and-serve cycle that blocks until the connection ends.
// declared here rather than imported from controlclient to keep the
// dependency direction one-way.
type ControlRunner interface {
	Run(ctx context.Context, onConnected func()) error
}

// StatusSource reports the workload container's lifecycle state.
type StatusSource interface {
	Status() containerstatus.State
}

// Supervisor drives one ControlRunner according to spec §4.8's state
// machine. It is keyed to a single container identity — spec §9's design
// note that the supervisor is "NOT a singleton per process on its own
// merits" means a container replacement should construct a fresh
// Supervisor rather than reuse a stopped one.
type Supervisor struct {
	runner ControlRunner
	status StatusSource
	logger *slog.Logger

	state atomic.Value // State

	startOnce sync.Once
	done      chan struct{}
}

// New constructs a Supervisor. it does nothing until Start is called.
func New(runner ControlRunner, status StatusSource, logger *slog.Logger) *Supervisor {
	s := &Supervisor{runner: runner, status: status, logger: logger.With("component", "supervisor")}
	s.state.Store(StateDisconnected)
	return s
}

// State returns the supervisor's current lifecycle state. safe for
// concurrent use.
func (s *Supervisor) State() State {
	return s.state.Load().(State)
}

// Start begins the supervisor loop in its own goroutine the first time it
// is called; every subsequent call is a no-op that returns the same done
// channel, satisfying spec §4.8's "at most one supervisor task; a second
// call returns the existing promise." Canceling ctx is this package's
// "stop requested" signal — the loop exits (permanently; a new Supervisor
// must be constructed to restart) once the current connection attempt, if
// any, unwinds.
func (s *Supervisor) Start(ctx context.Context) <-chan struct{} {
	s.startOnce.Do(func() {
		s.done = make(chan struct{})
		go s.run(ctx)
	})
	return s.done
}

// run is the state machine loop itself.
func (s *Supervisor) run(ctx context.Context) {
	defer close(s.done)
	defer s.state.Store(StateDisconnected)

	for {
		if ctx.Err() != nil {
			return
		}

		containerState := s.status.Status()
		if containerState == containerstatus.StateStopping || containerState == containerstatus.StateStopped {
			s.logger.Info("supervisor: container no longer running, exiting", "state", containerState)
			return
		}
		if containerState != containerstatus.StateRunning {
			if !s.sleep(ctx, notRunningPoll) {
				return
			}
			continue
		}

		s.state.Store(StateConnecting)
		err := s.runner.Run(ctx, func() { s.state.Store(StateConnected) })

		if ctx.Err() != nil {
			return
		}

		if err != nil {
			s.logger.Warn("supervisor: control connection ended with error", "error", err)
			s.state.Store(StateDisconnected)
			if !s.sleep(ctx, backoffError) {
				return
			}
			continue
		}

		s.logger.Info("supervisor: control connection ended cleanly")
		s.state.Store(StateDisconnected)
		if !s.sleep(ctx, backoffNormal) {
			return
		}
	}
}

// sleep waits for d or ctx cancellation, returning false if ctx ended the
// wait early (the caller should treat that as "stop requested").
func (s *Supervisor) sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
