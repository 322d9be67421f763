package supervisor

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"gotest.tools/v3/assert"

	"github.com/sasta-kro/corvus-paas/corvus-proxy-fabric/containerstatus"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeStatus struct {
	mu    sync.Mutex
	state containerstatus.State
}

func newFakeStatus(initial containerstatus.State) *fakeStatus {
	return &fakeStatus{state: initial}
}

func (f *fakeStatus) Status() containerstatus.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeStatus) set(s containerstatus.State) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state = s
}

// fakeRunner hands back a scripted sequence of error results, one per
// call, invoking onConnected at the start of every call.
type fakeRunner struct {
	mu    sync.Mutex
	calls int
	// script controls each successive Run call: entry i (nil or not) is
	// returned immediately after invoking onConnected; calls past the end
	// of script connect then block until ctx is done and return nil.
	script []error
}

func (f *fakeRunner) Run(ctx context.Context, onConnected func()) error {
	f.mu.Lock()
	idx := f.calls
	f.calls++
	f.mu.Unlock()

	if onConnected != nil {
		onConnected()
	}

	if idx >= len(f.script) {
		<-ctx.Done()
		return nil
	}
	return f.script[idx]
}

func TestStartIsIdempotent(t *testing.T) {
	runner := &fakeRunner{}
	status := newFakeStatus(containerstatus.StateRunning)
	s := New(runner, status, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done1 := s.Start(ctx)
	done2 := s.Start(ctx)
	assert.Equal(t, fmt.Sprintf("%p", done1), fmt.Sprintf("%p", done2))

	cancel()
	<-done1
}

func TestRunTransitionsToConnectedThenBackOnCleanEnd(t *testing.T) {
	runner := &fakeRunner{script: []error{nil}}
	status := newFakeStatus(containerstatus.StateRunning)
	s := New(runner, status, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := s.Start(ctx)

	deadline := time.After(2 * time.Second)
	for s.State() != StateConnected {
		select {
		case <-deadline:
			t.Fatal("supervisor never reached StateConnected")
		case <-time.After(time.Millisecond):
		}
	}

	// the fake runner's one scripted call returns nil (clean end); the
	// supervisor should cycle back to Disconnected and, since it is
	// StateRunning, attempt to reconnect (second call blocks on ctx).
	deadline = time.After(2 * time.Second)
	for runnerCalls(runner) < 2 {
		select {
		case <-deadline:
			t.Fatal("supervisor never made a second Run call")
		case <-time.After(time.Millisecond):
		}
	}

	cancel()
	<-done
	assert.Equal(t, s.State(), StateDisconnected)
}

func TestRunExitsWhenContainerStopped(t *testing.T) {
	runner := &fakeRunner{}
	status := newFakeStatus(containerstatus.StateStopped)
	s := New(runner, status, discardLogger())

	done := s.Start(context.Background())
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("supervisor did not exit for a stopped container")
	}
	assert.Equal(t, runnerCalls(runner), 0)
}

func TestRunWaitsWhileContainerNotYetRunning(t *testing.T) {
	runner := &fakeRunner{}
	status := newFakeStatus(containerstatus.StateUnknown)
	s := New(runner, status, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := s.Start(ctx)

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, runnerCalls(runner), 0)

	status.set(containerstatus.StateRunning)
	deadline := time.After(2 * time.Second)
	for runnerCalls(runner) < 1 {
		select {
		case <-deadline:
			t.Fatal("supervisor never connected once the container started running")
		case <-time.After(time.Millisecond):
		}
	}

	cancel()
	<-done
}

func runnerCalls(r *fakeRunner) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}
