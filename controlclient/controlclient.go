// Package controlclient implements the Edge Side half of the control
// channel (spec §4.6): dialing out to the Container Side's control port
// with a bounded retry/backoff schedule, then serving one connection —
// dispatching AllocateChannel to the data-channel manager, replying
// ChannelAllocated/Error, and watching for the CS's heartbeat so a silent
// CS can be detected and the connection torn down to trigger reconnection.
//
// grounded on the nishisan-dev-n-backup ControlChannel reference file's
// split between a connect-with-backoff loop and a full-duplex serve phase
// (ping writer + frame reader joined by a done channel), adapted here to
// this fabric's CS-initiates-allocation / ES-dials-in-for-control model —
// the direction is reversed (the ES is the dialer, not the acceptor) but
// the state-machine shape is the same one package controlserver already
// uses on the other side.
package controlclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"github.com/sasta-kro/corvus-paas/corvus-proxy-fabric/containerstatus"
	"github.com/sasta-kro/corvus-paas/corvus-proxy-fabric/controlproto"
	"github.com/sasta-kro/corvus-paas/corvus-proxy-fabric/ferrors"
)

// connectBackoff is the fixed retry schedule spec §4.6 names: "500, 1000,
// 2000, 3000, 5000, 5000, 5000, 5000, 5000, 5000 milliseconds across up to
// 10 attempts." ten attempts are made; the ninth entry is the wait before
// the tenth attempt, the tenth entry is never consumed (there is no
// eleventh attempt to wait for).
var connectBackoff = []time.Duration{
	500 * time.Millisecond,
	1000 * time.Millisecond,
	2000 * time.Millisecond,
	3000 * time.Millisecond,
	5000 * time.Millisecond,
	5000 * time.Millisecond,
	5000 * time.Millisecond,
	5000 * time.Millisecond,
	5000 * time.Millisecond,
	5000 * time.Millisecond,
}

const maxConnectAttempts = 10

// heartbeatGap is how stale last_heartbeat_at may get before the watchdog
// force-closes the control channel (spec §3/§4.1's heartbeat watchdog).
const heartbeatGap = 20 * time.Second

// heartbeatWarmup is the grace period after connecting during which a
// missing heartbeat does not yet trip the watchdog (spec: "the channel has
// been up > 10,000 ms").
const heartbeatWarmup = 10 * time.Second

// watchdogTick is how often the watchdog re-checks the heartbeat gap (spec
// §3: "every 5 seconds").
const watchdogTick = 5 * time.Second

// ChannelManager is the subset of dataclient.Manager this package needs:
// opening a data channel for one allocation and running its service loop.
// declared here rather than imported from dataclient to keep the
// dependency direction one-way, the same pattern package pool/controlserver
// use on the CS side.
type ChannelManager interface {
	Allocate(ctx context.Context, port int) error
	Serve(port int)
}

// StatusSource reports the workload container's lifecycle state (spec
// §4.6: "aborts early if the container transitions to stopping or
// stopped"). package containerstatus's *Watcher satisfies this; tests can
// supply a fake.
type StatusSource interface {
	Status() containerstatus.State
}

// Client owns one attempt at connecting to the CS's control port and
// serving that connection until it disconnects. the outer reconnection
// state machine (singleton, 1s/5s backoff between Client.Run calls) lives
// in package supervisor — this package only knows about one connection at
// a time.
type Client struct {
	csHost      string
	controlPort int

	channels ChannelManager
	status   StatusSource
	logger   *slog.Logger

	lastHeartbeat   atomic.Int64 // unix nanos
	watchdogTripped atomic.Bool
}

// New constructs a Client. channels and status must be non-nil.
func New(csHost string, controlPort int, channels ChannelManager, status StatusSource, logger *slog.Logger) *Client {
	return &Client{
		csHost:      csHost,
		controlPort: controlPort,
		channels:    channels,
		status:      status,
		logger:      logger.With("component", "controlclient"),
	}
}

// Run performs one connect-with-retry, then serves the resulting
// connection until it disconnects or a fatal error occurs. onConnected, if
// non-nil, is invoked exactly once, the moment the connection is
// established and before the serve loop starts — package supervisor uses
// it to mark its own state Connected at the right instant, since Run
// itself blocks for the connection's entire lifetime and otherwise gives
// the caller no earlier signal. Run returns nil when the connection ended
// cleanly (ctx canceled or the peer closed its side without a protocol
// error) and a non-nil error for anything else (connect failure, watchdog
// trip, frame transport failure), so supervisor's backoff policy (1s
// normal end / 5s error) can decide how long to wait before calling Run
// again.
func (c *Client) Run(ctx context.Context, onConnected func()) error {
	conn, err := c.connect(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	c.logger.Info("controlclient: connected", "host", c.csHost, "port", c.controlPort)
	if onConnected != nil {
		onConnected()
	}
	return c.serve(ctx, conn)
}

// connect dials the CS's control port with the backoff schedule spec §4.6
// mandates, aborting early if the container is stopping/stopped or ctx is
// canceled.
func (c *Client) connect(ctx context.Context) (net.Conn, error) {
	addr := fmt.Sprintf("%s:%d", c.csHost, c.controlPort)
	dialer := &net.Dialer{Timeout: 5 * time.Second}

	var lastErr error
	for attempt := 0; attempt < maxConnectAttempts; attempt++ {
		if state := c.status.Status(); state == containerstatus.StateStopping || state == containerstatus.StateStopped {
			return nil, fmt.Errorf("controlclient: aborting connect, container is %s", state)
		}

		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		c.logger.Warn("controlclient: connect attempt failed", "attempt", attempt+1, "error", err)

		if attempt+1 >= maxConnectAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(connectBackoff[attempt]):
		}
	}
	return nil, fmt.Errorf("controlclient: failed to connect after %d attempts: %w", maxConnectAttempts, lastErr)
}

// serve runs the heartbeat watchdog and the frame-read loop over conn until
// either ends it, matching spec §9's "control channel's send/receive pair
// becomes two tasks" translation — here a watchdog task and a reader task,
// joined by closing conn from whichever side notices trouble first.
func (c *Client) serve(ctx context.Context, conn net.Conn) error {
	c.lastHeartbeat.Store(time.Now().UnixNano())
	c.watchdogTripped.Store(false)
	connectedAt := time.Now()

	serveCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	watchdogDone := make(chan struct{})
	go func() {
		defer close(watchdogDone)
		c.watchdog(serveCtx, conn, connectedAt)
	}()

	writer := controlproto.NewWriter(conn)
	reader := controlproto.NewReader(conn)
	readErr := c.readLoop(serveCtx, reader, writer)

	cancel()
	_ = conn.Close()
	<-watchdogDone

	if c.watchdogTripped.Load() {
		return fmt.Errorf("controlclient: heartbeat watchdog tripped")
	}
	return readErr
}

// watchdog force-closes conn if no heartbeat has been observed for
// heartbeatGap once the connection has been up longer than heartbeatWarmup
// (spec §3's "Heartbeat watchdog (ES)").
func (c *Client) watchdog(ctx context.Context, conn net.Conn, connectedAt time.Time) {
	ticker := time.NewTicker(watchdogTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if time.Since(connectedAt) < heartbeatWarmup {
				continue
			}
			last := time.Unix(0, c.lastHeartbeat.Load())
			if time.Since(last) > heartbeatGap {
				c.logger.Warn("controlclient: heartbeat watchdog tripped, closing control channel")
				c.watchdogTripped.Store(true)
				_ = conn.Close()
				return
			}
		}
	}
}

// readLoop dispatches every frame until a transport-level read error ends
// the connection; frame parse errors are logged and dropped, never
// advancing state (spec §4.1).
func (c *Client) readLoop(ctx context.Context, reader *controlproto.Reader, writer *controlproto.Writer) error {
	for {
		msg, err := reader.ReadMessage()
		if err != nil {
			if ferrors.Is(err, ferrors.KindFrameParseError) {
				c.logger.Warn("controlclient: dropped malformed frame", "error", err)
				continue
			}
			if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) || errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			return fmt.Errorf("controlclient: control read failed: %w", err)
		}
		c.dispatch(msg, writer)
	}
}

func (c *Client) dispatch(msg controlproto.Message, writer *controlproto.Writer) {
	switch msg.Type {
	case controlproto.TypeHeartbeat:
		c.lastHeartbeat.Store(time.Now().UnixNano())
	case controlproto.TypeAllocateChannel:
		go c.handleAllocate(msg, writer)
	case controlproto.TypeChannelReleased:
		c.logger.Debug("controlclient: channel released", "port", msg.Port)
	default:
		c.logger.Warn("controlclient: unexpected message type from CS", "type", msg.Type)
	}
}

// handleAllocate implements spec §4.6 points 1-5. it runs in its own
// goroutine (spawned by dispatch) so that a slow data-port dial does not
// stall the read loop's ability to keep processing heartbeats and other
// allocations concurrently.
func (c *Client) handleAllocate(msg controlproto.Message, writer *controlproto.Writer) {
	ctx := context.Background()
	if err := c.channels.Allocate(ctx, msg.Port); err != nil {
		c.logger.Warn("controlclient: allocation failed", "request_id", msg.RequestID, "port", msg.Port, "error", err)
		if sendErr := writer.WriteMessage(controlproto.ErrorMessage(msg.RequestID, err.Error())); sendErr != nil {
			c.logger.Warn("controlclient: failed to send Error reply", "error", sendErr)
		}
		return
	}

	if err := writer.WriteMessage(controlproto.ChannelAllocated(msg.RequestID, msg.Port)); err != nil {
		c.logger.Warn("controlclient: failed to send ChannelAllocated", "error", err)
		return
	}

	c.channels.Serve(msg.Port)
}
