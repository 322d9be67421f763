// Package controlserver implements the Container Side half of the control
// channel (spec §4.1): it listens on port C for the ES's single inbound
// connection, sends Heartbeat every 10s while connected, sends
// AllocateChannel on the pool's behalf, and dispatches ChannelAllocated /
// Error messages it receives back to the pool (ChannelReleased is only
// logged).
//
// grounded on the framing primitives in package controlproto and the
// "one send/receive pair becomes two tasks" translation spec §9 prescribes
// for the source's coroutine-based send/receive loop.
package controlserver

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/sasta-kro/corvus-paas/corvus-proxy-fabric/controlproto"
	"github.com/sasta-kro/corvus-paas/corvus-proxy-fabric/ferrors"
)

// heartbeatInterval is how often the CS sends Heartbeat while connected
// (spec §4.1: "CS sends Heartbeat every 10 s while the control channel is
// connected").
const heartbeatInterval = 10 * time.Second

// AllocationResolver is the subset of pool.Pool this server needs:
// resolving a pending allocation once ChannelAllocated or Error arrives.
// declared here rather than imported from package pool to keep the two
// packages' dependency direction one-way (pool depends on nothing in this
// package; this package depends on pool only through this interface, which
// pool's concrete type already satisfies structurally).
type AllocationResolver interface {
	ResolveAllocation(requestID string, port int, err error)
}

// Server accepts the ES's single inbound control connection and owns the
// framed reader/writer pair for as long as it stays up. unlike the ES
// side, the CS's control channel does not need a reconnection supervisor
// of its own — spec §2 has the ES dial in, so the CS only ever needs to
// accept and, on disconnect, go back to accepting the next connection.
type Server struct {
	listener net.Listener
	resolver AllocationResolver
	logger   *slog.Logger

	mu        sync.Mutex
	writer    *controlproto.Writer
	connected bool
}

// New constructs a Server bound to no socket yet; call Listen to start
// accepting.
func New(resolver AllocationResolver, logger *slog.Logger) *Server {
	return &Server{resolver: resolver, logger: logger}
}

// Listen opens the control port and runs forever, accepting one ES
// connection at a time and serving it until it disconnects, then waiting
// for the next one. it returns only on a fatal listener error or when
// stopC is closed.
func (s *Server) Listen(port int, stopC <-chan struct{}) error {
	addr := fmt.Sprintf(":%d", port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("controlserver: failed to listen on control port %d: %w", port, err)
	}
	s.listener = listener
	s.logger.Info("controlserver: listening", "port", port)

	go func() {
		<-stopC
		_ = listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-stopC:
				return nil
			default:
			}
			return fmt.Errorf("controlserver: accept failed: %w", err)
		}

		// closing stopC also ends the connection being served, so Listen
		// returns instead of waiting for the ES to disconnect.
		connDone := make(chan struct{})
		go func() {
			select {
			case <-stopC:
				_ = conn.Close()
			case <-connDone:
			}
		}()
		s.serveConnection(conn)
		close(connDone)
	}
}

// serveConnection owns one ES control connection until it disconnects: a
// heartbeat goroutine and the blocking read loop, matching spec §9's
// "control channel's send/receive pair becomes two tasks" translation.
func (s *Server) serveConnection(conn net.Conn) {
	s.logger.Info("controlserver: ES connected")

	reader := controlproto.NewReader(conn)
	writer := controlproto.NewWriter(conn)

	s.mu.Lock()
	s.writer = writer
	s.connected = true
	s.mu.Unlock()

	heartbeatStopC := make(chan struct{})
	go s.sendHeartbeats(writer, heartbeatStopC)

	s.readLoop(reader, conn)

	close(heartbeatStopC)
	s.mu.Lock()
	s.writer = nil
	s.connected = false
	s.mu.Unlock()
	_ = conn.Close()
	s.logger.Info("controlserver: ES disconnected")
}

// sendHeartbeats writes Heartbeat every heartbeatInterval until stopC
// closes. a send failure ends the goroutine silently — the read loop will
// observe the same dead connection and tear the whole thing down, per
// spec §4.1's "any send error... SHALL be treated as disconnection".
func (s *Server) sendHeartbeats(writer *controlproto.Writer, stopC <-chan struct{}) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stopC:
			return
		case <-ticker.C:
			if err := writer.WriteMessage(controlproto.Heartbeat(time.Now().UnixNano())); err != nil {
				s.logger.Warn("controlserver: heartbeat send failed", "error", err)
				return
			}
		}
	}
}

// readLoop dispatches every frame until a read error ends the connection.
// frame parse errors are logged and dropped per spec §4.1 ("Frames whose
// JSON does not parse or whose type is unknown are logged and dropped;
// they MUST NOT advance any state machine") — only a transport-level read
// error ends the loop.
func (s *Server) readLoop(reader *controlproto.Reader, conn net.Conn) {
	for {
		msg, err := reader.ReadMessage()
		if err != nil {
			if ferrors.Is(err, ferrors.KindFrameParseError) {
				s.logger.Warn("controlserver: dropped malformed frame", "error", err)
				continue
			}
			if !errors.Is(err, net.ErrClosed) {
				s.logger.Warn("controlserver: control read failed", "error", err)
			}
			return
		}
		s.dispatch(msg)
	}
}

func (s *Server) dispatch(msg controlproto.Message) {
	switch msg.Type {
	case controlproto.TypeChannelAllocated:
		s.resolver.ResolveAllocation(msg.RequestID, msg.Port, nil)
	case controlproto.TypeError:
		s.resolver.ResolveAllocation(msg.RequestID, 0, fmt.Errorf("es reported allocation error: %s", msg.Text))
	case controlproto.TypeChannelReleased:
		// informational only, per spec §9's Open Question decision: the
		// CS does not need to react, the data-port listener already
		// tracks liveness via its own socket-close handling.
		s.logger.Debug("controlserver: channel released", "port", msg.Port)
	default:
		s.logger.Warn("controlserver: unexpected message type from ES", "type", msg.Type)
	}
}

// SendAllocateChannel implements pool.ControlSender. it fails with
// KindControlChannelDown if no ES connection is currently established.
func (s *Server) SendAllocateChannel(requestID string, port int) error {
	s.mu.Lock()
	writer := s.writer
	s.mu.Unlock()

	if writer == nil {
		return ferrors.New(ferrors.KindControlChannelDown, "no control channel connected")
	}
	if err := writer.WriteMessage(controlproto.AllocateChannel(requestID, port)); err != nil {
		return ferrors.Wrap(ferrors.KindSocketWriteFailure, "writing AllocateChannel", err)
	}
	return nil
}

// IsConnected reports whether the ES's control connection is currently up
// (spec §4.2 point 1: the ingress's /health and /healthcheck endpoints
// report CONNECTED/DISCONNECTED based on this).
func (s *Server) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}
