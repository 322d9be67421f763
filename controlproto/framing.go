package controlproto

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/sasta-kro/corvus-paas/corvus-proxy-fabric/ferrors"
)

// MaxFrameBytes bounds a single frame's JSON payload. the wire format does
// not itself bound frame length (spec §4.1), but an unbounded length prefix
// turns one corrupted byte into an attempt to allocate gigabytes, so a
// frame claiming to be larger than this is treated as an unrecoverable
// framing error and the connection is closed, exactly as §4.1 allows.
const MaxFrameBytes = 16 << 20 // 16 MiB

// Reader decodes length-prefixed JSON frames off an io.Reader. it keeps no
// explicit rolling buffer of its own — bufio.Reader already accumulates
// bytes as they arrive and blocks until enough are present, which is the
// straightforward translation of "append incoming bytes, then repeatedly
// try to extract a complete frame" onto Go's blocking-I/O model rather than
// an event loop. see DESIGN.md for this translation decision.
type Reader struct {
	br *bufio.Reader
}

// NewReader wraps r for frame-at-a-time reading.
func NewReader(r io.Reader) *Reader {
	return &Reader{br: bufio.NewReaderSize(r, 4096)}
}

// ReadMessage blocks for one complete frame and decodes it.
//
// a malformed length (zero bytes read before EOF, or a length exceeding
// MaxFrameBytes) is an unrecoverable framing error — the caller should
// close the connection. a length-correct frame whose JSON body fails to
// parse, or whose Type is unrecognized, is a *ferrors.Error of kind
// KindFrameParseError: the caller MUST log and drop it and keep reading,
// never advance any state machine on it, and never close the connection
// over it (spec §4.1).
func (r *Reader) ReadMessage() (Message, error) {
	var lengthPrefix [4]byte
	if _, err := io.ReadFull(r.br, lengthPrefix[:]); err != nil {
		return Message{}, fmt.Errorf("controlproto: reading frame length: %w", err)
	}

	length := binary.LittleEndian.Uint32(lengthPrefix[:])
	if length > MaxFrameBytes {
		return Message{}, fmt.Errorf("controlproto: frame length %d exceeds max %d", length, MaxFrameBytes)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r.br, payload); err != nil {
		return Message{}, fmt.Errorf("controlproto: reading frame payload: %w", err)
	}

	var msg Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		return Message{}, ferrors.Wrap(ferrors.KindFrameParseError, "invalid json frame", err)
	}

	switch msg.Type {
	case TypeAllocateChannel, TypeChannelAllocated, TypeChannelReleased, TypeError, TypeHeartbeat:
		return msg, nil
	default:
		return Message{}, ferrors.New(ferrors.KindFrameParseError, fmt.Sprintf("unknown message type %q", msg.Type))
	}
}

// Writer encodes and frames Messages onto an io.Writer, serializing
// concurrent writers with a mutex — both peers have more than one goroutine
// that may want to send on the control channel at once (e.g. the CS's
// heartbeat sender and its AllocateChannel path, or the ES's concurrent
// per-allocation reply goroutines), and
// a torn frame would desync the reader on the other end.
type Writer struct {
	mu sync.Mutex
	w  io.Writer
}

// NewWriter wraps w for frame-at-a-time writing.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// WriteMessage encodes msg as JSON and writes it as one length-prefixed
// frame. partial writes are retried until complete or a write errors, the
// same "loop until all bytes are accepted" discipline the HTTP writers use.
func (w *Writer) WriteMessage(msg Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("controlproto: marshaling %s: %w", msg.Type, err)
	}

	frame := make([]byte, 4+len(payload))
	binary.LittleEndian.PutUint32(frame[:4], uint32(len(payload)))
	copy(frame[4:], payload)

	w.mu.Lock()
	defer w.mu.Unlock()
	return writeFull(w.w, frame)
}

// writeFull loops until the full buffer has been accepted by w. package
// httpwire keeps its own copy of this helper for the identical
// requirement (spec §4.3 point 5): a short write is not an error on a TCP
// socket, it just means try again with what's left.
func writeFull(w io.Writer, p []byte) error {
	for len(p) > 0 {
		n, err := w.Write(p)
		if err != nil {
			return err
		}
		if n <= 0 {
			return fmt.Errorf("controlproto: write returned non-positive n=%d with no error", n)
		}
		p = p[n:]
	}
	return nil
}
