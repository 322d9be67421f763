package controlproto

import (
	"bytes"
	"io"
	"testing"

	"gotest.tools/v3/assert"
)

func TestWriteReadRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	r := NewReader(&buf)

	messages := []Message{
		AllocateChannel("req-1", 9001),
		ChannelAllocated("req-1", 9001),
		ChannelReleased(9001),
		ErrorMessage("req-2", "channel already in use"),
		Heartbeat(1234567890),
	}

	for _, want := range messages {
		assert.NilError(t, w.WriteMessage(want))
	}
	for _, want := range messages {
		got, err := r.ReadMessage()
		assert.NilError(t, err)
		assert.DeepEqual(t, got, want)
	}
}

func TestReadMessagePartialFrameBlocksUntilComplete(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	assert.NilError(t, w.WriteMessage(Heartbeat(42)))

	full := buf.Bytes()

	// split the frame across two reads, as a real TCP stream would.
	pr, pw := io.Pipe()
	r := NewReader(pr)

	done := make(chan struct{})
	var got Message
	var readErr error
	go func() {
		got, readErr = r.ReadMessage()
		close(done)
	}()

	_, _ = pw.Write(full[:3])
	_, _ = pw.Write(full[3:])

	<-done
	assert.NilError(t, readErr)
	assert.Equal(t, got.Type, TypeHeartbeat)
	assert.Equal(t, got.Timestamp, int64(42))
}

func TestReadMessageUnknownTypeIsFrameParseError(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	// write a syntactically valid frame with a type the reader doesn't know.
	assert.NilError(t, writeRawJSONFrame(&buf, `{"type":"not_a_real_type"}`))
	// and a good frame right behind it, to prove the stream isn't desynced.
	assert.NilError(t, w.WriteMessage(Heartbeat(7)))

	r := NewReader(&buf)

	_, err := r.ReadMessage()
	assert.ErrorContains(t, err, "unknown message type")

	got, err := r.ReadMessage()
	assert.NilError(t, err)
	assert.Equal(t, got.Timestamp, int64(7))
}

func TestReadMessageOversizedFrameIsFatal(t *testing.T) {
	var buf bytes.Buffer
	lengthPrefix := make([]byte, 4)
	// one byte over the max, with no payload following: reading the
	// payload will hit EOF, but the length check must fire first.
	putUint32LE(lengthPrefix, MaxFrameBytes+1)
	buf.Write(lengthPrefix)

	r := NewReader(&buf)
	_, err := r.ReadMessage()
	assert.ErrorContains(t, err, "exceeds max")
}

func writeRawJSONFrame(buf *bytes.Buffer, json string) error {
	lengthPrefix := make([]byte, 4)
	putUint32LE(lengthPrefix, uint32(len(json)))
	buf.Write(lengthPrefix)
	buf.WriteString(json)
	return nil
}

func putUint32LE(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}
