// q2q - peer-to-peer connection overlay network
// Copyright (c) 2020 Péter Szilágyi. All rights reserved.

package overlay

import (
	"encoding/gob"
	"net"
	"sync"

	"github.com/google/uuid"
)

// FrameCodec is the wire-framing collaborator an OverlayConnection drives:
// an interface so tests can inject something other than a live socket, and
// backed in production by gobFrameCodec.
type FrameCodec interface {
	// WriteFrame serializes and sends f. Safe for concurrent use.
	WriteFrame(f *frame) error

	// ReadFrame blocks for the next frame off the wire. Must be called from
	// a single goroutine.
	ReadFrame() (*frame, error)

	// Close releases the underlying transport.
	Close() error
}

// gobFrameCodec frames messages with one gob.Encoder/gob.Decoder pair
// wrapping the raw connection, one envelope struct per frame. Concurrent
// writers are serialized with a mutex since gob.Encoder is not itself safe
// for that.
type gobFrameCodec struct {
	conn net.Conn
	enc  *gob.Encoder
	dec  *gob.Decoder
	mu   sync.Mutex
}

// newGobFrameCodec wraps conn in a FrameCodec. conn is assumed to already be
// in its final state (plaintext for the pre-SECURE handshake, or *tls.Conn
// afterward); the codec itself is transport-agnostic.
func newGobFrameCodec(conn net.Conn) *gobFrameCodec {
	return &gobFrameCodec{
		conn: conn,
		enc:  gob.NewEncoder(conn),
		dec:  gob.NewDecoder(conn),
	}
}

func (c *gobFrameCodec) WriteFrame(f *frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enc.Encode(f)
}

func (c *gobFrameCodec) ReadFrame() (*frame, error) {
	f := new(frame)
	if err := c.dec.Decode(f); err != nil {
		return nil, err
	}
	return f, nil
}

func (c *gobFrameCodec) Close() error {
	return c.conn.Close()
}

// newCorrelationTag mints a fresh request correlation tag. Tags are opaque
// strings on the wire; uuid.NewString gives us collision-free ones cheaply.
func newCorrelationTag() string {
	return uuid.NewString()
}
