// q2q - peer-to-peer connection overlay network
// Copyright (c) 2020 Péter Szilágyi. All rights reserved.

package overlay

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"
)

// pauseGate is a broadcastable on/off switch used to implement flow control
// where pausing the underlying connection pauses every virtual channel on
// it, and each virtual channel can also pause independently. Every
// OverlayConnection holds one super gate shared by all of its
// VirtualTransports; each VirtualTransport additionally holds its own sub
// gate. A write blocks until both are open.
type pauseGate struct {
	mu   sync.Mutex
	open chan struct{}
}

func newPauseGate() *pauseGate {
	g := &pauseGate{open: make(chan struct{})}
	close(g.open)
	return g
}

func (g *pauseGate) pause() {
	g.mu.Lock()
	defer g.mu.Unlock()
	select {
	case <-g.open:
		g.open = make(chan struct{})
	default:
	}
}

func (g *pauseGate) resume() {
	g.mu.Lock()
	defer g.mu.Unlock()
	select {
	case <-g.open:
	default:
		close(g.open)
	}
}

func (g *pauseGate) wait(ctx context.Context) error {
	g.mu.Lock()
	ch := g.open
	g.mu.Unlock()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// errVirtualClosed is returned by VirtualTransport operations after the
// channel has been torn down.
var errVirtualClosed = errors.New("overlay: virtual channel closed")

// VirtualTransport is a bidirectional byte stream multiplexed as WRITE/CLOSE
// frames over the OverlayConnection that owns it. It implements net.Conn so
// application sub-protocols never need to know whether they were handed a
// raw TCP socket or a multiplexed channel.
//
// Invariant: while alive, owner.connections[id] == this VirtualTransport.
// Close removes that entry (dropVirtual) once its CLOSE has been sent; on a
// received CLOSE or a lost connection the owner removes it before calling
// connectionLost.
type VirtualTransport struct {
	owner        *OverlayConnection
	host         Address
	peer         Address
	id           string
	protocolName string
	isClient     bool

	subGate *pauseGate

	pr       *io.PipeReader
	pipeW    *io.PipeWriter
	writes   chan []byte
	feederWG sync.WaitGroup
	closeMu  sync.Mutex
	closed   bool
	closeErr error
}

// virtualWriteBuffer bounds how many unread WRITE frames a slow application
// can leave buffered before deliverWrite blocks; while it blocks, the
// connection's demux loop waits, and so does every sibling channel.
const virtualWriteBuffer = 32

func newVirtualTransport(owner *OverlayConnection, host, peer Address, id, protocolName string, isClient bool) *VirtualTransport {
	pr, pw := io.Pipe()
	v := &VirtualTransport{
		owner:        owner,
		host:         host,
		peer:         peer,
		id:           id,
		protocolName: protocolName,
		isClient:     isClient,
		subGate:      newPauseGate(),
		pr:           pr,
		pipeW:        pw,
		writes:       make(chan []byte, virtualWriteBuffer),
	}
	v.feederWG.Add(1)
	go v.feed()
	return v
}

// feed pumps buffered WRITE payloads into the pipe in arrival order, so a
// reader blocked on one channel's Read does not stall demuxing of its
// siblings on the same connection until virtualWriteBuffer frames are queued.
func (v *VirtualTransport) feed() {
	defer v.feederWG.Done()
	for body := range v.writes {
		if _, err := v.pipeW.Write(body); err != nil {
			return
		}
	}
}

// ID returns the channel id this transport is multiplexed under.
func (v *VirtualTransport) ID() string { return v.id }

// ProtocolName returns the sub-protocol name this channel was opened for.
func (v *VirtualTransport) ProtocolName() string { return v.protocolName }

// Peer returns the address on the far end of this channel.
func (v *VirtualTransport) Peer() Address { return v.peer }

// Pause suspends outbound writes on this channel alone, leaving siblings on
// the same connection unaffected.
func (v *VirtualTransport) Pause() { v.subGate.pause() }

// Resume undoes Pause.
func (v *VirtualTransport) Resume() { v.subGate.resume() }

// deliverWrite is called by the owning OverlayConnection's demux loop when a
// WRITE frame for this id arrives. It enqueues the payload for the feeder
// goroutine, blocking only once virtualWriteBuffer frames are already
// waiting on a slow reader; the demux loop, and with it every sibling
// channel, waits for as long as it blocks.
func (v *VirtualTransport) deliverWrite(body []byte) error {
	v.closeMu.Lock()
	closed := v.closed
	v.closeMu.Unlock()
	if closed {
		return errVirtualClosed
	}
	// The owner removes us from its connections map (dropVirtual) before a
	// Close completes, so in practice no call reaches here once the map
	// lookup that guards it stops finding this channel.
	v.writes <- body
	return nil
}

// Read implements net.Conn.
func (v *VirtualTransport) Read(p []byte) (int, error) {
	return v.pr.Read(p)
}

// Write implements net.Conn. It blocks until both the connection-wide and
// channel-specific pause gates are open, then issues a WRITE command and
// waits for its ack.
func (v *VirtualTransport) Write(p []byte) (int, error) {
	ctx := context.Background()
	if err := v.owner.superGate.wait(ctx); err != nil {
		return 0, err
	}
	if err := v.subGate.wait(ctx); err != nil {
		return 0, err
	}
	if err := v.owner.sendWrite(ctx, v.id, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Close implements net.Conn: it sends CLOSE to the peer and tears the
// channel down locally whether or not the ack arrives.
func (v *VirtualTransport) Close() error {
	v.closeMu.Lock()
	if v.closed {
		v.closeMu.Unlock()
		return nil
	}
	v.closed = true
	v.closeMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := v.owner.sendClose(ctx, v.id)

	v.owner.dropVirtual(v.id)
	close(v.writes)
	v.pipeW.CloseWithError(errVirtualClosed)
	v.pr.Close()
	return err
}

// connectionLost is invoked by the owner when the channel is torn down from
// the other side (a CLOSE frame was received) or the underlying physical
// connection died. It never sends anything on the wire.
func (v *VirtualTransport) connectionLost(reason error) {
	v.closeMu.Lock()
	if v.closed {
		v.closeMu.Unlock()
		return
	}
	v.closed = true
	v.closeErr = reason
	v.closeMu.Unlock()

	if reason == nil {
		reason = errVirtualClosed
	}
	close(v.writes)
	v.pipeW.CloseWithError(reason)
	v.pr.Close()
}

// LocalAddr implements net.Conn by deferring to the physical connection.
func (v *VirtualTransport) LocalAddr() net.Addr { return v.owner.conn.LocalAddr() }

// RemoteAddr implements net.Conn by deferring to the physical connection.
func (v *VirtualTransport) RemoteAddr() net.Addr { return v.owner.conn.RemoteAddr() }

// SetDeadline is a no-op: deadlines are meaningless for a channel whose
// bytes are framed inside another connection's own deadline handling.
func (v *VirtualTransport) SetDeadline(time.Time) error { return nil }

// SetReadDeadline is a no-op; see SetDeadline.
func (v *VirtualTransport) SetReadDeadline(time.Time) error { return nil }

// SetWriteDeadline is a no-op; see SetDeadline.
func (v *VirtualTransport) SetWriteDeadline(time.Time) error { return nil }
