// q2q - peer-to-peer connection overlay network
// Copyright (c) 2020 Péter Szilágyi. All rights reserved.

package overlay

import (
	"context"
	"testing"
	"time"
)

func TestPauseGateBlocksUntilResumed(t *testing.T) {
	g := newPauseGate()
	g.pause()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- g.wait(ctx)
	}()

	select {
	case <-done:
		t.Fatalf("wait returned before resume")
	case <-time.After(50 * time.Millisecond):
	}

	g.resume()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("wait after resume: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("wait never returned after resume")
	}
}

func TestPauseGateOpenByDefault(t *testing.T) {
	g := newPauseGate()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := g.wait(ctx); err != nil {
		t.Fatalf("wait on fresh gate: %v", err)
	}
}

func TestVirtualTransportDeliverAndRead(t *testing.T) {
	vt := newVirtualTransport(nil, Address{}, Address{Domain: "example.net", Resource: "alice"}, "chan-1", "echo", true)

	go func() {
		if err := vt.deliverWrite([]byte("PING")); err != nil {
			t.Errorf("deliverWrite: %v", err)
		}
	}()

	buf := make([]byte, 4)
	n, err := vt.Read(buf)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(buf[:n]) != "PING" {
		t.Fatalf("Read = %q, want PING", buf[:n])
	}
}

func TestVirtualTransportConnectionLostUnblocksRead(t *testing.T) {
	vt := newVirtualTransport(nil, Address{}, Address{Domain: "example.net", Resource: "alice"}, "chan-2", "echo", false)
	vt.connectionLost(errVirtualClosed)

	buf := make([]byte, 4)
	if _, err := vt.Read(buf); err == nil {
		t.Fatalf("Read after connectionLost succeeded, want error")
	}
}
