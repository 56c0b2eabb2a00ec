// q2q - peer-to-peer connection overlay network
// Copyright (c) 2020 Péter Szilágyi. All rights reserved.

package overlay

import (
	"context"
	"net"
	"testing"
	"time"
)

func pairedConnections(t *testing.T) (*OverlayConnection, *OverlayConnection) {
	t.Helper()
	client, server := net.Pipe()
	oc1 := newOverlayConnection(nil, client, true)
	oc2 := newOverlayConnection(nil, server, false)
	t.Cleanup(func() { oc1.Close(); oc2.Close() })
	return oc1, oc2
}

func TestSendRequestRoundTrip(t *testing.T) {
	client, server := pairedConnections(t)

	// Replies reach sendRequest through the client's read loop.
	go client.run()

	go func() {
		f, err := server.codec.ReadFrame()
		if err != nil {
			return
		}
		server.codec.WriteFrame(&frame{Tag: f.Tag, Response: &response{Ack: &ackResponse{}}})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	resp, err := client.sendRequest(ctx, &request{SourceIP: &sourceIPRequest{}})
	if err != nil {
		t.Fatalf("sendRequest: %v", err)
	}
	if resp == nil || resp.Ack == nil {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestSendRequestContextTimeout(t *testing.T) {
	client, server := pairedConnections(t)

	// Consume the request so the unbuffered pipe write completes, but never
	// reply.
	go func() {
		for {
			if _, err := server.codec.ReadFrame(); err != nil {
				return
			}
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := client.sendRequest(ctx, &request{SourceIP: &sourceIPRequest{}})
	if err == nil {
		t.Fatalf("expected a timeout error")
	}
}

func TestReplyAckAndError(t *testing.T) {
	client, server := net.Pipe()
	oc := newOverlayConnection(nil, server, false)
	defer oc.Close()
	defer client.Close()

	clientCodec := newGobFrameCodec(client)

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := oc.replyAck("tag-1"); err != nil {
			t.Errorf("replyAck: %v", err)
		}
	}()
	f, err := clientCodec.ReadFrame()
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if f.Tag != "tag-1" || f.Response == nil || f.Response.Ack == nil {
		t.Fatalf("unexpected ack frame: %+v", f)
	}
	<-done

	go func() {
		oc.replyError("tag-2", ErrNotFound)
	}()
	f, err = clientCodec.ReadFrame()
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if f.Tag != "tag-2" || f.Err == nil || f.Err.Kind != errKindNotFound {
		t.Fatalf("unexpected error frame: %+v", f)
	}
}

func TestOverlayConnectionIsLiveAndTeardown(t *testing.T) {
	oc, _ := pairedConnections(t)
	if !oc.isLive() {
		t.Fatalf("freshly constructed connection should be live")
	}
	oc.teardown()
	if oc.isLive() {
		t.Fatalf("connection should not be live after teardown")
	}
	// teardown must be idempotent.
	oc.teardown()
}

func TestOverlayConnectionVirtualLifecycle(t *testing.T) {
	oc, _ := pairedConnections(t)
	vt := newVirtualTransport(oc, Address{Domain: "a"}, Address{Domain: "b"}, "chan-1", "proto", true)
	oc.registerVirtual(vt)

	oc.mu.Lock()
	_, ok := oc.connections["chan-1"]
	oc.mu.Unlock()
	if !ok {
		t.Fatalf("registerVirtual did not install the channel")
	}

	oc.dropVirtual("chan-1")
	oc.mu.Lock()
	_, ok = oc.connections["chan-1"]
	oc.mu.Unlock()
	if ok {
		t.Fatalf("dropVirtual left the channel registered")
	}
}
