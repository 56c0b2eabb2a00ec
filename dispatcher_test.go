// q2q - peer-to-peer connection overlay network
// Copyright (c) 2020 Péter Szilágyi. All rights reserved.

package overlay

import (
	"context"
	"net"
	"testing"
	"time"

	"golang.org/x/net/nettest"
)

func TestMockPTCPDispatcherRoundTrip(t *testing.T) {
	d := NewMockPTCPDispatcher()
	defer d.Close()

	listener, port, err := d.Listen(0)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer listener.Close()

	accepted := make(chan error, 1)
	go func() {
		conn, err := listener.Accept()
		if err != nil {
			accepted <- err
			return
		}
		defer conn.Close()
		buf := make([]byte, 5)
		if _, err := conn.Read(buf); err != nil {
			accepted <- err
			return
		}
		accepted <- nil
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, err := d.Connect(ctx, "0.0.0.0", port)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer conn.Close()
	if _, err := conn.Write([]byte("hello")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	select {
	case err := <-accepted:
		if err != nil {
			t.Fatalf("Accept/Read: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for accepted connection")
	}
}

// TestMockPTCPDispatcherConnConformance runs the standard net.Conn
// conformance suite against a connected pair dialed through the mock
// dispatcher, the same way a real PTCP implementation's connections would be
// expected to behave.
func TestMockPTCPDispatcherConnConformance(t *testing.T) {
	nettest.TestConn(t, func() (c1, c2 net.Conn, stop func(), err error) {
		d := NewMockPTCPDispatcher()
		listener, port, err := d.Listen(0)
		if err != nil {
			return nil, nil, nil, err
		}

		accepted := make(chan net.Conn, 1)
		acceptErr := make(chan error, 1)
		go func() {
			conn, err := listener.Accept()
			if err != nil {
				acceptErr <- err
				return
			}
			accepted <- conn
		}()

		client, err := d.Connect(context.Background(), "0.0.0.0", port)
		if err != nil {
			listener.Close()
			return nil, nil, nil, err
		}

		select {
		case server := <-accepted:
			stop = func() {
				client.Close()
				server.Close()
				listener.Close()
				d.Close()
			}
			return client, server, stop, nil
		case err := <-acceptErr:
			client.Close()
			listener.Close()
			return nil, nil, nil, err
		case <-time.After(2 * time.Second):
			client.Close()
			listener.Close()
			return nil, nil, nil, context.DeadlineExceeded
		}
	})
}

func TestMockPTCPDispatcherBindNewPort(t *testing.T) {
	d := NewMockPTCPDispatcher()
	defer d.Close()

	a, err := d.BindNewPort()
	if err != nil {
		t.Fatalf("BindNewPort: %v", err)
	}
	b, err := d.BindNewPort()
	if err != nil {
		t.Fatalf("BindNewPort: %v", err)
	}
	if a == b {
		t.Fatalf("BindNewPort returned duplicate ports: %d", a)
	}
}
