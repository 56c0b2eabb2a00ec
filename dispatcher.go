// q2q - peer-to-peer connection overlay network
// Copyright (c) 2020 Péter Szilágyi. All rights reserved.

package overlay

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/akutz/memconn"
)

// PTCPDispatcher is the pseudo-TCP-over-UDP collaborator the establishment
// engine uses for PTCP/RPTCP methods and NAT seeding. Real deployments back
// it with an actual UDP reliability layer; it is an interface so tests can
// swap in an in-memory implementation.
type PTCPDispatcher interface {
	// Connect dials a pseudo-TCP stream to host:port.
	Connect(ctx context.Context, host string, port int) (net.Conn, error)

	// Listen opens a pseudo-TCP listener. Passing port 0 lets the dispatcher
	// pick one, returned alongside the listener.
	Listen(port int) (net.Listener, int, error)

	// BindNewPort reserves a local port without listening on it yet, for
	// advertising in a BIND-UDP request (the reverse-bind case where the
	// peer sends the first datagram).
	BindNewPort() (int, error)

	// SeedNAT transmits a throwaway datagram toward host:port, opening a NAT
	// pinhole for a subsequent inbound connection from that address.
	SeedNAT(ctx context.Context, host string, port int) error

	// Close halts every connection and listener the dispatcher manages.
	Close() error
}

// NewMockPTCPDispatcher returns a PTCPDispatcher that behaves like a real
// NAT-traversing UDP transport from the caller's point of view but actually
// short-circuits everything through in-memory connections.
func NewMockPTCPDispatcher() PTCPDispatcher {
	return &mockPTCPDispatcher{
		provider:  new(memconn.Provider),
		listeners: make(map[string]net.Listener),
		nextPort:  40000,
	}
}

const mockPTCPNetwork = "memu"

type mockPTCPDispatcher struct {
	provider *memconn.Provider

	mu        sync.Mutex
	listeners map[string]net.Listener
	nextPort  int32
}

func mockPTCPAddr(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}

func (d *mockPTCPDispatcher) Connect(ctx context.Context, host string, port int) (net.Conn, error) {
	return d.provider.DialContext(ctx, mockPTCPNetwork, mockPTCPAddr(host, port))
}

func (d *mockPTCPDispatcher) Listen(port int) (net.Listener, int, error) {
	if port == 0 {
		port = int(atomic.AddInt32(&d.nextPort, 1))
	}
	addr := mockPTCPAddr("0.0.0.0", port)

	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.listeners[addr]; ok {
		return nil, 0, fmt.Errorf("%w: PTCP port %d already bound", ErrConnectionError, port)
	}
	l, err := d.provider.Listen(mockPTCPNetwork, addr)
	if err != nil {
		return nil, 0, err
	}
	d.listeners[addr] = l
	return &mockPTCPListener{Listener: l, dispatcher: d, addr: addr}, port, nil
}

// mockPTCPListener deregisters itself from the dispatcher on Close.
type mockPTCPListener struct {
	net.Listener
	dispatcher *mockPTCPDispatcher
	addr       string
}

func (l *mockPTCPListener) Close() error {
	l.dispatcher.mu.Lock()
	delete(l.dispatcher.listeners, l.addr)
	l.dispatcher.mu.Unlock()
	return l.Listener.Close()
}

func (d *mockPTCPDispatcher) BindNewPort() (int, error) {
	return int(atomic.AddInt32(&d.nextPort, 1)), nil
}

// SeedNAT is a no-op against the mock: there is no real NAT to pinhole when
// everything is short-circuited in memory.
func (d *mockPTCPDispatcher) SeedNAT(ctx context.Context, host string, port int) error {
	return nil
}

func (d *mockPTCPDispatcher) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	var firstErr error
	for addr, l := range d.listeners {
		if err := l.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(d.listeners, addr)
	}
	return firstErr
}
