// q2q - peer-to-peer connection overlay network
// Copyright (c) 2020 Péter Szilágyi. All rights reserved.

package overlay

import (
	"context"
	"net"
	"sync/atomic"
	"testing"
)

func fakeOverlayConnection(t *testing.T) *OverlayConnection {
	t.Helper()
	client, server := net.Pipe()
	t.Cleanup(func() { client.Close(); server.Close() })
	return newOverlayConnection(nil, client, true)
}

func newOverlayConnectionCache(size int) *connectionCache[*OverlayConnection] {
	return newConnectionCache(size, func(oc *OverlayConnection) bool { return oc.isLive() })
}

func TestConnectionCacheReusesLiveEntry(t *testing.T) {
	cache := newOverlayConnectionCache(8)
	want := fakeOverlayConnection(t)

	var dials int32
	dial := func(ctx context.Context) (*OverlayConnection, error) {
		atomic.AddInt32(&dials, 1)
		return want, nil
	}

	got1, err := cache.getOrDial(context.Background(), "k", dial)
	if err != nil {
		t.Fatalf("getOrDial: %v", err)
	}
	got2, err := cache.getOrDial(context.Background(), "k", dial)
	if err != nil {
		t.Fatalf("getOrDial: %v", err)
	}
	if got1 != want || got2 != want {
		t.Fatalf("getOrDial returned unexpected connection")
	}
	if dials != 1 {
		t.Fatalf("dial called %d times, want 1", dials)
	}
}

func TestConnectionCacheRedialsAfterDeath(t *testing.T) {
	cache := newOverlayConnectionCache(8)
	dead := fakeOverlayConnection(t)
	dead.teardown()

	alive := fakeOverlayConnection(t)

	var dials int32
	dial := func(ctx context.Context) (*OverlayConnection, error) {
		atomic.AddInt32(&dials, 1)
		return alive, nil
	}

	cache.lru.Add("k", dead)

	got, err := cache.getOrDial(context.Background(), "k", dial)
	if err != nil {
		t.Fatalf("getOrDial: %v", err)
	}
	if got != alive {
		t.Fatalf("getOrDial returned dead connection instead of redialing")
	}
	if dials != 1 {
		t.Fatalf("dial called %d times, want 1", dials)
	}
}

func TestSecureCacheKeyWidening(t *testing.T) {
	a := secureCacheKey(Address{}, "example.net", false, "10.0.0.1:5000")
	b := secureCacheKey(Address{}, "example.net", false, "10.0.0.2:5000")
	if a == b {
		t.Fatalf("secureCacheKey collided across different remote addresses")
	}
}
