// q2q - peer-to-peer connection overlay network
// Copyright (c) 2020 Péter Szilágyi. All rights reserved.

package overlay

import (
	"context"
	"fmt"
	"net"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"
)

// qMessageProtocol is the fixed sub-protocol name the application cache key
// is built around: every plain message send shares one cached byte stream
// per (from, to) pair.
const qMessageProtocol = "q2q-message"

// connectionCache enforces "cache idempotence": concurrent requests for the
// same key share a single dial, and a cached entry is only handed out while
// still live. singleflight.Group collapses concurrent dials to the same
// key; golang-lru bounds how many idle entries are kept around. The secure
// cache (*OverlayConnection) and the application cache (net.Conn) in
// Service are both instances of this same generic type.
type connectionCache[T any] struct {
	group  singleflight.Group
	lru    *lru.Cache[string, T]
	isLive func(T) bool
}

func newConnectionCache[T any](size int, isLive func(T) bool) *connectionCache[T] {
	c, err := lru.New[string, T](size)
	if err != nil {
		// Only returns an error for a non-positive size, which callers in
		// this package never pass.
		panic(err)
	}
	return &connectionCache[T]{lru: c, isLive: isLive}
}

// getOrDial returns the cached entry for key if still live, otherwise dials
// a fresh one via dial (de-duplicated across concurrent callers sharing
// key) and caches it.
func (c *connectionCache[T]) getOrDial(ctx context.Context, key string, dial func(ctx context.Context) (T, error)) (T, error) {
	if v, ok := c.lru.Get(key); ok {
		if c.isLive(v) {
			return v, nil
		}
		c.lru.Remove(key)
	}

	v, err, _ := c.group.Do(key, func() (any, error) {
		if v, ok := c.lru.Get(key); ok && c.isLive(v) {
			return v, nil
		}
		v, err := dial(ctx)
		if err != nil {
			var zero T
			return zero, err
		}
		c.lru.Add(key, v)
		return v, nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return v.(T), nil
}

// drain closes every cached entry that implements io.Closer semantics via
// close, used by stopService.
func (c *connectionCache[T]) drain(close func(T)) {
	for _, key := range c.lru.Keys() {
		if v, ok := c.lru.Get(key); ok {
			close(v)
		}
	}
	c.lru.Purge()
}

// secureCacheKey builds the secure-connection cache key: (fromAddress,
// toDomain, authorize) identify an outbound dial we made ourselves, but a
// connection a peer opened against us has no outbound dial to key against —
// only the listening port (8788) we accepted it on, which collides across
// back-to-back peer connections on the same port. Widening the key with the
// remote socket's address string (host:port of the actual TCP/PTCP peer)
// keeps entries from two different concurrent peers from colliding, though
// two connections from the exact same remote address in quick succession
// can still share a slot. Only connections this Service dials itself
// (secureToDomain) are inserted; connections accepted from peers are never
// cached.
func secureCacheKey(from Address, toDomain string, authorize bool, remoteAddr string) string {
	return fmt.Sprintf("secure|%s|%s|%v|%s", from.String(), toDomain, authorize, remoteAddr)
}

// appCacheKey builds the application cache key: (from, to, "q2q-message").
func appCacheKey(from, to Address) string {
	return fmt.Sprintf("app|%s|%s|%s", from.String(), to.String(), qMessageProtocol)
}

// cachedStream wraps the net.Conn the application cache hands out so
// liveness can be queried without type-asserting to a concrete transport.
type cachedStream struct {
	net.Conn
	closed int32
}

func newCachedStream(conn net.Conn) *cachedStream {
	return &cachedStream{Conn: conn}
}

func (c *cachedStream) Close() error {
	atomic.StoreInt32(&c.closed, 1)
	return c.Conn.Close()
}

func (c *cachedStream) isLive() bool {
	return atomic.LoadInt32(&c.closed) == 0
}
