// q2q - peer-to-peer connection overlay network
// Copyright (c) 2020 Péter Szilágyi. All rights reserved.

package overlay

import (
	"net"
	"sync"
)

// ProtocolFactory builds a user sub-protocol on top of an established
// channel. conn is either a spliced direct connection or a VirtualTransport;
// peer is the address on the other end.
type ProtocolFactory func(conn net.Conn, peer Address)

// AppFactoryResolver is the Service's local-listener lookup: given our own
// address and a sub-protocol name, it returns the factory registered for it
// by listenQ2Q, if any. It is an interface so tests can substitute a
// resolver that doesn't go through the full listenQ2Q bookkeeping.
type AppFactoryResolver interface {
	Resolve(host Address, protocol string) (ProtocolFactory, bool)
	Register(host Address, protocol string, factory ProtocolFactory)
	Unregister(host Address, protocol string)
}

type resolverKey struct {
	host     Address
	protocol string
}

// mapResolver is the default AppFactoryResolver, a mutex-guarded map.
type mapResolver struct {
	mu        sync.RWMutex
	factories map[resolverKey]ProtocolFactory
}

// newMapResolver returns an empty AppFactoryResolver.
func newMapResolver() *mapResolver {
	return &mapResolver{factories: make(map[resolverKey]ProtocolFactory)}
}

func (r *mapResolver) Resolve(host Address, protocol string) (ProtocolFactory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[resolverKey{host: host, protocol: protocol}]
	return f, ok
}

func (r *mapResolver) Register(host Address, protocol string, factory ProtocolFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[resolverKey{host: host, protocol: protocol}] = factory
}

func (r *mapResolver) Unregister(host Address, protocol string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.factories, resolverKey{host: host, protocol: protocol})
}
