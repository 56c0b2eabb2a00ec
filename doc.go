// q2q - peer-to-peer connection overlay network
// Copyright (c) 2020 Péter Szilágyi. All rights reserved.

// Package overlay implements a connection-oriented overlay network that lets
// applications dial another named endpoint ("user@domain") over TLS without
// caring whether the underlying path is a direct TCP connection, a pseudo-TCP
// stream punched through a NAT over UDP, or a channel multiplexed over an
// already-open control connection to a third party.
//
// Callers supply a source identity, a destination identity and a named
// sub-protocol; the overlay resolves the destination, authenticates both
// ends via domain-issued X.509 certificates, negotiates a transport and
// hands back a bidirectional byte stream the caller's own protocol runs on.
package overlay
