// q2q - peer-to-peer connection overlay network
// Copyright (c) 2020 Péter Szilágyi. All rights reserved.

package overlay

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/ethereum/go-ethereum/log"

	"github.com/q2qnet/overlay/certstore"
)

// DefaultControlPort is the overlay control connection's default port.
const DefaultControlPort = 8788

// listenerKey identifies one (address, protocol) slot in the listener
// registry.
type listenerKey struct {
	host     Address
	protocol string
}

// listenerEntry is one registration contributed by a connected listening
// client: the connection it arrived on, the TLS certificate verified for
// that connection, and the free-text description it registered.
type listenerEntry struct {
	conn *OverlayConnection
	cert Certificate
	description string
}

// ServiceConfig configures a Service at construction time. Zero values pick
// sensible defaults (no PTCP, map-backed resolver, 256-entry caches).
type ServiceConfig struct {
	// ControlPort is the port the overlay control listener binds and the
	// port used when dialing control connections to other domains.
	ControlPort int

	// InboundTCPPort is the port advertised for direct-connect TCP splices.
	// Zero disables advertising a direct TCP method.
	InboundTCPPort int

	// PublicIP and PrivateIP seed the service's notion of its own address.
	// PublicIP may be left empty to have it learned from the first
	// SOURCE-IP exchange (flagged "really private"; a learned IP is never
	// marked confirmed).
	PublicIP  string
	PrivateIP string

	Store      certstore.Store
	Dispatcher PTCPDispatcher
	Resolver   AppFactoryResolver

	SecureCacheSize int
	AppCacheSize    int
}

// Service owns the inbound listener, the listener registry, the inbound
// reservation table, both connection caches, and the cert store.
type Service struct {
	cfg ServiceConfig

	certs      certstore.Store
	dispatcher PTCPDispatcher
	resolver   AppFactoryResolver

	reservations *reservationTable
	secureCache  *connectionCache[*OverlayConnection]
	appCache     *connectionCache[*cachedStream]

	controlPort    int
	inboundTCPPort int

	mu                    sync.Mutex
	publicIP              string
	privateIP             string
	publicIPReallyPrivate bool
	listenerRegistry      map[listenerKey][]listenerEntry
	connections           map[*OverlayConnection]struct{}

	listener net.Listener
	dialer   net.Dialer

	logger log.Logger

	closeOnce sync.Once
	closed    chan struct{}
}

// NewService constructs a Service from cfg. It does not start listening;
// call Serve for that.
func NewService(cfg ServiceConfig) *Service {
	if cfg.ControlPort == 0 {
		cfg.ControlPort = DefaultControlPort
	}
	if cfg.Resolver == nil {
		cfg.Resolver = newMapResolver()
	}
	if cfg.SecureCacheSize == 0 {
		cfg.SecureCacheSize = 256
	}
	if cfg.AppCacheSize == 0 {
		cfg.AppCacheSize = 256
	}
	return &Service{
		cfg:                   cfg,
		certs:                 cfg.Store,
		dispatcher:            cfg.Dispatcher,
		resolver:              cfg.Resolver,
		reservations:          newReservationTable(),
		secureCache:           newConnectionCache(cfg.SecureCacheSize, func(oc *OverlayConnection) bool { return oc.isLive() }),
		appCache:              newConnectionCache(cfg.AppCacheSize, func(cs *cachedStream) bool { return cs.isLive() }),
		controlPort:           cfg.ControlPort,
		inboundTCPPort:        cfg.InboundTCPPort,
		publicIP:              cfg.PublicIP,
		privateIP:             cfg.PrivateIP,
		publicIPReallyPrivate: cfg.PublicIP == "",
		listenerRegistry:      make(map[listenerKey][]listenerEntry),
		connections:           make(map[*OverlayConnection]struct{}),
		logger:                log.New("module", "overlay"),
		closed:                make(chan struct{}),
	}
}

// Serve binds the control listener on addr (host only; port comes from
// ServiceConfig.ControlPort) and accepts connections until the Service is
// stopped.
func (s *Service) Serve(addr string) error {
	l, err := net.Listen("tcp", net.JoinHostPort(addr, itoa(s.controlPort)))
	if err != nil {
		return err
	}
	s.listener = l
	go s.acceptLoop(l)
	return nil
}

func (s *Service) acceptLoop(l net.Listener) {
	for {
		conn, err := l.Accept()
		if err != nil {
			select {
			case <-s.closed:
				return
			default:
				s.logger.Warn("Accept failed", "err", err)
				return
			}
		}
		go s.acceptPhysicalConnection(conn)
	}
}

// acceptPhysicalConnection handles one freshly accepted TCP connection. A
// first frame of IDENTIFY is answered in the clear and the connection is
// then closed; otherwise it expects SECURE as the first frame, performs the
// server side of the TLS handshake, then hands the connection over to its
// own read loop.
func (s *Service) acceptPhysicalConnection(conn net.Conn) {
	oc := newOverlayConnection(s, conn, false)

	f, err := oc.codec.ReadFrame()
	if err == nil && f.Request != nil && f.Request.Identify != nil {
		s.onIdentify(oc, f.Tag, f.Request.Identify)
		conn.Close()
		return
	}
	if err != nil || f.Request == nil || f.Request.Secure == nil {
		s.logger.Debug("First frame on new connection was not SECURE", "err", err)
		conn.Close()
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	if err := oc.secureAsServer(ctx, f.Request.Secure, f.Tag); err != nil {
		s.logger.Debug("SECURE failed", "err", err)
		conn.Close()
		return
	}

	s.mu.Lock()
	s.connections[oc] = struct{}{}
	s.mu.Unlock()

	oc.run()
}

// forgetConnection removes oc from the Service's live-connection set. Called
// from OverlayConnection.teardown.
func (s *Service) forgetConnection(oc *OverlayConnection) {
	s.mu.Lock()
	delete(s.connections, oc)
	s.mu.Unlock()
}

// addListener appends entry to the registry slot for key.
func (s *Service) addListener(key listenerKey, entry listenerEntry) {
	s.mu.Lock()
	s.listenerRegistry[key] = append(s.listenerRegistry[key], entry)
	s.mu.Unlock()
}

// listenersFor returns a snapshot of the registry slot for key.
func (s *Service) listenersFor(key listenerKey) []listenerEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]listenerEntry, len(s.listenerRegistry[key]))
	copy(out, s.listenerRegistry[key])
	return out
}

// removeListener drops every entry under key contributed by conn. Called
// from OverlayConnection.teardown for every key it registered.
func (s *Service) removeListener(key listenerKey, conn *OverlayConnection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := s.listenerRegistry[key]
	filtered := entries[:0]
	for _, e := range entries {
		if e.conn != conn {
			filtered = append(filtered, e)
		}
	}
	if len(filtered) == 0 {
		delete(s.listenerRegistry, key)
	} else {
		s.listenerRegistry[key] = filtered
	}
}

// observePublicIP seeds the service-wide public IP the first time any
// connection learns it via SOURCE-IP, flagging it unconfirmed ("really
// private"). Later observations neither replace nor confirm it; only a
// PublicIP given in ServiceConfig counts as confirmed.
func (s *Service) observePublicIP(ip string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.publicIP == "" {
		s.publicIP = ip
		s.publicIPReallyPrivate = true
	}
}

// determinePublicIP implements the _determinePublicIP preference order:
// a confirmed service-wide IP wins outright; otherwise prefer what this
// specific connection itself observed, falling back to an unconfirmed
// service-wide IP, and finally to the configured private IP.
func (s *Service) determinePublicIP(oc *OverlayConnection) string {
	s.mu.Lock()
	reserve := ""
	if s.publicIP != "" {
		if !s.publicIPReallyPrivate {
			ip := s.publicIP
			s.mu.Unlock()
			return ip
		}
		reserve = s.publicIP
	}
	s.mu.Unlock()

	if oc != nil && oc.publicIP != "" {
		return oc.publicIP
	}
	if reserve != "" {
		return reserve
	}
	return s.determinePrivateIP(oc)
}

func (s *Service) determinePrivateIP(oc *OverlayConnection) string {
	s.mu.Lock()
	ip := s.privateIP
	s.mu.Unlock()
	if ip != "" {
		return ip
	}
	if oc != nil {
		if host, _, err := net.SplitHostPort(oc.conn.LocalAddr().String()); err == nil {
			return host
		}
	}
	return "127.0.0.1"
}

// --- cert store glue -------------------------------------------------------

func (s *Service) lookupDomainCertificate(domain string) (Certificate, error) {
	pemBytes, err := s.certs.SelfSignedCertificate(domain)
	if err != nil {
		if err == certstore.ErrNotFound {
			return Certificate{}, ErrNotFound
		}
		return Certificate{}, err
	}
	return LoadCertificate(pemBytes)
}

func (s *Service) storeLearnedDomainCertificate(domain string, cert Certificate) error {
	return s.certs.StoreSelfSignedCertificate(domain, cert.PEM())
}

func (s *Service) privateCertificateFor(subject string) (PrivateCertificate, error) {
	pemBytes, err := s.certs.PrivateCertificate(subject)
	if err != nil {
		if err == certstore.ErrNotFound {
			return PrivateCertificate{}, ErrNotFound
		}
		return PrivateCertificate{}, err
	}
	return LoadPrivateCertificate(pemBytes)
}

// --- establishment glue ----------------------------------------------------

// dialControlUnsecured opens a plaintext TCP connection to domain's control
// port, used for a fresh SECURE attempt or an IDENTIFY round trip.
func (s *Service) dialControlUnsecured(ctx context.Context, domain string) (net.Conn, error) {
	return s.dialer.DialContext(ctx, "tcp", net.JoinHostPort(domain, itoa(s.controlPort)))
}

// secureToDomain returns a cached secure connection to to (a domain-only
// address) for from, running the SECURE handshake if none is cached and
// live. It always opens a plain TCP connection first, because the cache key
// includes its remote address; that connection is closed again when a cached
// connection is returned instead.
func (s *Service) secureToDomain(ctx context.Context, from, to Address, authorize bool) (*OverlayConnection, error) {
	physical, err := s.dialControlUnsecured(ctx, to.Domain)
	if err != nil {
		return nil, err
	}

	remoteAddr := physical.RemoteAddr().String()
	key := secureCacheKey(from, to.Domain, authorize, remoteAddr)

	usedPhysical := false
	secured, err := s.secureCache.getOrDial(ctx, key, func(ctx context.Context) (*OverlayConnection, error) {
		usedPhysical = true
		oc := newOverlayConnection(s, physical, true)

		ownCert, err := s.privateCertificateFor(from.DomainAddress().String())
		if err != nil {
			physical.Close()
			return nil, err
		}

		dialUnsecured := func(ctx context.Context) (net.Conn, error) {
			return s.dialControlUnsecured(ctx, to.Domain)
		}
		if err := oc.secureAsClient(ctx, from, to, authorize, ownCert, dialUnsecured); err != nil {
			physical.Close()
			return nil, err
		}

		s.mu.Lock()
		s.connections[oc] = struct{}{}
		s.mu.Unlock()

		go oc.run()
		go oc.announceSourceIP(context.Background())

		return oc, nil
	})
	if !usedPhysical {
		physical.Close()
	}
	return secured, err
}

// --- public API --------------------------------------------------------

// listenQ2Q secures a connection to from's own domain, registers factories
// for each named sub-protocol, and issues LISTEN. The returned function
// deregisters the listener and may be called on shutdown.
func (s *Service) listenQ2Q(from Address, factories map[string]ProtocolFactory, description string) (func(), error) {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	oc, err := s.secureToDomain(ctx, from, from.DomainAddress(), true)
	if err != nil {
		return nil, err
	}

	protocols := make([]string, 0, len(factories))
	for name, factory := range factories {
		s.resolver.Register(from, name, factory)
		protocols = append(protocols, name)
	}

	if _, err := oc.sendRequest(ctx, &request{Listen: &listenRequest{
		From: from.String(), Protocols: protocols, Description: description,
	}}); err != nil {
		for name := range factories {
			s.resolver.Unregister(from, name)
		}
		return nil, err
	}

	return func() {
		for name := range factories {
			s.resolver.Unregister(from, name)
		}
	}, nil
}

// connectQ2Q wraps Connect with the fixed "q2q-message" application
// sub-protocol name, reusing one cached stream per (from, to). Unlike the
// secure cache, entries here are plain byte streams (from the first Method
// that succeeded in Connect), so they are wrapped in cachedStream purely to
// give them an isLive check.
func (s *Service) connectQ2Q(ctx context.Context, from, to Address) (net.Conn, error) {
	key := appCacheKey(from, to)
	return s.appCache.getOrDial(ctx, key, func(ctx context.Context) (*cachedStream, error) {
		conn, err := s.Connect(ctx, from, to, qMessageProtocol, nil)
		if err != nil {
			return nil, err
		}
		return newCachedStream(conn), nil
	})
}

// requestCertificateForAddress generates a fresh keypair and CSR for addr,
// secures to addr.domain with a throwaway anonymous certificate, issues
// SIGN with sharedSecret, and persists the returned certificate as addr's
// private certificate.
func (s *Service) requestCertificateForAddress(ctx context.Context, addr Address, sharedSecret string) error {
	csr, err := GenerateCertificateRequest(addr)
	if err != nil {
		return err
	}

	anon, err := GenerateAnonymousCertificate()
	if err != nil {
		return err
	}
	// Stored under the anonymous subject, which secureToDomain looks up for
	// a from of Address{}.
	if err := s.certs.StorePrivateCertificate(Address{}.String(), anon.PEM()); err != nil {
		return err
	}

	oc, err := s.secureToDomain(ctx, Address{}, addr.DomainAddress(), false)
	if err != nil {
		return err
	}

	resp, err := oc.sendRequest(ctx, &request{Sign: &signRequest{CSRDER: csr.Raw, Secret: sharedSecret}})
	if err != nil {
		return err
	}
	if resp == nil || resp.Sign == nil {
		return fmt.Errorf("%w: malformed SIGN reply", ErrConnectionError)
	}
	cert, err := LoadCertificateDER(resp.Sign.CertificateDER)
	if err != nil {
		return err
	}

	signed := csr.PrivateCertificate(cert)
	return s.certs.StorePrivateCertificate(addr.String(), signed.PEM())
}

// sendMessage opens (or reuses) an application connection from 'from' to
// 'to' and writes body to it.
func (s *Service) sendMessage(ctx context.Context, from, to Address, body []byte) error {
	conn, err := s.connectQ2Q(ctx, from, to)
	if err != nil {
		return err
	}
	_, err = conn.Write(body)
	return err
}

// stopService cancels every pending reservation, stops the listener, drains
// both caches, halts the PTCP dispatcher, and closes every live connection,
// in that order.
func (s *Service) stopService() {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.reservations.close()
		if s.listener != nil {
			s.listener.Close()
		}
		s.secureCache.drain(func(oc *OverlayConnection) { oc.Close() })
		s.appCache.drain(func(cs *cachedStream) { cs.Close() })
		if s.dispatcher != nil {
			s.dispatcher.Close()
		}

		s.mu.Lock()
		conns := make([]*OverlayConnection, 0, len(s.connections))
		for oc := range s.connections {
			conns = append(conns, oc)
		}
		s.mu.Unlock()
		for _, oc := range conns {
			oc.Close()
		}
	})
}
