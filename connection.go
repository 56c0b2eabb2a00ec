// q2q - peer-to-peer connection overlay network
// Copyright (c) 2020 Péter Szilágyi. All rights reserved.

package overlay

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"
)

// requestTimeout bounds how long a caller waits for a correlated reply
// before giving up.
const requestTimeout = 30 * time.Second

// reservationTTL is how long a server-side INBOUND reservation lives before
// its timer removes it unclaimed.
const reservationTTL = 120 * time.Second

// OverlayConnection is the state held for one physical connection (TCP or
// PTCP) speaking the overlay's request/response command protocol. It is
// driven by one goroutine running its read loop; the connections and pending
// maps are also touched by request senders and by command handlers running
// in their own goroutines, so each is guarded by its own mutex.
type OverlayConnection struct {
	service *Service // non-owning; Service owns the strong reference the other way
	conn    net.Conn
	codec   FrameCodec
	logger  log.Logger

	isClient bool

	// identity, populated once SECURE completes.
	host       Address
	peer       Address
	peerCert   Certificate
	authorized bool
	publicIP   string

	superGate *pauseGate

	mu          sync.Mutex
	connections map[string]*VirtualTransport
	listenKeys  []listenerKey

	pendingMu sync.Mutex
	pending   map[string]chan *frame

	securedOnce sync.Once

	closeOnce sync.Once
	done      chan struct{}
}

func newOverlayConnection(service *Service, conn net.Conn, isClient bool) *OverlayConnection {
	return &OverlayConnection{
		service:     service,
		conn:        conn,
		codec:       newGobFrameCodec(conn),
		logger:      log.New("conn", conn.RemoteAddr()),
		isClient:    isClient,
		superGate:   newPauseGate(),
		connections: make(map[string]*VirtualTransport),
		pending:     make(map[string]chan *frame),
		done:        make(chan struct{}),
	}
}

// run drives the read loop until the connection dies. It is meant to be
// invoked in its own goroutine; it returns once ReadFrame starts failing.
func (oc *OverlayConnection) run() {
	defer oc.teardown()
	for {
		f, err := oc.codec.ReadFrame()
		if err != nil {
			oc.logger.Debug("Connection read loop exiting", "err", err)
			return
		}
		oc.dispatch(f)
	}
}

// dispatch routes one decoded frame either to a waiting caller (responses
// and errors) or to a command handler (requests). Handlers run in their own
// goroutine so that a slow or relayed command never stalls the read loop.
func (oc *OverlayConnection) dispatch(f *frame) {
	if f.Response != nil || f.Err != nil {
		oc.resolve(f)
		return
	}
	if f.Request == nil {
		oc.logger.Warn("Empty frame received")
		return
	}
	switch {
	case f.Request.Write != nil:
		// WRITE/CLOSE are handled inline: ordering within a virtual channel
		// must match arrival order. deliverWrite blocks only when that
		// channel's buffer is full, and then the whole read loop waits.
		oc.handleWrite(f)
	case f.Request.Close != nil:
		oc.handleClose(f)
	default:
		go oc.handleCommand(f)
	}
}

func (oc *OverlayConnection) resolve(f *frame) {
	oc.pendingMu.Lock()
	ch, ok := oc.pending[f.Tag]
	if ok {
		delete(oc.pending, f.Tag)
	}
	oc.pendingMu.Unlock()
	if !ok {
		oc.logger.Warn("Reply for unknown tag", "tag", f.Tag)
		return
	}
	ch <- f
}

// sendRequest issues req and blocks for its correlated response or error.
func (oc *OverlayConnection) sendRequest(ctx context.Context, req *request) (*response, error) {
	tag := newCorrelationTag()
	ch := make(chan *frame, 1)

	oc.pendingMu.Lock()
	oc.pending[tag] = ch
	oc.pendingMu.Unlock()

	if err := oc.codec.WriteFrame(&frame{Tag: tag, Request: req}); err != nil {
		oc.pendingMu.Lock()
		delete(oc.pending, tag)
		oc.pendingMu.Unlock()
		return nil, err
	}

	select {
	case f := <-ch:
		if f.Err != nil {
			return nil, wireErrorToGo(f.Err)
		}
		return f.Response, nil
	case <-ctx.Done():
		oc.pendingMu.Lock()
		delete(oc.pending, tag)
		oc.pendingMu.Unlock()
		return nil, ctx.Err()
	case <-oc.done:
		return nil, fmt.Errorf("%w: connection closed awaiting reply", ErrConnectionError)
	}
}

// replyAck answers a request with a bare ack.
func (oc *OverlayConnection) replyAck(tag string) error {
	return oc.codec.WriteFrame(&frame{Tag: tag, Response: &response{Ack: &ackResponse{}}})
}

// replyError answers a request with err translated to its wire kind.
func (oc *OverlayConnection) replyError(tag string, err error) error {
	return oc.codec.WriteFrame(&frame{Tag: tag, Err: goErrorToWire(err)})
}

// --- SECURE / on-connect -------------------------------------------------

// secureAsClient performs the client side of the SECURE exchange: send
// SECURE(from, to, authorize), then upgrade the connection to TLS presenting
// our own private cert, and (if authorize) validate the server's cert
// against the cert store, learning it via IDENTIFY first if necessary.
func (oc *OverlayConnection) secureAsClient(ctx context.Context, from, to Address, authorize bool, ownCert PrivateCertificate, dialUnsecured func(ctx context.Context) (net.Conn, error)) error {
	var outerErr error
	oc.securedOnce.Do(func() {
		req := &secureRequest{From: from.String(), To: to.DomainAddress().String(), Authorize: authorize}
		if from.Anonymous() {
			req.From = ""
		}
		if _, err := oc.sendRequest(ctx, &request{Secure: req}); err != nil {
			outerErr = err
			return
		}

		tlsConn := tls.Client(oc.conn, &tls.Config{
			Certificates:       []tls.Certificate{ownCert.TLS()},
			InsecureSkipVerify: true,
		})
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			outerErr = err
			return
		}
		oc.conn = tlsConn
		oc.codec = newGobFrameCodec(tlsConn)
		oc.host, oc.peer, oc.authorized = from, to, authorize

		state := tlsConn.ConnectionState()
		if len(state.PeerCertificates) == 0 {
			outerErr = fmt.Errorf("%w: server presented no certificate", ErrConnectionError)
			return
		}
		serverCert := Certificate{state.PeerCertificates[0]}
		oc.peerCert = serverCert

		if authorize {
			if err := oc.verifyServerCertificate(ctx, to.Domain, serverCert, dialUnsecured); err != nil {
				outerErr = err
				return
			}
		}
	})
	return outerErr
}

// verifyServerCertificate validates serverCert against the cert store entry
// for domain, learning it via a fresh unencrypted IDENTIFY round trip first
// if the store has nothing cached yet.
func (oc *OverlayConnection) verifyServerCertificate(ctx context.Context, domain string, serverCert Certificate, dialUnsecured func(ctx context.Context) (net.Conn, error)) error {
	known, err := oc.service.lookupDomainCertificate(domain)
	if errors.Is(err, ErrNotFound) {
		learned, ierr := identifyDomain(ctx, domain, dialUnsecured)
		if ierr != nil {
			return ierr
		}
		if learned.SubjectCN() != domain || learned.IssuerCN() != domain {
			return &VerifyError{Reason: fmt.Sprintf("IDENTIFY for %s returned a certificate for %s issued by %s", domain, learned.SubjectCN(), learned.IssuerCN())}
		}
		if err := oc.service.storeLearnedDomainCertificate(domain, learned); err != nil {
			return err
		}
		known = learned
	} else if err != nil {
		return err
	}
	if fingerprintCert(known.Certificate) != fingerprintCert(serverCert.Certificate) {
		return &VerifyError{Reason: fmt.Sprintf("certificate presented by %s does not match the learned domain certificate", domain)}
	}
	return nil
}

// identifyDomain opens a throwaway unencrypted connection, asks IDENTIFY for
// domain's own certificate, and returns it.
func identifyDomain(ctx context.Context, domain string, dialUnsecured func(ctx context.Context) (net.Conn, error)) (Certificate, error) {
	conn, err := dialUnsecured(ctx)
	if err != nil {
		return Certificate{}, err
	}
	defer conn.Close()

	codec := newGobFrameCodec(conn)
	tag := newCorrelationTag()
	if err := codec.WriteFrame(&frame{Tag: tag, Request: &request{Identify: &identifyRequest{Subject: domain}}}); err != nil {
		return Certificate{}, err
	}
	f, err := codec.ReadFrame()
	if err != nil {
		return Certificate{}, err
	}
	if f.Err != nil {
		return Certificate{}, wireErrorToGo(f.Err)
	}
	if f.Response == nil || f.Response.Identify == nil {
		return Certificate{}, fmt.Errorf("%w: malformed IDENTIFY reply", ErrConnectionError)
	}
	return LoadCertificateDER(f.Response.Identify.CertificateDER)
}

// secureAsServer performs the server side: read SECURE, present the private
// cert for the requested domain, complete the TLS handshake, and (if the
// client asked to authorize) verify its cert by the same name-based rule.
func (oc *OverlayConnection) secureAsServer(ctx context.Context, req *secureRequest, tag string) error {
	to := ParseAddress(req.To)
	domainCert, err := oc.service.privateCertificateFor(to.DomainAddress().String())
	if err != nil {
		oc.replyError(tag, err)
		return err
	}
	if err := oc.replyAck(tag); err != nil {
		return err
	}

	tlsConn := tls.Server(oc.conn, &tls.Config{
		Certificates:       []tls.Certificate{domainCert.TLS()},
		ClientAuth:         tls.RequireAnyClientCert,
		InsecureSkipVerify: true,
	})
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		return err
	}
	oc.conn = tlsConn
	oc.codec = newGobFrameCodec(tlsConn)
	oc.host = to
	oc.authorized = req.Authorize

	state := tlsConn.ConnectionState()
	if len(state.PeerCertificates) > 0 {
		peerCert := Certificate{state.PeerCertificates[0]}
		oc.peerCert = peerCert
		if req.From != "" {
			oc.peer = ParseAddress(req.From)
		} else {
			oc.peer = Address{}
		}
		if req.Authorize {
			if err := verifyCertificateAllowed(to, oc.peer, domainCert.Certificate, peerCert, oc.peer.Anonymous()); err != nil {
				return err
			}
		}
	}
	return nil
}

// announceSourceIP is run by the connection initiator immediately after a
// physical link is established: it asks the peer what address it observed
// us connecting from, stores the answer, and (if the Service had no public
// IP configured yet) seeds the service-wide public IP, flagged unconfirmed.
func (oc *OverlayConnection) announceSourceIP(ctx context.Context) {
	resp, err := oc.sendRequest(ctx, &request{SourceIP: &sourceIPRequest{}})
	if err != nil {
		oc.logger.Debug("SOURCE-IP failed", "err", err)
		return
	}
	if resp == nil || resp.SourceIP == nil {
		return
	}
	oc.publicIP = resp.SourceIP.IP
	oc.service.observePublicIP(resp.SourceIP.IP)
}

// --- outbound command helpers used by Method.attemptConnect --------------

func (oc *OverlayConnection) sendWrite(ctx context.Context, id string, body []byte) error {
	_, err := oc.sendRequest(ctx, &request{Write: &writeRequest{ID: id, Body: body}})
	return err
}

func (oc *OverlayConnection) sendClose(ctx context.Context, id string) error {
	_, err := oc.sendRequest(ctx, &request{Close: &closeRequest{ID: id}})
	return err
}

// sendBindUDP asks the peer representing to to send the first datagram from
// its advertised remote endpoint toward our local one, so the recipient is
// the source side of the BIND-UDP request.
func (oc *OverlayConnection) sendBindUDP(ctx context.Context, from, to Address, protocol, localHost string, localPort int, remoteHost string, remotePort int) error {
	_, err := oc.sendRequest(ctx, &request{BindUDP: &bindUDPRequest{
		Q2QSrc:   to.String(),
		Q2QDst:   from.String(),
		Protocol: protocol,
		UDPSrc:   net.JoinHostPort(remoteHost, itoa(remotePort)),
		UDPDst:   net.JoinHostPort(localHost, itoa(localPort)),
	}})
	return err
}

// localUDPEndpoint asks the dispatcher for a freshly bound local UDP port to
// advertise in a BIND-UDP request.
func (oc *OverlayConnection) localUDPEndpoint() (string, int, error) {
	if oc.service == nil || oc.service.dispatcher == nil {
		return "", 0, fmt.Errorf("%w: no PTCP dispatcher configured", ErrConnectionError)
	}
	port, err := oc.service.dispatcher.BindNewPort()
	if err != nil {
		return "", 0, err
	}
	host := oc.service.publicIP
	if host == "" {
		host = oc.service.privateIP
	}
	return host, port, nil
}

// openClientVirtual issues VIRTUAL(id) and, once acked, attaches a client
// VirtualTransport to this connection under id.
func (oc *OverlayConnection) openClientVirtual(ctx context.Context, id string, from, to Address, protocolName string) (net.Conn, error) {
	if _, err := oc.sendRequest(ctx, &request{Virtual: &virtualRequest{ID: id}}); err != nil {
		return nil, err
	}
	vt := newVirtualTransport(oc, from, to, id, protocolName, true)
	oc.mu.Lock()
	oc.connections[id] = vt
	oc.mu.Unlock()
	return vt, nil
}

// --- inbound WRITE / CLOSE demux ------------------------------------------

func (oc *OverlayConnection) handleWrite(f *frame) {
	req := f.Request.Write
	oc.mu.Lock()
	vt := oc.connections[req.ID]
	oc.mu.Unlock()
	if vt == nil {
		oc.replyError(f.Tag, fmt.Errorf("%w: unknown virtual channel %q", ErrNotFound, req.ID))
		return
	}
	if err := vt.deliverWrite(req.Body); err != nil {
		oc.replyError(f.Tag, err)
		return
	}
	oc.replyAck(f.Tag)
}

func (oc *OverlayConnection) handleClose(f *frame) {
	req := f.Request.Close
	oc.mu.Lock()
	vt, ok := oc.connections[req.ID]
	delete(oc.connections, req.ID)
	oc.mu.Unlock()
	if ok {
		vt.connectionLost(nil)
	}
	oc.replyAck(f.Tag)
}

// dropVirtual removes a virtual channel from this connection's table after a
// local Close().
func (oc *OverlayConnection) dropVirtual(id string) {
	oc.mu.Lock()
	delete(oc.connections, id)
	oc.mu.Unlock()
}

// registerVirtual inserts a server-side VirtualTransport created when a
// VIRTUAL reservation is claimed.
func (oc *OverlayConnection) registerVirtual(vt *VirtualTransport) {
	oc.mu.Lock()
	oc.connections[vt.id] = vt
	oc.mu.Unlock()
}

// --- listener registry bookkeeping ----------------------------------------

// rememberListenerKey records that this connection contributed a listener
// registry entry under key, so teardown can remove it.
func (oc *OverlayConnection) rememberListenerKey(key listenerKey) {
	oc.mu.Lock()
	oc.listenKeys = append(oc.listenKeys, key)
	oc.mu.Unlock()
}

// --- lifecycle -------------------------------------------------------------

// teardown runs exactly once: it tells every live virtual channel
// connectionLost, removes every listener registration this connection
// contributed, and notifies the Service the connection is gone.
func (oc *OverlayConnection) teardown() {
	oc.closeOnce.Do(func() {
		close(oc.done)

		oc.mu.Lock()
		vts := make([]*VirtualTransport, 0, len(oc.connections))
		for _, vt := range oc.connections {
			vts = append(vts, vt)
		}
		oc.connections = make(map[string]*VirtualTransport)
		keys := oc.listenKeys
		oc.listenKeys = nil
		oc.mu.Unlock()

		for _, vt := range vts {
			vt.connectionLost(fmt.Errorf("%w: underlying connection lost", ErrConnectionError))
		}
		for _, key := range keys {
			oc.service.removeListener(key, oc)
		}
		if oc.service != nil {
			oc.service.forgetConnection(oc)
		}
		oc.conn.Close()
	})
}

// isLive reports whether the read loop is still running.
func (oc *OverlayConnection) isLive() bool {
	select {
	case <-oc.done:
		return false
	default:
		return true
	}
}

// Close tears the physical connection down immediately.
func (oc *OverlayConnection) Close() error {
	err := oc.conn.Close()
	oc.teardown()
	return err
}

func itoa(n int) string {
	return fmt.Sprintf("%d", n)
}
