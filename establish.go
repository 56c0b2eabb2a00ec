// q2q - peer-to-peer connection overlay network
// Copyright (c) 2020 Péter Szilágyi. All rights reserved.

package overlay

import (
	"context"
	"crypto/x509"
	"fmt"
	"net"
	"time"
)

// CandidateListener is one entry in an INBOUND reply: a reservation the
// caller may attempt to claim via one of its advertised methods.
type CandidateListener struct {
	ID          string
	Certificate Certificate
	Methods     []Method
	Expires     time.Time
	Description string
}

// Chooser narrows the candidates an INBOUND reply offered down to the ones
// worth attempting, in priority order. The default tries only the first.
type Chooser func(candidates []CandidateListener) []CandidateListener

func defaultChooser(candidates []CandidateListener) []CandidateListener {
	if len(candidates) == 0 {
		return nil
	}
	return candidates[:1]
}

// Connect is the client half of establishment: obtain a secure connection
// to to.domain, issue INBOUND, run candidates returned by chooser through
// their methods sequentially, first success wins.
func (s *Service) Connect(ctx context.Context, from, to Address, protocolName string, chooser Chooser) (net.Conn, error) {
	if chooser == nil {
		chooser = defaultChooser
	}

	secureConn, err := s.secureToDomain(ctx, from, to.DomainAddress(), true)
	if err != nil {
		return nil, err
	}

	udpSource := ""
	if s.dispatcher != nil {
		if port, err := s.dispatcher.BindNewPort(); err == nil {
			host, _, splitErr := splitHostPort(secureConn.conn.LocalAddr().String())
			if splitErr != nil {
				host = s.determinePublicIP(secureConn)
			}
			if remoteHost, remotePort, err := splitHostPort(secureConn.conn.RemoteAddr().String()); err == nil {
				s.dispatcher.SeedNAT(ctx, remoteHost, remotePort)
			}
			udpSource = net.JoinHostPort(host, itoa(port))
		}
	}

	resp, err := secureConn.sendRequest(ctx, &request{Inbound: &inboundRequest{
		From:      from.String(),
		To:        to.String(),
		Protocol:  protocolName,
		UDPSource: udpSource,
	}})
	if err != nil {
		return nil, err
	}
	if resp == nil || resp.Inbound == nil {
		return nil, fmt.Errorf("%w: malformed INBOUND reply", ErrConnectionError)
	}

	candidates := make([]CandidateListener, 0, len(resp.Inbound.Listeners))
	for _, l := range resp.Inbound.Listeners {
		cand := CandidateListener{
			ID:          l.ID,
			Methods:     decodeMethods(l.Methods),
			Expires:     time.Unix(l.ExpiresUnix, 0),
			Description: l.Description,
		}
		if len(l.CertificateDER) > 0 {
			if cert, err := LoadCertificateDER(l.CertificateDER); err == nil {
				cand.Certificate = cert
			}
		}
		candidates = append(candidates, cand)
	}

	chosen := chooser(candidates)
	if len(chosen) == 0 {
		return nil, ErrNoAttemptsMade
	}

	var failures []error
	for _, cand := range chosen {
		for _, method := range cand.Methods {
			h := dialHandles{control: secureConn, service: s, channelID: cand.ID, from: from, to: to, protocol: protocolName}
			conn, err := method.attemptConnect(ctx, h)
			if err != nil {
				failures = append(failures, fmt.Errorf("%s: %w", method, err))
				continue
			}
			secureConn.sendRequest(ctx, &request{Outbound: &outboundRequest{
				From: from.String(), To: to.String(), Protocol: protocolName,
				ID: cand.ID, Methods: encodeMethods(cand.Methods),
			}})
			return conn, nil
		}
	}
	if len(failures) == 0 {
		return nil, ErrNoAttemptsMade
	}
	return nil, &AttemptsFailed{Failures: failures}
}

func decodeMethods(wire []string) []Method {
	out := make([]Method, 0, len(wire))
	for _, w := range wire {
		out = append(out, decodeMethod(w))
	}
	return out
}

func encodeMethods(methods []Method) []string {
	out := make([]string, 0, len(methods))
	for _, m := range methods {
		out = append(out, encodeMethod(m))
	}
	return out
}

// --- server-side command handling, run once a connection has secured -----

// handleCommand is invoked (in its own goroutine, per dispatch) for every
// request frame other than WRITE/CLOSE.
func (oc *OverlayConnection) handleCommand(f *frame) {
	s := oc.service
	req := f.Request
	var err error
	switch {
	case req.Identify != nil:
		err = s.onIdentify(oc, f.Tag, req.Identify)
	case req.Listen != nil:
		err = s.onListen(oc, f.Tag, req.Listen)
	case req.Inbound != nil:
		err = s.onInbound(oc, f.Tag, req.Inbound)
	case req.Outbound != nil:
		err = s.onOutbound(oc, f.Tag, req.Outbound)
	case req.Virtual != nil:
		err = s.onVirtual(oc, f.Tag, req.Virtual)
	case req.BindUDP != nil:
		err = s.onBindUDP(oc, f.Tag, req.BindUDP)
	case req.SourceIP != nil:
		err = s.onSourceIP(oc, f.Tag, req.SourceIP)
	case req.Sign != nil:
		err = s.onSign(oc, f.Tag, req.Sign)
	default:
		err = fmt.Errorf("%w: empty command", ErrConnectionError)
	}
	if err != nil {
		oc.logger.Debug("Command handler failed", "err", err)
	}
}

func (s *Service) onIdentify(oc *OverlayConnection, tag string, req *identifyRequest) error {
	cert, err := s.privateCertificateFor(req.Subject)
	if err != nil {
		oc.replyError(tag, err)
		return err
	}
	return oc.codec.WriteFrame(&frame{Tag: tag, Response: &response{Identify: &identifyResponse{CertificateDER: cert.Raw}}})
}

func (s *Service) onListen(oc *OverlayConnection, tag string, req *listenRequest) error {
	from := ParseAddress(req.From)
	if !oc.authorized || !addressesEqual(oc.peer, from) {
		err := &VerifyError{Reason: "LISTEN from an address that was not verified at SECURE time"}
		oc.replyError(tag, err)
		return err
	}
	for _, p := range req.Protocols {
		if len(p) > 0 && p[0] == '.' {
			err := &VerifyError{Reason: fmt.Sprintf("internal protocol %q is for server-server use only", p)}
			oc.replyError(tag, err)
			return err
		}
	}
	for _, p := range req.Protocols {
		key := listenerKey{host: from, protocol: p}
		entry := listenerEntry{conn: oc, cert: oc.peerCert, description: req.Description}
		s.addListener(key, entry)
		oc.rememberListenerKey(key)
	}
	return oc.replyAck(tag)
}

func (s *Service) onInbound(oc *OverlayConnection, tag string, req *inboundRequest) error {
	from := ParseAddress(req.From)
	to := ParseAddress(req.To)

	ourCert, err := s.privateCertificateFor(to.DomainAddress().String())
	if err != nil {
		oc.replyError(tag, err)
		return err
	}
	if err := verifyCertificateAllowed(to, from, ourCert.Certificate, oc.peerCert, false); err != nil {
		oc.replyError(tag, err)
		return err
	}

	var listeners []wireListener

	if factory, ok := s.resolver.Resolve(to, req.Protocol); ok {
		id := s.reservations.reserve(&ConnectionWaiter{From: from, To: to, ProtocolName: req.Protocol, Factory: factory})
		methods := s.localMethodsFor(oc, req.UDPSource)
		listeners = append(listeners, wireListener{
			ID:          id,
			Methods:     encodeMethods(methods),
			ExpiresUnix: time.Now().Add(reservationTTL).Unix(),
			Description: fmt.Sprintf("local listener for %s", req.Protocol),
		})
	}

	key := listenerKey{host: to, protocol: req.Protocol}
	for _, client := range s.listenersFor(key) {
		resp, err := client.conn.sendRequest(context.Background(), &request{Inbound: &inboundRequest{
			From: req.From, To: req.To, Protocol: req.Protocol, UDPSource: req.UDPSource,
		}})
		if err != nil || resp == nil || resp.Inbound == nil {
			continue
		}
		for _, l := range resp.Inbound.Listeners {
			relayable := make([]string, 0, len(l.Methods))
			for _, raw := range l.Methods {
				if decodeMethod(raw).Relayable() {
					relayable = append(relayable, raw)
				}
			}
			if len(relayable) == 0 {
				continue
			}
			l.Methods = relayable
			l.CertificateDER = client.cert.Raw
			listeners = append(listeners, l)
		}
	}

	return oc.codec.WriteFrame(&frame{Tag: tag, Response: &response{Inbound: &inboundResponse{Listeners: listeners}}})
}

// localMethodsFor builds the set of methods a peer can use to reach a local
// factory on oc, seeding NAT traversal for the caller's advertised
// UDP source if present.
func (s *Service) localMethodsFor(oc *OverlayConnection, udpSource string) []Method {
	publicIP := s.determinePublicIP(oc)
	privateIP := s.determinePrivateIP(oc)

	var methods []Method
	if s.inboundTCPPort != 0 {
		methods = append(methods, TCPMethod{HostPort: net.JoinHostPort(publicIP, itoa(s.inboundTCPPort))})
		if publicIP != privateIP {
			methods = append(methods, TCPMethod{HostPort: net.JoinHostPort(privateIP, itoa(s.inboundTCPPort))})
		}
	}

	if udpSource != "" && s.dispatcher != nil {
		remoteHost, remotePort, err := splitHostPort(udpSource)
		if err == nil {
			s.dispatcher.SeedNAT(context.Background(), remoteHost, remotePort)
			if udpPort, err := s.dispatcher.BindNewPort(); err == nil {
				if remoteHost == publicIP && publicIP != privateIP {
					methods = append(methods, PTCPMethod{HostPort: net.JoinHostPort(privateIP, itoa(udpPort))})
				}
				methods = append(methods, PTCPMethod{HostPort: net.JoinHostPort(publicIP, itoa(udpPort))})
			}
			if rport, err := s.dispatcher.BindNewPort(); err == nil {
				methods = append(methods, RPTCPMethod{HostPort: net.JoinHostPort(publicIP, itoa(rport))})
			}
		}
	}

	methods = append(methods, VirtualMethod{})
	return methods
}

func (s *Service) onOutbound(oc *OverlayConnection, tag string, req *outboundRequest) error {
	return oc.replyAck(tag)
}

func (s *Service) onVirtual(oc *OverlayConnection, tag string, req *virtualRequest) error {
	waiter, ok := s.reservations.claim(req.ID)
	if !ok {
		err := fmt.Errorf("%w: unknown or expired reservation %q", ErrNotFound, req.ID)
		oc.replyError(tag, err)
		return err
	}
	vt := newVirtualTransport(oc, waiter.To, waiter.From, req.ID, waiter.ProtocolName, false)
	oc.registerVirtual(vt)
	if err := oc.replyAck(tag); err != nil {
		return err
	}
	if waiter.Factory != nil {
		go waiter.Factory(vt, waiter.From)
	}
	return nil
}

// onBindUDP handles BIND-UDP: we are representing q2qsrc, and the caller is
// asking us to originate (or arrange for) one throwaway UDP datagram so that
// q2qdst can learn a NAT mapping for us. If we own q2qsrc locally and the
// datagram's source host matches our own public IP, we seed the NAT hole
// ourselves; otherwise we relay the request to whichever listening client
// registered for q2qsrc and is connected from that source host.
func (s *Service) onBindUDP(oc *OverlayConnection, tag string, req *bindUDPRequest) error {
	if !oc.authorized {
		err := &VerifyError{Reason: "BIND-UDP on an unsecured connection"}
		oc.replyError(tag, err)
		return err
	}

	q2qsrc := ParseAddress(req.Q2QSrc)
	q2qdst := ParseAddress(req.Q2QDst)

	ourCert, err := s.privateCertificateFor(q2qsrc.DomainAddress().String())
	if err != nil {
		oc.replyError(tag, err)
		return err
	}
	if err := verifyCertificateAllowed(q2qsrc, q2qdst, ourCert.Certificate, oc.peerCert, false); err != nil {
		oc.replyError(tag, err)
		return err
	}

	srcHost, _, err := splitHostPort(req.UDPSrc)
	if err != nil {
		oc.replyError(tag, err)
		return err
	}

	if _, ok := s.resolver.Resolve(q2qsrc, req.Protocol); ok && srcHost == s.determinePublicIP(oc) {
		if s.dispatcher == nil {
			err := fmt.Errorf("%w: no PTCP dispatcher configured", ErrConnectionError)
			oc.replyError(tag, err)
			return err
		}
		dstHost, dstPort, err := splitHostPort(req.UDPDst)
		if err != nil {
			oc.replyError(tag, err)
			return err
		}
		if err := s.dispatcher.SeedNAT(context.Background(), dstHost, dstPort); err != nil {
			oc.replyError(tag, err)
			return err
		}
		return oc.replyAck(tag)
	}

	key := listenerKey{host: q2qsrc, protocol: req.Protocol}
	for _, client := range s.listenersFor(key) {
		remoteHost, _, err := net.SplitHostPort(client.conn.conn.RemoteAddr().String())
		if err != nil || remoteHost != srcHost {
			continue
		}
		resp, err := client.conn.sendRequest(context.Background(), &request{BindUDP: req})
		if err != nil {
			oc.replyError(tag, err)
			return err
		}
		return oc.codec.WriteFrame(&frame{Tag: tag, Response: resp})
	}

	err = fmt.Errorf("%w: unable to find appropriate UDP binder", ErrConnectionError)
	oc.replyError(tag, err)
	return err
}

func (s *Service) onSourceIP(oc *OverlayConnection, tag string, req *sourceIPRequest) error {
	host, _, err := net.SplitHostPort(oc.conn.RemoteAddr().String())
	if err != nil {
		host = oc.conn.RemoteAddr().String()
	}
	return oc.codec.WriteFrame(&frame{Tag: tag, Response: &response{SourceIP: &sourceIPResponse{IP: host}}})
}

func (s *Service) onSign(oc *OverlayConnection, tag string, req *signRequest) error {
	csr, err := x509.ParseCertificateRequest(req.CSRDER)
	if err != nil {
		oc.replyError(tag, err)
		return err
	}
	if len(csr.Subject.Names) != 1 || csr.Subject.CommonName == "" {
		err := &BadCertificateRequest{Reason: "CSR subject must carry exactly one CommonName"}
		oc.replyError(tag, err)
		return err
	}
	requested := ParseAddress(csr.Subject.CommonName)
	domain := oc.host.Domain

	want, err := s.certs.Secret(domain, requested.Resource)
	if err != nil || want != req.Secret {
		err := fmt.Errorf("%w: bad shared secret for %s", ErrNoSuchUser, csr.Subject.CommonName)
		oc.replyError(tag, err)
		return err
	}

	domainCert, err := s.privateCertificateFor(domain)
	if err != nil {
		oc.replyError(tag, err)
		return err
	}
	cert, err := domainCert.SignRequest(csr, genSerial(csr.Subject.CommonName))
	if err != nil {
		oc.replyError(tag, err)
		return err
	}
	return oc.codec.WriteFrame(&frame{Tag: tag, Response: &response{Sign: &signResponse{CertificateDER: cert.Raw}}})
}

func addressesEqual(a, b Address) bool {
	return a.Domain == b.Domain && a.Resource == b.Resource
}
