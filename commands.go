// q2q - peer-to-peer connection overlay network
// Copyright (c) 2020 Péter Szilágyi. All rights reserved.

package overlay

// frame is the envelope every message on a secured or unsecured control
// connection travels in: exactly one of its pointer fields is set per
// frame, and the zero value never travels alone.
type frame struct {
	Tag      string // correlation tag; empty only for frames that don't expect a reply
	Request  *request
	Response *response
	Err      *wireError
}

// request is the union of every command a connection may issue.
type request struct {
	Secure   *secureRequest
	Identify *identifyRequest
	Listen   *listenRequest
	Inbound  *inboundRequest
	Outbound *outboundRequest
	Virtual  *virtualRequest
	BindUDP  *bindUDPRequest
	SourceIP *sourceIPRequest
	Sign     *signRequest
	Write    *writeRequest
	Close    *closeRequest
}

// response is the union of every successful reply a command may produce.
type response struct {
	Ack      *ackResponse
	Identify *identifyResponse
	Inbound  *inboundResponse
	SourceIP *sourceIPResponse
	Sign     *signResponse
}

// wireError carries a failed command's error back to the caller. Kind lets
// the receiving side reconstruct the right Go error type; Message is for
// logs and diagnostics only.
type wireError struct {
	Kind    string
	Message string
}

const (
	errKindNotFound              = "NotFound"
	errKindVerifyError           = "VerifyError"
	errKindAttemptsFailed        = "AttemptsFailed"
	errKindConnectionError       = "ConnectionError"
	errKindBadCertificateRequest = "BadCertificateRequest"
	errKindNoSuchUser            = "NoSuchUser"
)

// ackResponse is the trivial reply to commands whose only interesting effect
// is the side effect they trigger (SECURE, LISTEN, BIND-UDP, WRITE, CLOSE).
type ackResponse struct{}

// secureRequest starts the TLS handshake on both ends of a fresh connection.
// From is empty for an anonymous caller.
type secureRequest struct {
	From      string
	To        string
	Authorize bool
}

// identifyRequest asks an (unencrypted) peer for the certificate it holds
// for subject, used to learn a domain's self-signed cert before a secured
// retry.
type identifyRequest struct {
	Subject string
}

type identifyResponse struct {
	CertificateDER []byte
}

// listenRequest registers the sender as willing to serve one or more named
// sub-protocols for From.
type listenRequest struct {
	From        string
	Protocols   []string
	Description string
}

// inboundRequest asks a domain (or a listening client relayed through it)
// how From may reach To for Protocol. UDPSource, if non-empty, is the
// caller's own observed host:port, advertised so the callee can seed a NAT
// pinhole toward it before offering PTCP/RPTCP methods.
type inboundRequest struct {
	From      string
	To        string
	Protocol  string
	UDPSource string
}

// wireListener is one candidate entry in an INBOUND reply: a reserved
// channel id, the methods that reach it, and the certificate the caller
// should expect to see when it gets there.
type wireListener struct {
	ID             string
	CertificateDER []byte
	Methods        []string
	ExpiresUnix    int64
	Description    string
}

type inboundResponse struct {
	Listeners []wireListener
}

// outboundRequest tells the recipient of an earlier INBOUND reply which
// listener and method the caller picked, so it can correlate an incoming
// direct-connect or VIRTUAL against the right reservation.
type outboundRequest struct {
	From     string
	To       string
	Protocol string
	ID       string
	Methods  []string
}

// virtualRequest asks the peer to open (or attach to) the VirtualTransport
// named by ID.
type virtualRequest struct {
	ID string
}

// bindUDPRequest asks the peer to send one throwaway UDP datagram from
// UDPSrc to UDPDst, seeding a NAT pinhole for a subsequent PTCP connect in
// the other direction.
type bindUDPRequest struct {
	Q2QSrc   string
	Q2QDst   string
	Protocol string
	UDPSrc   string
	UDPDst   string
}

// sourceIPRequest has no fields: it simply asks "what address do you see me
// connecting from?"
type sourceIPRequest struct{}

type sourceIPResponse struct {
	IP string
}

// signRequest asks a domain to issue a certificate for the CSR, identifying
// the request with a previously agreed shared secret.
type signRequest struct {
	CSRDER []byte
	Secret string
}

type signResponse struct {
	CertificateDER []byte
}

// writeRequest carries a chunk of virtual-channel payload.
type writeRequest struct {
	ID   string
	Body []byte
}

// closeRequest tears down the named virtual channel.
type closeRequest struct {
	ID string
}
