// q2q - peer-to-peer connection overlay network
// Copyright (c) 2020 Péter Szilágyi. All rights reserved.

package overlay

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when no local factory and no listening client
// exists for a requested (from, to, protocol) tuple.
var ErrNotFound = errors.New("overlay: no listener for requested address/protocol")

// ErrNoSuchUser is returned when a SIGN request's (username, domain, secret)
// triple is rejected by the domain's user table.
var ErrNoSuchUser = errors.New("overlay: no such user or bad shared secret")

// ErrNoAttemptsMade is returned by the dialer when the candidate method list
// for a connection attempt was empty.
var ErrNoAttemptsMade = errors.New("overlay: no connection methods available")

// ErrConnectionError is a generic local failure, e.g. no dispatcher was
// available to honor a BIND-UDP request.
var ErrConnectionError = errors.New("overlay: connection error")

// VerifyError reports a certificate/address mismatch discovered while
// applying verifyCertificateAllowed. It is always fatal for the command that
// triggered it, and for a SECURE handshake it also tears down the connection.
type VerifyError struct {
	Reason string
}

func (e *VerifyError) Error() string { return "overlay: verify error: " + e.Reason }

// BadCertificateRequest reports a malformed CSR subject submitted to SIGN:
// it must contain exactly one CN of the form "user@domain".
type BadCertificateRequest struct {
	Reason string
}

func (e *BadCertificateRequest) Error() string {
	return "overlay: bad certificate request: " + e.Reason
}

// AttemptsFailed reports that every candidate connection method failed. It
// carries the ordered list of underlying failures so callers can diagnose
// which transport(s) were tried.
type AttemptsFailed struct {
	Failures []error
}

func (e *AttemptsFailed) Error() string {
	return fmt.Sprintf("overlay: all %d connection attempts failed: %v", len(e.Failures), e.Failures[len(e.Failures)-1])
}

func (e *AttemptsFailed) Unwrap() []error { return e.Failures }

// goErrorToWire translates a Go error raised while handling a command into
// the wireError sent back to the caller, preserving enough of the taxonomy
// in errors.go that the remote side can reconstruct it with wireErrorToGo.
func goErrorToWire(err error) *wireError {
	switch {
	case errors.Is(err, ErrNotFound):
		return &wireError{Kind: errKindNotFound, Message: err.Error()}
	case errors.Is(err, ErrConnectionError):
		return &wireError{Kind: errKindConnectionError, Message: err.Error()}
	case errors.Is(err, ErrNoSuchUser):
		return &wireError{Kind: errKindNoSuchUser, Message: err.Error()}
	}
	var verr *VerifyError
	if errors.As(err, &verr) {
		return &wireError{Kind: errKindVerifyError, Message: verr.Reason}
	}
	var bad *BadCertificateRequest
	if errors.As(err, &bad) {
		return &wireError{Kind: errKindBadCertificateRequest, Message: bad.Reason}
	}
	var attempts *AttemptsFailed
	if errors.As(err, &attempts) {
		return &wireError{Kind: errKindAttemptsFailed, Message: err.Error()}
	}
	return &wireError{Kind: errKindConnectionError, Message: err.Error()}
}

// wireErrorToGo is the inverse of goErrorToWire, reconstructing a typed Go
// error from the reply a remote command handler sent. An AttemptsFailed
// cannot be rebuilt without its failure list, so it comes back as an
// ErrConnectionError carrying the remote message.
func wireErrorToGo(w *wireError) error {
	switch w.Kind {
	case errKindNotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, w.Message)
	case errKindNoSuchUser:
		return fmt.Errorf("%w: %s", ErrNoSuchUser, w.Message)
	case errKindVerifyError:
		return &VerifyError{Reason: w.Message}
	case errKindBadCertificateRequest:
		return &BadCertificateRequest{Reason: w.Message}
	case errKindAttemptsFailed:
		return fmt.Errorf("%w: %s", ErrConnectionError, w.Message)
	default:
		return fmt.Errorf("%w: %s", ErrConnectionError, w.Message)
	}
}
