// q2q - peer-to-peer connection overlay network
// Copyright (c) 2020 Péter Szilágyi. All rights reserved.

package overlay

import (
	"crypto/x509"
	"encoding/base64"

	"golang.org/x/crypto/sha3"
)

// CertFingerprint is a universally unique identifier for a certificate's raw
// DER bytes. Although the underlying hash is binary, it is returned base64
// encoded to stay safe in log lines and map keys.
type CertFingerprint string

// fingerprintCert hashes a certificate's raw bytes with SHA3-256 and encodes
// the digest with unpadded, URL-safe base64.
//
// Note, this call is heavy; cache the result where it's used repeatedly.
func fingerprintCert(cert *x509.Certificate) CertFingerprint {
	hash := sha3.Sum256(cert.Raw)
	return CertFingerprint(base64.RawURLEncoding.EncodeToString(hash[:]))
}
