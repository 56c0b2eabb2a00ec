// q2q - peer-to-peer connection overlay network
// Copyright (c) 2020 Péter Szilágyi. All rights reserved.

package overlay

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/md5"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"time"
)

// Certificate is an X.509 certificate with the few accessors the overlay's
// identity model actually needs: the issuer and subject common names (the
// domain/address claims) and PEM (de)serialization.
type Certificate struct {
	*x509.Certificate
}

// IssuerCN returns the common name the certificate claims as its issuer.
func (c Certificate) IssuerCN() string { return c.Issuer.CommonName }

// SubjectCN returns the common name the certificate claims as its subject.
func (c Certificate) SubjectCN() string { return c.Subject.CommonName }

// Dump serializes the certificate to its raw DER bytes.
func (c Certificate) Dump() []byte { return c.Raw }

// PEM serializes the certificate as a PEM-encoded CERTIFICATE block.
func (c Certificate) PEM() []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: c.Raw})
}

// LoadCertificate parses a PEM-encoded CERTIFICATE block.
func LoadCertificate(data []byte) (Certificate, error) {
	block, _ := pem.Decode(data)
	if block == nil || block.Type != "CERTIFICATE" {
		return Certificate{}, errors.New("overlay: not a PEM certificate")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return Certificate{}, err
	}
	return Certificate{cert}, nil
}

// LoadCertificateDER parses a raw DER-encoded certificate, as carried inside
// a wire frame's CertificateDER field.
func LoadCertificateDER(der []byte) (Certificate, error) {
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return Certificate{}, err
	}
	return Certificate{cert}, nil
}

// PrivateCertificate is a Certificate that additionally carries its private
// key, letting its holder both present it in a TLS handshake and sign CSRs
// with it (a domain private certificate signs its users' certificates).
type PrivateCertificate struct {
	Certificate
	key *ecdsa.PrivateKey
}

// TLS returns the tls.Certificate form suitable for tls.Config.Certificates.
func (pc PrivateCertificate) TLS() tls.Certificate {
	return tls.Certificate{
		Certificate: [][]byte{pc.Raw},
		PrivateKey:  pc.key,
		Leaf:        pc.Certificate.Certificate,
	}
}

// PEM serializes both the private key and certificate as concatenated PEM
// blocks, in the order EC PRIVATE KEY then CERTIFICATE.
func (pc PrivateCertificate) PEM() []byte {
	keyDER, err := x509.MarshalECPrivateKey(pc.key)
	if err != nil {
		panic(err) // keys generated by this package always marshal
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	return append(keyPEM, pc.Certificate.PEM()...)
}

// LoadPrivateCertificate parses the concatenated PEM form produced by PEM.
func LoadPrivateCertificate(data []byte) (PrivateCertificate, error) {
	keyBlock, rest := pem.Decode(data)
	if keyBlock == nil || keyBlock.Type != "EC PRIVATE KEY" {
		return PrivateCertificate{}, errors.New("overlay: missing private key block")
	}
	key, err := x509.ParseECPrivateKey(keyBlock.Bytes)
	if err != nil {
		return PrivateCertificate{}, err
	}
	cert, err := LoadCertificate(rest)
	if err != nil {
		return PrivateCertificate{}, err
	}
	return PrivateCertificate{Certificate: cert, key: key}, nil
}

// genSerial derives a certificate serial number deterministically from a
// domain name: the first 4 bytes of MD5(domain), interpreted as a big-endian
// signed int32, absolute value. This is not a cryptographic choice, it is the
// exact scheme the overlay's predecessor used and which persisted state on
// disk already depends on.
func genSerial(domain string) *big.Int {
	sum := md5.Sum([]byte(domain))
	n := int32(sum[0])<<24 | int32(sum[1])<<16 | int32(sum[2])<<8 | int32(sum[3])
	if n < 0 {
		n = -n
	}
	return big.NewInt(int64(n))
}

// GenerateDomainCertificate creates a new self-signed private certificate for
// a domain: subject and issuer are both the domain name. Every domain for
// which this node claims authority must hold one of these.
func GenerateDomainCertificate(domain string) (PrivateCertificate, error) {
	return generateSelfSigned(domain, domain)
}

// GenerateAnonymousCertificate creates the self-signed placeholder identity
// used for unauthenticated connections and for the throwaway certificate
// presented while requesting a signed user certificate. Subject and issuer
// are both "@".
func GenerateAnonymousCertificate() (PrivateCertificate, error) {
	return generateSelfSigned("@", "@")
}

func generateSelfSigned(subjectCN, issuerCN string) (PrivateCertificate, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return PrivateCertificate{}, err
	}
	template := &x509.Certificate{
		SerialNumber: genSerial(subjectCN),
		Subject:      pkix.Name{CommonName: subjectCN},
		Issuer:       pkix.Name{CommonName: issuerCN},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().AddDate(10, 0, 0),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,

		// Domains are their own certificate authorities.
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return PrivateCertificate{}, err
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return PrivateCertificate{}, err
	}
	return PrivateCertificate{Certificate: Certificate{cert}, key: key}, nil
}

// CertificateRequest is a CSR for a user certificate; its subject must carry
// exactly a CN of "user@domain" form, or signing it fails with
// BadCertificateRequest.
type CertificateRequest struct {
	*x509.CertificateRequest
	key *ecdsa.PrivateKey
}

// GenerateCertificateRequest builds a CSR for the given address, generating a
// fresh keypair for it.
func GenerateCertificateRequest(addr Address) (CertificateRequest, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return CertificateRequest{}, err
	}
	template := &x509.CertificateRequest{
		Subject: pkix.Name{CommonName: addr.String()},
	}
	der, err := x509.CreateCertificateRequest(rand.Reader, template, key)
	if err != nil {
		return CertificateRequest{}, err
	}
	csr, err := x509.ParseCertificateRequest(der)
	if err != nil {
		return CertificateRequest{}, err
	}
	return CertificateRequest{CertificateRequest: csr, key: key}, nil
}

// PEM serializes the CSR as a PEM CERTIFICATE REQUEST block.
func (r CertificateRequest) PEM() []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE REQUEST", Bytes: r.Raw})
}

// PrivateCertificate pairs a certificate signed for this request (typically
// the response to a SIGN round trip) with the request's own private key,
// producing a usable identity. The caller is responsible for checking that
// cert's public key actually matches r's CSR.
func (r CertificateRequest) PrivateCertificate(cert Certificate) PrivateCertificate {
	return PrivateCertificate{Certificate: cert, key: r.key}
}

// LoadCertificateRequest parses a PEM-encoded CSR, the form produced by
// CertificateRequest.PEM. SIGN frames carry the raw DER instead.
func LoadCertificateRequest(data []byte) (*x509.CertificateRequest, error) {
	block, _ := pem.Decode(data)
	if block == nil || block.Type != "CERTIFICATE REQUEST" {
		return nil, errors.New("overlay: not a PEM certificate request")
	}
	return x509.ParseCertificateRequest(block.Bytes)
}

// SignRequest validates a CSR's subject and issues a certificate for it,
// signed by pc (a domain's private certificate). The CSR's subject must carry
// exactly a CN equal to "user@<pc's own subject>".
func (pc PrivateCertificate) SignRequest(csr *x509.CertificateRequest, serial *big.Int) (Certificate, error) {
	if csr.Subject.CommonName == "" || len(csr.Subject.Names) != 1 {
		return Certificate{}, &BadCertificateRequest{Reason: "subject must contain exactly a CN"}
	}
	addr := ParseAddress(csr.Subject.CommonName)
	if addr.Resource == "" || addr.Domain != pc.SubjectCN() {
		return Certificate{}, &BadCertificateRequest{
			Reason: fmt.Sprintf("subject %q is not a user of domain %q", csr.Subject.CommonName, pc.SubjectCN()),
		}
	}
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: csr.Subject.CommonName},
		Issuer:       pkix.Name{CommonName: pc.SubjectCN()},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().AddDate(1, 0, 0),
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, pc.Certificate.Certificate, csr.PublicKey, pc.key)
	if err != nil {
		return Certificate{}, err
	}
	signed, err := x509.ParseCertificate(der)
	if err != nil {
		return Certificate{}, err
	}
	return Certificate{signed}, nil
}

// verifyCertificateAllowed checks that the certificates presented on a
// connection actually back up the identities a command claims. ourAddr
// and theirAddr are the identities claimed by the command; ourCert is the
// certificate we presented in the TLS handshake, peerCert the one the remote
// end presented. permitAnonymous is true for commands that may be issued over
// an unauthorized connection (e.g. IDENTIFY).
func verifyCertificateAllowed(ourAddr, theirAddr Address, ourCert, peerCert Certificate, permitAnonymous bool) error {
	if theirAddr.Anonymous() && permitAnonymous {
		return nil
	}
	if ourAddr.Domain != ourCert.IssuerCN() {
		return &VerifyError{Reason: fmt.Sprintf("we claim to be %q but hold a cert issued by %q", ourAddr, ourCert.IssuerCN())}
	}
	if theirAddr.DomainAddress().claimedAsIssuerOf(peerCert.IssuerCN()) {
		if theirAddr.claimedAsSubjectOf(peerCert.SubjectCN()) || theirAddr.DomainAddress().claimedAsSubjectOf(peerCert.SubjectCN()) {
			return nil
		}
	}
	if ourAddr.DomainAddress().claimedAsIssuerOf(peerCert.IssuerCN()) {
		// Our own domain may speak for any of its users.
		return nil
	}
	if ourAddr.claimedAsIssuerOf(peerCert.IssuerCN()) {
		// Cross-user signing: we signed their certificate ourselves.
		return nil
	}
	return &VerifyError{Reason: fmt.Sprintf(
		"us=%s them=%s theyClaimToBe=%s (issuer %s)", ourAddr, theirAddr, peerCert.SubjectCN(), peerCert.IssuerCN())}
}
