// q2q - peer-to-peer connection overlay network
// Copyright (c) 2020 Péter Szilágyi. All rights reserved.

package overlay

import "strings"

// Address identifies an overlay endpoint as a (domain, resource) pair. Its
// textual form is "resource@domain" when a resource is present, or just
// "domain" otherwise. An Address with an empty Domain is anonymous.
type Address struct {
	Domain   string
	Resource string
}

// ParseAddress splits a textual address on the first '@'. A bare domain (no
// '@') yields an Address with an empty Resource.
func ParseAddress(s string) Address {
	if i := strings.IndexByte(s, '@'); i >= 0 {
		return Address{Resource: s[:i], Domain: s[i+1:]}
	}
	return Address{Domain: s}
}

// String returns the normalized textual form of the address, e.g.
// "alice@example.net" for a user or "example.net" for a domain alone.
func (a Address) String() string {
	if a.Resource == "" {
		return a.Domain
	}
	return a.Resource + "@" + a.Domain
}

// DomainAddress returns the address with Resource cleared. It may return a
// itself unmodified if Resource is already empty.
func (a Address) DomainAddress() Address {
	if a.Resource == "" {
		return a
	}
	return Address{Domain: a.Domain}
}

// Anonymous reports whether the address carries no domain, the one case in
// which verifyCertificateAllowed permits an unauthorized connection.
func (a Address) Anonymous() bool {
	return a.Domain == ""
}

// Less provides the lexicographic ordering over (Domain, Resource) used to
// keep address collections (e.g. cache keys) deterministic.
func (a Address) Less(b Address) bool {
	if a.Domain != b.Domain {
		return a.Domain < b.Domain
	}
	return a.Resource < b.Resource
}

// claimedAsIssuerOf reports whether cert's issuer common name matches this
// address's textual form. This is not a cryptographic check by itself; it is
// combined with TLS-verified peer certificates in verifyCertificateAllowed.
func (a Address) claimedAsIssuerOf(issuerCN string) bool {
	return issuerCN == a.String()
}

// claimedAsSubjectOf reports whether cert's subject common name matches this
// address's textual form. See claimedAsIssuerOf for the same caveat.
func (a Address) claimedAsSubjectOf(subjectCN string) bool {
	return subjectCN == a.String()
}
