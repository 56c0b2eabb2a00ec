// go-q2q - peer-to-peer connection overlay network
// Copyright (c) 2020 Péter Szilágyi. All rights reserved.

package certstore

import (
	"os"
	"path/filepath"
)

// DirStore is a directory-backed Store: "<root>/public/<domain>.pem" for
// learned self-signed domain certs, "<root>/private/<subject>.pem" for
// private certs this node holds. Per-user shared secrets live under
// "<root>/users/<domain>/<user>.secret".
type DirStore struct {
	root string
}

// NewDirStore opens (creating if necessary) a directory-backed Store rooted
// at dir.
func NewDirStore(dir string) (*DirStore, error) {
	for _, sub := range []string{"public", "private", "users"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0700); err != nil {
			return nil, err
		}
	}
	return &DirStore{root: dir}, nil
}

func (s *DirStore) publicPath(domain string) string {
	return filepath.Join(s.root, "public", domain+".pem")
}

func (s *DirStore) privatePath(subject string) string {
	return filepath.Join(s.root, "private", subject+".pem")
}

func (s *DirStore) secretPath(domain, user string) string {
	return filepath.Join(s.root, "users", domain, user+".secret")
}

// PrivateCertificate implements Store.
func (s *DirStore) PrivateCertificate(subject string) ([]byte, error) {
	return readOrNotFound(s.privatePath(subject))
}

// StorePrivateCertificate implements Store.
func (s *DirStore) StorePrivateCertificate(subject string, pem []byte) error {
	return os.WriteFile(s.privatePath(subject), pem, 0600)
}

// SelfSignedCertificate implements Store.
func (s *DirStore) SelfSignedCertificate(domain string) ([]byte, error) {
	return readOrNotFound(s.publicPath(domain))
}

// StoreSelfSignedCertificate implements Store.
func (s *DirStore) StoreSelfSignedCertificate(domain string, pem []byte) error {
	return os.WriteFile(s.publicPath(domain), pem, 0644)
}

// Secret implements Store.
func (s *DirStore) Secret(domain, user string) (string, error) {
	blob, err := readOrNotFound(s.secretPath(domain, user))
	if err != nil {
		return "", err
	}
	return string(blob), nil
}

// StoreSecret implements Store.
func (s *DirStore) StoreSecret(domain, user, secret string) error {
	if err := os.MkdirAll(filepath.Join(s.root, "users", domain), 0700); err != nil {
		return err
	}
	return os.WriteFile(s.secretPath(domain, user), []byte(secret), 0600)
}

func readOrNotFound(path string) ([]byte, error) {
	blob, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	return blob, err
}
