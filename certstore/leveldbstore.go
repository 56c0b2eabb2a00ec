// go-q2q - peer-to-peer connection overlay network
// Copyright (c) 2020 Péter Szilágyi. All rights reserved.

package certstore

import (
	"github.com/syndtr/goleveldb/leveldb"
)

// Key prefixes partition the keyspace by record kind rather than a
// directory hierarchy.
var (
	prefixPrivate = []byte("private/")
	prefixPublic  = []byte("public/")
	prefixSecret  = []byte("secret/")
)

// LevelDBStore is a Store backed by a single goleveldb database, a
// production alternative to DirStore for deployments that already run a
// LevelDB instance for other node state.
type LevelDBStore struct {
	db *leveldb.DB
}

// NewLevelDBStore opens (creating if necessary) a LevelDB database at path.
func NewLevelDBStore(path string) (*LevelDBStore, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, err
	}
	return &LevelDBStore{db: db}, nil
}

// Close releases the underlying database handle.
func (s *LevelDBStore) Close() error { return s.db.Close() }

func (s *LevelDBStore) get(prefix []byte, key string) ([]byte, error) {
	blob, err := s.db.Get(append(append([]byte{}, prefix...), key...), nil)
	if err == leveldb.ErrNotFound {
		return nil, ErrNotFound
	}
	return blob, err
}

// PrivateCertificate implements Store.
func (s *LevelDBStore) PrivateCertificate(subject string) ([]byte, error) {
	return s.get(prefixPrivate, subject)
}

// StorePrivateCertificate implements Store.
func (s *LevelDBStore) StorePrivateCertificate(subject string, pem []byte) error {
	return s.db.Put(append(append([]byte{}, prefixPrivate...), subject...), pem, nil)
}

// SelfSignedCertificate implements Store.
func (s *LevelDBStore) SelfSignedCertificate(domain string) ([]byte, error) {
	return s.get(prefixPublic, domain)
}

// StoreSelfSignedCertificate implements Store.
func (s *LevelDBStore) StoreSelfSignedCertificate(domain string, pem []byte) error {
	return s.db.Put(append(append([]byte{}, prefixPublic...), domain...), pem, nil)
}

// Secret implements Store.
func (s *LevelDBStore) Secret(domain, user string) (string, error) {
	blob, err := s.get(prefixSecret, domain+":"+user)
	if err != nil {
		return "", err
	}
	return string(blob), nil
}

// StoreSecret implements Store.
func (s *LevelDBStore) StoreSecret(domain, user, secret string) error {
	key := append(append([]byte{}, prefixSecret...), (domain + ":" + user)...)
	return s.db.Put(key, []byte(secret), nil)
}
