// go-q2q - peer-to-peer connection overlay network
// Copyright (c) 2020 Péter Szilágyi. All rights reserved.

package certstore

import (
	"path/filepath"
	"testing"
)

// storeConformance runs the same scenario against any Store implementation.
func storeConformance(t *testing.T, store Store) {
	t.Helper()

	if _, err := store.PrivateCertificate("alice@example.net"); err != ErrNotFound {
		t.Fatalf("PrivateCertificate on empty store = %v, want ErrNotFound", err)
	}
	if err := store.StorePrivateCertificate("alice@example.net", []byte("priv-pem")); err != nil {
		t.Fatalf("StorePrivateCertificate: %v", err)
	}
	got, err := store.PrivateCertificate("alice@example.net")
	if err != nil || string(got) != "priv-pem" {
		t.Fatalf("PrivateCertificate = %q, %v, want priv-pem, nil", got, err)
	}

	if _, err := store.SelfSignedCertificate("example.net"); err != ErrNotFound {
		t.Fatalf("SelfSignedCertificate on empty store = %v, want ErrNotFound", err)
	}
	if err := store.StoreSelfSignedCertificate("example.net", []byte("pub-pem")); err != nil {
		t.Fatalf("StoreSelfSignedCertificate: %v", err)
	}
	gotPub, err := store.SelfSignedCertificate("example.net")
	if err != nil || string(gotPub) != "pub-pem" {
		t.Fatalf("SelfSignedCertificate = %q, %v, want pub-pem, nil", gotPub, err)
	}

	if _, err := store.Secret("example.net", "bob"); err != ErrNotFound {
		t.Fatalf("Secret on empty store = %v, want ErrNotFound", err)
	}
	if err := store.StoreSecret("example.net", "bob", "s3cr3t"); err != nil {
		t.Fatalf("StoreSecret: %v", err)
	}
	secret, err := store.Secret("example.net", "bob")
	if err != nil || secret != "s3cr3t" {
		t.Fatalf("Secret = %q, %v, want s3cr3t, nil", secret, err)
	}
}

func TestDirStore(t *testing.T) {
	store, err := NewDirStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewDirStore: %v", err)
	}
	storeConformance(t, store)
}

func TestLevelDBStore(t *testing.T) {
	store, err := NewLevelDBStore(filepath.Join(t.TempDir(), "certs.ldb"))
	if err != nil {
		t.Fatalf("NewLevelDBStore: %v", err)
	}
	defer store.Close()
	storeConformance(t, store)
}
