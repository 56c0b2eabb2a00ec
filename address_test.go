// q2q - peer-to-peer connection overlay network
// Copyright (c) 2020 Péter Szilágyi. All rights reserved.

package overlay

import "testing"

// Tests that addresses round-trip through their textual form and that the
// '@' separator is present exactly when a resource is set.
func TestAddressRoundTrip(t *testing.T) {
	tests := []struct {
		addr Address
		text string
	}{
		{Address{Domain: "example.net"}, "example.net"},
		{Address{Domain: "example.net", Resource: "alice"}, "alice@example.net"},
		{Address{}, ""},
	}
	for _, tt := range tests {
		if got := tt.addr.String(); got != tt.text {
			t.Errorf("Address(%+v).String() = %q, want %q", tt.addr, got, tt.text)
		}
		if got := ParseAddress(tt.text); got != tt.addr {
			t.Errorf("ParseAddress(%q) = %+v, want %+v", tt.text, got, tt.addr)
		}
		wantAt := tt.addr.Resource != ""
		hasAt := false
		for _, c := range tt.text {
			if c == '@' {
				hasAt = true
			}
		}
		if hasAt != wantAt {
			t.Errorf("address %+v textual form %q has '@'=%v, want %v", tt.addr, tt.text, hasAt, wantAt)
		}
	}
}

func TestAddressDomainAddress(t *testing.T) {
	a := Address{Domain: "example.net", Resource: "alice"}
	d := a.DomainAddress()
	if d.Resource != "" || d.Domain != "example.net" {
		t.Fatalf("DomainAddress() = %+v, want domain-only", d)
	}
	// A domain-only address returns itself unmodified.
	plain := Address{Domain: "example.net"}
	if plain.DomainAddress() != plain {
		t.Fatalf("DomainAddress() on a domain-only address mutated it")
	}
}

func TestAddressAnonymous(t *testing.T) {
	if !(Address{}).Anonymous() {
		t.Fatal("empty address should be anonymous")
	}
	if (Address{Domain: "example.net"}).Anonymous() {
		t.Fatal("domain address should not be anonymous")
	}
}

func TestAddressLess(t *testing.T) {
	a := Address{Domain: "a.example"}
	b := Address{Domain: "b.example"}
	if !a.Less(b) || b.Less(a) {
		t.Fatalf("expected a < b by domain")
	}
	a1 := Address{Domain: "x", Resource: "alice"}
	a2 := Address{Domain: "x", Resource: "bob"}
	if !a1.Less(a2) {
		t.Fatalf("expected alice@x < bob@x")
	}
}
