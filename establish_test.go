// q2q - peer-to-peer connection overlay network
// Copyright (c) 2020 Péter Szilágyi. All rights reserved.

package overlay

import (
	"testing"
)

func TestDefaultChooserPicksFirstOnly(t *testing.T) {
	if got := defaultChooser(nil); got != nil {
		t.Fatalf("defaultChooser(nil) = %v, want nil", got)
	}

	candidates := []CandidateListener{{ID: "a"}, {ID: "b"}, {ID: "c"}}
	got := defaultChooser(candidates)
	if len(got) != 1 || got[0].ID != "a" {
		t.Fatalf("defaultChooser = %+v, want only the first candidate", got)
	}
}

func TestAddressesEqual(t *testing.T) {
	a := Address{Domain: "example.net", Resource: "alice"}
	b := Address{Domain: "example.net", Resource: "alice"}
	c := Address{Domain: "example.net", Resource: "bob"}

	if !addressesEqual(a, b) {
		t.Fatalf("expected equal addresses to compare equal")
	}
	if addressesEqual(a, c) {
		t.Fatalf("expected differing resources to compare unequal")
	}
}

func TestLocalMethodsForAlwaysIncludesVirtual(t *testing.T) {
	s := newTestService(t, ServiceConfig{})
	oc, _ := pairedConnections(t)

	methods := s.localMethodsFor(oc, "")
	if len(methods) != 1 {
		t.Fatalf("expected only VirtualMethod with no inbound TCP port or UDP source, got %v", methods)
	}
	if _, ok := methods[0].(VirtualMethod); !ok {
		t.Fatalf("expected VirtualMethod, got %T", methods[0])
	}
}

func TestLocalMethodsForTCP(t *testing.T) {
	s := newTestService(t, ServiceConfig{InboundTCPPort: 9999, PublicIP: "203.0.113.9", PrivateIP: "203.0.113.9"})
	oc, _ := pairedConnections(t)

	methods := s.localMethodsFor(oc, "")
	if len(methods) != 2 {
		t.Fatalf("expected one TCPMethod plus VirtualMethod, got %v", methods)
	}
	tcp, ok := methods[0].(TCPMethod)
	if !ok || tcp.HostPort != "203.0.113.9:9999" {
		t.Fatalf("unexpected first method: %+v", methods[0])
	}
}

func TestOnSourceIPReportsRemoteHost(t *testing.T) {
	s := newTestService(t, ServiceConfig{})
	client, server := pairedConnections(t)
	server.service = s

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := s.onSourceIP(server, "tag", &sourceIPRequest{}); err != nil {
			t.Errorf("onSourceIP: %v", err)
		}
	}()

	f, err := client.codec.ReadFrame()
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if f.Response == nil || f.Response.SourceIP == nil || f.Response.SourceIP.IP == "" {
		t.Fatalf("unexpected SOURCE-IP reply: %+v", f)
	}
	<-done
}
