// q2q - peer-to-peer connection overlay network
// Copyright (c) 2020 Péter Szilágyi. All rights reserved.

package overlay

import "testing"

func TestMethodWireRoundTrip(t *testing.T) {
	cases := []struct {
		method Method
		wire   string
	}{
		{TCPMethod{HostPort: "10.0.0.1:9000"}, "TCP:10.0.0.1:9000"},
		{PTCPMethod{HostPort: "10.0.0.1:9001"}, "PTCP:10.0.0.1:9001"},
		{RPTCPMethod{HostPort: "10.0.0.1:9002"}, "RPTCP:10.0.0.1:9002"},
		{VirtualMethod{}, "Virtual:"},
	}
	for _, c := range cases {
		wire := encodeMethod(c.method)
		if wire != c.wire {
			t.Fatalf("encodeMethod(%v) = %q, want %q", c.method, wire, c.wire)
		}
		decoded := decodeMethod(wire)
		if decoded != c.method {
			t.Fatalf("decodeMethod(%q) = %#v, want %#v", wire, decoded, c.method)
		}
	}
}

func TestDecodeMethodUnknown(t *testing.T) {
	m := decodeMethod("QUIC:10.0.0.1:9000")
	unknown, ok := m.(UnknownMethod)
	if !ok {
		t.Fatalf("decodeMethod of unrecognized kind = %#v, want UnknownMethod", m)
	}
	if unknown.Relayable() {
		t.Fatalf("UnknownMethod.Relayable() = true, want false")
	}
	if _, err := unknown.attemptConnect(nil, dialHandles{}); err == nil {
		t.Fatalf("UnknownMethod.attemptConnect succeeded, want error")
	}
}

func TestMethodRelayability(t *testing.T) {
	relayable := []Method{TCPMethod{}, PTCPMethod{}, RPTCPMethod{}}
	for _, m := range relayable {
		if !m.Relayable() {
			t.Errorf("%v.Relayable() = false, want true", m)
		}
	}
	notRelayable := []Method{VirtualMethod{}, UnknownMethod{Raw: "X:"}}
	for _, m := range notRelayable {
		if m.Relayable() {
			t.Errorf("%v.Relayable() = true, want false", m)
		}
	}
}

func TestSplitHostPort(t *testing.T) {
	host, port, err := splitHostPort("192.168.1.5:4242")
	if err != nil {
		t.Fatalf("splitHostPort: %v", err)
	}
	if host != "192.168.1.5" || port != 4242 {
		t.Fatalf("splitHostPort = %q, %d, want 192.168.1.5, 4242", host, port)
	}
	if _, _, err := splitHostPort("not-a-hostport"); err == nil {
		t.Fatalf("splitHostPort of malformed input succeeded, want error")
	}
}
