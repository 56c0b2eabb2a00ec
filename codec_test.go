// q2q - peer-to-peer connection overlay network
// Copyright (c) 2020 Péter Szilágyi. All rights reserved.

package overlay

import (
	"net"
	"testing"
)

func TestGobFrameCodecRoundTrip(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	clientCodec := newGobFrameCodec(client)
	serverCodec := newGobFrameCodec(server)

	sent := &frame{
		Tag: newCorrelationTag(),
		Request: &request{
			Secure: &secureRequest{From: "alice@example.net", To: "bob@example.net", Authorize: true},
		},
	}

	errc := make(chan error, 1)
	go func() { errc <- clientCodec.WriteFrame(sent) }()

	got, err := serverCodec.ReadFrame()
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if err := <-errc; err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}

	if got.Tag != sent.Tag {
		t.Fatalf("Tag = %q, want %q", got.Tag, sent.Tag)
	}
	if got.Request == nil || got.Request.Secure == nil {
		t.Fatalf("Request.Secure missing in decoded frame")
	}
	if *got.Request.Secure != *sent.Request.Secure {
		t.Fatalf("Secure = %+v, want %+v", *got.Request.Secure, *sent.Request.Secure)
	}
}

func TestNewCorrelationTagUnique(t *testing.T) {
	a := newCorrelationTag()
	b := newCorrelationTag()
	if a == "" || b == "" {
		t.Fatalf("newCorrelationTag returned empty string")
	}
	if a == b {
		t.Fatalf("newCorrelationTag returned duplicate tags")
	}
}
