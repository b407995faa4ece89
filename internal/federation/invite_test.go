package federation

import (
	"encoding/base64"
	"testing"
)

func TestInviteRoundTrip(t *testing.T) {
	code, err := EncodeInvite(Invite{
		Host:      "chat.example.org",
		ServerID:  "s-main",
		ChannelID: "ch-general",
		Key:       "invite-key",
	})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	inv := DecodeInvite(code)
	if inv == nil {
		t.Fatalf("decode returned nil for a valid code")
	}
	if inv.Version != 1 {
		t.Fatalf("expected version 1, got %d", inv.Version)
	}
	if inv.Host != "chat.example.org" || inv.ServerID != "s-main" {
		t.Fatalf("unexpected invite: %+v", inv)
	}
	if inv.ChannelID != "ch-general" || inv.Key != "invite-key" {
		t.Fatalf("optional fields lost: %+v", inv)
	}
}

func TestDecodeInviteRejectsGarbage(t *testing.T) {
	cases := map[string]string{
		"not base64url": "!!!not-base64!!!",
		"too short":     base64.RawURLEncoding.EncodeToString([]byte("VOLT")),
		"wrong magic":   base64.RawURLEncoding.EncodeToString([]byte("NOPE\x01abcdef")),
		"bad version":   base64.RawURLEncoding.EncodeToString([]byte("VOLT\x07abcdef")),
		"not zlib":      base64.RawURLEncoding.EncodeToString([]byte("VOLT\x01notzlib")),
		"empty":         "",
	}
	for name, code := range cases {
		if inv := DecodeInvite(code); inv != nil {
			t.Fatalf("%s: expected nil, got %+v", name, inv)
		}
	}
}

func TestDecodeInviteRequiresHostAndServer(t *testing.T) {
	code, err := EncodeInvite(Invite{Host: "", ServerID: "s-main"})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if inv := DecodeInvite(code); inv != nil {
		t.Fatalf("expected nil for hostless invite, got %+v", inv)
	}

	code, err = EncodeInvite(Invite{Host: "chat.example.org"})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if inv := DecodeInvite(code); inv != nil {
		t.Fatalf("expected nil for serverless invite, got %+v", inv)
	}
}
