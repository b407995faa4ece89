package federation

import (
	"encoding/base64"
	"encoding/json"
	"testing"
	"time"

	"github.com/Enclicainteractive/voltage-server/internal/store"
)

func testPeer() *store.FederationPeer {
	return &store.FederationPeer{
		PeerID:       "peer-1",
		Host:         "remote.example",
		Name:         "Remote",
		SharedSecret: "shared-secret",
	}
}

func lookupOnly(peer *store.FederationPeer) func(string) *store.FederationPeer {
	return func(host string) *store.FederationPeer {
		if peer != nil && host == peer.Host {
			return peer
		}
		return nil
	}
}

func TestTokenRoundTrip(t *testing.T) {
	peer := testPeer()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	encoded, err := GenerateToken(peer, now)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	got := VerifyToken(encoded, lookupOnly(peer), now.Add(time.Minute))
	if got == nil {
		t.Fatalf("expected valid token to verify")
	}
	if got.PeerID != "peer-1" {
		t.Fatalf("unexpected peer: %+v", got)
	}
}

func TestVerifyTokenRejectsTampering(t *testing.T) {
	peer := testPeer()
	now := time.Now()

	encoded, err := GenerateToken(peer, now)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	raw, _ := base64.RawURLEncoding.DecodeString(encoded)
	var tok HandshakeToken
	if err := json.Unmarshal(raw, &tok); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	tok.Name = "Imposter"
	repacked, _ := json.Marshal(tok)
	forged := base64.RawURLEncoding.EncodeToString(repacked)

	if VerifyToken(forged, lookupOnly(peer), now) != nil {
		t.Fatalf("tampered token must not verify")
	}
}

func TestVerifyTokenRejectsWrongSecret(t *testing.T) {
	peer := testPeer()
	now := time.Now()

	encoded, err := GenerateToken(peer, now)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	other := testPeer()
	other.SharedSecret = "different-secret"
	if VerifyToken(encoded, lookupOnly(other), now) != nil {
		t.Fatalf("token signed with another secret must not verify")
	}
}

func TestVerifyTokenFreshnessWindow(t *testing.T) {
	peer := testPeer()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	encoded, err := GenerateToken(peer, now)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	if VerifyToken(encoded, lookupOnly(peer), now.Add(TokenValidity+time.Second)) != nil {
		t.Fatalf("expired token must not verify")
	}
	if VerifyToken(encoded, lookupOnly(peer), now.Add(-time.Second)) != nil {
		t.Fatalf("future-dated token must not verify")
	}
	if VerifyToken(encoded, lookupOnly(peer), now.Add(TokenValidity)) == nil {
		t.Fatalf("token at the window edge must verify")
	}
}

func TestVerifyTokenUnknownHost(t *testing.T) {
	peer := testPeer()
	now := time.Now()

	encoded, err := GenerateToken(peer, now)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	if VerifyToken(encoded, lookupOnly(nil), now) != nil {
		t.Fatalf("token for an unknown host must not verify")
	}
	if VerifyToken("%%%", lookupOnly(peer), now) != nil {
		t.Fatalf("undecodable token must not verify")
	}
}
