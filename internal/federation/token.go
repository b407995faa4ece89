package federation

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/Enclicainteractive/voltage-server/internal/store"
)

// TokenValidity is the handshake token acceptance window.
const TokenValidity = 5 * time.Minute

// HandshakeToken is the signed payload exchanged during peering. Signature is
// the hex HMAC-SHA256 of the JSON payload without the signature field.
type HandshakeToken struct {
	PeerID    string `json:"peerId"`
	Host      string `json:"host"`
	Name      string `json:"name"`
	Timestamp int64  `json:"timestamp"`
	Nonce     string `json:"nonce"`
	Signature string `json:"signature,omitempty"`
}

func signHex(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

func newNonce() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return hex.EncodeToString([]byte(time.Now().String()))[:32]
	}
	return hex.EncodeToString(buf)
}

// GenerateToken packages a signed handshake token for the peer, base64url.
func GenerateToken(peer *store.FederationPeer, now time.Time) (string, error) {
	tok := HandshakeToken{
		PeerID:    peer.PeerID,
		Host:      peer.Host,
		Name:      peer.Name,
		Timestamp: now.UnixMilli(),
		Nonce:     newNonce(),
	}
	payload, err := json.Marshal(tok)
	if err != nil {
		return "", err
	}
	tok.Signature = signHex(peer.SharedSecret, payload)
	packed, err := json.Marshal(tok)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(packed), nil
}

// VerifyToken validates an encoded handshake token: constant-time signature
// compare against the peer's shared secret, freshness window, and a host
// matching an existing peer. Returns nil on any failure.
func VerifyToken(encoded string, lookup func(host string) *store.FederationPeer, now time.Time) *store.FederationPeer {
	raw, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return nil
	}
	var tok HandshakeToken
	if err := json.Unmarshal(raw, &tok); err != nil {
		return nil
	}
	if tok.Signature == "" || tok.Host == "" {
		return nil
	}

	peer := lookup(tok.Host)
	if peer == nil {
		return nil
	}

	unsigned := tok
	unsigned.Signature = ""
	payload, err := json.Marshal(unsigned)
	if err != nil {
		return nil
	}
	expected := signHex(peer.SharedSecret, payload)
	if !hmac.Equal([]byte(expected), []byte(tok.Signature)) {
		return nil
	}

	age := now.Sub(time.UnixMilli(tok.Timestamp))
	if age < 0 || age > TokenValidity {
		return nil
	}
	return peer
}
