package federation

import (
	"bytes"
	"compress/zlib"
	"encoding/base64"
	"encoding/json"
	"io"
)

var inviteMagic = []byte("VOLT")

const inviteVersion = 1

// Invite is the payload carried by a cross-host invite code.
type Invite struct {
	Version   int    `json:"v"`
	Host      string `json:"h"`
	ServerID  string `json:"s"`
	ChannelID string `json:"c,omitempty"`
	Key       string `json:"k,omitempty"`
}

// EncodeInvite packages an invite: magic, version byte, zlib-deflated JSON,
// base64url.
func EncodeInvite(inv Invite) (string, error) {
	inv.Version = inviteVersion
	js, err := json.Marshal(inv)
	if err != nil {
		return "", err
	}

	var compressed bytes.Buffer
	zw := zlib.NewWriter(&compressed)
	if _, err := zw.Write(js); err != nil {
		return "", err
	}
	if err := zw.Close(); err != nil {
		return "", err
	}

	buf := make([]byte, 0, len(inviteMagic)+1+compressed.Len())
	buf = append(buf, inviteMagic...)
	buf = append(buf, inviteVersion)
	buf = append(buf, compressed.Bytes()...)
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// DecodeInvite unpacks an invite code. Any string not matching the magic and
// version, or failing to inflate or parse, yields nil.
func DecodeInvite(code string) *Invite {
	raw, err := base64.RawURLEncoding.DecodeString(code)
	if err != nil {
		return nil
	}
	if len(raw) < len(inviteMagic)+2 {
		return nil
	}
	if !bytes.Equal(raw[:len(inviteMagic)], inviteMagic) {
		return nil
	}
	if raw[len(inviteMagic)] != inviteVersion {
		return nil
	}

	zr, err := zlib.NewReader(bytes.NewReader(raw[len(inviteMagic)+1:]))
	if err != nil {
		return nil
	}
	defer zr.Close()
	js, err := io.ReadAll(io.LimitReader(zr, 1<<16))
	if err != nil {
		return nil
	}

	var inv Invite
	if err := json.Unmarshal(js, &inv); err != nil {
		return nil
	}
	if inv.Host == "" || inv.ServerID == "" {
		return nil
	}
	return &inv
}
