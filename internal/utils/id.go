// Package utils carries small helpers shared across the voltage server.
package utils

import (
	"crypto/rand"
	"encoding/hex"
	"strconv"
	"time"
)

// NewID returns a random hex identifier, used for socket session ids. Domain
// objects carry their own id schemes (uuid for calls, ksuid for messages).
func NewID() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand failure leaves the timestamp as a last resort
		return strconv.FormatInt(time.Now().UnixNano(), 10)
	}
	return hex.EncodeToString(buf)
}
