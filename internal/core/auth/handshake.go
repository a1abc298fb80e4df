package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"

	"github.com/pentavision/pentavisiond/internal/core/pverr"
)

// Digest computes the handshake proof: a hex HMAC-SHA256 of the server's
// challenge, keyed with the API key. Deterministic and side-effect free.
func Digest(apiKey, challenge string) (string, error) {
	if apiKey == "" {
		return "", pverr.New(pverr.KindConfig, "auth.digest", "api key is empty")
	}
	if challenge == "" {
		return "", pverr.New(pverr.KindConfig, "auth.digest", "challenge is empty")
	}

	mac := hmac.New(sha256.New, []byte(apiKey))
	mac.Write([]byte(challenge))
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// KeyHash returns the hex SHA-256 of the API key. The server uses it to look
// up which key a handshake belongs to without the key crossing the wire.
func KeyHash(apiKey string) string {
	sum := sha256.Sum256([]byte(apiKey))
	return hex.EncodeToString(sum[:])
}
