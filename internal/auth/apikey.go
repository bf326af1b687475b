package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// KeyDigest computes an HMAC-SHA256 of the given API key using the provided
// hex-encoded server secret and returns the hex-encoded digest. Keys are
// stored and looked up by digest so raw keys never touch storage, and the
// digest comparison is constant-time with respect to the presented key.
func KeyDigest(apiKey, hexSecret string) (string, error) {
	secret, err := hex.DecodeString(hexSecret)
	if err != nil {
		return "", fmt.Errorf("decode API key secret: %w", err)
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(apiKey))
	return hex.EncodeToString(mac.Sum(nil)), nil
}
