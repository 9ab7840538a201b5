package secure

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strings"
)

// Equal compares two strings in constant time with respect to their contents.
func Equal(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// HashToken returns the hex SHA-256 digest used to persist bearer secrets.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// MatchesHash reports whether token hashes to expectedHash.
func MatchesHash(expectedHash, token string) bool {
	return Equal(expectedHash, HashToken(token))
}

// Fingerprint derives a short stable identifier for subject, suitable as a
// store key component without exposing the raw value (e-mail, IP, session id).
func Fingerprint(subject string) string {
	subject = strings.TrimSpace(strings.ToLower(subject))
	sum := sha256.Sum256([]byte(subject))
	return hex.EncodeToString(sum[:16])
}

// HMAC signs data with key using SHA-256.
func HMAC(key, data []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return mac.Sum(nil)
}
