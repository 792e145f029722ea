// Package identity mints request identifiers and token fingerprints.
package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
)

// NewTransactionID returns a unique id for one orchestrated request.
func NewTransactionID() string {
	return "txn_" + uuid.New().String()
}

// NewNonce returns a unique member value for rate-limit window entries so
// two requests landing on the same timestamp do not collapse into one.
func NewNonce() string {
	return uuid.New().String()
}

// Fingerprint hashes an opaque token for use as a cache key. Raw token
// strings must never be retained or logged; the fingerprint is safe for both.
func Fingerprint(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:16])
}

// ShortFingerprint is a log-friendly 8-character prefix of the fingerprint.
func ShortFingerprint(token string) string {
	return fmt.Sprintf("%.8s", Fingerprint(token))
}
