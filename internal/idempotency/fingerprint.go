// Package idempotency implements the key protocol that makes client-retried
// financial mutations safe: a canonical request fingerprint plus a
// check/record guard over a uniquely-constrained record store.
package idempotency

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Fingerprint hashes a JSON request body into a hex SHA-256 digest. The body
// is canonicalized first (object keys sorted, no insignificant whitespace,
// numbers kept verbatim), so two bodies differing only in key order hash
// identically while any value change produces a different digest.
func Fingerprint(body []byte) (string, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return "", fmt.Errorf("fingerprint: invalid body: %w", err)
	}
	// encoding/json sorts map keys on marshal, which is the whole
	// canonicalization.
	canonical, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("fingerprint: canonicalize: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}
