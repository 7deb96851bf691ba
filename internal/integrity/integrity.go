// Package integrity provides deterministic digests for inputs snapshots and
// content-derived citation identities. All functions are pure; identical
// inputs always produce identical output, across processes and runs.
package integrity

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// cidTag prefixes every content-derived citation identity.
const cidTag = "cite:"

// DigestFields produces a SHA-256 hex digest over length-prefixed fields.
// Each field is encoded as a 4-byte big-endian length followed by the field
// bytes, which avoids delimiter collisions when freeform text contains the
// would-be separator.
func DigestFields(fields ...string) string {
	h := sha256.New()
	var lenBuf [4]byte
	for _, f := range fields {
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(f)))
		h.Write(lenBuf[:])
		h.Write([]byte(f))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// DigestJSON produces a SHA-256 hex digest of v's canonical JSON encoding.
// encoding/json sorts map keys, so equal values digest equally regardless of
// construction order.
func DigestJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("integrity: marshal for digest: %w", err)
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// CitationID derives the stable identity for a normalized URL:
// tag || lowercase_hex(sha256(utf8_bytes(normalized_url))). Identical
// normalized URLs always collapse to the same identity.
func CitationID(normalizedURL string) string {
	sum := sha256.Sum256([]byte(normalizedURL))
	return cidTag + hex.EncodeToString(sum[:])
}
