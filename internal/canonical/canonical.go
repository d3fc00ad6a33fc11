// Package canonical produces the deterministic JSON encoding used for
// content hashing: lexicographically sorted object keys, no insignificant
// whitespace, numbers in shortest round-trip form. Hashes computed here are
// stable across processes, so receipts and dedup keys agree between peers.
package canonical

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// Marshal encodes v canonically. encoding/json already sorts map keys and
// emits shortest round-trip numbers; HTML escaping is disabled so the bytes
// match non-Go producers.
func Marshal(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	// Encoder appends a trailing newline; strip it.
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// Hash returns the SHA-256 of the canonical encoding of v.
func Hash(v interface{}) [32]byte {
	data, err := Marshal(v)
	if err != nil {
		// Inputs and outputs are plain JSON maps; marshal can only fail on
		// values that never appear on the wire.
		return sha256.Sum256([]byte("unencodable"))
	}
	return sha256.Sum256(data)
}

// HashHex returns the hex form of Hash.
func HashHex(v interface{}) string {
	h := Hash(v)
	return hex.EncodeToString(h[:])
}

// InflightKey derives the dedup key for one invocation: the hash of the
// capability id concatenated with the canonical inputs.
func InflightKey(capabilityID string, inputs map[string]interface{}) string {
	data, err := Marshal(inputs)
	if err != nil {
		data = []byte("unencodable")
	}
	h := sha256.Sum256(append([]byte(capabilityID), data...))
	return hex.EncodeToString(h[:])
}

// CacheKey derives the response-cache key for a capability and inputs. The
// capability id stays in the clear so per-capability invalidation can match
// by prefix.
func CacheKey(capabilityID string, inputs map[string]interface{}) string {
	return capabilityID + ":" + HashHex(inputs)
}
