// Package receipt builds and verifies the canonical execution receipts: a
// content-hashed, optionally HMAC-signed record of one capability execution
// that holders can verify offline.
package receipt

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/capgrid/gateway/internal/canonical"
)

// Common errors
var (
	ErrHashMismatch      = errors.New("receipt content hash mismatch")
	ErrSignatureMismatch = errors.New("receipt signature mismatch")
	ErrInputsMismatch    = errors.New("inputs do not match receipt inputs_hash")
	ErrOutputsMismatch   = errors.New("outputs do not match receipt outputs_hash")
)

// Receipt is the immutable record of one execution.
type Receipt struct {
	ReceiptID    string                 `json:"receipt_id"`
	CapabilityID string                 `json:"capability_id"`
	InputsHash   string                 `json:"inputs_hash"`
	OutputsHash  string                 `json:"outputs_hash"`
	ExecutorID   string                 `json:"executor_id"`
	PrivacyLevel string                 `json:"privacy_level"`
	DurationMs   int64                  `json:"duration_ms"`
	Success      bool                   `json:"success"`
	CacheHit     bool                   `json:"cache_hit"`
	Proof        string                 `json:"proof,omitempty"`
	CostActual   float64                `json:"cost_actual"`
	AgentID      string                 `json:"agent_id,omitempty"`
	Timestamp    time.Time              `json:"timestamp"`
	Signature    string                 `json:"signature,omitempty"`
	PartialOut   map[string]interface{} `json:"partial_outputs,omitempty"` // kept for post-hoc debugging only
}

// Draft carries the execution facts a receipt is built from.
type Draft struct {
	CapabilityID string
	Inputs       map[string]interface{}
	Outputs      map[string]interface{}
	ExecutorID   string
	PrivacyLevel string
	DurationMs   int64
	Success      bool
	CacheHit     bool
	Proof        string
	CostActual   float64
	AgentID      string
	PartialOut   map[string]interface{}
}

// Builder assembles receipts. A non-empty secret enables HMAC-SHA256
// signatures; the content hash is always present.
type Builder struct {
	secret []byte
}

// NewBuilder creates a builder. secret may be empty.
func NewBuilder(secret string) *Builder {
	return &Builder{secret: []byte(secret)}
}

// Build canonicalizes the draft's inputs and outputs, hashes them, derives
// the receipt id from the canonical receipt body and signs when a secret is
// configured.
func (b *Builder) Build(d Draft) *Receipt {
	r := &Receipt{
		CapabilityID: d.CapabilityID,
		InputsHash:   canonical.HashHex(d.Inputs),
		OutputsHash:  canonical.HashHex(d.Outputs),
		ExecutorID:   d.ExecutorID,
		PrivacyLevel: d.PrivacyLevel,
		DurationMs:   d.DurationMs,
		Success:      d.Success,
		CacheHit:     d.CacheHit,
		Proof:        d.Proof,
		CostActual:   d.CostActual,
		AgentID:      d.AgentID,
		Timestamp:    time.Now().UTC(),
		PartialOut:   d.PartialOut,
	}

	r.ReceiptID = contentID(r)
	if len(b.secret) > 0 {
		r.Signature = b.sign(r)
	}
	return r
}

// Verify checks a receipt's content hash, its signature when both secret and
// signature are present, and optionally that supplied original inputs and
// outputs match the embedded hashes. Signature comparison is constant-time.
func (b *Builder) Verify(r *Receipt, inputs, outputs map[string]interface{}) error {
	if contentID(r) != r.ReceiptID {
		return ErrHashMismatch
	}

	if r.Signature != "" && len(b.secret) > 0 {
		expected := b.sign(r)
		if !hmac.Equal([]byte(expected), []byte(r.Signature)) {
			return ErrSignatureMismatch
		}
	}

	if inputs != nil && canonical.HashHex(inputs) != r.InputsHash {
		return ErrInputsMismatch
	}
	if outputs != nil && canonical.HashHex(outputs) != r.OutputsHash {
		return ErrOutputsMismatch
	}
	return nil
}

// Encode serializes the receipt into a base64 canonical blob.
func Encode(r *Receipt) (string, error) {
	data, err := canonical.Marshal(r)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// Decode parses a base64 canonical blob back into a receipt.
func Decode(blob string) (*Receipt, error) {
	data, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		return nil, fmt.Errorf("decode receipt blob: %w", err)
	}
	var r Receipt
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("parse receipt blob: %w", err)
	}
	return &r, nil
}

// contentID derives the receipt id: the first 16 hex chars of the SHA-256 of
// the canonical receipt body, excluding the id and signature themselves.
func contentID(r *Receipt) string {
	body := *r
	body.ReceiptID = ""
	body.Signature = ""

	data, err := canonical.Marshal(&body)
	if err != nil {
		data = []byte("unencodable")
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])[:16]
}

func (b *Builder) sign(r *Receipt) string {
	body := *r
	body.Signature = ""

	data, err := canonical.Marshal(&body)
	if err != nil {
		data = []byte("unencodable")
	}
	mac := hmac.New(sha256.New, b.secret)
	mac.Write(data)
	return hex.EncodeToString(mac.Sum(nil))
}
