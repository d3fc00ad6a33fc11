package executor

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"log"

	"github.com/capgrid/gateway/internal/canonical"
	"github.com/capgrid/gateway/internal/core"
)

// ConfidentialExecutor serves confidential-mode capabilities. It wraps an
// inner handler set, stamps the confidential privacy level on every result
// and attaches a proof envelope binding inputs and outputs to this executor.
// A production deployment substitutes an attested enclave backend; the
// selection and receipt paths are identical.
type ConfidentialExecutor struct {
	id       string
	handlers map[string]Handler
	proofKey []byte
	logger   *log.Logger
}

// NewConfidentialExecutor creates the executor. proofKey signs the proof
// envelopes; an empty key disables proofs.
func NewConfidentialExecutor(proofKey string) *ConfidentialExecutor {
	return &ConfidentialExecutor{
		id:       "confidential-executor",
		handlers: make(map[string]Handler),
		proofKey: []byte(proofKey),
		logger:   log.New(log.Writer(), "[EXEC-CONF] ", log.LstdFlags),
	}
}

func (e *ConfidentialExecutor) ID() string         { return e.id }
func (e *ConfidentialExecutor) Confidential() bool { return true }

func (e *ConfidentialExecutor) Supports(capabilityID string) bool {
	_, ok := e.handlers[capabilityID]
	return ok
}

// RegisterHandler binds a handler to a capability id.
func (e *ConfidentialExecutor) RegisterHandler(capabilityID string, h Handler) {
	e.handlers[capabilityID] = h
}

func (e *ConfidentialExecutor) Execute(ctx context.Context, desc *core.CapabilityDescriptor, inputs map[string]interface{}) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	h, ok := e.handlers[desc.ID]
	if !ok {
		return nil, ErrNoEligibleExecutor
	}

	outputs, cost, err := h(ctx, inputs)
	res := &Result{
		Outputs:      outputs,
		CostActual:   cost,
		ExecutorID:   e.id,
		PrivacyLevel: "confidential",
	}
	if err != nil {
		return res, err
	}

	if len(e.proofKey) > 0 {
		res.Proof = e.proveExecution(desc, inputs, outputs)
	}
	return res, nil
}

// proveExecution binds the capability, inputs and outputs into an HMAC
// envelope a verifier holding the proof key can check offline.
func (e *ConfidentialExecutor) proveExecution(desc *core.CapabilityDescriptor, inputs, outputs map[string]interface{}) string {
	mac := hmac.New(sha256.New, e.proofKey)
	mac.Write([]byte(desc.ID))
	mac.Write([]byte(canonical.HashHex(inputs)))
	mac.Write([]byte(canonical.HashHex(outputs)))
	return desc.Execution.ProofType + ":" + hex.EncodeToString(mac.Sum(nil))
}
