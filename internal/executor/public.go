package executor

import (
	"context"
	"fmt"
	"log"
	"math"
	"strings"

	"github.com/capgrid/gateway/internal/core"
)

// Handler performs the work of a single capability inside the public
// executor.
type Handler func(ctx context.Context, inputs map[string]interface{}) (map[string]interface{}, float64, error)

// PublicExecutor serves public-mode capabilities with in-process handlers.
// It doubles as the fallback executor for public capabilities that no
// dedicated backend claims.
type PublicExecutor struct {
	id       string
	handlers map[string]Handler
	logger   *log.Logger
}

// NewPublicExecutor creates the executor with the built-in demo handlers.
func NewPublicExecutor() *PublicExecutor {
	ex := &PublicExecutor{
		id:       "public-executor",
		handlers: make(map[string]Handler),
		logger:   log.New(log.Writer(), "[EXEC-PUBLIC] ", log.LstdFlags),
	}
	ex.registerBuiltins()
	return ex
}

func (e *PublicExecutor) ID() string         { return e.id }
func (e *PublicExecutor) Confidential() bool { return false }

func (e *PublicExecutor) Supports(capabilityID string) bool {
	_, ok := e.handlers[capabilityID]
	return ok
}

// RegisterHandler binds a handler to a capability id.
func (e *PublicExecutor) RegisterHandler(capabilityID string, h Handler) {
	e.handlers[capabilityID] = h
}

func (e *PublicExecutor) Execute(ctx context.Context, desc *core.CapabilityDescriptor, inputs map[string]interface{}) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	h, ok := e.handlers[desc.ID]
	if !ok {
		// Fallback behaviour: echo inputs with the descriptor's cost hint.
		return &Result{
			Outputs:      map[string]interface{}{"echo": inputs, "capability_id": desc.ID},
			CostActual:   desc.Economics.CostHint,
			ExecutorID:   e.id,
			PrivacyLevel: "public",
		}, nil
	}

	outputs, cost, err := h(ctx, inputs)
	if err != nil {
		// Partial outputs ride along with the error for the receipt.
		return &Result{Outputs: outputs, CostActual: cost, ExecutorID: e.id, PrivacyLevel: "public"}, err
	}
	return &Result{
		Outputs:      outputs,
		CostActual:   cost,
		ExecutorID:   e.id,
		PrivacyLevel: "public",
	}, nil
}

// registerBuiltins installs the deterministic reference handlers used by the
// default manifest and the test suite.
func (e *PublicExecutor) registerBuiltins() {
	e.handlers["cap.price.lookup.v1"] = func(_ context.Context, inputs map[string]interface{}) (map[string]interface{}, float64, error) {
		base, _ := inputs["base_token"].(string)
		quote, _ := inputs["quote_token"].(string)
		if base == "" || quote == "" {
			return nil, 0, fmt.Errorf("base_token and quote_token are required")
		}
		// Deterministic pseudo-price derived from the pair, so repeated
		// lookups cache and dedup cleanly.
		seed := 0.0
		for _, r := range base + "/" + quote {
			seed += float64(r)
		}
		price := math.Round(seed*100) / 100
		return map[string]interface{}{
			"pair":  strings.ToUpper(base) + "/" + strings.ToUpper(quote),
			"price": price,
		}, 0.0001, nil
	}

	e.handlers["cap.text.hash.v1"] = func(_ context.Context, inputs map[string]interface{}) (map[string]interface{}, float64, error) {
		text, _ := inputs["text"].(string)
		sum := 0
		for _, r := range text {
			sum = (sum*31 + int(r)) % 1000000007
		}
		return map[string]interface{}{"checksum": sum, "length": len(text)}, 0, nil
	}
}
