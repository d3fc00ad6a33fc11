// Package executor defines the pluggable execution backends and the
// selection policy that binds a capability descriptor to one of them.
package executor

import (
	"context"
	"errors"

	"github.com/capgrid/gateway/internal/core"
)

// ErrNoEligibleExecutor is returned when no registered executor can serve a
// capability under the descriptor's mode constraints.
var ErrNoEligibleExecutor = errors.New("no eligible executor for capability")

// Result is one execution outcome. An executor may return partial Outputs
// together with an error; the router decides what the caller sees.
type Result struct {
	Outputs      map[string]interface{} `json:"outputs"`
	CostActual   float64                `json:"cost_actual"`
	Proof        string                 `json:"proof,omitempty"`
	ExecutorID   string                 `json:"executor_id"`
	PrivacyLevel string                 `json:"privacy_level"`
}

// Executor performs the work of one or more capabilities. Implementations
// must honour ctx cancellation at their next suspension point.
type Executor interface {
	ID() string
	Supports(capabilityID string) bool
	Confidential() bool
	Execute(ctx context.Context, desc *core.CapabilityDescriptor, inputs map[string]interface{}) (*Result, error)
}

// Pool holds the registered executors and applies the selection order:
// explicit descriptor hint, then declared support, then the public fallback
// (public-mode capabilities only).
type Pool struct {
	executors []Executor
	fallback  Executor // the shared public executor, may be nil
}

// NewPool creates an executor pool. fallback serves public-mode capabilities
// that no registered executor claims.
func NewPool(fallback Executor, executors ...Executor) *Pool {
	return &Pool{executors: executors, fallback: fallback}
}

// Select chooses the executor for a descriptor. Confidential capabilities
// are never routed to a non-confidential executor.
func (p *Pool) Select(desc *core.CapabilityDescriptor) (Executor, error) {
	needsConfidential := desc.Execution.Mode == core.ModeConfidential

	if hint := desc.Execution.ExecutorHint; hint != "" {
		for _, ex := range p.all() {
			if ex.ID() == hint {
				if needsConfidential && !ex.Confidential() {
					return nil, ErrNoEligibleExecutor
				}
				return ex, nil
			}
		}
	}

	for _, ex := range p.executors {
		if !ex.Supports(desc.ID) {
			continue
		}
		if needsConfidential && !ex.Confidential() {
			continue
		}
		return ex, nil
	}

	if !needsConfidential && p.fallback != nil {
		return p.fallback, nil
	}
	return nil, ErrNoEligibleExecutor
}

// Alternate returns an executor other than exclude that can serve the
// descriptor, for opt-in failover retries.
func (p *Pool) Alternate(desc *core.CapabilityDescriptor, exclude string) (Executor, error) {
	needsConfidential := desc.Execution.Mode == core.ModeConfidential
	for _, ex := range p.executors {
		if ex.ID() == exclude || !ex.Supports(desc.ID) {
			continue
		}
		if needsConfidential && !ex.Confidential() {
			continue
		}
		return ex, nil
	}
	if !needsConfidential && p.fallback != nil && p.fallback.ID() != exclude {
		return p.fallback, nil
	}
	return nil, ErrNoEligibleExecutor
}

// IDs lists all registered executor ids.
func (p *Pool) IDs() []string {
	ids := make([]string, 0, len(p.executors)+1)
	for _, ex := range p.all() {
		ids = append(ids, ex.ID())
	}
	return ids
}

func (p *Pool) all() []Executor {
	if p.fallback == nil {
		return p.executors
	}
	return append(append([]Executor{}, p.executors...), p.fallback)
}
