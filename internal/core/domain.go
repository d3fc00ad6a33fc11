// Package core holds the shared domain types of the capability gateway:
// capability descriptors, invocation requests/results and trust levels.
package core

import (
	"fmt"
	"regexp"
	"time"
)

// ExecutionMode determines which executor class may serve a capability.
type ExecutionMode string

const (
	ModePublic       ExecutionMode = "public"
	ModeConfidential ExecutionMode = "confidential"
)

// LatencyHint is the descriptor's expected latency class. It maps to the
// default execution deadline when the caller does not override it.
type LatencyHint string

const (
	LatencyLow    LatencyHint = "low"    // default 2s deadline
	LatencyMedium LatencyHint = "medium" // default 10s deadline
	LatencyHigh   LatencyHint = "high"   // default 60s deadline
)

// Timeout returns the default execution deadline for the hint.
func (h LatencyHint) Timeout() time.Duration {
	switch h {
	case LatencyLow:
		return 2 * time.Second
	case LatencyHigh:
		return 60 * time.Second
	default:
		return 10 * time.Second
	}
}

// IDPattern is the required shape of a capability id on the wire.
var IDPattern = regexp.MustCompile(`^cap\.[a-z0-9._-]+\.v\d+$`)

// PaymentSignal describes whether and how a capability signals payment.
type PaymentSignal struct {
	Enabled            bool     `json:"enabled"`
	Methods            []string `json:"methods,omitempty"`
	SettlementOptional bool     `json:"settlement_optional,omitempty"`
}

// Economics carries the cost hints of a capability.
type Economics struct {
	CostHint      float64       `json:"cost_hint"`
	Currency      string        `json:"currency,omitempty"`
	PaymentSignal PaymentSignal `json:"payment_signal"`
}

// Performance carries the latency/reliability hints of a capability.
type Performance struct {
	LatencyHint     LatencyHint `json:"latency_hint"`
	ReliabilityHint float64     `json:"reliability_hint"` // 0..1
	ThroughputLimit int         `json:"throughput_limit,omitempty"`
}

// Execution describes how a capability runs.
type Execution struct {
	Mode         ExecutionMode `json:"mode"`
	ExecutorHint string        `json:"executor_hint,omitempty"`
	ProofType    string        `json:"proof_type,omitempty"`
}

// DescriptorMetadata holds free-form discovery metadata.
type DescriptorMetadata struct {
	Tags          []string `json:"tags,omitempty"`
	ProviderHints []string `json:"provider_hints,omitempty"`
}

// CapabilityDescriptor is the immutable record describing one capability.
// Registered at startup, never mutated; supersession is a new id with a
// higher version suffix.
type CapabilityDescriptor struct {
	ID            string                 `json:"id"`
	Name          string                 `json:"name"`
	Description   string                 `json:"description,omitempty"`
	Version       string                 `json:"version"`
	InputsSchema  map[string]interface{} `json:"inputs_schema,omitempty"`
	OutputsSchema map[string]interface{} `json:"outputs_schema,omitempty"`
	Execution     Execution              `json:"execution"`
	Economics     Economics              `json:"economics"`
	Performance   Performance            `json:"performance"`
	Composable    bool                   `json:"composable,omitempty"`
	Metadata      DescriptorMetadata     `json:"metadata"`
	Deprecated    bool                   `json:"deprecated,omitempty"`
}

// Validate checks the structural invariants of a descriptor.
func (d *CapabilityDescriptor) Validate() error {
	if !IDPattern.MatchString(d.ID) {
		return fmt.Errorf("capability id %q does not match %s", d.ID, IDPattern)
	}
	if d.Name == "" {
		return fmt.Errorf("capability %s: name is required", d.ID)
	}
	if d.Execution.Mode != ModePublic && d.Execution.Mode != ModeConfidential {
		return fmt.Errorf("capability %s: execution.mode must be public or confidential", d.ID)
	}
	if d.Performance.ReliabilityHint < 0 || d.Performance.ReliabilityHint > 1 {
		return fmt.Errorf("capability %s: reliability_hint must be in [0,1]", d.ID)
	}
	return nil
}

// HasTag reports whether the descriptor carries a discovery tag.
func (d *CapabilityDescriptor) HasTag(tag string) bool {
	for _, t := range d.Metadata.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Priority is the queue admission priority of an invocation.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityNormal   Priority = "normal"
	PriorityLow      Priority = "low"
)

// ParsePriority maps a wire value to a Priority, defaulting to normal.
func ParsePriority(s string) Priority {
	switch Priority(s) {
	case PriorityCritical, PriorityHigh, PriorityLow:
		return Priority(s)
	default:
		return PriorityNormal
	}
}

// TrustLevel is the discrete tier assigned to a caller identity.
type TrustLevel string

const (
	TrustAnonymous TrustLevel = "anonymous"
	TrustVerified  TrustLevel = "verified"
	TrustTrusted   TrustLevel = "trusted"
	TrustPremium   TrustLevel = "premium"
)

// Identity is the resolved caller of an invocation.
type Identity struct {
	AgentID    string     `json:"agent_id"`
	TrustLevel TrustLevel `json:"trust_level"`
}

// Anonymous is the identity assigned to unresolved callers.
var Anonymous = Identity{AgentID: "anonymous", TrustLevel: TrustAnonymous}

// InvocationRequest is one "invoke capability X with inputs Y" request.
type InvocationRequest struct {
	CapabilityID string                 `json:"capability_id"`
	Inputs       map[string]interface{} `json:"inputs"`
	Preferences  map[string]interface{} `json:"preferences,omitempty"`
	Priority     Priority               `json:"priority,omitempty"`
	DedupKey     string                 `json:"dedup_key,omitempty"`
	NoCache      bool                   `json:"no_cache,omitempty"`
	TimeoutMs    int64                  `json:"timeout_ms,omitempty"`    // caller deadline override
	WithFailover bool                   `json:"with_failover,omitempty"` // opt-in single retry

	// Filled by the transport, not the caller body.
	Identity Identity `json:"-"`
	RemoteIP string   `json:"-"`
}

// InvocationResult is the terminal outcome returned to the caller.
type InvocationResult struct {
	Success     bool                   `json:"success"`
	Outputs     map[string]interface{} `json:"outputs,omitempty"`
	Error       *Error                 `json:"error,omitempty"`
	Receipt     interface{}            `json:"receipt,omitempty"`
	ReceiptBlob string                 `json:"receipt_blob,omitempty"`
	CacheHit    bool                   `json:"cache_hit"`
	CostActual  float64                `json:"cost_actual"`
	ExecutionMs int64                  `json:"execution_ms"`
	QueueWaitMs int64                  `json:"queue_wait_ms"`
	Warning     string                 `json:"warning,omitempty"`
}
