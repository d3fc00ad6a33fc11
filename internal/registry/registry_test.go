package registry

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capgrid/gateway/internal/core"
)

func writeFile(path, content string) error {
	return os.WriteFile(path, []byte(content), 0o644)
}

func descriptor(id string, mode core.ExecutionMode, tags ...string) *core.CapabilityDescriptor {
	return &core.CapabilityDescriptor{
		ID:      id,
		Name:    id,
		Version: "1",
		Execution: core.Execution{
			Mode: mode,
		},
		Performance: core.Performance{
			LatencyHint:     core.LatencyLow,
			ReliabilityHint: 0.99,
		},
		Metadata: core.DescriptorMetadata{Tags: tags},
	}
}

func TestRegisterAndGet(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(descriptor("cap.price.lookup.v1", core.ModePublic, "pricing")))

	d := r.Get("cap.price.lookup.v1")
	require.NotNil(t, d)
	assert.Equal(t, "cap.price.lookup.v1", d.ID)
	assert.Nil(t, r.Get("cap.unknown.v1"))
}

func TestDuplicateIDRejected(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(descriptor("cap.price.lookup.v1", core.ModePublic)))
	err := r.Register(descriptor("cap.price.lookup.v1", core.ModePublic))
	assert.ErrorContains(t, err, "duplicate")
}

func TestInvalidIDRejected(t *testing.T) {
	r := New()
	for _, id := range []string{"price.lookup.v1", "cap.Price.v1", "cap.price", ""} {
		err := r.Register(descriptor(id, core.ModePublic))
		assert.Error(t, err, "id %q should be rejected", id)
	}
}

func TestFreezeBlocksRegistration(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(descriptor("cap.a.v1", core.ModePublic)))
	r.Freeze()
	err := r.Register(descriptor("cap.b.v1", core.ModePublic))
	assert.ErrorContains(t, err, "frozen")
	assert.Equal(t, 1, r.Count())
}

func TestListFilters(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(descriptor("cap.price.lookup.v1", core.ModePublic, "pricing", "defi")))
	require.NoError(t, r.Register(descriptor("cap.cspl.wrap.v1", core.ModeConfidential, "privacy")))
	require.NoError(t, r.Register(descriptor("cap.price.feed.v1", core.ModePublic, "pricing")))

	assert.Len(t, r.List(Filter{}), 3)
	assert.Len(t, r.List(Filter{Tag: "pricing"}), 2)
	assert.Len(t, r.List(Filter{Mode: core.ModeConfidential}), 1)
	assert.Len(t, r.List(Filter{Tag: "pricing", Mode: core.ModeConfidential}), 0)
}

func TestSummary(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(descriptor("cap.price.lookup.v1", core.ModePublic, "pricing")))
	require.NoError(t, r.Register(descriptor("cap.cspl.wrap.v1", core.ModeConfidential, "privacy")))
	dep := descriptor("cap.old.thing.v1", core.ModePublic, "pricing")
	dep.Deprecated = true
	require.NoError(t, r.Register(dep))

	s := r.Summary()
	assert.Equal(t, 3, s.Total)
	assert.Equal(t, 2, s.PublicCount)
	assert.Equal(t, 1, s.ConfidentialCount)
	assert.Equal(t, 1, s.DeprecatedCount)
	assert.Equal(t, 2, s.ByTag["pricing"])
}

func TestLoadManifest(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/capabilities.yaml"
	manifest := `capabilities:
  - id: cap.price.lookup.v1
    name: Price Lookup
    version: "1"
    mode: public
    latency_hint: low
    reliability_hint: 0.99
    tags: [pricing]
  - id: cap.cspl.wrap.v1
    name: Confidential Wrap
    version: "1"
    mode: confidential
    proof_type: attestation
    tags: [privacy]
`
	require.NoError(t, writeFile(path, manifest))

	r := New()
	require.NoError(t, r.LoadManifest(path))
	assert.Equal(t, 2, r.Count())
	assert.Equal(t, core.ModeConfidential, r.Get("cap.cspl.wrap.v1").Execution.Mode)
	// Unspecified latency hint defaults to medium.
	assert.Equal(t, core.LatencyMedium, r.Get("cap.cspl.wrap.v1").Performance.LatencyHint)
}
