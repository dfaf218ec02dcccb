package lockfile

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testAdvisories() []Advisory {
	return []Advisory{
		{
			ID:       "GHSA-llvm-0001",
			Artifact: "llvm",
			Affected: "< 18.1.6",
			Severity: "high",
			Summary:  "miscompilation under LTO",
		},
		{
			ID:       "GHSA-cmake-0002",
			Artifact: "cmake",
			Affected: ">= 3.27.0, < 3.28.4",
			Severity: "medium",
			Summary:  "archive extraction path traversal",
		},
	}
}

func TestAuditMatchesAffectedRange(t *testing.T) {
	resolver, checker := testWorld()
	mgr := NewManager(resolver, checker, nil, fixedNow)

	m := validManifest()
	source := NewStaticAdvisorySource(testAdvisories())

	findings, err := mgr.Audit(context.Background(), m, source)
	require.NoError(t, err)

	// cmake 3.28.3 is inside the advisory range; llvm 18.1.8 is past it.
	require.Len(t, findings, 1)
	assert.Equal(t, "cmake", findings[0].Name)
	assert.Equal(t, "3.28.3", findings[0].Version)
	assert.Equal(t, "GHSA-cmake-0002", findings[0].Advisory.ID)
}

func TestAuditNoDataIsClean(t *testing.T) {
	resolver, checker := testWorld()
	mgr := NewManager(resolver, checker, nil, fixedNow)

	findings, err := mgr.Audit(context.Background(), validManifest(), NewStaticAdvisorySource(nil))
	require.NoError(t, err)
	assert.Empty(t, findings, "an empty advisory source is not an error")
}

func TestAuditSkipsNonSemverPins(t *testing.T) {
	resolver, checker := testWorld()
	mgr := NewManager(resolver, checker, nil, fixedNow)

	m := validManifest()
	pin := m.Toolchains["llvm"]
	pin.Version = "trunk-snapshot"
	m.Toolchains["llvm"] = pin

	findings, err := mgr.Audit(context.Background(), m, NewStaticAdvisorySource(testAdvisories()))
	require.NoError(t, err)
	for _, f := range findings {
		assert.NotEqual(t, "llvm", f.Name)
	}
}

func TestAuditBadAdvisoryRange(t *testing.T) {
	resolver, checker := testWorld()
	mgr := NewManager(resolver, checker, nil, fixedNow)

	source := NewStaticAdvisorySource([]Advisory{
		{ID: "BAD-0001", Artifact: "llvm", Affected: "not a range"},
	})
	_, err := mgr.Audit(context.Background(), validManifest(), source)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "BAD-0001")
}
