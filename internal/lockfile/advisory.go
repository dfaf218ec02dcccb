package lockfile

import (
	"context"
	"fmt"
	"sort"

	"github.com/Masterminds/semver/v3"
)

// Advisory is one published vulnerability record for an artifact.
type Advisory struct {
	// ID is the advisory identifier (e.g., "CVE-2024-0684").
	ID string `yaml:"id" json:"id"`

	// Artifact is the affected artifact name.
	Artifact string `yaml:"artifact" json:"artifact"`

	// Affected is a semver constraint describing the vulnerable version
	// range (e.g., "< 13.2.0", ">= 1.80.0, < 1.83.1").
	Affected string `yaml:"affected" json:"affected"`

	Severity string `yaml:"severity" json:"severity"`
	Summary  string `yaml:"summary,omitempty" json:"summary,omitempty"`
}

// AdvisorySource yields the advisories known for an artifact. An
// artifact with no data returns an empty slice, not an error.
type AdvisorySource interface {
	Advisories(ctx context.Context, artifact string) ([]Advisory, error)
}

// StaticAdvisorySource serves advisories from an in-memory set, the
// backing for document-based advisory feeds.
type StaticAdvisorySource struct {
	byArtifact map[string][]Advisory
}

// NewStaticAdvisorySource indexes a flat advisory list by artifact.
func NewStaticAdvisorySource(advisories []Advisory) *StaticAdvisorySource {
	byArtifact := make(map[string][]Advisory)
	for _, a := range advisories {
		byArtifact[a.Artifact] = append(byArtifact[a.Artifact], a)
	}
	return &StaticAdvisorySource{byArtifact: byArtifact}
}

func (s *StaticAdvisorySource) Advisories(_ context.Context, artifact string) ([]Advisory, error) {
	return s.byArtifact[artifact], nil
}

// AuditFinding reports one pinned version matched by an advisory range.
type AuditFinding struct {
	Name     string   `json:"name"`
	Version  string   `json:"version"`
	Advisory Advisory `json:"advisory"`
}

// Audit cross-references every pinned entry against the advisory
// source. Entries the source knows nothing about are clean; only a
// pinned version inside an advisory's affected range produces a
// finding. Findings are ordered by artifact name, then advisory ID.
func (mgr *Manager) Audit(ctx context.Context, m *Manifest, source AdvisorySource) ([]AuditFinding, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}

	var findings []AuditFinding
	for _, name := range m.Names() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		pin := m.Toolchains[name]

		advisories, err := source.Advisories(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("querying advisories for %s: %w", name, err)
		}
		if len(advisories) == 0 {
			continue
		}

		pinned, err := semver.NewVersion(pin.Version)
		if err != nil {
			// Non-semver pins cannot be range-matched; skip rather than
			// fail the whole audit.
			mgr.log.Warn("skipping audit for non-semver pin", "name", name, "version", pin.Version)
			continue
		}

		for _, adv := range advisories {
			constraint, err := semver.NewConstraint(adv.Affected)
			if err != nil {
				return nil, fmt.Errorf("advisory %s: bad affected range %q: %w", adv.ID, adv.Affected, err)
			}
			if constraint.Check(pinned) {
				findings = append(findings, AuditFinding{
					Name:     name,
					Version:  pin.Version,
					Advisory: adv,
				})
			}
		}
	}

	sort.Slice(findings, func(i, j int) bool {
		if findings[i].Name != findings[j].Name {
			return findings[i].Name < findings[j].Name
		}
		return findings[i].Advisory.ID < findings[j].Advisory.ID
	})
	return findings, nil
}
