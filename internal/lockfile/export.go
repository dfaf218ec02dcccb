package lockfile

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// Export formats. The set is closed; unknown formats are rejected.
const (
	FormatCycloneDX = "cyclonedx-json"
	FormatSPDX      = "spdx-json"
)

// Export renders the manifest in an SBOM interchange format. The
// transformation is pure: same manifest in, byte-identical document
// out, entries ordered by name, no wall-clock reads.
func Export(m *Manifest, format string) ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	switch format {
	case FormatCycloneDX:
		return exportCycloneDX(m)
	case FormatSPDX:
		return exportSPDX(m)
	default:
		return nil, fmt.Errorf("unknown export format %q: must be %s or %s",
			format, FormatCycloneDX, FormatSPDX)
	}
}

type cdxHash struct {
	Alg     string `json:"alg"`
	Content string `json:"content"`
}

type cdxComponent struct {
	Type    string    `json:"type"`
	Name    string    `json:"name"`
	Version string    `json:"version"`
	PURL    string    `json:"purl"`
	Hashes  []cdxHash `json:"hashes"`
}

type cdxDependency struct {
	Ref       string   `json:"ref"`
	DependsOn []string `json:"dependsOn,omitempty"`
}

type cdxDocument struct {
	BOMFormat   string `json:"bomFormat"`
	SpecVersion string `json:"specVersion"`
	Version     int    `json:"version"`
	Metadata    struct {
		Timestamp string `json:"timestamp"`
	} `json:"metadata"`
	Components   []cdxComponent  `json:"components"`
	Dependencies []cdxDependency `json:"dependencies,omitempty"`
}

func purl(name, version string) string {
	return fmt.Sprintf("pkg:generic/%s@%s", name, version)
}

// versionOf looks a pinned name up across both manifest sections.
func versionOf(m *Manifest, name string) string {
	if pin, ok := m.Toolchains[name]; ok {
		return pin.Version
	}
	return m.BuildTools[name].Version
}

func exportCycloneDX(m *Manifest) ([]byte, error) {
	doc := cdxDocument{
		BOMFormat:   "CycloneDX",
		SpecVersion: "1.5",
		Version:     1,
	}
	// The only timestamp is the manifest's own generation time, so the
	// export stays reproducible.
	doc.Metadata.Timestamp = m.GeneratedAt.UTC().Format(time.RFC3339)

	for _, name := range m.Names() {
		pin := m.Toolchains[name]
		doc.Components = append(doc.Components, cdxComponent{
			Type:    "application",
			Name:    name,
			Version: pin.Version,
			PURL:    purl(name, pin.Version),
			Hashes:  []cdxHash{{Alg: "SHA-256", Content: pin.SHA256}},
		})
		if len(pin.Requires) > 0 {
			deps := make([]string, 0, len(pin.Requires))
			for _, dep := range sortedCopy(pin.Requires) {
				deps = append(deps, purl(dep, versionOf(m, dep)))
			}
			doc.Dependencies = append(doc.Dependencies, cdxDependency{
				Ref:       purl(name, pin.Version),
				DependsOn: deps,
			})
		}
	}
	for _, name := range m.BuildToolNames() {
		pin := m.BuildTools[name]
		doc.Components = append(doc.Components, cdxComponent{
			Type:    "application",
			Name:    name,
			Version: pin.Version,
			PURL:    purl(name, pin.Version),
			Hashes:  []cdxHash{{Alg: "SHA-256", Content: pin.SHA256}},
		})
	}
	return json.MarshalIndent(doc, "", "  ")
}

type spdxChecksum struct {
	Algorithm     string `json:"algorithm"`
	ChecksumValue string `json:"checksumValue"`
}

type spdxPackage struct {
	SPDXID           string         `json:"SPDXID"`
	Name             string         `json:"name"`
	VersionInfo      string         `json:"versionInfo"`
	DownloadLocation string         `json:"downloadLocation"`
	Checksums        []spdxChecksum `json:"checksums"`
}

type spdxRelationship struct {
	SPDXElementID      string `json:"spdxElementId"`
	RelatedSPDXElement string `json:"relatedSpdxElement"`
	RelationshipType   string `json:"relationshipType"`
}

type spdxDocument struct {
	SPDXVersion  string `json:"spdxVersion"`
	DataLicense  string `json:"dataLicense"`
	SPDXID       string `json:"SPDXID"`
	Name         string `json:"name"`
	CreationInfo struct {
		Created  string   `json:"created"`
		Creators []string `json:"creators"`
	} `json:"creationInfo"`
	Packages      []spdxPackage      `json:"packages"`
	Relationships []spdxRelationship `json:"relationships,omitempty"`
}

func spdxID(name string) string {
	return "SPDXRef-Package-" + name
}

func exportSPDX(m *Manifest) ([]byte, error) {
	doc := spdxDocument{
		SPDXVersion: "SPDX-2.3",
		DataLicense: "CC0-1.0",
		SPDXID:      "SPDXRef-DOCUMENT",
		Name:        fmt.Sprintf("toolchain-lock-%s", m.Platform),
	}
	doc.CreationInfo.Created = m.GeneratedAt.UTC().Format(time.RFC3339)
	doc.CreationInfo.Creators = []string{"Tool: " + m.Metadata.Generator}

	for _, name := range m.Names() {
		pin := m.Toolchains[name]
		doc.Packages = append(doc.Packages, spdxPackage{
			SPDXID:           spdxID(name),
			Name:             name,
			VersionInfo:      pin.Version,
			DownloadLocation: pin.SourceURL,
			Checksums:        []spdxChecksum{{Algorithm: "SHA256", ChecksumValue: pin.SHA256}},
		})
		for _, dep := range sortedCopy(pin.Requires) {
			doc.Relationships = append(doc.Relationships, spdxRelationship{
				SPDXElementID:      spdxID(name),
				RelatedSPDXElement: spdxID(dep),
				RelationshipType:   "DEPENDS_ON",
			})
		}
	}
	for _, name := range m.BuildToolNames() {
		pin := m.BuildTools[name]
		doc.Packages = append(doc.Packages, spdxPackage{
			SPDXID:           spdxID(name),
			Name:             name,
			VersionInfo:      pin.Version,
			DownloadLocation: "NOASSERTION",
			Checksums:        []spdxChecksum{{Algorithm: "SHA256", ChecksumValue: pin.SHA256}},
		})
	}
	return json.MarshalIndent(doc, "", "  ")
}

func sortedCopy(s []string) []string {
	out := append([]string(nil), s...)
	sort.Strings(out)
	return out
}
