// Package registry resolves artifact coordinates to concrete download
// descriptors. It is a pure lookup over a metadata document: no network
// or disk I/O happens here beyond loading the document itself.
package registry

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Sentinel errors for locator failures. Both are fatal and never retryable:
// a missing registry entry cannot be fixed by asking again.
var (
	// ErrUnknownArtifact indicates that no registry entry matches the
	// requested name and version.
	ErrUnknownArtifact = errors.New("unknown artifact")

	// ErrUnsupportedPlatform indicates that the artifact exists but has no
	// entry for the requested platform triple.
	ErrUnsupportedPlatform = errors.New("unsupported platform")

	// ErrInvalidDocument indicates that the registry document is malformed.
	ErrInvalidDocument = errors.New("invalid registry document")
)

//go:embed toolchains.json
var defaultDocument []byte

// Descriptor is the immutable result of resolving a (name, version, platform)
// triple. It carries everything the downloader and verifier need and is never
// mutated after creation.
type Descriptor struct {
	// Name is the artifact name (e.g., "llvm", "gcc", "cmake").
	Name string

	// Version is the fully resolved version (e.g., "18.1.8"), never a pattern.
	Version string

	// Platform is the platform triple the artifact was resolved for
	// (e.g., "linux-x64").
	Platform string

	// SourceURL is the download location for the artifact archive.
	SourceURL string

	// ExpectedSHA256 is the normalized (lowercase, unprefixed) SHA-256 hex
	// digest the downloaded bytes must hash to.
	ExpectedSHA256 string

	// ExpectedSize is the expected size of the artifact in bytes.
	// Zero means the registry does not declare a size.
	ExpectedSize int64
}

// Key returns the pre-verification fingerprint of the descriptor,
// used for fetch deduplication and cache lookups.
func (d Descriptor) Key() string {
	return d.Name + "-" + d.Version + "-" + d.Platform
}

// documentSchemaVersion is the only registry document schema this
// package reads.
const documentSchemaVersion = 1

// document is the on-disk shape of the registry metadata.
type document struct {
	SchemaVersion int                       `json:"schema_version"`
	Toolchains    map[string]toolchainEntry `json:"toolchains"`
}

type toolchainEntry struct {
	Type     string                         `json:"type,omitempty"`
	Versions map[string]map[string]platform `json:"versions"`
}

type platform struct {
	URL       string `json:"url"`
	SHA256    string `json:"sha256"`
	SizeBytes int64  `json:"size_bytes"`
}

// Registry is an in-memory index of artifact metadata. It is immutable after
// construction and safe for concurrent use.
type Registry struct {
	doc document
}

// New builds a Registry from the embedded default metadata document.
func New() (*Registry, error) {
	return NewFromDocument(defaultDocument)
}

// NewFromDocument builds a Registry from a caller-supplied JSON metadata
// document. The document is validated eagerly so malformed registries fail
// at load time rather than at first lookup.
func NewFromDocument(data []byte) (*Registry, error) {
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	if doc.SchemaVersion != documentSchemaVersion {
		return nil, fmt.Errorf("%w: unsupported schema_version %d, expected %d",
			ErrInvalidDocument, doc.SchemaVersion, documentSchemaVersion)
	}
	if doc.Toolchains == nil {
		return nil, fmt.Errorf("%w: missing toolchains section", ErrInvalidDocument)
	}
	for name, tc := range doc.Toolchains {
		for version, platforms := range tc.Versions {
			for plat, meta := range platforms {
				if meta.URL == "" {
					return nil, fmt.Errorf("%w: %s %s %s: empty url",
						ErrInvalidDocument, name, version, plat)
				}
				normalized, err := NormalizeSHA256(meta.SHA256)
				if err != nil {
					return nil, fmt.Errorf("%w: %s %s %s: %v",
						ErrInvalidDocument, name, version, plat, err)
				}
				meta.SHA256 = normalized
				platforms[plat] = meta
			}
		}
	}
	return &Registry{doc: doc}, nil
}

// Resolve maps a (name, version, platform) triple to a concrete Descriptor.
// The version may be exact ("18.1.8") or a prefix pattern ("18", "18.1"),
// in which case the highest matching version is chosen.
//
// Returns ErrUnknownArtifact if no entry matches the name and version, and
// ErrUnsupportedPlatform if the version exists but not for the platform.
func (r *Registry) Resolve(name, version, plat string) (Descriptor, error) {
	tc, ok := r.doc.Toolchains[name]
	if !ok {
		return Descriptor{}, fmt.Errorf("%w: %q", ErrUnknownArtifact, name)
	}

	resolved, ok := resolveVersion(tc, version)
	if !ok {
		return Descriptor{}, fmt.Errorf("%w: %s@%s", ErrUnknownArtifact, name, version)
	}

	meta, ok := tc.Versions[resolved][plat]
	if !ok {
		return Descriptor{}, fmt.Errorf("%w: %s@%s has no entry for %q",
			ErrUnsupportedPlatform, name, resolved, plat)
	}

	return Descriptor{
		Name:           name,
		Version:        resolved,
		Platform:       plat,
		SourceURL:      meta.URL,
		ExpectedSHA256: meta.SHA256,
		ExpectedSize:   meta.SizeBytes,
	}, nil
}

// Versions returns the available versions for an artifact, newest first.
func (r *Registry) Versions(name string) []string {
	tc, ok := r.doc.Toolchains[name]
	if !ok {
		return nil
	}
	versions := make([]string, 0, len(tc.Versions))
	for v := range tc.Versions {
		versions = append(versions, v)
	}
	sort.Sort(sort.Reverse(byVersionString(versions)))
	return versions
}

// Names returns all artifact names in the registry, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.doc.Toolchains))
	for name := range r.doc.Toolchains {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// resolveVersion matches a version string or prefix pattern against the
// available versions, preferring the highest match.
func resolveVersion(tc toolchainEntry, version string) (string, bool) {
	if _, ok := tc.Versions[version]; ok {
		return version, true
	}

	var candidates []string
	for v := range tc.Versions {
		if strings.HasPrefix(v, version+".") {
			candidates = append(candidates, v)
		}
	}
	if len(candidates) == 0 {
		return "", false
	}
	sort.Sort(byVersionString(candidates))
	return candidates[len(candidates)-1], true
}

// byVersionString orders dotted version strings numerically where possible,
// falling back to lexical comparison for non-numeric components.
type byVersionString []string

func (s byVersionString) Len() int      { return len(s) }
func (s byVersionString) Swap(i, j int) { s[i], s[j] = s[j], s[i] }

func (s byVersionString) Less(i, j int) bool {
	a, b := strings.Split(s[i], "."), strings.Split(s[j], ".")
	for k := 0; k < len(a) && k < len(b); k++ {
		if a[k] == b[k] {
			continue
		}
		an, aok := atoi(a[k])
		bn, bok := atoi(b[k])
		if aok && bok {
			return an < bn
		}
		return a[k] < b[k]
	}
	return len(a) < len(b)
}

func atoi(s string) (int, bool) {
	n := 0
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, false
		}
		n = n*10 + int(c-'0')
	}
	return n, true
}

// NormalizeSHA256 lowercases a SHA-256 hex digest, strips an optional
// "sha256:" prefix, and validates length and character set. Rejecting
// malformed hashes here means downstream comparisons never see garbage.
func NormalizeSHA256(s string) (string, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.TrimPrefix(s, "sha256:")
	if len(s) != 64 {
		return "", fmt.Errorf("invalid sha256 length: expected 64 hex characters, got %d", len(s))
	}
	for _, c := range s {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return "", fmt.Errorf("invalid sha256 format: contains non-hex characters")
		}
	}
	return s, nil
}
