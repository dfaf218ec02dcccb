// Package lockfile implements the lock manifest: a pinned, auditable
// record of every artifact a build depends on, with generate, verify,
// diff, audit, and export operations over it.
package lockfile

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/go-git/go-billy/v5"
	"gopkg.in/yaml.v3"
)

// ManifestVersion is the current manifest schema version.
const ManifestVersion = 1

var (
	// ErrInvalidManifest indicates a manifest that fails structural
	// validation: bad schema version, malformed pins, or broken
	// dependency edges.
	ErrInvalidManifest = errors.New("invalid manifest")

	// ErrDependencyCycle indicates the requires edges do not form a DAG.
	ErrDependencyCycle = errors.New("dependency cycle")
)

// Pin is one locked artifact: exact version, content hash, and source.
type Pin struct {
	Version   string   `yaml:"version"`
	SHA256    string   `yaml:"sha256"`
	Size      int64    `yaml:"size,omitempty"`
	SourceURL string   `yaml:"source_url"`
	Requires  []string `yaml:"requires,omitempty"`

	// DownloadDate records when the pinned artifact was resolved and
	// downloaded.
	DownloadDate time.Time `yaml:"download_date,omitempty"`
}

// ToolPin is one locked build tool. Build tools are pinned by version
// and hash only; they carry no source URL or dependency edges.
type ToolPin struct {
	Version string `yaml:"version"`
	SHA256  string `yaml:"sha256"`
}

// Manifest is the lock document. Toolchain entries are keyed by
// artifact name; requires edges between them must form a DAG. Build
// tools are a separate flat section of version/hash pins.
type Manifest struct {
	Version     int                `yaml:"version"`
	GeneratedAt time.Time          `yaml:"generated_at"`
	Platform    string             `yaml:"platform"`
	Toolchains  map[string]Pin     `yaml:"toolchains"`
	BuildTools  map[string]ToolPin `yaml:"build_tools,omitempty"`
	Metadata    Metadata           `yaml:"metadata,omitempty"`
}

// Metadata records provenance of the manifest document itself.
type Metadata struct {
	Generator string `yaml:"generator,omitempty"`
}

// Names returns the pinned toolchain names, sorted. Every operation
// that walks the manifest walks it in this order so output is
// deterministic.
func (m *Manifest) Names() []string {
	names := make([]string, 0, len(m.Toolchains))
	for name := range m.Toolchains {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// BuildToolNames returns the pinned build tool names, sorted.
func (m *Manifest) BuildToolNames() []string {
	names := make([]string, 0, len(m.BuildTools))
	for name := range m.BuildTools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Validate checks structural integrity: schema version, non-empty pins,
// and requires edges that reference known entries without cycles.
func (m *Manifest) Validate() error {
	if m.Version != ManifestVersion {
		return fmt.Errorf("%w: unsupported version %d", ErrInvalidManifest, m.Version)
	}
	if m.Platform == "" {
		return fmt.Errorf("%w: missing platform", ErrInvalidManifest)
	}
	for name, pin := range m.Toolchains {
		if pin.Version == "" {
			return fmt.Errorf("%w: %s: missing version", ErrInvalidManifest, name)
		}
		if len(pin.SHA256) != 64 {
			return fmt.Errorf("%w: %s: malformed sha256", ErrInvalidManifest, name)
		}
		if pin.SourceURL == "" {
			return fmt.Errorf("%w: %s: missing source_url", ErrInvalidManifest, name)
		}
		for _, dep := range pin.Requires {
			_, tc := m.Toolchains[dep]
			_, bt := m.BuildTools[dep]
			if !tc && !bt {
				return fmt.Errorf("%w: %s requires unknown entry %q", ErrInvalidManifest, name, dep)
			}
		}
	}
	for name, pin := range m.BuildTools {
		if pin.Version == "" {
			return fmt.Errorf("%w: build tool %s: missing version", ErrInvalidManifest, name)
		}
		if len(pin.SHA256) != 64 {
			return fmt.Errorf("%w: build tool %s: malformed sha256", ErrInvalidManifest, name)
		}
	}
	return m.validateAcyclic()
}

// validateAcyclic runs a three-color depth-first walk over the requires
// edges and rejects any back edge.
func (m *Manifest) validateAcyclic() error {
	const (
		white = 0 // unvisited
		gray  = 1 // on the current path
		black = 2 // fully explored
	)
	color := make(map[string]int, len(m.Toolchains))

	var visit func(name string, path []string) error
	visit = func(name string, path []string) error {
		switch color[name] {
		case gray:
			return fmt.Errorf("%w: %v -> %s", ErrDependencyCycle, path, name)
		case black:
			return nil
		}
		color[name] = gray
		// Each branch gets its own path copy; sibling recursions must
		// not share a backing array.
		branch := append(append([]string(nil), path...), name)
		for _, dep := range m.Toolchains[name].Requires {
			if err := visit(dep, branch); err != nil {
				return err
			}
		}
		color[name] = black
		return nil
	}

	for _, name := range m.Names() {
		if err := visit(name, nil); err != nil {
			return err
		}
	}
	return nil
}

// Encode writes the manifest as YAML.
func (m *Manifest) Encode(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(m); err != nil {
		return fmt.Errorf("encoding manifest: %w", err)
	}
	return enc.Close()
}

// Decode reads and validates a YAML manifest.
func Decode(r io.Reader) (*Manifest, error) {
	var m Manifest
	if err := yaml.NewDecoder(r).Decode(&m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Load reads a manifest from a filesystem path.
func Load(fs billy.Filesystem, path string) (*Manifest, error) {
	f, err := fs.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening manifest: %w", err)
	}
	defer f.Close()
	return Decode(f)
}

// Save writes a manifest atomically: temp file first, then rename.
func Save(fs billy.Filesystem, path string, m *Manifest) error {
	if err := m.Validate(); err != nil {
		return err
	}
	tmp, err := fs.TempFile(".", "lock-")
	if err != nil {
		return fmt.Errorf("creating manifest temp file: %w", err)
	}
	tmpName := tmp.Name()
	if err := m.Encode(tmp); err != nil {
		tmp.Close()
		fs.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		fs.Remove(tmpName)
		return err
	}
	if err := fs.Rename(tmpName, path); err != nil {
		fs.Remove(tmpName)
		return fmt.Errorf("publishing manifest: %w", err)
	}
	return nil
}
