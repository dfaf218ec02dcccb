package toolchains

import (
	"context"
	"path/filepath"

	"github.com/go-git/go-billy/v5/osfs"

	"github.com/lockforge/toolchains/internal/lockfile"
)

// GenerateLock resolves every request for the platform and pins the
// results into a fresh manifest. Requires edges must form a DAG over
// the requested set.
func (c *Client) GenerateLock(ctx context.Context, platform string, requests []Request) (*Manifest, error) {
	return c.lock.Generate(ctx, platform, requests)
}

// VerifyLock re-resolves every pinned entry and re-validates it at the
// given level: head probes each source, full re-downloads and checks
// digests. Any entry failure fails the operation; the returned
// *VerificationError lists every failing entry.
func (c *Client) VerifyLock(ctx context.Context, m *Manifest, level Level) error {
	return c.lock.Verify(ctx, m, level)
}

// DiffLocks classifies entries as added, removed, or updated between an
// old and a new manifest.
func (c *Client) DiffLocks(oldM, newM *Manifest) DiffResult {
	return lockfile.Diff(oldM, newM)
}

// AuditLock cross-references every pinned version against the client's
// advisory source. An unconfigured or empty source yields no findings,
// not an error.
func (c *Client) AuditLock(ctx context.Context, m *Manifest) ([]AuditFinding, error) {
	source := c.opts.AdvisorySource
	if source == nil {
		source = lockfile.NewStaticAdvisorySource(nil)
	}
	return c.lock.Audit(ctx, m, source)
}

// ExportLock renders the manifest as an SBOM document, either
// FormatCycloneDX or FormatSPDX. The output is deterministic for a
// given manifest.
func (c *Client) ExportLock(m *Manifest, format string) ([]byte, error) {
	return lockfile.Export(m, format)
}

// SaveLock writes a manifest to a local path atomically.
func (c *Client) SaveLock(path string, m *Manifest) error {
	dir, name := filepath.Split(path)
	if dir == "" {
		dir = "."
	}
	return lockfile.Save(osfs.New(dir), name, m)
}

// LoadLock reads and validates a manifest from a local path.
func (c *Client) LoadLock(path string) (*Manifest, error) {
	dir, name := filepath.Split(path)
	if dir == "" {
		dir = "."
	}
	return lockfile.Load(osfs.New(dir), name)
}
