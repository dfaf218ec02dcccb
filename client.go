package toolchains

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/go-git/go-billy/v5/osfs"

	"github.com/lockforge/toolchains/internal/cache"
	"github.com/lockforge/toolchains/internal/download"
	"github.com/lockforge/toolchains/internal/lockfile"
	"github.com/lockforge/toolchains/internal/registry"
	"github.com/lockforge/toolchains/internal/verify"
)

// Re-exported domain types. The internal packages own the behavior;
// these aliases keep the public surface to one import.
type (
	// Descriptor is a resolved artifact: coordinates plus source URL,
	// expected digest, and expected size.
	Descriptor = registry.Descriptor

	// Level is the validation depth of an acquisition.
	Level = verify.Level

	// Entry is one cached artifact.
	Entry = cache.Entry

	// State is a cache entry's lifecycle position.
	State = cache.State

	// CacheStats summarizes the cache contents.
	CacheStats = cache.Stats

	// Manifest is a lock document of pinned artifacts.
	Manifest = lockfile.Manifest

	// Pin is one locked artifact within a manifest.
	Pin = lockfile.Pin

	// Request names an artifact to pin during manifest generation.
	Request = lockfile.Request

	// DiffResult classifies entry changes between two manifests.
	DiffResult = lockfile.DiffResult

	// Advisory is a published vulnerability record.
	Advisory = lockfile.Advisory

	// AuditFinding is a pinned version matched by an advisory.
	AuditFinding = lockfile.AuditFinding

	// AdvisorySource yields the advisories known for an artifact.
	AdvisorySource = lockfile.AdvisorySource

	// VerificationError aggregates every failing entry of a manifest
	// verification.
	VerificationError = lockfile.VerificationError
)

const (
	LevelHead    = verify.LevelHead
	LevelPartial = verify.LevelPartial
	LevelFull    = verify.LevelFull

	StateAbsent      = cache.StateAbsent
	StateDownloading = cache.StateDownloading
	StateVerifying   = cache.StateVerifying
	StateVerified    = cache.StateVerified
	StateStale       = cache.StateStale
	StateInvalid     = cache.StateInvalid

	// FormatCycloneDX and FormatSPDX are the lock export formats.
	FormatCycloneDX = lockfile.FormatCycloneDX
	FormatSPDX      = lockfile.FormatSPDX
)

// ParseLevel maps "head", "partial", or "full" to a Level, rejecting
// anything else.
func ParseLevel(s string) (Level, error) {
	return verify.ParseLevel(s)
}

// NewStaticAdvisorySource indexes a flat advisory list for use with
// WithAdvisorySource.
func NewStaticAdvisorySource(advisories []Advisory) AdvisorySource {
	return lockfile.NewStaticAdvisorySource(advisories)
}

// Client acquires toolchain artifacts: it resolves coordinates against
// the registry, downloads and verifies payloads, serves them from a
// content-addressed cache, and manages lock manifests over the result.
// Safe for concurrent use.
type Client struct {
	opts     ClientOptions
	registry *registry.Registry
	fetcher  *download.Fetcher
	store    *cache.Store
	lock     *lockfile.Manager
	log      *slog.Logger
}

// New builds a Client from the default options plus any overrides.
func New(opts ...ClientOption) (*Client, error) {
	options := DefaultClientOptions()
	for _, opt := range opts {
		opt(&options)
	}
	return NewWithOptions(options)
}

// NewWithOptions builds a Client from fully specified options.
func NewWithOptions(options ClientOptions) (*Client, error) {
	if err := validateClientOptions(&options); err != nil {
		return nil, err
	}

	log := options.Logger
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	var reg *registry.Registry
	var err error
	if options.RegistryDocument != nil {
		reg, err = registry.NewFromDocument(options.RegistryDocument)
	} else {
		reg, err = registry.New()
	}
	if err != nil {
		return nil, err
	}

	fetcher, err := download.New(options.HTTPClient, options.RetryPolicy, options.Parallelism, log)
	if err != nil {
		return nil, err
	}

	fs := options.Filesystem
	if fs == nil {
		fs = osfs.New(options.CacheDir)
	}
	store, err := cache.NewStore(fs, cache.Config{
		TTL:     options.TTL,
		NoCache: options.NoCache,
		Logger:  log,
	})
	if err != nil {
		return nil, err
	}

	return &Client{
		opts:     options,
		registry: reg,
		fetcher:  fetcher,
		store:    store,
		lock:     lockfile.NewManager(reg, fetcher, log, nil),
		log:      log,
	}, nil
}

// Resolve maps (name, version, platform) to a concrete Descriptor
// without touching the network. The version may be exact or a prefix
// pattern ("18" picks the highest 18.x.y).
func (c *Client) Resolve(name, version, platform string) (Descriptor, error) {
	desc, err := c.registry.Resolve(name, version, platform)
	if err != nil {
		return Descriptor{}, newArtifactError("resolve", name+"@"+version, err)
	}
	return desc, nil
}

// AcquireResult is the outcome of one acquisition.
type AcquireResult struct {
	// Descriptor is the resolved artifact.
	Descriptor Descriptor

	// Level is the validation depth that was performed.
	Level Level

	// Entry is the verified cache entry. Populated only at LevelFull.
	Entry Entry

	// RemoteSize is the size advertised by the source at LevelHead, or
	// -1 when undeclared. Zero at other levels.
	RemoteSize int64
}

// Acquire resolves an artifact and validates it at the requested level.
// Full acquisitions (the default) download through the verifier into
// the cache and return the verified entry; head and partial
// acquisitions probe the source without mutating the cache. Concurrent
// full acquisitions of the same artifact share a single transfer.
func (c *Client) Acquire(ctx context.Context, name, version, platform string, opts ...AcquireOption) (AcquireResult, error) {
	options := AcquireOptions{Level: LevelFull}
	for _, opt := range opts {
		opt(&options)
	}

	desc, err := c.Resolve(name, version, platform)
	if err != nil {
		return AcquireResult{}, err
	}

	res := AcquireResult{Descriptor: desc, Level: options.Level}
	switch options.Level {
	case LevelHead:
		info, err := c.fetcher.Head(ctx, desc.SourceURL)
		if err != nil {
			return AcquireResult{}, newArtifactError("acquire", desc.Key(), err)
		}
		res.RemoteSize = info.Size
		if info.Size > 0 {
			if check := verify.Check(desc.ExpectedSHA256, desc.ExpectedSize, desc.ExpectedSHA256, info.Size); !check.OK {
				return AcquireResult{}, newArtifactError("acquire", desc.Key(), check.Err())
			}
		}

	case LevelPartial:
		got, err := c.fetcher.Partial(ctx, desc.SourceURL, verify.PartialSize)
		if err != nil {
			return AcquireResult{}, newArtifactError("acquire", desc.Key(), err)
		}
		if got == 0 {
			return AcquireResult{}, newArtifactError("acquire", desc.Key(),
				fmt.Errorf("source served no content: %s", desc.SourceURL))
		}

	case LevelFull:
		acquire := c.store.GetOrFetch
		if options.NoCacheRead {
			acquire = c.store.Refresh
		}
		entry, err := acquire(ctx, desc, func(ctx context.Context, open func() (io.WriteCloser, error)) (string, int64, error) {
			return c.fetcher.Full(ctx, desc.SourceURL, open)
		})
		if err != nil {
			return AcquireResult{}, newArtifactError("acquire", desc.Key(), err)
		}
		res.Entry = entry
	}

	return res, nil
}

// Open returns a reader over a verified cached artifact.
func (c *Client) Open(key string) (io.ReadCloser, error) {
	return c.store.Open(key)
}

// Transfers reports how many payload transfers the client has started,
// across all acquisitions. Deduplicated callers share one transfer.
func (c *Client) Transfers() int64 {
	return c.fetcher.Transfers()
}

// CacheState reports the lifecycle state for an artifact key.
func (c *Client) CacheState(key string) State {
	return c.store.StateOf(key)
}

// CacheEntries lists the cache index ordered by key.
func (c *Client) CacheEntries() []Entry {
	return c.store.Entries()
}

// CacheStats summarizes the cache contents.
func (c *Client) CacheStats() CacheStats {
	return c.store.Stats()
}

// CacheInvalidate marks an entry invalid without deleting its bytes.
func (c *Client) CacheInvalidate(key string) error {
	return c.store.Invalidate(key)
}

// CacheClear removes every cache entry and blob. This is the only
// eviction the cache performs.
func (c *Client) CacheClear() error {
	return c.store.ClearAll()
}

// CacheRebuild reconstructs the cache index from the files area,
// re-hashing every blob.
func (c *Client) CacheRebuild() error {
	return c.store.Rebuild()
}
