package toolchains

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-git/go-billy/v5"

	"github.com/lockforge/toolchains/internal/cache"
	"github.com/lockforge/toolchains/internal/download"
	"github.com/lockforge/toolchains/internal/lockfile"
)

// ClientOptions configures a Client. Use the With* option functions
// rather than constructing this directly.
type ClientOptions struct {
	// CacheDir is the cache root on the local filesystem. Ignored when
	// Filesystem is set.
	CacheDir string

	// Filesystem overrides the cache backing store, rooted at the cache
	// location. Tests use an in-memory filesystem here.
	Filesystem billy.Filesystem

	// TTL is how long a verified cache entry stays fresh. Zero means
	// 24 hours.
	TTL time.Duration

	// NoCache bypasses cache reads; every acquisition transfers anew
	// but results are still written back.
	NoCache bool

	// RetryPolicy governs transient-failure retries on transfers.
	RetryPolicy download.RetryPolicy

	// Parallelism bounds concurrent transfers across artifact keys.
	Parallelism int64

	// HTTPClient performs the transfers. Nil uses http.DefaultClient.
	HTTPClient *http.Client

	// Logger receives structured events. Nil discards.
	Logger *slog.Logger

	// RegistryDocument overrides the embedded artifact metadata.
	RegistryDocument []byte

	// AdvisorySource backs lock manifest audits. Nil means no advisory
	// data, which audits treat as clean.
	AdvisorySource lockfile.AdvisorySource
}

// ClientOption mutates ClientOptions.
type ClientOption func(*ClientOptions)

// DefaultClientOptions returns the baseline configuration.
func DefaultClientOptions() ClientOptions {
	return ClientOptions{
		CacheDir:    ".toolchains-cache",
		TTL:         cache.DefaultTTL,
		RetryPolicy: download.DefaultRetryPolicy(),
		Parallelism: 4,
	}
}

// WithCacheDir sets the cache root directory.
func WithCacheDir(dir string) ClientOption {
	return func(o *ClientOptions) {
		o.CacheDir = dir
	}
}

// WithFilesystem overrides the cache backing filesystem.
func WithFilesystem(fs billy.Filesystem) ClientOption {
	return func(o *ClientOptions) {
		o.Filesystem = fs
	}
}

// WithTTL sets the freshness window for verified cache entries.
func WithTTL(ttl time.Duration) ClientOption {
	return func(o *ClientOptions) {
		o.TTL = ttl
	}
}

// WithNoCache disables cache reads while keeping write-back.
func WithNoCache() ClientOption {
	return func(o *ClientOptions) {
		o.NoCache = true
	}
}

// WithRetryPolicy sets the transfer retry policy.
func WithRetryPolicy(p download.RetryPolicy) ClientOption {
	return func(o *ClientOptions) {
		o.RetryPolicy = p
	}
}

// WithParallelism bounds concurrent transfers.
func WithParallelism(n int64) ClientOption {
	return func(o *ClientOptions) {
		o.Parallelism = n
	}
}

// WithHTTPClient sets the HTTP client used for transfers.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(o *ClientOptions) {
		o.HTTPClient = c
	}
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) ClientOption {
	return func(o *ClientOptions) {
		o.Logger = l
	}
}

// WithRegistryDocument replaces the embedded artifact metadata with a
// caller-supplied JSON document.
func WithRegistryDocument(doc []byte) ClientOption {
	return func(o *ClientOptions) {
		o.RegistryDocument = doc
	}
}

// WithAdvisorySource sets the advisory feed consulted by lock audits.
func WithAdvisorySource(s lockfile.AdvisorySource) ClientOption {
	return func(o *ClientOptions) {
		o.AdvisorySource = s
	}
}

func validateClientOptions(o *ClientOptions) error {
	if o.Filesystem == nil && o.CacheDir == "" {
		return fmt.Errorf("cache location required: set a cache dir or a filesystem")
	}
	if o.Parallelism < 1 {
		return fmt.Errorf("parallelism must be at least 1, got %d", o.Parallelism)
	}
	if err := o.RetryPolicy.Validate(); err != nil {
		return err
	}
	return nil
}

// AcquireOptions configures a single acquisition.
type AcquireOptions struct {
	// Level is the validation depth: head, partial, or full. Full is
	// the default and the only level that populates the cache.
	Level Level

	// NoCacheRead skips the cache read path for this acquisition only.
	// The transferred result is still written back.
	NoCacheRead bool
}

// AcquireOption mutates AcquireOptions.
type AcquireOption func(*AcquireOptions)

// WithLevel sets the validation depth for one acquisition.
func WithLevel(l Level) AcquireOption {
	return func(o *AcquireOptions) {
		o.Level = l
	}
}

// WithNoCacheRead forces a fresh transfer for one acquisition without
// changing the client-wide cache policy.
func WithNoCacheRead() AcquireOption {
	return func(o *AcquireOptions) {
		o.NoCacheRead = true
	}
}
