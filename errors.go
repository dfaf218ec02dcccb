package toolchains

import (
	"fmt"

	"github.com/lockforge/toolchains/internal/cache"
	"github.com/lockforge/toolchains/internal/download"
	"github.com/lockforge/toolchains/internal/registry"
	"github.com/lockforge/toolchains/internal/verify"
)

// Sentinel errors surfaced by the client. Check with errors.Is; the
// wrapped chain carries the operation and artifact key.
var (
	// ErrUnknownArtifact: no registry entry matches the requested name
	// and version.
	ErrUnknownArtifact = registry.ErrUnknownArtifact

	// ErrUnsupportedPlatform: the artifact exists but not for the
	// requested platform.
	ErrUnsupportedPlatform = registry.ErrUnsupportedPlatform

	// ErrNetwork: a transient transport failure that survived the retry
	// budget.
	ErrNetwork = download.ErrNetwork

	// ErrHashMismatch: downloaded bytes do not hash to the expected
	// digest. Possible tampering, never retried.
	ErrHashMismatch = verify.ErrHashMismatch

	// ErrSizeMismatch: downloaded size deviates fatally from the
	// expected size.
	ErrSizeMismatch = verify.ErrSizeMismatch

	// ErrCacheCorrupted: the cache index no longer parses; recovery is
	// a rebuild from content.
	ErrCacheCorrupted = cache.ErrCacheCorrupted

	// ErrEntryInvalid: the cache entry failed verification and is held
	// only for diagnostics.
	ErrEntryInvalid = cache.ErrEntryInvalid
)

// ArtifactError wraps a failure with the operation and artifact key it
// occurred on.
type ArtifactError struct {
	// Op is the operation that failed (e.g., "acquire", "resolve").
	Op string

	// Key is the artifact coordinate key the operation was working on.
	Key string

	// Err is the underlying error.
	Err error
}

func (e *ArtifactError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.Key, e.Err)
}

func (e *ArtifactError) Unwrap() error {
	return e.Err
}

func newArtifactError(op, key string, err error) *ArtifactError {
	return &ArtifactError{Op: op, Key: key, Err: err}
}
