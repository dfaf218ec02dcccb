package cache

import "errors"

var (
	// ErrCacheCorrupted indicates the persistent index no longer parses
	// or disagrees with the files area. Recovery is a forced rebuild
	// from content, never silent loss.
	ErrCacheCorrupted = errors.New("cache index corrupted")

	// ErrEntryNotFound indicates no entry exists for the requested key.
	ErrEntryNotFound = errors.New("cache entry not found")

	// ErrEntryInvalid indicates the entry exists but failed verification
	// and is retained only for diagnostics.
	ErrEntryInvalid = errors.New("cache entry invalid")
)
