package cache

import "time"

// State is the lifecycle position of a cache entry. Trust flows only
// through verification: an entry is served only while Verified and
// fresh, never on the strength of its file name.
type State string

const (
	// StateAbsent means no entry exists for the key.
	StateAbsent State = "absent"

	// StateDownloading means a transfer for the key is in flight.
	StateDownloading State = "downloading"

	// StateVerifying means bytes are present and the digest check is
	// running.
	StateVerifying State = "verifying"

	// StateVerified means the entry's digest matched and it may be served
	// while fresh.
	StateVerified State = "verified"

	// StateStale means the entry was verified but its TTL has lapsed; it
	// is re-verified on next access before being served.
	StateStale State = "stale"

	// StateInvalid means verification failed. The entry is retained for
	// diagnostics but never served.
	StateInvalid State = "invalid"
)

// Entry is one cached artifact. Entries are keyed by the SHA-256 of
// their content; the coordinate fields record which artifact request
// produced them.
type Entry struct {
	// Key is the artifact coordinate key (name-version-platform).
	Key string `json:"key"`

	Name     string `json:"name"`
	Version  string `json:"version"`
	Platform string `json:"platform"`

	// SHA256 is the verified content hash, the entry's identity in the
	// files area.
	SHA256 string `json:"sha256"`

	// Size is the byte count of the cached content.
	Size int64 `json:"size"`

	// Path is the entry's location in the files area, relative to the
	// cache root.
	Path string `json:"path"`

	State State `json:"state"`

	CreatedAt       time.Time `json:"created_at"`
	LastValidatedAt time.Time `json:"last_validated_at"`
}

// FreshAt reports whether the entry is still within its TTL at the
// given instant.
func (e Entry) FreshAt(now time.Time, ttl time.Duration) bool {
	return now.Sub(e.LastValidatedAt) <= ttl
}

// Stats summarizes the cache contents.
type Stats struct {
	Entries    int   `json:"entries"`
	Verified   int   `json:"verified"`
	Stale      int   `json:"stale"`
	Invalid    int   `json:"invalid"`
	TotalBytes int64 `json:"total_bytes"`
}
