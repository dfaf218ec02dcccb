// Package cache implements the content-addressed artifact store: a
// files area keyed by SHA-256 plus a persistent metadata index. Entries
// earn trust only through digest verification; a file's name or
// location is never taken as proof of its content.
package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"
	"golang.org/x/sync/singleflight"

	"github.com/lockforge/toolchains/internal/registry"
	"github.com/lockforge/toolchains/internal/verify"
)

const (
	filesDir = "files"
	tmpDir   = "tmp"

	// DefaultTTL is how long a verified entry stays fresh before it
	// must be re-verified on access.
	DefaultTTL = 24 * time.Hour
)

// Transfer performs one full payload transfer into a destination opened
// per attempt, returning the observed SHA-256 hex digest and byte count.
// The store supplies the destination; the downloader supplies the
// bytes.
type Transfer func(ctx context.Context, open func() (io.WriteCloser, error)) (string, int64, error)

// Config carries store construction parameters.
type Config struct {
	// TTL is the freshness window for verified entries. Zero means
	// DefaultTTL.
	TTL time.Duration

	// NoCache bypasses the read path: every acquisition transfers anew,
	// but results are still written back for later callers.
	NoCache bool

	// Logger receives store events. Nil discards.
	Logger *slog.Logger

	// Now overrides the clock, for tests. Nil means time.Now.
	Now func() time.Time
}

// Store is the content cache. Safe for concurrent use: per-key fetches
// are collapsed through singleflight, and index mutations are atomic.
type Store struct {
	fs      billy.Filesystem
	index   atomic.Pointer[Index]
	ttl     time.Duration
	noCache bool
	log     *slog.Logger
	now     func() time.Time

	group singleflight.Group

	// inflight tracks the transient state of keys with an active fetch.
	inflight sync.Map // key -> State
}

// NewStore opens (or initializes) a cache rooted at the filesystem. A
// corrupt index is rebuilt from the files area rather than discarded.
func NewStore(fs billy.Filesystem, cfg Config) (*Store, error) {
	if cfg.TTL == 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	for _, dir := range []string{filesDir, tmpDir} {
		if err := fs.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating cache directory %s: %w", dir, err)
		}
	}

	s := &Store{
		fs:      fs,
		ttl:     cfg.TTL,
		noCache: cfg.NoCache,
		log:     cfg.Logger,
		now:     cfg.Now,
	}

	idx, err := LoadIndex(fs)
	if err != nil {
		if !errors.Is(err, ErrCacheCorrupted) {
			return nil, err
		}
		cfg.Logger.Warn("cache index corrupted, rebuilding from content", "error", err)
		if idx, err = s.rebuildIndex(); err != nil {
			return nil, err
		}
	}
	s.index.Store(idx)
	return s, nil
}

// idx returns the live index. Rebuild swaps the whole index atomically,
// so readers always see either the old or the new one, never a mix.
func (s *Store) idx() *Index {
	return s.index.Load()
}

// GetOrFetch returns the verified cache entry for the descriptor,
// transferring and verifying the payload if the cache cannot serve it.
// Concurrent callers for the same key share one transfer and receive
// identical results.
func (s *Store) GetOrFetch(ctx context.Context, desc registry.Descriptor, transfer Transfer) (Entry, error) {
	return s.acquire(ctx, desc, transfer, s.noCache)
}

// Refresh acquires the descriptor without consulting the cache, even
// when the store itself allows reads. The result is still written back
// for later callers.
func (s *Store) Refresh(ctx context.Context, desc registry.Descriptor, transfer Transfer) (Entry, error) {
	return s.acquire(ctx, desc, transfer, true)
}

func (s *Store) acquire(ctx context.Context, desc registry.Descriptor, transfer Transfer, bypassRead bool) (Entry, error) {
	key := desc.Key()

	if !bypassRead {
		if entry, ok, err := s.tryServe(desc); err != nil {
			return Entry{}, err
		} else if ok {
			s.log.Debug("cache hit", "key", key, "sha256", entry.SHA256)
			return entry, nil
		}
	}

	v, err, _ := s.group.Do(key, func() (any, error) {
		// A caller that queued behind an in-flight fetch may now be
		// satisfied by its result without another look at the network.
		if !bypassRead {
			if entry, ok, err := s.tryServe(desc); err != nil {
				return Entry{}, err
			} else if ok {
				return entry, nil
			}
		}
		return s.fetch(ctx, desc, transfer)
	})
	if err != nil {
		return Entry{}, err
	}
	return v.(Entry), nil
}

// tryServe attempts to satisfy a descriptor from the cache. A stale
// entry is re-verified in place before being served; a verified entry
// whose hash no longer matches the descriptor's expectation is a miss.
func (s *Store) tryServe(desc registry.Descriptor) (Entry, bool, error) {
	entry, ok := s.idx().Get(desc.Key())
	if !ok || entry.State == StateInvalid {
		return Entry{}, false, nil
	}
	if entry.SHA256 != desc.ExpectedSHA256 {
		// The registry now expects different content under the same
		// coordinates. The old entry stays but cannot serve this request.
		return Entry{}, false, nil
	}

	if entry.FreshAt(s.now(), s.ttl) {
		return entry, true, nil
	}

	s.log.Debug("entry stale, re-verifying", "key", entry.Key)
	observed, size, err := s.hashFile(entry.Path)
	if err != nil {
		if os.IsNotExist(err) {
			// Files area lost the blob; treat as a miss.
			return Entry{}, false, nil
		}
		return Entry{}, false, fmt.Errorf("re-verifying %s: %w", entry.Key, err)
	}

	if observed != desc.ExpectedSHA256 {
		entry.State = StateInvalid
		entry.SHA256 = observed
		entry.Size = size
		if err := s.idx().Put(entry); err != nil {
			return Entry{}, false, err
		}
		s.log.Warn("stale entry failed re-verification, refetching",
			"key", entry.Key, "expected", desc.ExpectedSHA256, "observed", observed)
		return Entry{}, false, nil
	}

	entry.State = StateVerified
	entry.LastValidatedAt = s.now()
	if err := s.idx().Put(entry); err != nil {
		return Entry{}, false, err
	}
	return entry, true, nil
}

// fetch transfers the payload to a temp file, verifies it, and
// publishes it into the files area with an atomic rename. Failed
// verification publishes the bytes too, under an Invalid entry kept for
// diagnostics, and returns the integrity error.
func (s *Store) fetch(ctx context.Context, desc registry.Descriptor, transfer Transfer) (Entry, error) {
	key := desc.Key()
	s.log.Info("fetching artifact", "key", key, "url", desc.SourceURL)
	s.inflight.Store(key, StateDownloading)
	defer s.inflight.Delete(key)

	tmp, err := s.fs.TempFile(tmpDir, key+"-")
	if err != nil {
		return Entry{}, fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()
	tmp.Close()

	open := func() (io.WriteCloser, error) {
		return s.fs.OpenFile(tmpName, os.O_WRONLY|os.O_TRUNC, 0o644)
	}

	observed, size, err := transfer(ctx, open)
	if err != nil {
		// Cancelled or failed transfers leave no trace: the temp file
		// goes, the index is untouched.
		s.fs.Remove(tmpName)
		return Entry{}, err
	}

	s.inflight.Store(key, StateVerifying)
	res := verify.Check(desc.ExpectedSHA256, desc.ExpectedSize, observed, size)
	for _, f := range res.Findings {
		if f.Severity == verify.SeverityWarning {
			s.log.Warn("verification warning", "key", key, "code", f.Code, "detail", f.Detail)
		}
	}

	now := s.now()
	entry := Entry{
		Key:             key,
		Name:            desc.Name,
		Version:         desc.Version,
		Platform:        desc.Platform,
		SHA256:          observed,
		Size:            size,
		Path:            s.fs.Join(filesDir, observed),
		CreatedAt:       now,
		LastValidatedAt: now,
	}

	if err := s.fs.Rename(tmpName, entry.Path); err != nil {
		s.fs.Remove(tmpName)
		return Entry{}, fmt.Errorf("publishing %s: %w", key, err)
	}

	if !res.OK {
		entry.State = StateInvalid
		if perr := s.idx().Put(entry); perr != nil {
			return Entry{}, perr
		}
		s.log.Error("verification failed", "key", key, "expected", desc.ExpectedSHA256, "observed", observed)
		return Entry{}, res.Err()
	}

	entry.State = StateVerified
	if err := s.idx().Put(entry); err != nil {
		return Entry{}, err
	}
	s.log.Info("artifact cached", "key", key, "sha256", observed, "bytes", size)
	return entry, nil
}

// StateOf reports the current lifecycle state for a key. A verified
// entry past its TTL reports Stale.
func (s *Store) StateOf(key string) State {
	if st, ok := s.inflight.Load(key); ok {
		return st.(State)
	}
	entry, ok := s.idx().Get(key)
	if !ok {
		return StateAbsent
	}
	if entry.State == StateVerified && !entry.FreshAt(s.now(), s.ttl) {
		return StateStale
	}
	return entry.State
}

// Open returns a reader over a verified entry's content.
func (s *Store) Open(key string) (io.ReadCloser, error) {
	entry, ok := s.idx().Get(key)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrEntryNotFound, key)
	}
	if entry.State == StateInvalid {
		return nil, fmt.Errorf("%w: %s", ErrEntryInvalid, key)
	}
	return s.fs.Open(entry.Path)
}

// Invalidate marks an entry Invalid. The blob stays in the files area
// for diagnostics; the entry is simply never served again.
func (s *Store) Invalidate(key string) error {
	entry, ok := s.idx().Get(key)
	if !ok {
		return fmt.Errorf("%w: %s", ErrEntryNotFound, key)
	}
	entry.State = StateInvalid
	return s.idx().Put(entry)
}

// Entries lists the index contents ordered by key.
func (s *Store) Entries() []Entry {
	return s.idx().List()
}

// Stats summarizes entry counts by state and total cached bytes.
func (s *Store) Stats() Stats {
	var st Stats
	now := s.now()
	for _, e := range s.idx().List() {
		st.Entries++
		st.TotalBytes += e.Size
		switch {
		case e.State == StateInvalid:
			st.Invalid++
		case e.State == StateVerified && !e.FreshAt(now, s.ttl):
			st.Stale++
		case e.State == StateVerified:
			st.Verified++
		}
	}
	return st
}

// ClearAll removes every entry and blob. This is the only eviction the
// store performs: growth is otherwise unbounded by design.
func (s *Store) ClearAll() error {
	if err := util.RemoveAll(s.fs, filesDir); err != nil {
		return fmt.Errorf("clearing files area: %w", err)
	}
	if err := util.RemoveAll(s.fs, tmpDir); err != nil {
		return fmt.Errorf("clearing temp area: %w", err)
	}
	for _, dir := range []string{filesDir, tmpDir} {
		if err := s.fs.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return s.idx().Reset(nil)
}

// Rebuild discards the index and reconstructs it from the files area,
// re-hashing every blob. Coordinate metadata cannot be recovered from
// content, so rebuilt entries are keyed by their hash.
func (s *Store) Rebuild() error {
	idx, err := s.rebuildIndex()
	if err != nil {
		return err
	}
	s.index.Store(idx)
	return nil
}

func (s *Store) rebuildIndex() (*Index, error) {
	infos, err := s.fs.ReadDir(filesDir)
	if err != nil {
		if os.IsNotExist(err) {
			infos = nil
		} else {
			return nil, fmt.Errorf("scanning files area: %w", err)
		}
	}

	// Drop the unparsable index before writing the fresh one.
	s.fs.Remove(indexFile)

	idx := &Index{fs: s.fs, entries: make(map[string]Entry)}
	now := s.now()
	for _, info := range infos {
		if info.IsDir() {
			continue
		}
		path := s.fs.Join(filesDir, info.Name())
		observed, size, err := s.hashFile(path)
		if err != nil {
			return nil, fmt.Errorf("rebuilding index: hashing %s: %w", path, err)
		}
		entry := Entry{
			Key:             observed,
			SHA256:          observed,
			Size:            size,
			Path:            s.fs.Join(filesDir, observed),
			State:           StateVerified,
			CreatedAt:       now,
			LastValidatedAt: now,
		}
		if observed != info.Name() {
			// Content does not match its address: keep the blob but
			// never serve it.
			entry.State = StateInvalid
			entry.Path = path
			entry.Key = info.Name()
			s.log.Warn("blob content does not match its name",
				"path", path, "observed", observed)
		}
		idx.entries[entry.Key] = entry
	}

	idx.mu.Lock()
	err = idx.persist()
	idx.mu.Unlock()
	if err != nil {
		return nil, err
	}
	s.log.Info("cache index rebuilt", "entries", len(idx.entries))
	return idx, nil
}

// hashFile streams a blob through the digest verifier without loading
// it whole.
func (s *Store) hashFile(path string) (string, int64, error) {
	f, err := s.fs.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()
	return verify.Stream(io.Discard, f)
}
