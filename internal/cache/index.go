package cache

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/go-git/go-billy/v5"
)

// indexFile is the persistent index location relative to the cache root.
const indexFile = "index.json"

// Index is the persistent metadata catalog of the cache: one JSON
// document per line, one line per entry, keyed by artifact coordinate.
// All mutations are written through to disk atomically so a crash never
// leaves a half-written index behind.
type Index struct {
	mu      sync.RWMutex
	fs      billy.Filesystem
	entries map[string]Entry
}

// LoadIndex reads the index from the filesystem. A missing file yields
// an empty index; an unparsable one yields ErrCacheCorrupted so the
// caller can force a rebuild.
func LoadIndex(fs billy.Filesystem) (*Index, error) {
	idx := &Index{
		fs:      fs,
		entries: make(map[string]Entry),
	}

	f, err := fs.Open(indexFile)
	if err != nil {
		if os.IsNotExist(err) {
			return idx, nil
		}
		return nil, fmt.Errorf("opening index: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(raw, &e); err != nil {
			return nil, fmt.Errorf("%w: line %d: %v", ErrCacheCorrupted, line, err)
		}
		if e.Key == "" || e.SHA256 == "" {
			return nil, fmt.Errorf("%w: line %d: entry missing key or hash", ErrCacheCorrupted, line)
		}
		idx.entries[e.Key] = e
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCacheCorrupted, err)
	}
	return idx, nil
}

// Get returns the entry for a key.
func (i *Index) Get(key string) (Entry, bool) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	e, ok := i.entries[key]
	return e, ok
}

// Put inserts or replaces an entry and persists the index.
func (i *Index) Put(e Entry) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.entries[e.Key] = e
	return i.persist()
}

// Delete removes an entry and persists the index. Deleting a missing
// key is a no-op.
func (i *Index) Delete(key string) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if _, ok := i.entries[key]; !ok {
		return nil
	}
	delete(i.entries, key)
	return i.persist()
}

// Reset replaces the full entry set and persists, used by rebuild and
// clear.
func (i *Index) Reset(entries []Entry) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.entries = make(map[string]Entry, len(entries))
	for _, e := range entries {
		i.entries[e.Key] = e
	}
	return i.persist()
}

// List returns all entries ordered by key.
func (i *Index) List() []Entry {
	i.mu.RLock()
	defer i.mu.RUnlock()
	out := make([]Entry, 0, len(i.entries))
	for _, e := range i.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Key < out[b].Key })
	return out
}

// Len returns the entry count.
func (i *Index) Len() int {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return len(i.entries)
}

// persist writes the full index to a temp file and renames it over the
// live one. Callers hold the write lock.
func (i *Index) persist() error {
	tmp, err := i.fs.TempFile(".", "index-")
	if err != nil {
		return fmt.Errorf("creating index temp file: %w", err)
	}
	tmpName := tmp.Name()

	keys := make([]string, 0, len(i.entries))
	for k := range i.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	w := bufio.NewWriter(tmp)
	enc := json.NewEncoder(w)
	for _, k := range keys {
		if err := enc.Encode(i.entries[k]); err != nil {
			tmp.Close()
			i.fs.Remove(tmpName)
			return fmt.Errorf("encoding index entry: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		i.fs.Remove(tmpName)
		return fmt.Errorf("flushing index: %w", err)
	}
	if err := tmp.Close(); err != nil {
		i.fs.Remove(tmpName)
		return fmt.Errorf("closing index temp file: %w", err)
	}
	if err := i.fs.Rename(tmpName, indexFile); err != nil {
		i.fs.Remove(tmpName)
		return fmt.Errorf("publishing index: %w", err)
	}
	return nil
}
