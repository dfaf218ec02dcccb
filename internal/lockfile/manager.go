package lockfile

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/lockforge/toolchains/internal/download"
	"github.com/lockforge/toolchains/internal/registry"
	"github.com/lockforge/toolchains/internal/verify"
)

// Resolver maps artifact coordinates to descriptors. Satisfied by
// *registry.Registry.
type Resolver interface {
	Resolve(name, version, platform string) (registry.Descriptor, error)
}

// SourceChecker probes and transfers pinned sources. Satisfied by
// *download.Fetcher.
type SourceChecker interface {
	Head(ctx context.Context, url string) (download.HeadInfo, error)
	Partial(ctx context.Context, url string, n int64) (int64, error)
	Full(ctx context.Context, url string, open download.OpenDest) (string, int64, error)
}

// Request names one artifact to pin when generating a manifest.
type Request struct {
	Name    string
	Version string

	// Requires lists the names of other requested artifacts this one
	// depends on.
	Requires []string

	// BuildTool pins the artifact into the manifest's build_tools
	// section (version and hash only) instead of the toolchains
	// section.
	BuildTool bool
}

// EntryFailure is one failing manifest entry during verification.
type EntryFailure struct {
	Name   string
	Detail string
	Err    error
}

// VerificationError aggregates every failing entry of a manifest
// verification. The operation fails as a whole, but no failure is
// hidden behind the first one.
type VerificationError struct {
	Failures []EntryFailure
}

func (e *VerificationError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "manifest verification failed: %d entries", len(e.Failures))
	for _, f := range e.Failures {
		fmt.Fprintf(&b, "\n  %s: %s", f.Name, f.Detail)
	}
	return b.String()
}

// Unwrap exposes the per-entry errors to errors.Is.
func (e *VerificationError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failures))
	for _, f := range e.Failures {
		if f.Err != nil {
			errs = append(errs, f.Err)
		}
	}
	return errs
}

// Manager performs the lock manifest operations against a resolver and
// a source checker.
type Manager struct {
	resolver Resolver
	checker  SourceChecker
	log      *slog.Logger
	now      func() time.Time
}

// NewManager builds a Manager. A nil logger discards; a nil clock uses
// time.Now.
func NewManager(resolver Resolver, checker SourceChecker, log *slog.Logger, now func() time.Time) *Manager {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if now == nil {
		now = time.Now
	}
	return &Manager{resolver: resolver, checker: checker, log: log, now: now}
}

// Generate resolves every request and pins the results into a fresh
// manifest. Requires edges are validated against the requested set and
// must form a DAG.
func (mgr *Manager) Generate(ctx context.Context, platform string, requests []Request) (*Manifest, error) {
	now := mgr.now().UTC()
	m := &Manifest{
		Version:     ManifestVersion,
		GeneratedAt: now,
		Platform:    platform,
		Toolchains:  make(map[string]Pin, len(requests)),
		Metadata:    Metadata{Generator: "lockforge"},
	}

	for _, req := range requests {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		desc, err := mgr.resolver.Resolve(req.Name, req.Version, platform)
		if err != nil {
			return nil, fmt.Errorf("pinning %s@%s: %w", req.Name, req.Version, err)
		}
		if req.BuildTool {
			if m.BuildTools == nil {
				m.BuildTools = make(map[string]ToolPin)
			}
			m.BuildTools[req.Name] = ToolPin{
				Version: desc.Version,
				SHA256:  desc.ExpectedSHA256,
			}
		} else {
			m.Toolchains[req.Name] = Pin{
				Version:      desc.Version,
				SHA256:       desc.ExpectedSHA256,
				Size:         desc.ExpectedSize,
				SourceURL:    desc.SourceURL,
				Requires:     append([]string(nil), req.Requires...),
				DownloadDate: now,
			}
		}
		mgr.log.Debug("pinned artifact", "name", req.Name, "version", desc.Version, "sha256", desc.ExpectedSHA256)
	}

	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// Verify re-resolves every pinned entry and re-validates its source.
// At head level each entry's URL is probed and the advertised size
// compared; at full level the payload is transferred and its digest
// checked against the pin. Any entry failure fails the whole operation,
// but every failing entry is reported.
func (mgr *Manager) Verify(ctx context.Context, m *Manifest, level verify.Level) error {
	if err := m.Validate(); err != nil {
		return err
	}

	var failures []EntryFailure
	for _, name := range m.Names() {
		if err := ctx.Err(); err != nil {
			return err
		}
		pin := m.Toolchains[name]
		if f, ok := mgr.verifyEntry(ctx, name, pin, m.Platform, level); !ok {
			failures = append(failures, f)
		}
	}

	// Build tools carry no source URL, so they are verified against the
	// registry alone: still resolvable, hash unchanged.
	for _, name := range m.BuildToolNames() {
		if err := ctx.Err(); err != nil {
			return err
		}
		pin := m.BuildTools[name]
		desc, err := mgr.resolver.Resolve(name, pin.Version, m.Platform)
		if err != nil {
			failures = append(failures, EntryFailure{
				Name:   name,
				Detail: fmt.Sprintf("no longer resolvable: %v", err),
				Err:    err,
			})
			continue
		}
		if desc.ExpectedSHA256 != pin.SHA256 {
			failures = append(failures, EntryFailure{
				Name: name,
				Detail: fmt.Sprintf("registry hash diverged from pin: expected sha256 %s, observed %s",
					pin.SHA256, desc.ExpectedSHA256),
				Err: verify.ErrHashMismatch,
			})
		}
	}

	if len(failures) > 0 {
		return &VerificationError{Failures: failures}
	}
	return nil
}

func (mgr *Manager) verifyEntry(ctx context.Context, name string, pin Pin, platform string, level verify.Level) (EntryFailure, bool) {
	desc, err := mgr.resolver.Resolve(name, pin.Version, platform)
	if err != nil {
		return EntryFailure{
			Name:   name,
			Detail: fmt.Sprintf("no longer resolvable: %v", err),
			Err:    err,
		}, false
	}

	if desc.ExpectedSHA256 != pin.SHA256 {
		res := verify.Check(pin.SHA256, pin.Size, desc.ExpectedSHA256, desc.ExpectedSize)
		f, _ := res.Fatal()
		return EntryFailure{
			Name:   name,
			Detail: fmt.Sprintf("registry hash diverged from pin: %s", f.Detail),
			Err:    verify.ErrHashMismatch,
		}, false
	}

	switch level {
	case verify.LevelHead:
		info, err := mgr.checker.Head(ctx, pin.SourceURL)
		if err != nil {
			return EntryFailure{
				Name:   name,
				Detail: fmt.Sprintf("source unreachable: %v", err),
				Err:    err,
			}, false
		}
		if pin.Size > 0 && info.Size > 0 {
			if res := verify.Check(pin.SHA256, pin.Size, pin.SHA256, info.Size); !res.OK {
				f, _ := res.Fatal()
				return EntryFailure{
					Name:   name,
					Detail: f.Detail,
					Err:    verify.ErrSizeMismatch,
				}, false
			}
		}
	case verify.LevelPartial:
		// A partial probe confirms the source serves real content; no
		// digest verdict is possible from a prefix.
		got, err := mgr.checker.Partial(ctx, pin.SourceURL, verify.PartialSize)
		if err != nil {
			return EntryFailure{
				Name:   name,
				Detail: fmt.Sprintf("partial transfer failed: %v", err),
				Err:    err,
			}, false
		}
		if got == 0 {
			return EntryFailure{
				Name:   name,
				Detail: "source served no content",
			}, false
		}
	case verify.LevelFull:
		observed, size, err := mgr.checker.Full(ctx, pin.SourceURL, func() (io.WriteCloser, error) {
			return nopWriteCloser{io.Discard}, nil
		})
		if err != nil {
			return EntryFailure{
				Name:   name,
				Detail: fmt.Sprintf("transfer failed: %v", err),
				Err:    err,
			}, false
		}
		if res := verify.Check(pin.SHA256, pin.Size, observed, size); !res.OK {
			f, _ := res.Fatal()
			return EntryFailure{
				Name:   name,
				Detail: f.Detail,
				Err:    res.Err(),
			}, false
		}
	}

	return EntryFailure{}, true
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

// Change is one entry-level difference between two manifests.
type Change struct {
	Name       string `json:"name"`
	OldVersion string `json:"old_version,omitempty"`
	NewVersion string `json:"new_version,omitempty"`
	OldSHA256  string `json:"old_sha256,omitempty"`
	NewSHA256  string `json:"new_sha256,omitempty"`
}

// DiffResult classifies entries as added, removed, or updated between
// an old and a new manifest.
type DiffResult struct {
	Added   []Change `json:"added,omitempty"`
	Removed []Change `json:"removed,omitempty"`
	Updated []Change `json:"updated,omitempty"`
}

// Empty reports whether the two manifests pin identical content.
func (d DiffResult) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0 && len(d.Updated) == 0
}

// pinned is the section-independent view of one locked artifact.
type pinned struct {
	version string
	sha256  string
}

// flatten merges the toolchains and build_tools sections into one
// name-keyed view for comparison.
func flatten(m *Manifest) map[string]pinned {
	out := make(map[string]pinned, len(m.Toolchains)+len(m.BuildTools))
	for name, pin := range m.Toolchains {
		out[name] = pinned{version: pin.Version, sha256: pin.SHA256}
	}
	for name, pin := range m.BuildTools {
		out[name] = pinned{version: pin.Version, sha256: pin.SHA256}
	}
	return out
}

// Diff compares two manifests entry by entry, across both the
// toolchains and build_tools sections. Versions are compared as
// strings: a pin either matches exactly or it changed.
func Diff(oldM, newM *Manifest) DiffResult {
	var d DiffResult

	oldPins := flatten(oldM)
	newPins := flatten(newM)

	names := make(map[string]struct{}, len(oldPins)+len(newPins))
	for name := range oldPins {
		names[name] = struct{}{}
	}
	for name := range newPins {
		names[name] = struct{}{}
	}
	ordered := make([]string, 0, len(names))
	for name := range names {
		ordered = append(ordered, name)
	}
	sort.Strings(ordered)

	for _, name := range ordered {
		oldPin, inOld := oldPins[name]
		newPin, inNew := newPins[name]
		switch {
		case !inOld:
			d.Added = append(d.Added, Change{
				Name:       name,
				NewVersion: newPin.version,
				NewSHA256:  newPin.sha256,
			})
		case !inNew:
			d.Removed = append(d.Removed, Change{
				Name:       name,
				OldVersion: oldPin.version,
				OldSHA256:  oldPin.sha256,
			})
		case oldPin.version != newPin.version || oldPin.sha256 != newPin.sha256:
			d.Updated = append(d.Updated, Change{
				Name:       name,
				OldVersion: oldPin.version,
				NewVersion: newPin.version,
				OldSHA256:  oldPin.sha256,
				NewSHA256:  newPin.sha256,
			})
		}
	}
	return d
}
