// Package download fetches artifact payloads over HTTP at three levels
// of depth: a HEAD probe, a leading-range partial transfer, and a full
// streaming transfer with an in-flight digest. Transient failures are
// retried with exponential backoff; client errors and integrity
// failures are surfaced immediately.
package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync/atomic"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/semaphore"

	"github.com/lockforge/toolchains/internal/verify"
)

// ErrNetwork indicates a transient transport failure (timeout, reset,
// 5xx response). It is retried up to the policy budget and surfaced
// only once the budget is exhausted.
var ErrNetwork = errors.New("network failure")

// HeadInfo is the result of a head-level probe.
type HeadInfo struct {
	// Size is the advertised Content-Length, or -1 when the source does
	// not declare one.
	Size int64

	// SupportsRange reports whether the source accepts byte-range
	// requests.
	SupportsRange bool
}

// Fetcher performs HTTP transfers with retry and bounded parallelism.
// It holds no artifact state; every call is independent.
type Fetcher struct {
	client *http.Client
	policy RetryPolicy
	sem    *semaphore.Weighted
	log    *slog.Logger

	// transfers counts payload transfers actually started. Deduplicated
	// callers share a single transfer, so the counter exposes dedup
	// behavior to callers and tests.
	transfers atomic.Int64
}

// New builds a Fetcher. A nil client falls back to http.DefaultClient,
// a nil logger discards output, and parallelism bounds the number of
// concurrent transfers across all keys.
func New(client *http.Client, policy RetryPolicy, parallelism int64, log *slog.Logger) (*Fetcher, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	if parallelism < 1 {
		return nil, fmt.Errorf("parallelism must be at least 1, got %d", parallelism)
	}
	if client == nil {
		client = http.DefaultClient
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Fetcher{
		client: client,
		policy: policy,
		sem:    semaphore.NewWeighted(parallelism),
		log:    log,
	}, nil
}

// Transfers returns the number of payload transfers started so far.
func (f *Fetcher) Transfers() int64 {
	return f.transfers.Load()
}

// Head probes the source with a HEAD request and reports the advertised
// size and range support. No payload bytes are transferred.
func (f *Fetcher) Head(ctx context.Context, url string) (HeadInfo, error) {
	if err := f.sem.Acquire(ctx, 1); err != nil {
		return HeadInfo{}, err
	}
	defer f.sem.Release(1)

	var info HeadInfo
	err := backoff.Retry(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		resp, err := f.client.Do(req)
		if err != nil {
			return f.transient(url, err)
		}
		defer resp.Body.Close()

		if err := classifyStatus(resp.StatusCode); err != nil {
			return f.statusError(url, resp.StatusCode, err)
		}

		info = HeadInfo{
			Size:          contentLength(resp),
			SupportsRange: resp.Header.Get("Accept-Ranges") == "bytes",
		}
		return nil
	}, f.policy.backoff(ctx))
	return info, err
}

// Partial transfers up to n leading bytes of the payload and reports
// how many arrived. The bytes are discarded: a partial transfer proves
// the source serves real content but yields no digest verdict.
func (f *Fetcher) Partial(ctx context.Context, url string, n int64) (int64, error) {
	if err := f.sem.Acquire(ctx, 1); err != nil {
		return 0, err
	}
	defer f.sem.Release(1)

	var got int64
	err := backoff.Retry(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Range", fmt.Sprintf("bytes=0-%d", n-1))

		resp, err := f.client.Do(req)
		if err != nil {
			return f.transient(url, err)
		}
		defer resp.Body.Close()

		if err := classifyStatus(resp.StatusCode); err != nil {
			return f.statusError(url, resp.StatusCode, err)
		}

		// Sources without range support return 200 and the whole
		// payload; reading stops at the requested prefix either way.
		got, err = io.Copy(io.Discard, io.LimitReader(resp.Body, n))
		if err != nil {
			got = 0
			return f.transient(url, err)
		}
		return nil
	}, f.policy.backoff(ctx))
	return got, err
}

// OpenDest opens a fresh destination for one full-transfer attempt.
// Each retry opens anew so a failed attempt's partial bytes are never
// carried into the next.
type OpenDest func() (io.WriteCloser, error)

// Full transfers the complete payload into a destination opened per
// attempt, computing the SHA-256 digest in flight. Returns the hex
// digest and the byte count of the completed transfer.
func (f *Fetcher) Full(ctx context.Context, url string, open OpenDest) (string, int64, error) {
	if err := f.sem.Acquire(ctx, 1); err != nil {
		return "", 0, err
	}
	defer f.sem.Release(1)

	var (
		observed string
		size     int64
	)
	err := backoff.Retry(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		resp, err := f.client.Do(req)
		if err != nil {
			return f.transient(url, err)
		}
		defer resp.Body.Close()

		if err := classifyStatus(resp.StatusCode); err != nil {
			return f.statusError(url, resp.StatusCode, err)
		}

		dst, err := open()
		if err != nil {
			return backoff.Permanent(err)
		}

		f.transfers.Add(1)
		observed, size, err = verify.Stream(dst, resp.Body)
		if cerr := dst.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return f.transient(url, err)
		}
		return nil
	}, f.policy.backoff(ctx))
	if err != nil {
		return "", 0, err
	}
	return observed, size, nil
}

// transient wraps a retryable failure and logs the retry decision.
func (f *Fetcher) transient(url string, err error) error {
	f.log.Warn("transient fetch failure, will retry", "url", url, "error", err)
	return fmt.Errorf("%w: %v", ErrNetwork, err)
}

// statusError routes an HTTP status classification: 5xx goes back as
// retryable, everything else is permanent.
func (f *Fetcher) statusError(url string, status int, err error) error {
	if errors.Is(err, ErrNetwork) {
		f.log.Warn("server error, will retry", "url", url, "status", status)
		return err
	}
	return backoff.Permanent(err)
}

// classifyStatus maps an HTTP status to nil (success), a retryable
// ErrNetwork (5xx), or a permanent error (4xx and anything else).
func classifyStatus(status int) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status >= 500:
		return fmt.Errorf("%w: server returned %d", ErrNetwork, status)
	default:
		return fmt.Errorf("source rejected request with status %d", status)
	}
}

func contentLength(resp *http.Response) int64 {
	if resp.ContentLength >= 0 {
		return resp.ContentLength
	}
	if v := resp.Header.Get("Content-Length"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return -1
}
