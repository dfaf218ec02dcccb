package download

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     3,
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
		Multiplier:      2.0,
	}
}

func newTestFetcher(t *testing.T) *Fetcher {
	t.Helper()
	f, err := New(nil, testPolicy(), 4, nil)
	require.NoError(t, err)
	return f
}

type discardCloser struct{ io.Writer }

func (discardCloser) Close() error { return nil }

func discardDest() (io.WriteCloser, error) {
	return discardCloser{io.Discard}, nil
}

func TestNewValidation(t *testing.T) {
	_, err := New(nil, RetryPolicy{}, 4, nil)
	assert.Error(t, err)

	_, err = New(nil, testPolicy(), 0, nil)
	assert.Error(t, err)
}

func TestHead(t *testing.T) {
	payload := bytes.Repeat([]byte("x"), 2048)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodHead, r.Method)
		w.Header().Set("Content-Length", strconv.Itoa(len(payload)))
		w.Header().Set("Accept-Ranges", "bytes")
	}))
	defer srv.Close()

	f := newTestFetcher(t)
	info, err := f.Head(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, int64(len(payload)), info.Size)
	assert.True(t, info.SupportsRange)
	assert.Zero(t, f.Transfers(), "head must not start a payload transfer")
}

func TestPartial(t *testing.T) {
	payload := bytes.Repeat([]byte("abcd"), 1024)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "bytes=0-1023", r.Header.Get("Range"))
		w.WriteHeader(http.StatusPartialContent)
		w.Write(payload[:1024])
	}))
	defer srv.Close()

	f := newTestFetcher(t)
	got, err := f.Partial(context.Background(), srv.URL, 1024)
	require.NoError(t, err)
	assert.Equal(t, int64(1024), got)
}

func TestPartialWithoutRangeSupport(t *testing.T) {
	payload := bytes.Repeat([]byte("abcd"), 1024)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Full 200 response; the fetcher must stop at the requested prefix.
		w.Write(payload)
	}))
	defer srv.Close()

	f := newTestFetcher(t)
	got, err := f.Partial(context.Background(), srv.URL, 512)
	require.NoError(t, err)
	assert.Equal(t, int64(512), got)
}

func TestFull(t *testing.T) {
	payload := bytes.Repeat([]byte("toolchain"), 9000)
	sum := sha256.Sum256(payload)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(payload)
	}))
	defer srv.Close()

	f := newTestFetcher(t)
	var dst bytes.Buffer
	observed, size, err := f.Full(context.Background(), srv.URL, func() (io.WriteCloser, error) {
		dst.Reset()
		return discardCloser{&dst}, nil
	})
	require.NoError(t, err)

	assert.Equal(t, hex.EncodeToString(sum[:]), observed)
	assert.Equal(t, int64(len(payload)), size)
	assert.Equal(t, payload, dst.Bytes())
	assert.Equal(t, int64(1), f.Transfers())
}

func TestFullRetriesServerErrors(t *testing.T) {
	payload := []byte("eventually served")
	var attempts atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write(payload)
	}))
	defer srv.Close()

	f := newTestFetcher(t)
	_, size, err := f.Full(context.Background(), srv.URL, discardDest)
	require.NoError(t, err)
	assert.Equal(t, int64(len(payload)), size)
	assert.Equal(t, int64(3), attempts.Load())
}

func TestFullExhaustsRetryBudget(t *testing.T) {
	var attempts atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	f := newTestFetcher(t)
	_, _, err := f.Full(context.Background(), srv.URL, discardDest)
	require.ErrorIs(t, err, ErrNetwork)
	assert.Equal(t, int64(3), attempts.Load(), "budget is three attempts total")
}

func TestFullDoesNotRetryClientErrors(t *testing.T) {
	var attempts atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	f := newTestFetcher(t)
	_, _, err := f.Full(context.Background(), srv.URL, discardDest)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNetwork)
	assert.Equal(t, int64(1), attempts.Load(), "4xx must not be retried")
}

func TestFullContextCancellation(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("partial "))
		if flusher, ok := w.(http.Flusher); ok {
			flusher.Flush()
		}
		<-release
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	f := newTestFetcher(t)
	_, _, err := f.Full(ctx, srv.URL, discardDest)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRetryPolicyValidate(t *testing.T) {
	assert.NoError(t, DefaultRetryPolicy().Validate())

	bad := DefaultRetryPolicy()
	bad.MaxAttempts = 0
	assert.Error(t, bad.Validate())

	bad = DefaultRetryPolicy()
	bad.InitialInterval = 0
	assert.Error(t, bad.Validate())

	bad = DefaultRetryPolicy()
	bad.Multiplier = 0.5
	assert.Error(t, bad.Validate())
}
