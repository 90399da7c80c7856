package fetcher

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/scanfetch/internal/hash/sha256"
	"github.com/JakeFAU/scanfetch/internal/id/uuid"
	"github.com/JakeFAU/scanfetch/internal/scan"
	"github.com/JakeFAU/scanfetch/internal/storage/memory"
)

func TestFetchUnsupportedSchemeMakesNoNetworkCall(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	client := &http.Client{Transport: roundTripperFunc(func(*http.Request) (*http.Response, error) {
		calls.Add(1)
		return nil, errors.New("unexpected request")
	})}
	engine := newEngine(client, memory.NewBlobStore(), 1024)

	passthrough := engine.FetchURI(context.Background(), scan.Record{
		Resource: "ftp://x",
		Options:  &scan.Options{FallWithUpstream: true},
	})
	require.Equal(t, 400, passthrough.StatusCode)
	require.Equal(t, "Unsupported uri: ftp://x", passthrough.ErrorMessage)
	require.Equal(t, scan.StatusFailed, passthrough.Status)
	require.Empty(t, passthrough.Result)

	sanitized := engine.FetchURI(context.Background(), scan.Record{Resource: "ftp://x"})
	require.Equal(t, "#Unsupported uri: ftp://x", sanitized.Result)
	require.NotNil(t, sanitized.Malicious)
	require.False(t, *sanitized.Malicious)
	require.Zero(t, sanitized.StatusCode)
	require.Empty(t, sanitized.ErrorMessage)
	require.Empty(t, sanitized.ErrorDetail)

	require.Zero(t, calls.Load())
}

func TestFetchProbeRejected(t *testing.T) {
	t.Parallel()

	up := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}, nil)
	engine := newEngine(up.Client(), memory.NewBlobStore(), 1024)

	_, err := engine.Fetch(context.Background(), scan.Record{Resource: up.URL + "/missing"})
	var fe *scan.FetchError
	require.ErrorAs(t, err, &fe)
	require.Equal(t, scan.KindUpstreamRejected, fe.Kind)
	require.Equal(t, 400, fe.StatusCode)
	require.Equal(t, "Upstream failed: Not Found", fe.Message)
	require.Zero(t, up.gets.Load())
}

func TestFetchProbeTransportError(t *testing.T) {
	t.Parallel()

	client := &http.Client{Transport: roundTripperFunc(func(*http.Request) (*http.Response, error) {
		return nil, errors.New("dial tcp: connection refused")
	})}
	engine := newEngine(client, memory.NewBlobStore(), 1024)

	rec := engine.FetchURI(context.Background(), scan.Record{
		Resource: "https://unreachable.test/file",
		Options:  &scan.Options{FallWithUpstream: true},
	})
	require.Equal(t, 500, rec.StatusCode)
	require.Equal(t, "Upstream probe failed", rec.ErrorMessage)
	require.Contains(t, rec.ErrorDetail, "connection refused")
}

func TestFetchDeclaredTooLargeSkipsTransfer(t *testing.T) {
	t.Parallel()

	up := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "1000000")
		w.WriteHeader(http.StatusOK)
	}, nil)
	blobs := memory.NewBlobStore()
	engine := newEngine(up.Client(), blobs, 500000)

	rec := engine.FetchURI(context.Background(), scan.Record{
		Resource: up.URL + "/big",
		Options:  &scan.Options{FallWithUpstream: true},
	})
	require.Equal(t, 413, rec.StatusCode)
	require.Equal(t, "Resource too large", rec.ErrorMessage)
	require.Equal(t, `Resource size "1000000" exceeds limit "500000"`, rec.ErrorDetail)
	require.Empty(t, rec.BlobKey)
	require.Zero(t, up.gets.Load())
	require.Zero(t, blobs.Len())
}

func TestFetchObservedTooLargeAbortsAndMarksBlob(t *testing.T) {
	t.Parallel()

	up := newUpstream(t, nil, func(w http.ResponseWriter, r *http.Request) {
		flusher, _ := w.(http.Flusher)
		chunk := strings.Repeat("x", 512)
		for range 8 {
			if _, err := io.WriteString(w, chunk); err != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
	})
	blobs := memory.NewBlobStore()
	engine := newEngine(up.Client(), blobs, 1000)

	rec, err := engine.Fetch(context.Background(), scan.Record{Resource: up.URL + "/stream"})
	var fe *scan.FetchError
	require.ErrorAs(t, err, &fe)
	require.Equal(t, scan.KindTooLarge, fe.Kind)
	require.Equal(t, 413, fe.StatusCode)
	require.Contains(t, fe.Detail, `exceeds limit "1000"`)
	require.True(t, strings.HasPrefix(fe.Detail, `Fetched size "`))
	require.NotEmpty(t, rec.BlobKey)
	require.True(t, rec.DeleteBlobOnSettle)
	require.Empty(t, rec.Fingerprint)

	sanitized := engine.FetchURI(context.Background(), scan.Record{Resource: up.URL + "/stream"})
	require.Equal(t, "#Resource too large", sanitized.Result)
	require.True(t, sanitized.DeleteBlobOnSettle, "cleanup mark survives sanitizing")
}

func TestFetchSuccessStoresBlobAndFingerprint(t *testing.T) {
	t.Parallel()

	up := newUpstream(t, nil, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = io.WriteString(w, "hello world")
	})
	blobs := memory.NewBlobStore()
	engine := newEngine(up.Client(), blobs, 1024)

	rec, err := engine.Fetch(context.Background(), scan.Record{Resource: up.URL + "/hello"})
	require.NoError(t, err)
	require.Equal(t, scan.StatusPendingScan, rec.Status)
	require.True(t, strings.HasPrefix(rec.BlobKey, "blobs/"))
	require.Equal(t, sha256.Sum([]byte("hello world")), rec.Fingerprint)
	require.False(t, rec.DeleteBlobOnSettle)

	stored, ok := blobs.Object(rec.BlobKey)
	require.True(t, ok)
	require.Equal(t, "hello world", string(stored))
	require.EqualValues(t, 1, up.heads.Load())
	require.EqualValues(t, 1, up.gets.Load())
}

func TestFetchSniffsUntypedContent(t *testing.T) {
	t.Parallel()

	pdf := "%PDF-1.7\n" + strings.Repeat("x", 4096)
	up := newUpstream(t, nil, func(w http.ResponseWriter, r *http.Request) {
		w.Header()["Content-Type"] = nil
		_, _ = io.WriteString(w, pdf)
	})
	blobs := &typedBlobStore{BlobStore: memory.NewBlobStore()}
	engine := newEngine(up.Client(), blobs, 1<<20)

	rec, err := engine.Fetch(context.Background(), scan.Record{Resource: up.URL + "/doc"})
	require.NoError(t, err)
	require.Equal(t, "application/pdf", blobs.contentType)
	require.Equal(t, sha256.Sum([]byte(pdf)), rec.Fingerprint)

	stored, ok := blobs.Object(rec.BlobKey)
	require.True(t, ok)
	require.Equal(t, pdf, string(stored))
}

func TestFetchUploadFailure(t *testing.T) {
	t.Parallel()

	up := newUpstream(t, nil, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "payload")
	})
	engine := newEngine(up.Client(), &failingBlobStore{err: errors.New("bucket unavailable")}, 1024)

	rec := engine.FetchURI(context.Background(), scan.Record{
		Resource: up.URL + "/file",
		Options:  &scan.Options{FallWithUpstream: true},
	})
	require.Equal(t, 400, rec.StatusCode)
	require.Equal(t, "fetch failed", rec.ErrorMessage)
	require.Contains(t, rec.ErrorDetail, "bucket unavailable")
	require.Empty(t, rec.BlobKey)
}

func TestFetchUsesHostLimiter(t *testing.T) {
	t.Parallel()

	up := newUpstream(t, nil, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "ok")
	})
	limiter := &fakeLimiter{err: context.Canceled}
	engine := New(up.Client(), memory.NewBlobStore(), uuid.New("blobs"), limiter, Config{MaxBytes: 1024}, zap.NewNop())

	_, err := engine.Fetch(context.Background(), scan.Record{Resource: up.URL + "/x"})
	var fe *scan.FetchError
	require.ErrorAs(t, err, &fe)
	require.Equal(t, scan.KindProbeFailed, fe.Kind)
	require.Equal(t, []string{up.URL + "/x"}, limiter.calls)
	require.Zero(t, up.heads.Load())
}

func TestFingerprintIsChunkAgnostic(t *testing.T) {
	t.Parallel()

	data := strings.Repeat("abc", 100)
	for _, size := range []int{1, 7, 300} {
		digest := sha256.New()
		r := &countingReader{r: strings.NewReader(data), max: 1000}
		sink := struct{ io.Writer }{io.Discard}
		_, err := io.CopyBuffer(sink, io.TeeReader(r, digest), make([]byte, size))
		require.NoError(t, err)
		require.EqualValues(t, len(data), r.n)
		require.False(t, r.exceeded)
		require.Equal(t, sha256.Sum([]byte(data)), digest.Fingerprint())
	}
}

// --- fakes ---

type roundTripperFunc func(*http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(r *http.Request) (*http.Response, error) {
	return f(r)
}

type upstream struct {
	*httptest.Server
	heads atomic.Int32
	gets  atomic.Int32
}

func newUpstream(t *testing.T, head, get http.HandlerFunc) *upstream {
	t.Helper()
	up := &upstream{}
	up.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodHead:
			up.heads.Add(1)
			if head != nil {
				head(w, r)
			}
		case http.MethodGet:
			up.gets.Add(1)
			if get != nil {
				get(w, r)
			}
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	}))
	t.Cleanup(up.Close)
	return up
}

func newEngine(client *http.Client, blobs scan.BlobStore, maxBytes int64) *Engine {
	return New(client, blobs, uuid.New("blobs"), nil, Config{MaxBytes: maxBytes}, zap.NewNop())
}

type failingBlobStore struct {
	err error
}

func (f *failingBlobStore) PutObject(_ context.Context, _ string, _ string, r io.Reader) (string, error) {
	_, _ = io.Copy(io.Discard, r)
	return "", f.err
}

func (f *failingBlobStore) DeleteObject(context.Context, string) error {
	return nil
}

type typedBlobStore struct {
	*memory.BlobStore
	contentType string
}

func (s *typedBlobStore) PutObject(ctx context.Context, key string, contentType string, r io.Reader) (string, error) {
	s.contentType = contentType
	return s.BlobStore.PutObject(ctx, key, contentType, r)
}

type fakeLimiter struct {
	calls []string
	err   error
}

func (f *fakeLimiter) Wait(_ context.Context, resource string) error {
	f.calls = append(f.calls, resource)
	return f.err
}
