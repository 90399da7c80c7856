package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	pubmemory "github.com/JakeFAU/scanfetch/internal/publisher/memory"
	"github.com/JakeFAU/scanfetch/internal/scan"
	"github.com/JakeFAU/scanfetch/internal/storage/memory"
)

const scanTopic = "scan"

func TestRunDedupHitDeletesBlobAndSkipsScan(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()
	blobKey := putBlob(t, env.blobs, "blobs/1")
	require.NoError(t, env.records.Put(ctx, "H", scan.Verdict{Malicious: false, Result: "benign"}))
	env.fetcher.out = scan.Record{
		Resource:    "https://example.com/file",
		BlobKey:     blobKey,
		Fingerprint: "H",
		Status:      scan.StatusPendingScan,
	}

	rec, err := env.pipeline.Run(ctx, scan.Record{Resource: "https://example.com/file"})
	require.NoError(t, err)
	require.Equal(t, "benign", rec.Result)
	require.NotNil(t, rec.Malicious)
	require.False(t, *rec.Malicious)
	require.True(t, rec.Cached)
	require.Equal(t, scan.StatusCacheHit, rec.Status)
	require.Empty(t, rec.Fingerprint)

	_, stillThere := env.blobs.Object(blobKey)
	require.False(t, stillThere, "redundant blob must be deleted")
	require.Empty(t, env.pub.ByTopic(scanTopic))

	saved, ok := env.records.Result(rec.Key())
	require.True(t, ok)
	require.Equal(t, "benign", saved.Result)
	require.Empty(t, saved.BlobKey)
	require.Nil(t, saved.Options)
}

func TestRunFreshContentDispatchesWithoutPersisting(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	env.fetcher.out = scan.Record{
		Resource:    "https://example.com/new",
		Options:     &scan.Options{BypassCache: true},
		BlobKey:     "blobs/2",
		Fingerprint: "F",
		Status:      scan.StatusPendingScan,
	}

	rec, err := env.pipeline.Run(context.Background(), scan.Record{Resource: "https://example.com/new"})
	require.NoError(t, err)
	require.Equal(t, scan.StatusScanning, rec.Status)

	_, saved := env.records.Result(rec.Key())
	require.False(t, saved, "pending records are not written to the result store")

	msgs := env.pub.ByTopic(scanTopic)
	require.Len(t, msgs, 1)
	var sent scan.Record
	require.NoError(t, json.Unmarshal(msgs[0].Data, &sent))
	require.Equal(t, "blobs/2", sent.BlobKey)
	require.Equal(t, "F", sent.Fingerprint)
	require.True(t, sent.Options.BypassCache)
}

func TestRunSanitizedFailureIsPersistedNotDispatched(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	blobKey := putBlob(t, env.blobs, "blobs/3")
	failed := scan.Record{Resource: "https://example.com/big", BlobKey: blobKey, DeleteBlobOnSettle: true}.
		WithFailure(scan.NewFetchError(scan.KindTooLarge, "Resource too large", nil))
	env.fetcher.out = failed.Sanitized()

	rec, err := env.pipeline.Run(context.Background(), scan.Record{Resource: "https://example.com/big"})
	require.NoError(t, err)
	require.Equal(t, "#Resource too large", rec.Result)
	require.Empty(t, env.pub.ByTopic(scanTopic))
	_, stillThere := env.blobs.Object(blobKey)
	require.False(t, stillThere)

	saved, ok := env.records.Result(rec.Key())
	require.True(t, ok)
	require.Equal(t, scan.StatusResolved, saved.Status)
}

func TestRunPassthroughFailureIsNeverDispatched(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	env.fetcher.out = scan.Record{Resource: "ftp://x", Options: &scan.Options{FallWithUpstream: true}}.
		WithFailure(scan.NewFetchError(scan.KindUnsupportedScheme, "Unsupported uri: ftp://x", nil))

	rec, err := env.pipeline.Run(context.Background(), scan.Record{Resource: "ftp://x"})
	require.NoError(t, err)
	require.Equal(t, 400, rec.StatusCode)
	require.Empty(t, env.pub.Messages())

	saved, ok := env.records.Result(rec.Key())
	require.True(t, ok)
	require.Equal(t, "Unsupported uri: ftp://x", saved.ErrorMessage)
}

func TestRunPassthroughOversizeWithBlobIsPersistedNotDispatched(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	blobKey := putBlob(t, env.blobs, "blobs/4")
	env.fetcher.out = scan.Record{
		Resource:           "https://example.com/huge",
		Options:            &scan.Options{FallWithUpstream: true},
		BlobKey:            blobKey,
		DeleteBlobOnSettle: true,
	}.WithFailure(scan.NewFetchError(scan.KindTooLarge, "Resource too large", nil))

	rec, err := env.pipeline.Run(context.Background(), scan.Record{Resource: "https://example.com/huge"})
	require.NoError(t, err)
	require.Equal(t, 413, rec.StatusCode)
	require.Empty(t, rec.BlobKey)
	require.Empty(t, env.pub.ByTopic(scanTopic))
	_, stillThere := env.blobs.Object(blobKey)
	require.False(t, stillThere)

	saved, ok := env.records.Result(rec.Key())
	require.True(t, ok)
	require.Equal(t, scan.StatusFailed, saved.Status)
}

func TestDispatchSkipsRecordWithResult(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	rec := scan.Record{
		Resource: "https://example.com/done",
		BlobKey:  "blobs/4",
		Status:   scan.StatusPendingScan,
	}.WithVerdict(scan.Verdict{Result: "clean"})

	out, err := env.pipeline.Dispatch(context.Background(), rec)
	require.NoError(t, err)
	require.Equal(t, scan.StatusPendingScan, out.Status)
	require.Empty(t, env.pub.Messages())
}

func TestDispatchFailureIsFatal(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	env.pub.FailWith(errors.New("topic missing"))
	env.fetcher.out = scan.Record{
		Resource:    "https://example.com/x",
		BlobKey:     "blobs/5",
		Fingerprint: "F",
		Status:      scan.StatusPendingScan,
	}

	_, err := env.pipeline.Run(context.Background(), scan.Record{Resource: "https://example.com/x"})
	require.ErrorIs(t, err, scan.ErrScanDispatch)
	require.ErrorContains(t, err, "topic missing")
}

func TestLookupErrorIsAMiss(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	p := New(env.fetcher, &failingCache{}, env.blobs, env.records, env.pub, Config{ScanTopic: scanTopic}, zap.NewNop())
	rec := scan.Record{Resource: "https://example.com/x", BlobKey: "blobs/6", Fingerprint: "F", Status: scan.StatusPendingScan}

	out := p.Lookup(context.Background(), rec)
	require.Equal(t, rec, out)
}

func TestLookupIgnoresRecordWithoutFingerprint(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	p := New(env.fetcher, &failingCache{}, env.blobs, env.records, env.pub, Config{ScanTopic: scanTopic}, zap.NewNop())
	rec := scan.Record{Resource: "https://example.com/x", Status: scan.StatusResolved}

	require.Equal(t, rec, p.Lookup(context.Background(), rec))
}

func TestSettleFailureKeepsFlag(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	p := New(env.fetcher, env.records, &failingBlobs{}, env.records, env.pub, Config{ScanTopic: scanTopic}, zap.NewNop())
	rec := scan.Record{Resource: "https://example.com/x", BlobKey: "blobs/7", DeleteBlobOnSettle: true}

	out := p.Settle(context.Background(), rec)
	require.True(t, out.DeleteBlobOnSettle)
}

func TestPersistFailureIsNotFatal(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	p := New(env.fetcher, env.records, env.blobs, &failingResults{}, env.pub, Config{ScanTopic: scanTopic}, zap.NewNop())
	rec := scan.Record{Resource: "https://example.com/x", Options: &scan.Options{BypassCache: true}}.
		WithVerdict(scan.Verdict{Result: "clean"})

	out := p.Persist(context.Background(), rec)
	require.Equal(t, "clean", out.Result)
	require.Nil(t, out.Options)
}

// --- fakes ---

type testEnv struct {
	fetcher  *fakeFetcher
	blobs    *memory.BlobStore
	records  *memory.RecordStore
	pub      *pubmemory.Publisher
	pipeline *Pipeline
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		fetcher: &fakeFetcher{},
		blobs:   memory.NewBlobStore(),
		records: memory.NewRecordStore(),
		pub:     pubmemory.New(),
	}
	env.pipeline = New(env.fetcher, env.records, env.blobs, env.records, env.pub, Config{ScanTopic: scanTopic}, zap.NewNop())
	return env
}

func putBlob(t *testing.T, blobs *memory.BlobStore, key string) string {
	t.Helper()
	_, err := blobs.PutObject(context.Background(), key, "text/plain", strings.NewReader("content"))
	require.NoError(t, err)
	return key
}

type fakeFetcher struct {
	out scan.Record
}

func (f *fakeFetcher) FetchURI(context.Context, scan.Record) scan.Record {
	return f.out
}

type failingCache struct{}

func (*failingCache) Get(context.Context, string, *scan.Options) (scan.CacheEntry, error) {
	return scan.CacheEntry{}, errors.New("cache unavailable")
}

func (*failingCache) Put(context.Context, string, scan.Verdict) error {
	return errors.New("cache unavailable")
}

type failingBlobs struct{}

func (*failingBlobs) PutObject(_ context.Context, _ string, _ string, r io.Reader) (string, error) {
	_, _ = io.Copy(io.Discard, r)
	return "", errors.New("access denied")
}

func (*failingBlobs) DeleteObject(context.Context, string) error {
	return errors.New("access denied")
}

type failingResults struct{}

func (*failingResults) SaveResult(context.Context, scan.Record) error {
	return errors.New("table missing")
}
