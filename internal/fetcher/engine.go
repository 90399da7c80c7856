// Package fetcher streams upstream resources into blob storage while fingerprinting them.
package fetcher

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"go.uber.org/zap"

	"github.com/JakeFAU/scanfetch/internal/hash/sha256"
	"github.com/JakeFAU/scanfetch/internal/metrics"
	"github.com/JakeFAU/scanfetch/internal/scan"
)

var supportedURI = regexp.MustCompile(`^https?://.+`)

// sniffLen bytes are peeked to classify content the upstream left untyped.
const sniffLen = 3072

// HostLimiter paces requests per upstream host.
type HostLimiter interface {
	Wait(ctx context.Context, resource string) error
}

// Config controls probe and transfer behavior.
type Config struct {
	// MaxBytes is applied to both the declared and the transferred length.
	MaxBytes        int64
	ProbeTimeout    time.Duration
	TransferTimeout time.Duration
	UserAgent       string
}

// Engine fetches one resource per call: validate, probe, stream, fingerprint.
type Engine struct {
	client  *http.Client
	blobs   scan.BlobStore
	ids     scan.IDGenerator
	limiter HostLimiter
	cfg     Config
	logger  *zap.Logger
}

// New builds an Engine. A nil client gets a pooled default transport; a nil limiter disables pacing.
func New(
	client *http.Client,
	blobs scan.BlobStore,
	ids scan.IDGenerator,
	limiter HostLimiter,
	cfg Config,
	logger *zap.Logger,
) *Engine {
	if client == nil {
		client = &http.Client{Transport: newHTTPTransport()}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		client:  client,
		blobs:   blobs,
		ids:     ids,
		limiter: limiter,
		cfg:     cfg,
		logger:  logger.Named("fetcher"),
	}
}

// FetchURI runs Fetch and folds any failure into the record. Callers never see an error:
// with fallWithUpstream the failure fields stay on the record, otherwise the failure becomes
// a benign "#<message>" verdict.
func (e *Engine) FetchURI(ctx context.Context, rec scan.Record) scan.Record {
	out, err := e.Fetch(ctx, rec)
	if err == nil {
		return out
	}
	var fe *scan.FetchError
	if !errors.As(err, &fe) {
		fe = scan.NewFetchError(scan.KindTransferFailed, "fetch failed", err)
	}
	out = out.WithFailure(fe)
	if rec.Options.FallsWithUpstream() {
		return out
	}
	return out.Sanitized()
}

// Fetch validates the resource, probes its size and streams it into blob storage.
// On failure the returned record still carries any blob that must be cleaned up.
func (e *Engine) Fetch(ctx context.Context, rec scan.Record) (scan.Record, error) {
	start := time.Now()
	rec.Status = scan.StatusFetching
	logger := e.logger.With(zap.String("resource", rec.Resource))

	if !supportedURI.MatchString(rec.Resource) {
		logger.Warn("unsupported uri")
		metrics.ObserveFetch(rec.Resource, string(scan.KindUnsupportedScheme), 0, time.Since(start))
		return rec, scan.NewFetchError(scan.KindUnsupportedScheme, "Unsupported uri: "+rec.Resource, nil)
	}

	if err := e.probe(ctx, rec.Resource); err != nil {
		logger.Warn("probe rejected resource", zap.Error(err))
		metrics.ObserveFetch(rec.Resource, outcome(err), 0, time.Since(start))
		return rec, err
	}

	key, fingerprint, n, err := e.transfer(ctx, rec.Resource)
	if key != "" {
		rec.BlobKey = key
	}
	if err != nil {
		var fe *scan.FetchError
		if errors.As(err, &fe) && fe.Kind == scan.KindTooLarge && key != "" {
			rec.DeleteBlobOnSettle = true
		}
		logger.Warn("transfer failed", zap.String("blob_key", key), zap.Int64("bytes", n), zap.Error(err))
		metrics.ObserveFetch(rec.Resource, outcome(err), n, time.Since(start))
		return rec, err
	}

	rec.Fingerprint = fingerprint
	rec.Status = scan.StatusPendingScan
	logger.Debug("stored resource", zap.String("blob_key", key), zap.Int64("bytes", n))
	metrics.ObserveFetch(rec.Resource, "success", n, time.Since(start))
	return rec, nil
}

func (e *Engine) probe(ctx context.Context, resource string) error {
	if e.limiter != nil {
		if err := e.limiter.Wait(ctx, resource); err != nil {
			return scan.NewFetchError(scan.KindProbeFailed, "Upstream probe failed", err)
		}
	}
	if e.cfg.ProbeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.ProbeTimeout)
		defer cancel()
	}
	req, err := e.newRequest(ctx, http.MethodHead, resource)
	if err != nil {
		return scan.NewFetchError(scan.KindProbeFailed, "Upstream probe failed", err)
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return scan.NewFetchError(scan.KindProbeFailed, "Upstream probe failed", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode/100 == 4 {
		return scan.NewFetchError(scan.KindUpstreamRejected, "Upstream failed: "+statusMessage(resp), nil)
	}
	if declared := declaredLength(resp); e.cfg.MaxBytes > 0 && declared > e.cfg.MaxBytes {
		return scan.NewFetchError(scan.KindTooLarge, "Resource too large",
			fmt.Errorf("Resource size %q exceeds limit %q",
				strconv.FormatInt(declared, 10), strconv.FormatInt(e.cfg.MaxBytes, 10)))
	}
	return nil
}

// transfer returns the blob key as soon as one was allocated, even on failure.
func (e *Engine) transfer(ctx context.Context, resource string) (string, string, int64, error) {
	// Cancelling this context aborts the GET.
	var cancel context.CancelFunc
	if e.cfg.TransferTimeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, e.cfg.TransferTimeout)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	req, err := e.newRequest(ctx, http.MethodGet, resource)
	if err != nil {
		return "", "", 0, scan.NewFetchError(scan.KindTransferFailed, "fetch failed", err)
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return "", "", 0, scan.NewFetchError(scan.KindTransferFailed, "fetch failed", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode >= http.StatusBadRequest {
		return "", "", 0, scan.NewFetchError(scan.KindTransferFailed, "fetch failed",
			fmt.Errorf("upstream returned %s", resp.Status))
	}

	key, err := e.ids.NewID()
	if err != nil {
		return "", "", 0, scan.NewFetchError(scan.KindTransferFailed, "fetch failed", fmt.Errorf("allocate blob key: %w", err))
	}

	digest := sha256.New()
	body := &countingReader{r: resp.Body, max: e.cfg.MaxBytes, onExceed: cancel}
	var src io.Reader = body
	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		br := bufio.NewReaderSize(body, sniffLen)
		head, _ := br.Peek(sniffLen)
		contentType = mimetype.Detect(head).String()
		src = br
	}

	_, err = e.blobs.PutObject(ctx, key, contentType, io.TeeReader(src, digest))
	if body.exceeded {
		return key, "", body.n, scan.NewFetchError(scan.KindTooLarge, "Resource too large",
			fmt.Errorf("Fetched size %q exceeds limit %q",
				strconv.FormatInt(body.n, 10), strconv.FormatInt(e.cfg.MaxBytes, 10)))
	}
	if err != nil {
		return "", "", body.n, scan.NewFetchError(scan.KindTransferFailed, "fetch failed", err)
	}
	return key, digest.Fingerprint(), body.n, nil
}

func (e *Engine) newRequest(ctx context.Context, method, resource string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, resource, nil)
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", strings.ToLower(method), err)
	}
	if e.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", e.cfg.UserAgent)
	}
	return req, nil
}

var errSizeExceeded = errors.New("size limit exceeded")

// countingReader counts bytes and fails the read that crosses max. Bytes of that read are
// not forwarded.
type countingReader struct {
	r        io.Reader
	max      int64
	n        int64
	exceeded bool
	onExceed func()
}

func (c *countingReader) Read(p []byte) (int, error) {
	if c.exceeded {
		return 0, errSizeExceeded
	}
	n, err := c.r.Read(p)
	c.n += int64(n)
	if c.max > 0 && c.n > c.max {
		c.exceeded = true
		if c.onExceed != nil {
			c.onExceed()
		}
		return 0, errSizeExceeded
	}
	return n, err //nolint:wrapcheck // io.Reader contract requires the raw io.EOF
}

func declaredLength(resp *http.Response) int64 {
	if resp.ContentLength >= 0 {
		return resp.ContentLength
	}
	n, err := strconv.ParseInt(resp.Header.Get("Content-Length"), 10, 64)
	if err != nil {
		return -1
	}
	return n
}

func statusMessage(resp *http.Response) string {
	msg := strings.TrimPrefix(resp.Status, strconv.Itoa(resp.StatusCode)+" ")
	if msg == "" || msg == resp.Status {
		return http.StatusText(resp.StatusCode)
	}
	return msg
}

func outcome(err error) string {
	var fe *scan.FetchError
	if errors.As(err, &fe) {
		return string(fe.Kind)
	}
	return string(scan.KindTransferFailed)
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
