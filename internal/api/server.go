package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/JakeFAU/scanfetch/internal/metrics"
	"github.com/JakeFAU/scanfetch/internal/scan"
)

// Submitter publishes fetch requests onto the work queue.
type Submitter interface {
	Submit(ctx context.Context, rec scan.Record) (string, error)
}

// Poller waits for a submitted request to settle.
type Poller interface {
	Poll(ctx context.Context, rec scan.Record) (scan.Record, error)
}

// ReadyCheck reports whether a downstream dependency is usable.
type ReadyCheck func(ctx context.Context) error

// Server wires HTTP handlers to the work queue, the poller and the stores.
type Server struct {
	router    chi.Router
	submitter Submitter
	poller    Poller
	status    scan.StatusStore
	verdicts  scan.VerdictCache
	ready     []ReadyCheck
	logger    *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(
	submitter Submitter,
	poller Poller,
	status scan.StatusStore,
	verdicts scan.VerdictCache,
	ready []ReadyCheck,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		submitter: submitter,
		poller:    poller,
		status:    status,
		verdicts:  verdicts,
		ready:     ready,
		logger:    logger.Named("api"),
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.logger))
	r.Use(recoverMiddleware(s.logger))
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Post("/scans", s.submitScan)
		r.Get("/scans/status", s.getStatus)
		r.Post("/verdicts", s.recordVerdict)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(s.logger, w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	for _, check := range s.ready {
		if err := check(r.Context()); err != nil {
			s.logger.Warn("readiness check failed", zap.Error(err))
			writeError(s.logger, w, errUnavailable.withDetail(err.Error()))
			return
		}
	}
	writeJSON(s.logger, w, http.StatusOK, map[string]string{"status": "ready"})
}

// submitScan answers from the live status view when it already holds a verdict;
// otherwise it queues the request and polls until it settles.
func (s *Server) submitScan(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("scanfetch/api").Start(r.Context(), "scan.submit")
	defer span.End()

	var rec scan.Record
	if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
		writeError(s.logger, w, errContentMissing.withDetail("invalid JSON"))
		return
	}
	rec.Resource = strings.TrimSpace(rec.Resource)
	if rec.Resource == "" {
		writeError(s.logger, w, errContentMissing.withDetail("resource is required"))
		return
	}
	span.SetAttributes(attribute.String("scan.resource", rec.Resource))
	logger := s.logger.With(
		zap.String("request_id", RequestID(ctx)),
		zap.String("resource", rec.Resource),
	)

	if !rec.Options.SkipsCacheRead() {
		live, ok, err := s.status.GetStatus(ctx, rec.Key())
		if err != nil {
			logger.Warn("status lookup failed", zap.Error(err))
		}
		if err == nil && ok && live.HasVerdict() {
			live.Cached = true
			if rec.NonCachedEcho {
				live.Cached = false
				live.Options = rec.Options
			}
			writeJSON(s.logger, w, http.StatusOK, live)
			return
		}
	}

	rec = rec.ClearVerdict()
	rec.Status = scan.StatusFetching
	rec.StatusCode, rec.ErrorMessage, rec.ErrorDetail = 0, "", ""
	// A fresh entry keeps a stale failure from settling this poll.
	if err := s.status.PutStatus(ctx, rec); err != nil {
		logger.Warn("failed to reset live status", zap.Error(err))
	}

	msgID, err := s.submitter.Submit(ctx, rec)
	if err != nil {
		span.SetStatus(codes.Error, "submit failed")
		logger.Error("submit failed", zap.Error(err))
		writeError(s.logger, w, errInternal.withDetail("submit failed"))
		return
	}
	logger.Debug("request queued", zap.String("message_id", msgID))

	result, err := s.poller.Poll(ctx, rec)
	var rejected *scan.RejectedError
	switch {
	case err == nil:
		writeJSON(s.logger, w, http.StatusOK, result)
	case errors.Is(err, scan.ErrPollTimeout):
		span.SetStatus(codes.Error, "poll timeout")
		writeError(s.logger, w, errGatewayTimeout)
	case errors.As(err, &rejected):
		writeError(s.logger, w, httpError{
			StatusCode: rejected.Record.StatusCode,
			Message:    rejected.Record.ErrorMessage,
			Detail:     rejected.Record.ErrorDetail,
		})
	default:
		logger.Warn("poll aborted", zap.Error(err))
		writeError(s.logger, w, errUnavailable.withDetail("poll aborted"))
	}
}

func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	resource := strings.TrimSpace(r.URL.Query().Get("resource"))
	if resource == "" {
		writeError(s.logger, w, errContentMissing.withDetail("resource is required"))
		return
	}
	live, ok, err := s.status.GetStatus(r.Context(), scan.RequestKey(resource))
	if err != nil {
		s.logger.Error("status lookup failed", zap.String("resource", resource), zap.Error(err))
		writeError(s.logger, w, errInternal)
		return
	}
	if !ok {
		writeError(s.logger, w, errNotFound)
		return
	}
	writeJSON(s.logger, w, http.StatusOK, live)
}

type verdictRequest struct {
	Resource    string `json:"resource"`
	Fingerprint string `json:"fingerprint"`
	Malicious   bool   `json:"malicious"`
	Result      string `json:"result"`
}

// recordVerdict stores a scanner verdict in the live status view and, when the
// content fingerprint is known, in the verdict cache.
func (s *Server) recordVerdict(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req verdictRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(s.logger, w, errContentMissing.withDetail("invalid JSON"))
		return
	}
	if req.Resource == "" || req.Result == "" {
		writeError(s.logger, w, errContentMissing.withDetail("resource and result are required"))
		return
	}
	verdict := scan.Verdict{Malicious: req.Malicious, Result: req.Result}

	rec, ok, err := s.status.GetStatus(ctx, scan.RequestKey(req.Resource))
	if err != nil {
		s.logger.Warn("status lookup failed", zap.String("resource", req.Resource), zap.Error(err))
	}
	if err != nil || !ok {
		rec = scan.Record{Resource: req.Resource}
	}
	if req.Fingerprint != "" {
		rec.Fingerprint = req.Fingerprint
	}
	rec = rec.WithVerdict(verdict)
	rec.Status = scan.StatusResolved

	if err := s.status.PutStatus(ctx, rec); err != nil {
		s.logger.Error("status write failed", zap.String("resource", req.Resource), zap.Error(err))
		writeError(s.logger, w, errInternal)
		return
	}
	if rec.Fingerprint != "" {
		if err := s.verdicts.Put(ctx, rec.Fingerprint, verdict); err != nil {
			s.logger.Warn("verdict cache write failed", zap.String("fingerprint", rec.Fingerprint), zap.Error(err))
		}
	}
	writeJSON(s.logger, w, http.StatusOK, rec)
}
