package handlers

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/telhawk-systems/telhawk-ledger/common/httputil"
	"github.com/telhawk-systems/telhawk-ledger/common/logging"
	"github.com/telhawk-systems/telhawk-ledger/internal/models"
	"github.com/telhawk-systems/telhawk-ledger/internal/ratelimit"
	"github.com/telhawk-systems/telhawk-ledger/internal/repository"
	"github.com/telhawk-systems/telhawk-ledger/internal/service"
)

type IngestService interface {
	Ingest(ctx context.Context, req *models.IngestRequest, opts service.IngestOptions) (*service.IngestResult, error)
	Stats() service.Stats
}

type ReportingService interface {
	ListEvents(ctx context.Context) ([]*models.RawSubmission, error)
	GetEvent(ctx context.Context, id int64) (*models.RawSubmission, error)
	ListNormalized(ctx context.Context) ([]*models.NormalizedEvent, error)
	Aggregate(ctx context.Context, filter models.AggregateFilter) ([]*models.AggregateRow, error)
}

type Pinger interface {
	Ping(ctx context.Context) error
}

type Handler struct {
	ingest       IngestService
	reporting    ReportingService
	store        Pinger
	limiter      ratelimit.RateLimiter
	maxBodyBytes int64
	logger       *logging.Logger
}

func NewHandler(ingest IngestService, reporting ReportingService, store Pinger, limiter ratelimit.RateLimiter, maxBodyBytes int64, logger *logging.Logger) *Handler {
	if limiter == nil {
		limiter = &ratelimit.NoOpRateLimiter{}
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Handler{
		ingest:       ingest,
		reporting:    reporting,
		store:        store,
		limiter:      limiter,
		maxBodyBytes: maxBodyBytes,
		logger:       logger,
	}
}

// Ingest handles POST /api/ingest[?fail=true]
func (h *Handler) Ingest(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := h.logger.WithContext(ctx)

	allowed, err := h.limiter.Allow(ctx, getClientIP(r))
	if err != nil {
		// Fail open.
		log.Warn("rate limiter unavailable", logging.Error(err))
	} else if !allowed {
		httputil.WriteError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	body, err := h.readBody(w, r)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			httputil.WriteError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		httputil.WriteError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	req, err := models.ParseIngestRequest(body)
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	opts := service.IngestOptions{InjectFailure: r.URL.Query().Get("fail") == "true"}
	res, err := h.ingest.Ingest(ctx, req, opts)
	if res != nil && res.RawID != 0 {
		w.Header().Set(httputil.HeaderRawEventID, strconv.FormatInt(res.RawID, 10))
	}
	if err != nil {
		httputil.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}

	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "processed"})
}

// ListEvents handles GET /api/events
func (h *Handler) ListEvents(w http.ResponseWriter, r *http.Request) {
	events, err := h.reporting.ListEvents(r.Context())
	if err != nil {
		h.internalError(w, r, "failed to list events", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, events)
}

// GetEvent handles GET /api/events/{id}
func (h *Handler) GetEvent(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		httputil.WriteError(w, http.StatusBadRequest, "invalid event id")
		return
	}

	event, err := h.reporting.GetEvent(r.Context(), id)
	if err != nil {
		if errors.Is(err, repository.ErrRowNotFound) {
			httputil.WriteError(w, http.StatusNotFound, "event not found")
			return
		}
		h.internalError(w, r, "failed to get event", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, event)
}

// ListNormalized handles GET /api/normalized
func (h *Handler) ListNormalized(w http.ResponseWriter, r *http.Request) {
	events, err := h.reporting.ListNormalized(r.Context())
	if err != nil {
		h.internalError(w, r, "failed to list normalized events", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, events)
}

// Aggregates handles GET /api/aggregates?client=&from=&to=
func (h *Handler) Aggregates(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := models.AggregateFilter{
		ClientID: q.Get("client"),
		From:     q.Get("from"),
		To:       q.Get("to"),
	}

	rows, err := h.reporting.Aggregate(r.Context(), filter)
	if err != nil {
		if errors.Is(err, service.ErrInvalidFilter) {
			httputil.WriteError(w, http.StatusBadRequest, err.Error())
			return
		}
		h.internalError(w, r, "failed to aggregate events", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, rows)
}

// Health handles GET /healthz
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// Ready handles GET /readyz
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Ping(r.Context()); err != nil {
		h.logger.WithContext(r.Context()).Warn("readiness check failed", logging.Error(err))
		httputil.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "unavailable",
			"error":  err.Error(),
		})
		return
	}

	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ready",
		"stats":  h.ingest.Stats(),
	})
}

func (h *Handler) readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	if h.maxBodyBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxBodyBytes)
	}
	return io.ReadAll(r.Body)
}

func (h *Handler) internalError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	h.logger.WithContext(r.Context()).Error(msg, logging.Error(err))
	httputil.WriteError(w, http.StatusInternalServerError, err.Error())
}

func getClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.Split(xff, ",")
		return strings.TrimSpace(parts[0])
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
