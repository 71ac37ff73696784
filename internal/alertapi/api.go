// Package alertapi exposes beacon's HTTP surface: alert ingest,
// incident lifecycle, similarity lookups, and resolution stats.
package alertapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/go-chi/chi/v5"
	"github.com/linnemanlabs/beacon/internal/alert"
	"github.com/linnemanlabs/beacon/internal/incident"
	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"
)

// IncidentService defines the business operations alertapi needs.
type IncidentService interface {
	Submit(ctx context.Context, a *alert.Alert) (*incident.SubmitResult, error)
	Get(ctx context.Context, id string) (*incident.Incident, bool, error)
	List(ctx context.Context, f incident.Filter) ([]*incident.Incident, error)
	Transition(ctx context.Context, id string, next incident.Status) (*incident.Incident, error)
	UpdateFeatures(ctx context.Context, id string, tokens []string) (*incident.Incident, error)
	AttachSuggestion(ctx context.Context, id, text string, confidence float64) (*incident.Incident, error)
	Stats(ctx context.Context, window time.Duration) (incident.Stats, error)
}

// SimilarityMatcher finds past incidents resembling a given one.
type SimilarityMatcher interface {
	FindSimilar(ctx context.Context, in *incident.Incident, k int) ([]incident.Match, error)
}

// API holds dependencies for HTTP handlers.
type API struct {
	logger      log.Logger
	svc         IncidentService
	matcher     SimilarityMatcher
	statsWindow time.Duration
}

// New creates a new API handler. The matcher may be nil, in which case
// the similarity endpoint reports 501.
func New(logger log.Logger, svc IncidentService, matcher SimilarityMatcher, statsWindow time.Duration) *API {
	if logger == nil {
		logger = log.Nop()
	}
	if svc == nil {
		panic(xerrors.New("incident service is required"))
	}
	if statsWindow <= 0 {
		statsWindow = 7 * 24 * time.Hour
	}
	return &API{
		logger:      logger,
		svc:         svc,
		matcher:     matcher,
		statsWindow: statsWindow,
	}
}

// RegisterRoutes attaches API endpoints to the router.
func (a *API) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/alerts", a.handleIngestAlert)
		r.Post("/webhook/alertmanager", a.handleAlertmanagerWebhook)
		r.Get("/incidents", a.handleListIncidents)
		r.Get("/incidents/{id}", a.handleGetIncident)
		r.Post("/incidents/{id}/status", a.handleTransition)
		r.Post("/incidents/{id}/features", a.handleUpdateFeatures)
		r.Post("/incidents/{id}/suggestion", a.handleAttachSuggestion)
		r.Get("/incidents/{id}/similar", a.handleFindSimilar)
		r.Get("/stats", a.handleStats)
	})
}

func (a *API) handleGetIncident(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(attribute.String("beacon.incident.id", id))

	in, ok, err := a.svc.Get(r.Context(), id)
	if err != nil {
		a.logger.Error(r.Context(), err, "failed to get incident", "id", id)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	span.SetAttributes(attribute.String("beacon.incident.status", string(in.Status)))
	writeJSON(w, http.StatusOK, in)
}

func (a *API) handleListIncidents(w http.ResponseWriter, r *http.Request) {
	var f incident.Filter

	if raw := r.URL.Query().Get("status"); raw != "" {
		st := incident.Status(raw)
		if !st.Valid() {
			writeError(w, http.StatusBadRequest, "unknown status")
			return
		}
		f.Statuses = []incident.Status{st}
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		f.Limit = n
	}

	list, err := a.svc.List(r.Context(), f)
	if err != nil {
		a.logger.Error(r.Context(), err, "failed to list incidents")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"incidents": list})
}

func (a *API) handleTransition(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	next := incident.Status(req.Status)
	if !next.Valid() {
		writeError(w, http.StatusBadRequest, "unknown status")
		return
	}

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(
		attribute.String("beacon.incident.id", id),
		attribute.String("beacon.incident.next_status", string(next)),
	)

	in, err := a.svc.Transition(r.Context(), id, next)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, in)
	case errors.Is(err, incident.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case incident.IsInvalidTransition(err):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, incident.ErrConflict):
		writeError(w, http.StatusConflict, "concurrent update, retry")
	default:
		a.logger.Error(r.Context(), err, "transition failed", "id", id, "next", string(next))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (a *API) handleUpdateFeatures(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req struct {
		Tokens []string `json:"tokens"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	if len(req.Tokens) == 0 {
		writeError(w, http.StatusBadRequest, "tokens required")
		return
	}

	in, err := a.svc.UpdateFeatures(r.Context(), id, req.Tokens)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, in)
	case errors.Is(err, incident.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	default:
		a.logger.Error(r.Context(), err, "feature update failed", "id", id)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (a *API) handleAttachSuggestion(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req struct {
		Text       string  `json:"text"`
		Confidence float64 `json:"confidence"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	if req.Text == "" {
		writeError(w, http.StatusBadRequest, "text required")
		return
	}
	if req.Confidence < 0 || req.Confidence > 1 {
		writeError(w, http.StatusBadRequest, "confidence must be in [0, 1]")
		return
	}

	in, err := a.svc.AttachSuggestion(r.Context(), id, req.Text, req.Confidence)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, in)
	case errors.Is(err, incident.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	default:
		a.logger.Error(r.Context(), err, "suggestion attach failed", "id", id)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (a *API) handleFindSimilar(w http.ResponseWriter, r *http.Request) {
	if a.matcher == nil {
		writeError(w, http.StatusNotImplemented, "similarity matching disabled")
		return
	}

	id := chi.URLParam(r, "id")

	k := 5
	if raw := r.URL.Query().Get("k"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "invalid k")
			return
		}
		k = n
	}

	in, ok, err := a.svc.Get(r.Context(), id)
	if err != nil {
		a.logger.Error(r.Context(), err, "failed to get incident", "id", id)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	matches, err := a.matcher.FindSimilar(r.Context(), in, k)
	if err != nil {
		a.logger.Error(r.Context(), err, "similarity lookup failed", "id", id)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"matches": matches})
}

func (a *API) handleStats(w http.ResponseWriter, r *http.Request) {
	window := a.statsWindow
	if raw := r.URL.Query().Get("window"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			writeError(w, http.StatusBadRequest, "invalid window")
			return
		}
		window = d
	}
	if window > incident.MaxStatsWindow {
		writeError(w, http.StatusBadRequest, "window exceeds retention")
		return
	}

	stats, err := a.svc.Stats(r.Context(), window)
	if err != nil {
		a.logger.Error(r.Context(), err, "stats snapshot failed")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// nothing to do with errors here
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
