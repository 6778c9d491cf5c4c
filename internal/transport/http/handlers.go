package http

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"can-logger/ingestion/internal/downsample"
	"can-logger/ingestion/internal/rules"
	"can-logger/ingestion/internal/store"
)

const (
	defaultTriggeredLimit = 100
	maxTriggeredLimit     = 1000
	maxBodyBytes          = 1 << 20
	healthTimeout         = 2 * time.Second
)

type handler struct {
	log        *slog.Logger
	rules      RuleService
	downsample Downsampler
	catalog    CatalogSource
	state      StateReader
	pingers    map[string]Pinger
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	status := http.StatusOK
	components := make(map[string]string, len(h.pingers))
	for name, p := range h.pingers {
		if err := p.Ping(ctx); err != nil {
			h.log.Warn("http: health check failed", "component", name, "error", err)
			components[name] = "down"
			status = http.StatusServiceUnavailable
			continue
		}
		components[name] = "ok"
	}
	writeJSON(w, status, components)
}

func (h *handler) getCatalog(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.catalog.Schema())
}

func (h *handler) getState(w http.ResponseWriter, r *http.Request) {
	message := chi.URLParam(r, "message")
	if _, ok := h.catalog.Schema().Message(message); !ok {
		writeError(w, http.StatusNotFound, "unknown message")
		return
	}
	values, err := h.state.LatestState(r.Context(), message)
	if err != nil {
		h.log.Error("http: read state failed", "table", message, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to read state")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"message": message, "values": values})
}

func (h *handler) getRange(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := downsample.RangeRequest{SignalID: q.Get("signal_id")}

	var err error
	if req.Start, err = optionalFloat(q.Get("start_time")); err != nil {
		writeError(w, http.StatusBadRequest, "start_time must be a number")
		return
	}
	if req.End, err = optionalFloat(q.Get("end_time")); err != nil {
		writeError(w, http.StatusBadRequest, "end_time must be a number")
		return
	}
	if req.Zoom, err = optionalInt(q.Get("zoom_level")); err != nil {
		writeError(w, http.StatusBadRequest, "zoom_level must be an integer")
		return
	}
	if req.Viewport, err = optionalInt(q.Get("viewport_width")); err != nil {
		writeError(w, http.StatusBadRequest, "viewport_width must be an integer")
		return
	}

	series, err := h.downsample.Range(r.Context(), req)
	if err != nil {
		h.downsampleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, series)
}

func (h *handler) postVisible(w http.ResponseWriter, r *http.Request) {
	var req downsample.VisibleRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	resp, err := h.downsample.Visible(r.Context(), req)
	if err != nil {
		h.downsampleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *handler) downsampleError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, downsample.ErrUnknownSignal):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, downsample.ErrInvalidSignalID),
		errors.Is(err, downsample.ErrMissingBounds),
		errors.Is(err, downsample.ErrInvalidBounds),
		errors.Is(err, downsample.ErrNoSignals):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		h.log.Error("http: downsample failed", "error", err)
		writeError(w, http.StatusInternalServerError, downsample.ReadFailedMessage)
	}
}

func (h *handler) listAlerts(w http.ResponseWriter, r *http.Request) {
	list, err := h.rules.List(r.Context())
	if err != nil {
		h.log.Error("http: list alerts failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list alerts")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"alerts": list})
}

func (h *handler) createAlert(w http.ResponseWriter, r *http.Request) {
	var req rules.CreateRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	id, err := h.rules.Create(r.Context(), req)
	switch {
	case errors.Is(err, rules.ErrInvalidRule):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		h.log.Error("http: create alert failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to create alert")
		return
	}
	h.log.Info("http: alert created", "rule_id", id, "owner", Owner(r.Context()))
	writeJSON(w, http.StatusCreated, map[string]int64{"id": id})
}

func (h *handler) deleteAlert(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "alert id must be an integer")
		return
	}
	err = h.rules.Delete(r.Context(), id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "alert not found")
		return
	case err != nil:
		h.log.Error("http: delete alert failed", "rule_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to delete alert")
		return
	}
	h.log.Info("http: alert deleted", "rule_id", id, "owner", Owner(r.Context()))
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) listTriggered(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := optionalInt(q.Get("limit"))
	if err != nil || limit < 0 {
		writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
		return
	}
	offset, err := optionalInt(q.Get("offset"))
	if err != nil || offset < 0 {
		writeError(w, http.StatusBadRequest, "offset must be a non-negative integer")
		return
	}
	if limit == 0 {
		limit = defaultTriggeredLimit
	}
	limit = min(limit, maxTriggeredLimit)

	list, err := h.rules.Triggered(r.Context(), limit, offset)
	if err != nil {
		h.log.Error("http: list triggered alerts failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list triggered alerts")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"triggered": list,
		"limit":     limit,
		"offset":    offset,
	})
}

func optionalFloat(s string) (*float64, error) {
	if s == "" {
		return nil, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil, err
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, errors.New("not a finite number")
	}
	return &f, nil
}

func optionalInt(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.Atoi(s)
}
