package stock

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/batchledger/batchledger/internal/platform/httpx"
)

// Handler wires HTTP endpoints for stock queries.
type Handler struct {
	logger  *slog.Logger
	service *Service
}

// NewHandler constructs stock handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service}
}

// MountRoutes registers stock routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/report", h.handleReport)
	r.Get("/products/{id}/available", h.handleAvailable)
	r.Get("/products/{id}/timeline", h.handleTimeline)
	r.Get("/products/{id}/batches", h.handleBatches)
}

func (h *Handler) handleReport(w http.ResponseWriter, r *http.Request) {
	asOf, ok := h.dateParam(w, r)
	if !ok {
		return
	}
	report, err := h.service.Report(r.Context(), asOf)
	if err != nil {
		h.respondError(w, "stock report", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"date": asOf.Format("2006-01-02"), "rows": report})
}

func (h *Handler) handleAvailable(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid ID", err.Error())
		return
	}
	asOf, ok := h.dateParam(w, r)
	if !ok {
		return
	}
	available, err := h.service.AvailableAsOf(r.Context(), id, asOf)
	if err != nil {
		h.respondError(w, "available stock", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"product_id": id,
		"date":       asOf.Format("2006-01-02"),
		"available":  available,
	})
}

func (h *Handler) handleTimeline(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid ID", err.Error())
		return
	}
	timeline, err := h.service.Timeline(r.Context(), id)
	if err != nil {
		h.respondError(w, "stock timeline", err)
		return
	}
	httpx.JSON(w, http.StatusOK, timeline)
}

func (h *Handler) handleBatches(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid ID", err.Error())
		return
	}
	batches, err := h.service.BatchCapacities(r.Context(), id)
	if err != nil {
		h.respondError(w, "batch capacities", err)
		return
	}
	httpx.JSON(w, http.StatusOK, batches)
}

func (h *Handler) dateParam(w http.ResponseWriter, r *http.Request) (time.Time, bool) {
	v := r.URL.Query().Get("date")
	if v == "" {
		return time.Now().UTC().Truncate(24 * time.Hour), true
	}
	asOf, err := time.Parse("2006-01-02", v)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Date", err.Error())
		return time.Time{}, false
	}
	return asOf, true
}

func (h *Handler) respondError(w http.ResponseWriter, op string, err error) {
	if errors.Is(err, ErrNotFound) {
		httpx.RespondError(w, fmt.Errorf("%w: %s", httpx.ErrNotFound, err))
		return
	}
	h.logger.Error(op, slog.Any("error", err))
	httpx.RespondError(w, err)
}

func pathID(r *http.Request) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
}
