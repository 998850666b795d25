package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/batchledger/batchledger/internal/platform/httpx"
)

// BulkScheduler enqueues a full-window recompute run for the worker.
type BulkScheduler interface {
	EnqueueBulkRecompute(ctx context.Context, runID string, from time.Time) error
}

// Handler wires HTTP endpoints for the ledger module.
type Handler struct {
	logger      *slog.Logger
	service     *Service
	coordinator *Coordinator
	bulk        BulkScheduler
	cutoff      time.Time
	validate    *validator.Validate
}

// HandlerParams bundles handler dependencies.
type HandlerParams struct {
	Logger      *slog.Logger
	Service     *Service
	Coordinator *Coordinator
	Bulk        BulkScheduler
	Cutoff      time.Time
}

// NewHandler constructs ledger handler.
func NewHandler(params HandlerParams) *Handler {
	return &Handler{
		logger:      params.Logger,
		service:     params.Service,
		coordinator: params.Coordinator,
		bulk:        params.Bulk,
		cutoff:      params.Cutoff,
		validate:    validator.New(),
	}
}

// MountRoutes registers ledger routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/purchases", h.handleListPurchases)
	r.Post("/purchases", h.handleCreatePurchase)
	r.Get("/purchases/{id}", h.handleGetPurchase)
	r.Put("/purchases/{id}", h.handleUpdatePurchase)
	r.Delete("/purchases/{id}", h.handleDeletePurchase)
	r.Post("/purchases/{id}/batches", h.handleAddBatch)
	r.Put("/batches/{id}", h.handleUpdateBatch)
	r.Delete("/batches/{id}", h.handleDeleteBatch)

	r.Get("/sales", h.handleListSales)
	r.Post("/sales", h.handleCreateSale)
	r.Get("/sales/{id}", h.handleGetSale)
	r.Put("/sales/{id}", h.handleUpdateSale)
	r.Delete("/sales/{id}", h.handleDeleteSale)
	r.Post("/sales/{id}/lines", h.handleAddSaleLine)
	r.Put("/lines/{id}", h.handleUpdateSaleLine)
	r.Delete("/lines/{id}", h.handleDeleteSaleLine)
	r.Get("/sales/{id}/allocations", h.handleSaleAllocations)
	r.Get("/sales/{id}/cogs", h.handleSaleCOGS)

	r.Post("/recompute", h.handleBulkRecompute)
	r.Post("/recompute/sales/{id}", h.handleRecomputeSale)
	r.Get("/recompute/runs/{id}", h.handleGetRun)
}

type batchRequest struct {
	ProductID int64           `json:"product_id" validate:"required"`
	Qty       decimal.Decimal `json:"qty" validate:"required"`
	UnitCost  decimal.Decimal `json:"unit_cost"`
}

type purchaseRequest struct {
	Number   string         `json:"number" validate:"required,max=64"`
	Date     string         `json:"date" validate:"required"`
	Supplier string         `json:"supplier" validate:"max=255"`
	Batches  []batchRequest `json:"batches" validate:"dive"`
}

type saleLineRequest struct {
	ProductID int64               `json:"product_id" validate:"required"`
	Qty       decimal.Decimal     `json:"qty" validate:"required"`
	Price     decimal.Decimal     `json:"price"`
	Fee       decimal.NullDecimal `json:"fee"`
	Delivery  decimal.NullDecimal `json:"delivery"`
	NetTotal  decimal.NullDecimal `json:"net_total"`
}

type saleRequest struct {
	Number  string            `json:"number" validate:"required,max=64"`
	Date    string            `json:"date" validate:"required"`
	Comment string            `json:"comment" validate:"max=1024"`
	Lines   []saleLineRequest `json:"lines" validate:"dive"`
}

type saleResponse struct {
	Sale       Sale            `json:"sale"`
	Lines      []SaleLine      `json:"lines"`
	Shortfalls []LineShortfall `json:"shortfalls,omitempty"`
}

func (h *Handler) handleCreatePurchase(w http.ResponseWriter, r *http.Request) {
	var req purchaseRequest
	input, batches, ok := h.decodePurchase(w, r, &req)
	if !ok {
		return
	}
	purchase, created, err := h.service.CreatePurchase(r.Context(), input, batches)
	if err != nil {
		h.respondError(w, "create purchase", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, map[string]any{"purchase": purchase, "batches": created})
}

func (h *Handler) handleUpdatePurchase(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid ID", err.Error())
		return
	}
	var req purchaseRequest
	input, _, ok := h.decodePurchase(w, r, &req)
	if !ok {
		return
	}
	purchase, batches, err := h.service.UpdatePurchase(r.Context(), id, input)
	if err != nil {
		h.respondError(w, "update purchase", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"purchase": purchase, "batches": batches})
}

func (h *Handler) handleGetPurchase(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid ID", err.Error())
		return
	}
	purchase, batches, err := h.service.GetPurchase(r.Context(), id)
	if err != nil {
		h.respondError(w, "get purchase", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"purchase": purchase, "batches": batches})
}

func (h *Handler) handleListPurchases(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Invalid Limit", err.Error())
			return
		}
		limit = parsed
	}
	purchases, err := h.service.ListPurchases(r.Context(), limit)
	if err != nil {
		h.respondError(w, "list purchases", err)
		return
	}
	httpx.JSON(w, http.StatusOK, purchases)
}

func (h *Handler) handleDeletePurchase(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid ID", err.Error())
		return
	}
	if err := h.service.DeletePurchase(r.Context(), id); err != nil {
		h.respondError(w, "delete purchase", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleAddBatch(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid ID", err.Error())
		return
	}
	input, ok := h.decodeBatch(w, r)
	if !ok {
		return
	}
	batch, err := h.service.AddBatch(r.Context(), id, input)
	if err != nil {
		h.respondError(w, "add batch", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, batch)
}

func (h *Handler) handleUpdateBatch(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid ID", err.Error())
		return
	}
	input, ok := h.decodeBatch(w, r)
	if !ok {
		return
	}
	batch, err := h.service.UpdateBatch(r.Context(), id, input)
	if err != nil {
		h.respondError(w, "update batch", err)
		return
	}
	httpx.JSON(w, http.StatusOK, batch)
}

func (h *Handler) handleDeleteBatch(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid ID", err.Error())
		return
	}
	if err := h.service.DeleteBatch(r.Context(), id); err != nil {
		h.respondError(w, "delete batch", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleCreateSale(w http.ResponseWriter, r *http.Request) {
	var req saleRequest
	input, lines, ok := h.decodeSale(w, r, &req)
	if !ok {
		return
	}
	sale, created, shortfalls, err := h.service.CreateSale(r.Context(), input, lines)
	if err != nil {
		h.respondError(w, "create sale", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, saleResponse{Sale: sale, Lines: created, Shortfalls: shortfalls})
}

func (h *Handler) handleUpdateSale(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid ID", err.Error())
		return
	}
	var req saleRequest
	input, _, ok := h.decodeSale(w, r, &req)
	if !ok {
		return
	}
	sale, shortfalls, err := h.service.UpdateSale(r.Context(), id, input)
	if err != nil {
		h.respondError(w, "update sale", err)
		return
	}
	httpx.JSON(w, http.StatusOK, saleResponse{Sale: sale, Shortfalls: shortfalls})
}

func (h *Handler) handleGetSale(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid ID", err.Error())
		return
	}
	sale, lines, err := h.service.GetSale(r.Context(), id)
	if err != nil {
		h.respondError(w, "get sale", err)
		return
	}
	httpx.JSON(w, http.StatusOK, saleResponse{Sale: sale, Lines: lines})
}

func (h *Handler) handleListSales(w http.ResponseWriter, r *http.Request) {
	from := h.cutoff
	if v := r.URL.Query().Get("from"); v != "" {
		parsed, err := parseDate(v)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Invalid Date", err.Error())
			return
		}
		from = parsed
	}
	sales, err := h.service.ListSales(r.Context(), from)
	if err != nil {
		h.respondError(w, "list sales", err)
		return
	}
	httpx.JSON(w, http.StatusOK, sales)
}

func (h *Handler) handleDeleteSale(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid ID", err.Error())
		return
	}
	if err := h.service.DeleteSale(r.Context(), id); err != nil {
		h.respondError(w, "delete sale", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleAddSaleLine(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid ID", err.Error())
		return
	}
	input, ok := h.decodeSaleLine(w, r)
	if !ok {
		return
	}
	line, shortfalls, err := h.service.AddSaleLine(r.Context(), id, input)
	if err != nil {
		h.respondError(w, "add sale line", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, map[string]any{"line": line, "shortfalls": shortfalls})
}

func (h *Handler) handleUpdateSaleLine(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid ID", err.Error())
		return
	}
	input, ok := h.decodeSaleLine(w, r)
	if !ok {
		return
	}
	line, shortfalls, err := h.service.UpdateSaleLine(r.Context(), id, input)
	if err != nil {
		h.respondError(w, "update sale line", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"line": line, "shortfalls": shortfalls})
}

func (h *Handler) handleDeleteSaleLine(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid ID", err.Error())
		return
	}
	shortfalls, err := h.service.DeleteSaleLine(r.Context(), id)
	if err != nil {
		h.respondError(w, "delete sale line", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"shortfalls": shortfalls})
}

func (h *Handler) handleSaleAllocations(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid ID", err.Error())
		return
	}
	details, err := h.service.SaleAllocations(r.Context(), id)
	if err != nil {
		h.respondError(w, "sale allocations", err)
		return
	}
	httpx.JSON(w, http.StatusOK, details)
}

func (h *Handler) handleSaleCOGS(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid ID", err.Error())
		return
	}
	perLine, total, err := h.service.SaleCOGS(r.Context(), id)
	if err != nil {
		h.respondError(w, "sale cogs", err)
		return
	}
	lines := make(map[string]decimal.Decimal, len(perLine))
	for lineID, cost := range perLine {
		lines[strconv.FormatInt(lineID, 10)] = cost
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"sale_id": id, "lines": lines, "total": total})
}

func (h *Handler) handleRecomputeSale(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid ID", err.Error())
		return
	}
	shortfalls, err := h.coordinator.RecomputeSale(r.Context(), id)
	if err != nil {
		h.respondError(w, "recompute sale", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"sale_id": id, "shortfalls": shortfalls})
}

type bulkRequest struct {
	From string `json:"from"`
}

// handleBulkRecompute enqueues a full replay for the worker and returns the
// run id immediately. The worker may still reject the run if another one is
// in flight.
func (h *Handler) handleBulkRecompute(w http.ResponseWriter, r *http.Request) {
	from := h.cutoff
	var req bulkRequest
	if r.ContentLength > 0 {
		if err := httpx.DecodeJSON(r, &req); err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Invalid JSON", err.Error())
			return
		}
		if req.From != "" {
			parsed, err := parseDate(req.From)
			if err != nil {
				httpx.Problem(w, http.StatusBadRequest, "Invalid Date", err.Error())
				return
			}
			from = parsed
		}
	}
	runID := uuid.NewString()
	if err := h.bulk.EnqueueBulkRecompute(r.Context(), runID, from); err != nil {
		h.respondError(w, "enqueue bulk recompute", err)
		return
	}
	httpx.JSON(w, http.StatusAccepted, map[string]any{"run_id": runID, "from": from.Format("2006-01-02")})
}

func (h *Handler) handleGetRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "id")
	if _, err := uuid.Parse(runID); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Run ID", err.Error())
		return
	}
	report, err := h.coordinator.Run(r.Context(), runID)
	if err != nil {
		h.respondError(w, "get recompute run", err)
		return
	}
	httpx.JSON(w, http.StatusOK, report)
}

func (h *Handler) decodePurchase(w http.ResponseWriter, r *http.Request, req *purchaseRequest) (PurchaseInput, []BatchInput, bool) {
	if err := httpx.DecodeJSON(r, req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid JSON", err.Error())
		return PurchaseInput{}, nil, false
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return PurchaseInput{}, nil, false
	}
	date, err := parseDate(req.Date)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Date", err.Error())
		return PurchaseInput{}, nil, false
	}
	batches := make([]BatchInput, 0, len(req.Batches))
	for _, b := range req.Batches {
		batches = append(batches, BatchInput{ProductID: b.ProductID, Qty: b.Qty, UnitCost: b.UnitCost})
	}
	return PurchaseInput{Number: req.Number, Date: date, Supplier: req.Supplier}, batches, true
}

func (h *Handler) decodeBatch(w http.ResponseWriter, r *http.Request) (BatchInput, bool) {
	var req batchRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid JSON", err.Error())
		return BatchInput{}, false
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return BatchInput{}, false
	}
	return BatchInput{ProductID: req.ProductID, Qty: req.Qty, UnitCost: req.UnitCost}, true
}

func (h *Handler) decodeSale(w http.ResponseWriter, r *http.Request, req *saleRequest) (SaleInput, []SaleLineInput, bool) {
	if err := httpx.DecodeJSON(r, req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid JSON", err.Error())
		return SaleInput{}, nil, false
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return SaleInput{}, nil, false
	}
	date, err := parseDate(req.Date)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Date", err.Error())
		return SaleInput{}, nil, false
	}
	lines := make([]SaleLineInput, 0, len(req.Lines))
	for _, l := range req.Lines {
		lines = append(lines, SaleLineInput{
			ProductID: l.ProductID,
			Qty:       l.Qty,
			Price:     l.Price,
			Fee:       l.Fee,
			Delivery:  l.Delivery,
			NetTotal:  l.NetTotal,
		})
	}
	return SaleInput{Number: req.Number, Date: date, Comment: req.Comment}, lines, true
}

func (h *Handler) decodeSaleLine(w http.ResponseWriter, r *http.Request) (SaleLineInput, bool) {
	var req saleLineRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid JSON", err.Error())
		return SaleLineInput{}, false
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return SaleLineInput{}, false
	}
	return SaleLineInput{
		ProductID: req.ProductID,
		Qty:       req.Qty,
		Price:     req.Price,
		Fee:       req.Fee,
		Delivery:  req.Delivery,
		NetTotal:  req.NetTotal,
	}, true
}

func (h *Handler) respondError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		httpx.RespondError(w, fmt.Errorf("%w: %s", httpx.ErrNotFound, err))
	case errors.Is(err, ErrInvalidQuantity), errors.Is(err, ErrInvalidUnitCost), errors.Is(err, ErrMissingReference):
		httpx.RespondError(w, fmt.Errorf("%w: %s", httpx.ErrValidation, err))
	case errors.Is(err, ErrInsufficientStock), errors.Is(err, ErrRecomputeRunning):
		httpx.RespondError(w, fmt.Errorf("%w: %s", httpx.ErrConflict, err))
	default:
		h.logger.Error(op, slog.Any("error", err))
		httpx.RespondError(w, err)
	}
}

func parseDate(v string) (time.Time, error) {
	return time.Parse("2006-01-02", v)
}

func pathID(r *http.Request) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
}
