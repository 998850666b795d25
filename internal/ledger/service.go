package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
)

// Scheduler enqueues deferred recompute work. Batch-side mutations never
// reallocate inline: they fan out through the scheduler so that one purchase
// touching hundreds of sales does not block the request.
type Scheduler interface {
	EnqueueProductRecompute(ctx context.Context, productID int64, since time.Time) error
}

// SaleRecomputer rebuilds one sale's allocations synchronously. Sale-side
// mutations are cheap enough to settle before the response.
type SaleRecomputer interface {
	RecomputeSale(ctx context.Context, saleID int64) ([]LineShortfall, error)
}

// AvailabilityPort answers the entry-time oversell guard: quantity on hand as
// of a date, with one sale's whole demand excluded so that editing a document
// does not count against itself. The sale being edited is about to be
// reallocated anyway, so all of its lines re-enter the pool, not just the one
// under the pen.
type AvailabilityPort interface {
	AvailableExcluding(ctx context.Context, productID int64, asOf time.Time, excludeSaleID int64) (decimal.Decimal, error)
}

// Service coordinates ledger document operations and their recompute
// triggers.
type Service struct {
	logger        *slog.Logger
	repo          RepositoryPort
	scheduler     Scheduler
	recomputer    SaleRecomputer
	availability  AvailabilityPort
	allowOversell bool
}

// ServiceParams bundles service dependencies.
type ServiceParams struct {
	Logger        *slog.Logger
	Repo          RepositoryPort
	Scheduler     Scheduler
	Recomputer    SaleRecomputer
	Availability  AvailabilityPort
	AllowOversell bool
}

// NewService builds Service.
func NewService(params ServiceParams) *Service {
	return &Service{
		logger:        params.Logger,
		repo:          params.Repo,
		scheduler:     params.Scheduler,
		recomputer:    params.Recomputer,
		availability:  params.Availability,
		allowOversell: params.AllowOversell,
	}
}

// CreatePurchase records a purchase document with its batches and schedules
// recompute for every product received.
func (s *Service) CreatePurchase(ctx context.Context, input PurchaseInput, batches []BatchInput) (Purchase, []Batch, error) {
	if err := validatePurchase(input); err != nil {
		return Purchase{}, nil, err
	}
	for _, b := range batches {
		if err := validateBatch(b); err != nil {
			return Purchase{}, nil, err
		}
	}

	var purchaseID int64
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		id, err := tx.InsertPurchase(ctx, input)
		if err != nil {
			return err
		}
		purchaseID = id
		for _, b := range batches {
			if _, err := tx.InsertBatch(ctx, id, input.Date, b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return Purchase{}, nil, err
	}

	for _, b := range batches {
		if err := s.scheduleProduct(ctx, b.ProductID, input.Date); err != nil {
			return Purchase{}, nil, err
		}
	}
	return s.repo.GetPurchase(ctx, purchaseID)
}

// UpdatePurchase rewrites the document header. A date change re-dates every
// batch, so recompute is scheduled from the earlier of the two dates.
func (s *Service) UpdatePurchase(ctx context.Context, id int64, input PurchaseInput) (Purchase, []Batch, error) {
	if err := validatePurchase(input); err != nil {
		return Purchase{}, nil, err
	}
	old, batches, err := s.repo.GetPurchase(ctx, id)
	if err != nil {
		return Purchase{}, nil, err
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return tx.UpdatePurchase(ctx, id, input)
	})
	if err != nil {
		return Purchase{}, nil, err
	}

	since := input.Date
	if old.Date.Before(since) {
		since = old.Date
	}
	for _, b := range batches {
		if err := s.scheduleProduct(ctx, b.ProductID, since); err != nil {
			return Purchase{}, nil, err
		}
	}
	return s.repo.GetPurchase(ctx, id)
}

// DeletePurchase retires the document with all of its batches. Sales that
// were drawing on those batches are rescheduled.
func (s *Service) DeletePurchase(ctx context.Context, id int64) error {
	_, batches, err := s.repo.GetPurchase(ctx, id)
	if err != nil {
		return err
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return tx.DeletePurchase(ctx, id)
	})
	if err != nil {
		return err
	}
	for _, b := range batches {
		if err := s.scheduleProduct(ctx, b.ProductID, b.ReceivedAt); err != nil {
			return err
		}
	}
	return nil
}

// AddBatch appends a batch to an existing purchase.
func (s *Service) AddBatch(ctx context.Context, purchaseID int64, input BatchInput) (Batch, error) {
	if err := validateBatch(input); err != nil {
		return Batch{}, err
	}
	purchase, _, err := s.repo.GetPurchase(ctx, purchaseID)
	if err != nil {
		return Batch{}, err
	}
	var batchID int64
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		id, err := tx.InsertBatch(ctx, purchaseID, purchase.Date, input)
		if err != nil {
			return err
		}
		batchID = id
		return nil
	})
	if err != nil {
		return Batch{}, err
	}
	if err := s.scheduleProduct(ctx, input.ProductID, purchase.Date); err != nil {
		return Batch{}, err
	}
	return s.repo.GetBatch(ctx, batchID)
}

// UpdateBatch rewrites quantity, cost or product of one batch. Cost changes
// propagate into re-snapshotted allocations on recompute.
func (s *Service) UpdateBatch(ctx context.Context, id int64, input BatchInput) (Batch, error) {
	if err := validateBatch(input); err != nil {
		return Batch{}, err
	}
	old, err := s.repo.GetBatch(ctx, id)
	if err != nil {
		return Batch{}, err
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return tx.UpdateBatch(ctx, id, input)
	})
	if err != nil {
		return Batch{}, err
	}
	if err := s.scheduleProduct(ctx, input.ProductID, old.ReceivedAt); err != nil {
		return Batch{}, err
	}
	if old.ProductID != input.ProductID {
		if err := s.scheduleProduct(ctx, old.ProductID, old.ReceivedAt); err != nil {
			return Batch{}, err
		}
	}
	return s.repo.GetBatch(ctx, id)
}

// DeleteBatch drops the batch and the allocations it funded, then reschedules
// the affected product.
func (s *Service) DeleteBatch(ctx context.Context, id int64) error {
	var old Batch
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		batch, err := tx.GetBatch(ctx, id)
		if err != nil {
			return err
		}
		old = batch
		return tx.DeleteBatch(ctx, id)
	})
	if err != nil {
		return err
	}
	return s.scheduleProduct(ctx, old.ProductID, old.ReceivedAt)
}

// GetPurchase fetches a purchase with its batches.
func (s *Service) GetPurchase(ctx context.Context, id int64) (Purchase, []Batch, error) {
	return s.repo.GetPurchase(ctx, id)
}

// ListPurchases lists recent purchase documents.
func (s *Service) ListPurchases(ctx context.Context, limit int) ([]Purchase, error) {
	return s.repo.ListPurchases(ctx, limit)
}

// CreateSale records a sale with its lines and allocates them immediately.
func (s *Service) CreateSale(ctx context.Context, input SaleInput, lines []SaleLineInput) (Sale, []SaleLine, []LineShortfall, error) {
	if err := validateSale(input); err != nil {
		return Sale{}, nil, nil, err
	}
	for _, l := range lines {
		if err := validateSaleLine(l); err != nil {
			return Sale{}, nil, nil, err
		}
	}
	if err := s.guardLines(ctx, input.Date, lines, 0); err != nil {
		return Sale{}, nil, nil, err
	}

	var saleID int64
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		id, err := tx.InsertSale(ctx, input)
		if err != nil {
			return err
		}
		saleID = id
		for _, l := range lines {
			if _, err := tx.InsertSaleLine(ctx, id, l); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return Sale{}, nil, nil, err
	}

	shortfalls, err := s.recomputer.RecomputeSale(ctx, saleID)
	if err != nil {
		return Sale{}, nil, nil, fmt.Errorf("recompute sale %d: %w", saleID, err)
	}
	sale, saleLines, err := s.repo.GetSale(ctx, saleID)
	if err != nil {
		return Sale{}, nil, nil, err
	}
	return sale, saleLines, shortfalls, nil
}

// UpdateSale rewrites the sale header. A date change shifts batch eligibility,
// so the sale is reallocated.
func (s *Service) UpdateSale(ctx context.Context, id int64, input SaleInput) (Sale, []LineShortfall, error) {
	if err := validateSale(input); err != nil {
		return Sale{}, nil, err
	}
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return tx.UpdateSale(ctx, id, input)
	})
	if err != nil {
		return Sale{}, nil, err
	}
	shortfalls, err := s.recomputer.RecomputeSale(ctx, id)
	if err != nil {
		return Sale{}, nil, err
	}
	sale, _, err := s.repo.GetSale(ctx, id)
	if err != nil {
		return Sale{}, nil, err
	}
	return sale, shortfalls, nil
}

// DeleteSale removes the sale; lines and allocations cascade. Freed capacity
// is picked up naturally by later recomputes, so none is scheduled here.
func (s *Service) DeleteSale(ctx context.Context, id int64) error {
	return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return tx.DeleteSale(ctx, id)
	})
}

// AddSaleLine appends a line to a sale and reallocates the whole document.
func (s *Service) AddSaleLine(ctx context.Context, saleID int64, input SaleLineInput) (SaleLine, []LineShortfall, error) {
	if err := validateSaleLine(input); err != nil {
		return SaleLine{}, nil, err
	}
	sale, _, err := s.repo.GetSale(ctx, saleID)
	if err != nil {
		return SaleLine{}, nil, err
	}
	if err := s.guardLines(ctx, sale.Date, []SaleLineInput{input}, saleID); err != nil {
		return SaleLine{}, nil, err
	}

	var lineID int64
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		id, err := tx.InsertSaleLine(ctx, saleID, input)
		if err != nil {
			return err
		}
		lineID = id
		return nil
	})
	if err != nil {
		return SaleLine{}, nil, err
	}
	shortfalls, err := s.recomputer.RecomputeSale(ctx, saleID)
	if err != nil {
		return SaleLine{}, nil, err
	}
	line, err := s.findLine(ctx, saleID, lineID)
	if err != nil {
		return SaleLine{}, nil, err
	}
	return line, shortfalls, nil
}

// UpdateSaleLine rewrites one line and reallocates the sale. The guard
// excludes the sale's own current demand so shrinking a line always passes.
func (s *Service) UpdateSaleLine(ctx context.Context, lineID int64, input SaleLineInput) (SaleLine, []LineShortfall, error) {
	if err := validateSaleLine(input); err != nil {
		return SaleLine{}, nil, err
	}
	var saleID int64
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		old, err := tx.GetSaleLine(ctx, lineID)
		if err != nil {
			return err
		}
		saleID = old.SaleID
		return nil
	})
	if err != nil {
		return SaleLine{}, nil, err
	}
	sale, _, err := s.repo.GetSale(ctx, saleID)
	if err != nil {
		return SaleLine{}, nil, err
	}
	if err := s.guardLines(ctx, sale.Date, []SaleLineInput{input}, saleID); err != nil {
		return SaleLine{}, nil, err
	}

	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return tx.UpdateSaleLine(ctx, lineID, input)
	})
	if err != nil {
		return SaleLine{}, nil, err
	}
	shortfalls, err := s.recomputer.RecomputeSale(ctx, saleID)
	if err != nil {
		return SaleLine{}, nil, err
	}
	line, err := s.findLine(ctx, saleID, lineID)
	if err != nil {
		return SaleLine{}, nil, err
	}
	return line, shortfalls, nil
}

// DeleteSaleLine removes one line and reallocates the remaining ones.
func (s *Service) DeleteSaleLine(ctx context.Context, lineID int64) ([]LineShortfall, error) {
	var saleID int64
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		old, err := tx.GetSaleLine(ctx, lineID)
		if err != nil {
			return err
		}
		saleID = old.SaleID
		return tx.DeleteSaleLine(ctx, lineID)
	})
	if err != nil {
		return nil, err
	}
	return s.recomputer.RecomputeSale(ctx, saleID)
}

// GetSale fetches a sale with its lines.
func (s *Service) GetSale(ctx context.Context, id int64) (Sale, []SaleLine, error) {
	return s.repo.GetSale(ctx, id)
}

// ListSales lists sales dated on or after from in ledger order.
func (s *Service) ListSales(ctx context.Context, from time.Time) ([]SaleRef, error) {
	return s.repo.ListSales(ctx, from)
}

// SaleAllocations returns the allocation drill-down of one sale.
func (s *Service) SaleAllocations(ctx context.Context, saleID int64) ([]AllocationDetail, error) {
	if _, _, err := s.repo.GetSale(ctx, saleID); err != nil {
		return nil, err
	}
	return s.repo.SaleAllocations(ctx, saleID)
}

// SaleCOGS sums allocated cost per sale line plus the document total.
func (s *Service) SaleCOGS(ctx context.Context, saleID int64) (map[int64]decimal.Decimal, decimal.Decimal, error) {
	details, err := s.SaleAllocations(ctx, saleID)
	if err != nil {
		return nil, decimal.Zero, err
	}
	perLine := map[int64]decimal.Decimal{}
	total := decimal.Zero
	for _, d := range details {
		cost := d.Qty.Mul(d.UnitCost)
		perLine[d.SaleLineID] = perLine[d.SaleLineID].Add(cost)
		total = total.Add(cost)
	}
	return perLine, total, nil
}

func (s *Service) scheduleProduct(ctx context.Context, productID int64, since time.Time) error {
	if err := s.scheduler.EnqueueProductRecompute(ctx, productID, since); err != nil {
		return fmt.Errorf("enqueue recompute for product %d: %w", productID, err)
	}
	return nil
}

// guardLines enforces the entry-time availability check. Lines of the same
// product inside one request share the available pool. excludeSaleID removes
// the in-flight sale's demand from the pool; zero excludes nothing.
func (s *Service) guardLines(ctx context.Context, asOf time.Time, lines []SaleLineInput, excludeSaleID int64) error {
	if s.allowOversell || s.availability == nil {
		return nil
	}
	claimed := map[int64]decimal.Decimal{}
	for _, l := range lines {
		available, err := s.availability.AvailableExcluding(ctx, l.ProductID, asOf, excludeSaleID)
		if err != nil {
			return err
		}
		demand := claimed[l.ProductID].Add(l.Qty)
		if demand.GreaterThan(available) {
			return fmt.Errorf("%w: product %d needs %s, has %s",
				ErrInsufficientStock, l.ProductID, demand.String(), available.String())
		}
		claimed[l.ProductID] = demand
	}
	return nil
}

func (s *Service) findLine(ctx context.Context, saleID, lineID int64) (SaleLine, error) {
	_, lines, err := s.repo.GetSale(ctx, saleID)
	if err != nil {
		return SaleLine{}, err
	}
	for _, l := range lines {
		if l.ID == lineID {
			return l, nil
		}
	}
	return SaleLine{}, ErrNotFound
}

func validatePurchase(input PurchaseInput) error {
	if input.Number == "" || input.Date.IsZero() {
		return fmt.Errorf("%w: purchase number and date are required", ErrMissingReference)
	}
	return nil
}

func validateBatch(input BatchInput) error {
	if input.ProductID == 0 {
		return ErrMissingReference
	}
	if !input.Qty.IsPositive() {
		return ErrInvalidQuantity
	}
	if input.UnitCost.IsNegative() {
		return ErrInvalidUnitCost
	}
	return nil
}

func validateSale(input SaleInput) error {
	if input.Number == "" || input.Date.IsZero() {
		return fmt.Errorf("%w: sale number and date are required", ErrMissingReference)
	}
	return nil
}

func validateSaleLine(input SaleLineInput) error {
	if input.ProductID == 0 {
		return ErrMissingReference
	}
	if !input.Qty.IsPositive() {
		return ErrInvalidQuantity
	}
	if input.Price.IsNegative() {
		return ErrInvalidUnitCost
	}
	return nil
}
