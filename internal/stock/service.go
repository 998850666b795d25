package stock

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// RepositoryPort abstracts the stock queries for the service.
type RepositoryPort interface {
	AvailableAsOf(ctx context.Context, productID int64, asOf time.Time) (decimal.Decimal, error)
	AvailableExcluding(ctx context.Context, productID int64, asOf time.Time, excludeSaleID int64) (decimal.Decimal, error)
	Movements(ctx context.Context, productID int64) ([]Movement, error)
	Report(ctx context.Context, asOf time.Time) ([]ReportRow, error)
	BatchCapacities(ctx context.Context, productID int64) ([]BatchRemaining, error)
}

// Service answers stock questions. It also backs the ledger's entry-time
// availability guard.
type Service struct {
	repo RepositoryPort
}

// NewService builds Service.
func NewService(repo RepositoryPort) *Service {
	return &Service{repo: repo}
}

// AvailableAsOf returns the product's net balance on a date.
func (s *Service) AvailableAsOf(ctx context.Context, productID int64, asOf time.Time) (decimal.Decimal, error) {
	return s.repo.AvailableAsOf(ctx, productID, asOf)
}

// AvailableExcluding implements the ledger availability port.
func (s *Service) AvailableExcluding(ctx context.Context, productID int64, asOf time.Time, excludeSaleID int64) (decimal.Decimal, error) {
	return s.repo.AvailableExcluding(ctx, productID, asOf, excludeSaleID)
}

// Timeline builds the movement history with running balances and flags the
// first date the balance goes negative.
func (s *Service) Timeline(ctx context.Context, productID int64) (Timeline, error) {
	movements, err := s.repo.Movements(ctx, productID)
	if err != nil {
		return Timeline{}, err
	}
	timeline := Timeline{ProductID: productID, Movements: movements}
	balance := decimal.Zero
	for i := range timeline.Movements {
		balance = balance.Add(timeline.Movements[i].Qty)
		timeline.Movements[i].Balance = balance
		if timeline.FirstNegativeAt == nil && balance.IsNegative() {
			d := timeline.Movements[i].Date
			timeline.FirstNegativeAt = &d
		}
	}
	return timeline, nil
}

// Report returns the stock-on-date report.
func (s *Service) Report(ctx context.Context, asOf time.Time) ([]ReportRow, error) {
	return s.repo.Report(ctx, asOf)
}

// BatchCapacities lists remaining batch capacity for one product.
func (s *Service) BatchCapacities(ctx context.Context, productID int64) ([]BatchRemaining, error) {
	return s.repo.BatchCapacities(ctx, productID)
}
