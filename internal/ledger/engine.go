package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// BatchCapacity is the live cursor the engine consumes from. Remaining starts
// at the batch's received quantity minus whatever other sale lines have
// already claimed, and is decremented in place so that every line allocated
// within one pass observes the consumption of the lines before it.
type BatchCapacity struct {
	BatchID    int64
	ReceivedAt time.Time
	UnitCost   decimal.Decimal
	Remaining  decimal.Decimal
}

// AllocationRequest is the demand side of one engine invocation.
type AllocationRequest struct {
	SaleLineID int64
	Qty        decimal.Decimal
}

// Allocate walks batches in the order given and greedily claims capacity until
// the requested quantity is covered. Batches must already be filtered to those
// received on or before the sale date and ordered by (received_at, batch id).
//
// The returned shortfall is the portion of the request no batch could back.
// It is a normal outcome, not an error: sales are routinely recorded before
// their purchases arrive, and the caller decides whether to surface it.
func Allocate(req AllocationRequest, batches []*BatchCapacity) ([]Allocation, decimal.Decimal, error) {
	if req.Qty.IsNegative() {
		return nil, decimal.Zero, ErrInvalidQuantity
	}

	remaining := req.Qty
	var allocations []Allocation
	for _, batch := range batches {
		if remaining.IsZero() {
			break
		}
		if !batch.Remaining.IsPositive() {
			continue
		}
		take := decimal.Min(remaining, batch.Remaining)
		allocations = append(allocations, Allocation{
			SaleLineID: req.SaleLineID,
			BatchID:    batch.BatchID,
			Qty:        take,
			UnitCost:   batch.UnitCost,
		})
		batch.Remaining = batch.Remaining.Sub(take)
		remaining = remaining.Sub(take)
	}

	return allocations, remaining, nil
}

// eligible returns the prefix of a capacity cursor received on or before the
// given date. Cursors are ordered by receipt date, so eligibility is always a
// prefix.
func eligible(batches []*BatchCapacity, asOf time.Time) []*BatchCapacity {
	for i, b := range batches {
		if b.ReceivedAt.After(asOf) {
			return batches[:i]
		}
	}
	return batches
}

// CostOfGoods sums qty*cost over an allocation set.
func CostOfGoods(allocations []Allocation) decimal.Decimal {
	total := decimal.Zero
	for _, a := range allocations {
		total = total.Add(a.Qty.Mul(a.UnitCost))
	}
	return total
}
