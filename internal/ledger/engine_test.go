package ledger

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func day(s string) time.Time {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return t
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func cursor(batches ...*BatchCapacity) []*BatchCapacity {
	return batches
}

func TestAllocateSpansBatchesInReceiptOrder(t *testing.T) {
	batches := cursor(
		&BatchCapacity{BatchID: 1, ReceivedAt: day("2026-01-05"), UnitCost: dec("10.00"), Remaining: dec("5")},
		&BatchCapacity{BatchID: 2, ReceivedAt: day("2026-01-10"), UnitCost: dec("12.00"), Remaining: dec("8")},
	)

	allocations, short, err := Allocate(AllocationRequest{SaleLineID: 7, Qty: dec("7")}, batches)
	require.NoError(t, err)
	require.True(t, short.IsZero())
	require.Len(t, allocations, 2)

	require.Equal(t, int64(1), allocations[0].BatchID)
	require.True(t, allocations[0].Qty.Equal(dec("5")))
	require.True(t, allocations[0].UnitCost.Equal(dec("10.00")))

	require.Equal(t, int64(2), allocations[1].BatchID)
	require.True(t, allocations[1].Qty.Equal(dec("2")))
	require.True(t, allocations[1].UnitCost.Equal(dec("12.00")))

	require.True(t, batches[0].Remaining.IsZero())
	require.True(t, batches[1].Remaining.Equal(dec("6")))

	require.True(t, CostOfGoods(allocations).Equal(dec("74.00")))
}

func TestAllocateReportsShortfall(t *testing.T) {
	batches := cursor(
		&BatchCapacity{BatchID: 1, ReceivedAt: day("2026-01-05"), UnitCost: dec("10.00"), Remaining: dec("3")},
	)

	allocations, short, err := Allocate(AllocationRequest{SaleLineID: 1, Qty: dec("10")}, batches)
	require.NoError(t, err)
	require.True(t, short.Equal(dec("7")))
	require.Len(t, allocations, 1)
	require.True(t, allocations[0].Qty.Equal(dec("3")))
	require.True(t, batches[0].Remaining.IsZero())
}

func TestAllocateWithNoSupply(t *testing.T) {
	allocations, short, err := Allocate(AllocationRequest{SaleLineID: 1, Qty: dec("4")}, nil)
	require.NoError(t, err)
	require.Empty(t, allocations)
	require.True(t, short.Equal(dec("4")))
}

func TestAllocateZeroQuantity(t *testing.T) {
	batches := cursor(
		&BatchCapacity{BatchID: 1, ReceivedAt: day("2026-01-05"), UnitCost: dec("10.00"), Remaining: dec("3")},
	)
	allocations, short, err := Allocate(AllocationRequest{SaleLineID: 1, Qty: decimal.Zero}, batches)
	require.NoError(t, err)
	require.Empty(t, allocations)
	require.True(t, short.IsZero())
	require.True(t, batches[0].Remaining.Equal(dec("3")))
}

func TestAllocateNegativeQuantity(t *testing.T) {
	_, _, err := Allocate(AllocationRequest{SaleLineID: 1, Qty: dec("-1")}, nil)
	require.ErrorIs(t, err, ErrInvalidQuantity)
}

func TestAllocateSkipsDrainedBatches(t *testing.T) {
	batches := cursor(
		&BatchCapacity{BatchID: 1, ReceivedAt: day("2026-01-05"), UnitCost: dec("10.00"), Remaining: decimal.Zero},
		&BatchCapacity{BatchID: 2, ReceivedAt: day("2026-01-06"), UnitCost: dec("11.00"), Remaining: dec("4")},
	)
	allocations, short, err := Allocate(AllocationRequest{SaleLineID: 1, Qty: dec("2")}, batches)
	require.NoError(t, err)
	require.True(t, short.IsZero())
	require.Len(t, allocations, 1)
	require.Equal(t, int64(2), allocations[0].BatchID)
}

func TestAllocateSequentialLinesShareCursor(t *testing.T) {
	batches := cursor(
		&BatchCapacity{BatchID: 1, ReceivedAt: day("2026-01-05"), UnitCost: dec("10.00"), Remaining: dec("5")},
		&BatchCapacity{BatchID: 2, ReceivedAt: day("2026-01-10"), UnitCost: dec("12.00"), Remaining: dec("5")},
	)

	first, short, err := Allocate(AllocationRequest{SaleLineID: 1, Qty: dec("4")}, batches)
	require.NoError(t, err)
	require.True(t, short.IsZero())
	require.Equal(t, int64(1), first[0].BatchID)

	second, short, err := Allocate(AllocationRequest{SaleLineID: 2, Qty: dec("4")}, batches)
	require.NoError(t, err)
	require.True(t, short.IsZero())
	require.Len(t, second, 2)
	require.True(t, second[0].Qty.Equal(dec("1")))
	require.Equal(t, int64(1), second[0].BatchID)
	require.True(t, second[1].Qty.Equal(dec("3")))
	require.Equal(t, int64(2), second[1].BatchID)
}

func TestAllocateFractionalQuantities(t *testing.T) {
	batches := cursor(
		&BatchCapacity{BatchID: 1, ReceivedAt: day("2026-01-05"), UnitCost: dec("0.10"), Remaining: dec("0.3")},
		&BatchCapacity{BatchID: 2, ReceivedAt: day("2026-01-06"), UnitCost: dec("0.20"), Remaining: dec("0.3")},
	)
	allocations, short, err := Allocate(AllocationRequest{SaleLineID: 1, Qty: dec("0.6")}, batches)
	require.NoError(t, err)
	require.True(t, short.IsZero())
	require.Len(t, allocations, 2)
	require.True(t, CostOfGoods(allocations).Equal(dec("0.09")))
}

func TestEligiblePrefix(t *testing.T) {
	batches := cursor(
		&BatchCapacity{BatchID: 1, ReceivedAt: day("2026-01-05"), Remaining: dec("5")},
		&BatchCapacity{BatchID: 2, ReceivedAt: day("2026-01-10"), Remaining: dec("5")},
		&BatchCapacity{BatchID: 3, ReceivedAt: day("2026-01-20"), Remaining: dec("5")},
	)

	require.Len(t, eligible(batches, day("2026-01-10")), 2)
	require.Len(t, eligible(batches, day("2026-01-04")), 0)
	require.Len(t, eligible(batches, day("2026-02-01")), 3)
}
