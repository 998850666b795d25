package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

type scheduledRecompute struct {
	productID int64
	since     time.Time
}

type fakeScheduler struct {
	scheduled []scheduledRecompute
}

func (f *fakeScheduler) EnqueueProductRecompute(ctx context.Context, productID int64, since time.Time) error {
	f.scheduled = append(f.scheduled, scheduledRecompute{productID: productID, since: since})
	return nil
}

type fakeRecomputer struct {
	saleIDs    []int64
	shortfalls []LineShortfall
}

func (f *fakeRecomputer) RecomputeSale(ctx context.Context, saleID int64) ([]LineShortfall, error) {
	f.saleIDs = append(f.saleIDs, saleID)
	return f.shortfalls, nil
}

type fakeAvailability struct {
	available decimal.Decimal
	lastSale  int64
}

func (f *fakeAvailability) AvailableExcluding(ctx context.Context, productID int64, asOf time.Time, excludeSaleID int64) (decimal.Decimal, error) {
	f.lastSale = excludeSaleID
	return f.available, nil
}

type serviceFixture struct {
	store        *fakeStore
	scheduler    *fakeScheduler
	recomputer   *fakeRecomputer
	availability *fakeAvailability
	service      *Service
}

func newServiceFixture(t *testing.T, allowOversell bool) *serviceFixture {
	t.Helper()
	f := &serviceFixture{
		store:        newFakeStore(),
		scheduler:    &fakeScheduler{},
		recomputer:   &fakeRecomputer{},
		availability: &fakeAvailability{available: dec("100")},
	}
	f.service = NewService(ServiceParams{
		Logger:        testLogger(),
		Repo:          f.store,
		Scheduler:     f.scheduler,
		Recomputer:    f.recomputer,
		Availability:  f.availability,
		AllowOversell: allowOversell,
	})
	return f
}

func TestCreatePurchaseSchedulesEveryProduct(t *testing.T) {
	f := newServiceFixture(t, false)

	purchase, _, err := f.service.CreatePurchase(context.Background(),
		PurchaseInput{Number: "P-1", Date: day("2026-01-05"), Supplier: "acme"},
		[]BatchInput{
			{ProductID: 1, Qty: dec("10"), UnitCost: dec("5.00")},
			{ProductID: 2, Qty: dec("4"), UnitCost: dec("9.00")},
		})
	require.NoError(t, err)
	require.Equal(t, "P-1", purchase.Number)

	require.Len(t, f.scheduler.scheduled, 2)
	require.Equal(t, int64(1), f.scheduler.scheduled[0].productID)
	require.Equal(t, int64(2), f.scheduler.scheduled[1].productID)
	require.True(t, f.scheduler.scheduled[0].since.Equal(day("2026-01-05")))
	require.Empty(t, f.recomputer.saleIDs)
}

func TestCreatePurchaseRejectsBadBatch(t *testing.T) {
	f := newServiceFixture(t, false)

	_, _, err := f.service.CreatePurchase(context.Background(),
		PurchaseInput{Number: "P-1", Date: day("2026-01-05")},
		[]BatchInput{{ProductID: 1, Qty: dec("0"), UnitCost: dec("5.00")}})
	require.ErrorIs(t, err, ErrInvalidQuantity)

	_, _, err = f.service.CreatePurchase(context.Background(),
		PurchaseInput{Number: "P-1", Date: day("2026-01-05")},
		[]BatchInput{{ProductID: 1, Qty: dec("1"), UnitCost: dec("-1")}})
	require.ErrorIs(t, err, ErrInvalidUnitCost)

	require.Empty(t, f.scheduler.scheduled)
}

func TestUpdatePurchaseReschedulesFromEarlierDate(t *testing.T) {
	f := newServiceFixture(t, false)
	_, _, err := f.service.CreatePurchase(context.Background(),
		PurchaseInput{Number: "P-1", Date: day("2026-01-10")},
		[]BatchInput{{ProductID: 1, Qty: dec("10"), UnitCost: dec("5.00")}})
	require.NoError(t, err)
	f.scheduler.scheduled = nil

	var purchaseID int64
	for id := range f.store.purchases {
		purchaseID = id
	}

	// Moving the document later still reschedules from the original date so
	// sales between the two dates lose their eligibility.
	_, _, err = f.service.UpdatePurchase(context.Background(), purchaseID,
		PurchaseInput{Number: "P-1", Date: day("2026-01-20")})
	require.NoError(t, err)
	require.Len(t, f.scheduler.scheduled, 1)
	require.True(t, f.scheduler.scheduled[0].since.Equal(day("2026-01-10")))
}

func TestDeleteBatchSchedulesProduct(t *testing.T) {
	f := newServiceFixture(t, false)
	batchID := f.store.addBatch(3, "2026-01-07", "5", "2.00")

	require.NoError(t, f.service.DeleteBatch(context.Background(), batchID))
	require.Len(t, f.scheduler.scheduled, 1)
	require.Equal(t, int64(3), f.scheduler.scheduled[0].productID)
	require.True(t, f.scheduler.scheduled[0].since.Equal(day("2026-01-07")))
	_, ok := f.store.batches[batchID]
	require.False(t, ok)
}

func TestCreateSaleRecomputesSynchronously(t *testing.T) {
	f := newServiceFixture(t, false)

	sale, lines, _, err := f.service.CreateSale(context.Background(),
		SaleInput{Number: "S-1", Date: day("2026-01-10")},
		[]SaleLineInput{{ProductID: 1, Qty: dec("2"), Price: dec("15.00")}})
	require.NoError(t, err)
	require.Equal(t, "S-1", sale.Number)
	require.Len(t, lines, 1)
	require.Equal(t, []int64{sale.ID}, f.recomputer.saleIDs)
	require.Empty(t, f.scheduler.scheduled)
}

func TestCreateSaleGuardBlocksOversell(t *testing.T) {
	f := newServiceFixture(t, false)
	f.availability.available = dec("3")

	_, _, _, err := f.service.CreateSale(context.Background(),
		SaleInput{Number: "S-1", Date: day("2026-01-10")},
		[]SaleLineInput{{ProductID: 1, Qty: dec("5"), Price: dec("1.00")}})
	require.ErrorIs(t, err, ErrInsufficientStock)
	require.Empty(t, f.store.sales)
	require.Empty(t, f.recomputer.saleIDs)
}

func TestCreateSaleGuardSumsLinesOfSameProduct(t *testing.T) {
	f := newServiceFixture(t, false)
	f.availability.available = dec("5")

	_, _, _, err := f.service.CreateSale(context.Background(),
		SaleInput{Number: "S-1", Date: day("2026-01-10")},
		[]SaleLineInput{
			{ProductID: 1, Qty: dec("3"), Price: dec("1.00")},
			{ProductID: 1, Qty: dec("3"), Price: dec("1.00")},
		})
	require.ErrorIs(t, err, ErrInsufficientStock)
}

func TestCreateSaleAllowOversellBypassesGuard(t *testing.T) {
	f := newServiceFixture(t, true)
	f.availability.available = dec("0")

	_, _, _, err := f.service.CreateSale(context.Background(),
		SaleInput{Number: "S-1", Date: day("2026-01-10")},
		[]SaleLineInput{{ProductID: 1, Qty: dec("5"), Price: dec("1.00")}})
	require.NoError(t, err)
}

func TestUpdateSaleLineGuardExcludesOwnSale(t *testing.T) {
	f := newServiceFixture(t, false)
	saleID := f.store.addSale("S-1", "2026-01-10")
	lineID := f.store.addLine(saleID, 1, "5")
	f.availability.available = dec("5")

	_, _, err := f.service.UpdateSaleLine(context.Background(), lineID,
		SaleLineInput{ProductID: 1, Qty: dec("4"), Price: dec("1.00")})
	require.NoError(t, err)
	require.Equal(t, saleID, f.availability.lastSale)
	require.Equal(t, []int64{saleID}, f.recomputer.saleIDs)
}

func TestAddSaleLineGuardExcludesOwnSale(t *testing.T) {
	f := newServiceFixture(t, false)
	saleID := f.store.addSale("S-1", "2026-01-10")
	f.store.addLine(saleID, 1, "5")
	f.availability.available = dec("4")

	// The sale's existing demand re-enters the pool when the document is
	// reallocated, so it must not count against the new line.
	_, _, err := f.service.AddSaleLine(context.Background(), saleID,
		SaleLineInput{ProductID: 1, Qty: dec("4"), Price: dec("1.00")})
	require.NoError(t, err)
	require.Equal(t, saleID, f.availability.lastSale)
	require.Equal(t, []int64{saleID}, f.recomputer.saleIDs)
}

func TestCreateSaleGuardExcludesNothing(t *testing.T) {
	f := newServiceFixture(t, false)
	f.availability.lastSale = -1

	_, _, _, err := f.service.CreateSale(context.Background(),
		SaleInput{Number: "S-1", Date: day("2026-01-10")},
		[]SaleLineInput{{ProductID: 1, Qty: dec("2"), Price: dec("1.00")}})
	require.NoError(t, err)
	require.Equal(t, int64(0), f.availability.lastSale)
}

func TestDeleteSaleSkipsRecompute(t *testing.T) {
	f := newServiceFixture(t, false)
	saleID := f.store.addSale("S-1", "2026-01-10")
	f.store.addLine(saleID, 1, "5")

	require.NoError(t, f.service.DeleteSale(context.Background(), saleID))
	require.Empty(t, f.recomputer.saleIDs)
	require.Empty(t, f.scheduler.scheduled)
	_, ok := f.store.sales[saleID]
	require.False(t, ok)
}

func TestDeleteSaleLineRecomputesRemainder(t *testing.T) {
	f := newServiceFixture(t, false)
	saleID := f.store.addSale("S-1", "2026-01-10")
	lineID := f.store.addLine(saleID, 1, "5")

	_, err := f.service.DeleteSaleLine(context.Background(), lineID)
	require.NoError(t, err)
	require.Equal(t, []int64{saleID}, f.recomputer.saleIDs)
}

func TestSaleCOGSSumsPerLine(t *testing.T) {
	f := newServiceFixture(t, false)
	batchID := f.store.addBatch(1, "2026-01-01", "10", "4.00")
	saleID := f.store.addSale("S-1", "2026-01-10")
	lineID := f.store.addLine(saleID, 1, "3")
	f.store.allocs = append(f.store.allocs,
		Allocation{ID: f.store.id(), SaleLineID: lineID, BatchID: batchID, Qty: dec("2"), UnitCost: dec("4.00")},
		Allocation{ID: f.store.id(), SaleLineID: lineID, BatchID: batchID, Qty: dec("1"), UnitCost: dec("4.00")},
	)

	perLine, total, err := f.service.SaleCOGS(context.Background(), saleID)
	require.NoError(t, err)
	require.True(t, perLine[lineID].Equal(dec("12.00")))
	require.True(t, total.Equal(dec("12.00")))
}

func TestCreateSaleRejectsInvalidLine(t *testing.T) {
	f := newServiceFixture(t, false)

	_, _, _, err := f.service.CreateSale(context.Background(),
		SaleInput{Number: "S-1", Date: day("2026-01-10")},
		[]SaleLineInput{{ProductID: 0, Qty: dec("1"), Price: dec("1.00")}})
	require.ErrorIs(t, err, ErrMissingReference)

	_, _, _, err = f.service.CreateSale(context.Background(),
		SaleInput{Number: "S-1", Date: day("2026-01-10")},
		[]SaleLineInput{{ProductID: 1, Qty: dec("-1"), Price: dec("1.00")}})
	require.ErrorIs(t, err, ErrInvalidQuantity)
}
