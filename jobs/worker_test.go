package jobs

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/require"

	"github.com/batchledger/batchledger/internal/ledger"
)

type fakeRecomputer struct {
	saleIDs  []int64
	saleErrs map[int64]error

	allFrom  time.Time
	allRunID string
	allErr   error
	report   *ledger.BulkReport
}

func (f *fakeRecomputer) RecomputeSale(ctx context.Context, saleID int64) ([]ledger.LineShortfall, error) {
	f.saleIDs = append(f.saleIDs, saleID)
	return nil, f.saleErrs[saleID]
}

func (f *fakeRecomputer) RecomputeAll(ctx context.Context, from time.Time, runID string) (*ledger.BulkReport, error) {
	f.allFrom = from
	f.allRunID = runID
	if f.allErr != nil {
		return nil, f.allErr
	}
	return f.report, nil
}

type fakeSaleSource struct {
	productID int64
	since     time.Time
	sales     []ledger.SaleRef
}

func (f *fakeSaleSource) SalesForProductSince(ctx context.Context, productID int64, since time.Time) ([]ledger.SaleRef, error) {
	f.productID = productID
	f.since = since
	return f.sales, nil
}

type fakeEnqueuer struct {
	saleIDs []int64
}

func (f *fakeEnqueuer) EnqueueSaleRecompute(ctx context.Context, saleID int64) error {
	f.saleIDs = append(f.saleIDs, saleID)
	return nil
}

type processorFixture struct {
	recomputer *fakeRecomputer
	source     *fakeSaleSource
	enqueuer   *fakeEnqueuer
	processor  *Processor
}

func newProcessorFixture(cutoff string) *processorFixture {
	f := &processorFixture{
		recomputer: &fakeRecomputer{saleErrs: map[int64]error{}},
		source:     &fakeSaleSource{},
		enqueuer:   &fakeEnqueuer{},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f.processor = NewProcessor(logger, f.recomputer, f.source, f.enqueuer, day(cutoff))
	return f
}

func day(s string) time.Time {
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		panic(err)
	}
	return t
}

func TestHandleRecomputeSaleToleratesGoneSale(t *testing.T) {
	f := newProcessorFixture("2026-01-01")
	f.recomputer.saleErrs[7] = ledger.ErrNotFound
	task, err := NewRecomputeSaleTask(7)
	require.NoError(t, err)

	require.NoError(t, f.processor.HandleRecomputeSale(context.Background(), task))
	require.Equal(t, []int64{7}, f.recomputer.saleIDs)
}

func TestHandleRecomputeSaleBadPayloadSkipsRetry(t *testing.T) {
	f := newProcessorFixture("2026-01-01")
	task := asynq.NewTask(TaskRecomputeSale, []byte("{"))

	err := f.processor.HandleRecomputeSale(context.Background(), task)
	require.ErrorIs(t, err, asynq.SkipRetry)
	require.Empty(t, f.recomputer.saleIDs)
}

func TestHandleRecomputeProductClampsSinceToCutoff(t *testing.T) {
	f := newProcessorFixture("2026-01-01")
	task, err := NewRecomputeProductTask(3, day("2025-06-15"))
	require.NoError(t, err)

	require.NoError(t, f.processor.HandleRecomputeProduct(context.Background(), task))
	require.Equal(t, int64(3), f.source.productID)
	require.True(t, f.source.since.Equal(day("2026-01-01")),
		"since %s reached the repository, want clamped to cutoff", f.source.since)
}

func TestHandleRecomputeProductKeepsLaterSince(t *testing.T) {
	f := newProcessorFixture("2026-01-01")
	task, err := NewRecomputeProductTask(3, day("2026-03-10"))
	require.NoError(t, err)

	require.NoError(t, f.processor.HandleRecomputeProduct(context.Background(), task))
	require.True(t, f.source.since.Equal(day("2026-03-10")))
}

func TestHandleRecomputeProductKeepsLedgerOrder(t *testing.T) {
	f := newProcessorFixture("2026-01-01")
	f.source.sales = []ledger.SaleRef{
		{ID: 11, Date: day("2026-01-05")},
		{ID: 4, Date: day("2026-01-05")},
		{ID: 8, Date: day("2026-01-09")},
	}
	task, err := NewRecomputeProductTask(1, day("2026-01-01"))
	require.NoError(t, err)

	require.NoError(t, f.processor.HandleRecomputeProduct(context.Background(), task))
	require.Equal(t, []int64{11, 4, 8}, f.recomputer.saleIDs)
}

func TestHandleRecomputeProductSkipsDeletedSales(t *testing.T) {
	f := newProcessorFixture("2026-01-01")
	f.source.sales = []ledger.SaleRef{{ID: 1}, {ID: 2}, {ID: 3}}
	f.recomputer.saleErrs[2] = ledger.ErrNotFound
	task, err := NewRecomputeProductTask(1, day("2026-01-01"))
	require.NoError(t, err)

	// A sale deleted between listing and recompute is skipped, not fatal.
	require.NoError(t, f.processor.HandleRecomputeProduct(context.Background(), task))
	require.Equal(t, []int64{1, 2, 3}, f.recomputer.saleIDs)
}

func TestHandleRecomputeAllBusySkipsRetry(t *testing.T) {
	f := newProcessorFixture("2026-01-01")
	f.recomputer.allErr = ledger.ErrRecomputeRunning
	task, err := NewRecomputeAllTask("run-1", day("2026-01-01"))
	require.NoError(t, err)

	err = f.processor.HandleRecomputeAll(context.Background(), task)
	require.ErrorIs(t, err, asynq.SkipRetry)
	require.Empty(t, f.enqueuer.saleIDs)
}

func TestHandleRecomputeAllClampsFromToCutoff(t *testing.T) {
	f := newProcessorFixture("2026-01-01")
	f.recomputer.report = &ledger.BulkReport{RunID: "run-1"}
	task, err := NewRecomputeAllTask("run-1", day("2025-01-01"))
	require.NoError(t, err)

	require.NoError(t, f.processor.HandleRecomputeAll(context.Background(), task))
	require.True(t, f.recomputer.allFrom.Equal(day("2026-01-01")))
	require.Equal(t, "run-1", f.recomputer.allRunID)
}

func TestHandleRecomputeAllRequeuesFailedSales(t *testing.T) {
	f := newProcessorFixture("2026-01-01")
	f.recomputer.report = &ledger.BulkReport{
		RunID:  "run-1",
		Failed: 2,
		Errors: []ledger.SaleError{
			{SaleID: 7, Number: "S-7", Error: "deadline exceeded"},
			{SaleID: 9, Number: "S-9", Error: "deadline exceeded"},
		},
	}
	task, err := NewRecomputeAllTask("run-1", day("2026-01-01"))
	require.NoError(t, err)

	require.NoError(t, f.processor.HandleRecomputeAll(context.Background(), task))
	require.Equal(t, []int64{7, 9}, f.enqueuer.saleIDs)
}
