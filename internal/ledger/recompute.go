package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"golang.org/x/sync/semaphore"

	jobmetrics "github.com/batchledger/batchledger/internal/jobs"
)

// Coordinator runs FIFO recomputes. Recompute transactions serialise per
// product: each takes an advisory lock on every product it touches before
// reading batch capacity, so two recomputes drawing on the same batches
// queue on the database instead of both reading the same remaining capacity
// and committing overlapping allocation sets. Bulk passes are additionally
// serialised twice: a weighted semaphore keeps them exclusive in-process,
// and a Redis lock keeps them exclusive across processes.
type Coordinator struct {
	logger  *slog.Logger
	repo    RepositoryPort
	runs    *RunStore
	metrics *jobmetrics.Metrics
	bulkSem *semaphore.Weighted
}

// NewCoordinator constructs Coordinator. runs may be nil in tests that never
// start a bulk pass.
func NewCoordinator(logger *slog.Logger, repo RepositoryPort, runs *RunStore, metrics *jobmetrics.Metrics) *Coordinator {
	return &Coordinator{
		logger:  logger,
		repo:    repo,
		runs:    runs,
		metrics: metrics,
		bulkSem: semaphore.NewWeighted(1),
	}
}

// RecomputeSale rebuilds the allocation set of one sale inside a single
// transaction: the old set is deleted, every line is re-allocated against
// current batch capacity, and the new set is inserted. Lines of the same
// product share one capacity cursor so they observe each other's consumption.
func (c *Coordinator) RecomputeSale(ctx context.Context, saleID int64) ([]LineShortfall, error) {
	tracker := c.metrics.Track("recompute_sale")
	shortfalls, err := c.recomputeSale(ctx, saleID)
	return shortfalls, tracker.End(err)
}

func (c *Coordinator) recomputeSale(ctx context.Context, saleID int64) ([]LineShortfall, error) {
	var shortfalls []LineShortfall
	err := c.repo.WithAllocationTx(ctx, func(ctx context.Context, tx TxRepository) error {
		sale, err := tx.GetSale(ctx, saleID)
		if err != nil {
			return err
		}
		lines, err := tx.ListSaleLines(ctx, saleID)
		if err != nil {
			return err
		}
		if err := lockProducts(ctx, tx, lines); err != nil {
			return err
		}
		if err := tx.DeleteAllocationsForSale(ctx, saleID); err != nil {
			return err
		}

		cursors := map[int64][]*BatchCapacity{}
		var inserts []Allocation
		for _, line := range lines {
			cursor, ok := cursors[line.ProductID]
			if !ok {
				cursor, err = tx.EligibleBatches(ctx, line.ProductID, sale.Date)
				if err != nil {
					return err
				}
				cursors[line.ProductID] = cursor
			}
			allocations, short, err := Allocate(AllocationRequest{SaleLineID: line.ID, Qty: line.Qty}, cursor)
			if err != nil {
				return fmt.Errorf("allocate line %d: %w", line.ID, err)
			}
			inserts = append(inserts, allocations...)
			if short.IsPositive() {
				shortfalls = append(shortfalls, LineShortfall{
					SaleID:     saleID,
					SaleLineID: line.ID,
					ProductID:  line.ProductID,
					Qty:        short,
				})
			}
		}
		return tx.InsertAllocations(ctx, inserts)
	})
	if err != nil {
		return nil, err
	}
	for _, s := range shortfalls {
		c.metrics.AddShortfalls(s.ProductID, 1)
		c.logger.Warn("allocation shortfall",
			slog.Int64("sale_id", s.SaleID),
			slog.Int64("sale_line_id", s.SaleLineID),
			slog.Int64("product_id", s.ProductID),
			slog.String("qty", s.Qty.String()))
	}
	return shortfalls, nil
}

// RecomputeAll replays every sale dated on or after from in (sale_date, id)
// order, each in its own transaction. Batch capacity is tracked in memory for
// the whole pass: each product's cursor is seeded from the database on first
// use with consumption outside the window already subtracted, then decremented
// as the pass allocates. A failed sale keeps its previous allocations and is
// reported; the pass moves on. Cancellation is honoured between sales, never
// inside one.
func (c *Coordinator) RecomputeAll(ctx context.Context, from time.Time, runID string) (*BulkReport, error) {
	if !c.bulkSem.TryAcquire(1) {
		return nil, ErrRecomputeRunning
	}
	defer c.bulkSem.Release(1)

	if err := c.runs.AcquireLock(ctx, runID); err != nil {
		return nil, err
	}
	defer func() {
		if err := c.runs.ReleaseLock(context.WithoutCancel(ctx), runID); err != nil {
			c.logger.Error("release recompute lock", slog.Any("error", err))
		}
	}()

	tracker := c.metrics.Track("recompute_all")
	report, err := c.recomputeAll(ctx, from, runID)
	return report, tracker.End(err)
}

func (c *Coordinator) recomputeAll(ctx context.Context, from time.Time, runID string) (*BulkReport, error) {
	report := &BulkReport{
		RunID:     runID,
		Status:    RunStatusRunning,
		From:      from,
		StartedAt: time.Now().UTC(),
	}
	sales, err := c.repo.ListSales(ctx, from)
	if err != nil {
		report.Status = RunStatusFailed
		report.FinishedAt = time.Now().UTC()
		c.saveReport(ctx, report)
		return report, err
	}
	report.Total = len(sales)
	c.saveReport(ctx, report)
	c.logger.Info("bulk recompute started",
		slog.String("run_id", runID),
		slog.Time("from", from),
		slog.Int("sales", len(sales)))

	cursors := map[int64][]*BatchCapacity{}
	for i, sale := range sales {
		if err := ctx.Err(); err != nil {
			report.Status = RunStatusCancelled
			report.FinishedAt = time.Now().UTC()
			c.saveReport(context.WithoutCancel(ctx), report)
			c.logger.Warn("bulk recompute cancelled",
				slog.String("run_id", runID),
				slog.Int("processed", i),
				slog.Int("total", report.Total))
			return report, err
		}

		shortfalls, err := c.recomputeSaleInPass(ctx, sale, from, cursors)
		if err != nil {
			report.Failed++
			report.Errors = append(report.Errors, SaleError{SaleID: sale.ID, Number: sale.Number, Error: err.Error()})
			c.logger.Error("bulk recompute sale failed",
				slog.String("run_id", runID),
				slog.Int64("sale_id", sale.ID),
				slog.Any("error", err))
		} else {
			report.Succeeded++
			report.Shortfalls = append(report.Shortfalls, shortfalls...)
			for _, s := range shortfalls {
				c.metrics.AddShortfalls(s.ProductID, 1)
			}
		}
		if (i+1)%50 == 0 {
			c.saveReport(ctx, report)
		}
	}

	report.Status = RunStatusCompleted
	report.FinishedAt = time.Now().UTC()
	c.saveReport(ctx, report)
	c.logger.Info("bulk recompute finished",
		slog.String("run_id", runID),
		slog.Int("succeeded", report.Succeeded),
		slog.Int("failed", report.Failed),
		slog.Int("shortfalls", len(report.Shortfalls)))
	return report, nil
}

// recomputeSaleInPass rebuilds one sale against the pass-wide cursor map.
// Cursor decrements survive a failed transaction on purpose: restoring them
// would let later sales consume capacity the failed sale's stale rows may
// still hold, and the sale is flagged for individual re-run anyway.
func (c *Coordinator) recomputeSaleInPass(ctx context.Context, sale SaleRef, windowFrom time.Time, cursors map[int64][]*BatchCapacity) ([]LineShortfall, error) {
	var shortfalls []LineShortfall
	err := c.repo.WithAllocationTx(ctx, func(ctx context.Context, tx TxRepository) error {
		lines, err := tx.ListSaleLines(ctx, sale.ID)
		if err != nil {
			return err
		}
		if err := lockProducts(ctx, tx, lines); err != nil {
			return err
		}
		if err := tx.DeleteAllocationsForSale(ctx, sale.ID); err != nil {
			return err
		}

		var inserts []Allocation
		for _, line := range lines {
			cursor, ok := cursors[line.ProductID]
			if !ok {
				cursor, err = tx.ProductCursor(ctx, line.ProductID, windowFrom)
				if err != nil {
					return err
				}
				cursors[line.ProductID] = cursor
			}
			allocations, short, err := Allocate(AllocationRequest{SaleLineID: line.ID, Qty: line.Qty}, eligible(cursor, sale.Date))
			if err != nil {
				return fmt.Errorf("allocate line %d: %w", line.ID, err)
			}
			inserts = append(inserts, allocations...)
			if short.IsPositive() {
				shortfalls = append(shortfalls, LineShortfall{
					SaleID:     sale.ID,
					SaleLineID: line.ID,
					ProductID:  line.ProductID,
					Qty:        short,
				})
			}
		}
		return tx.InsertAllocations(ctx, inserts)
	})
	if err != nil {
		return nil, err
	}
	return shortfalls, nil
}

// lockProducts takes the advisory lock for every distinct product on the
// lines, in ascending id order. The fixed order keeps two recomputes that
// touch overlapping product sets from deadlocking each other.
func lockProducts(ctx context.Context, tx TxRepository, lines []SaleLine) error {
	seen := map[int64]bool{}
	var ids []int64
	for _, line := range lines {
		if !seen[line.ProductID] {
			seen[line.ProductID] = true
			ids = append(ids, line.ProductID)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		if err := tx.LockProduct(ctx, id); err != nil {
			return fmt.Errorf("lock product %d: %w", id, err)
		}
	}
	return nil
}

func (c *Coordinator) saveReport(ctx context.Context, report *BulkReport) {
	if c.runs == nil {
		return
	}
	if err := c.runs.Save(ctx, report); err != nil {
		c.logger.Error("save recompute report", slog.String("run_id", report.RunID), slog.Any("error", err))
	}
}

// Run fetches a stored bulk run report.
func (c *Coordinator) Run(ctx context.Context, runID string) (*BulkReport, error) {
	if c.runs == nil {
		return nil, ErrNotFound
	}
	return c.runs.Get(ctx, runID)
}
