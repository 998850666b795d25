package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/batchledger/batchledger/internal/ledger"
)

// Recomputer is the coordinator surface the worker drives.
type Recomputer interface {
	RecomputeSale(ctx context.Context, saleID int64) ([]ledger.LineShortfall, error)
	RecomputeAll(ctx context.Context, from time.Time, runID string) (*ledger.BulkReport, error)
}

// SaleSource lists the sales a product fan-out has to touch.
type SaleSource interface {
	SalesForProductSince(ctx context.Context, productID int64, since time.Time) ([]ledger.SaleRef, error)
}

// SaleEnqueuer re-queues individual sales a bulk run failed on.
type SaleEnqueuer interface {
	EnqueueSaleRecompute(ctx context.Context, saleID int64) error
}

// Processor executes recompute tasks against the ledger coordinator.
type Processor struct {
	logger      *slog.Logger
	coordinator Recomputer
	sales       SaleSource
	retries     SaleEnqueuer
	cutoff      time.Time
}

// NewProcessor constructs Processor. Dates earlier than cutoff are clamped:
// nothing before the recompute window is ever rewritten. retries may be nil;
// failed sales from bulk runs then stay flagged in the report only.
func NewProcessor(logger *slog.Logger, coordinator Recomputer, sales SaleSource, retries SaleEnqueuer, cutoff time.Time) *Processor {
	return &Processor{logger: logger, coordinator: coordinator, sales: sales, retries: retries, cutoff: cutoff}
}

// HandleRecomputeSale processes TaskRecomputeSale.
func (p *Processor) HandleRecomputeSale(ctx context.Context, t *asynq.Task) error {
	var payload RecomputeSalePayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("decode %s payload: %w", TaskRecomputeSale, asynq.SkipRetry)
	}
	_, err := p.coordinator.RecomputeSale(ctx, payload.SaleID)
	if errors.Is(err, ledger.ErrNotFound) {
		p.logger.Warn("recompute target sale gone", slog.Int64("sale_id", payload.SaleID))
		return nil
	}
	return err
}

// HandleRecomputeProduct processes TaskRecomputeProduct: every sale holding
// the product dated on or after since is reallocated individually, in ledger
// order.
func (p *Processor) HandleRecomputeProduct(ctx context.Context, t *asynq.Task) error {
	var payload RecomputeProductPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("decode %s payload: %w", TaskRecomputeProduct, asynq.SkipRetry)
	}
	since, err := time.Parse(dateLayout, payload.Since)
	if err != nil {
		return fmt.Errorf("parse since %q: %w", payload.Since, asynq.SkipRetry)
	}
	if since.Before(p.cutoff) {
		since = p.cutoff
	}
	sales, err := p.sales.SalesForProductSince(ctx, payload.ProductID, since)
	if err != nil {
		return err
	}
	p.logger.Info("product recompute fan-out",
		slog.Int64("product_id", payload.ProductID),
		slog.Time("since", since),
		slog.Int("sales", len(sales)))
	for _, sale := range sales {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := p.coordinator.RecomputeSale(ctx, sale.ID); err != nil {
			if errors.Is(err, ledger.ErrNotFound) {
				continue
			}
			return fmt.Errorf("recompute sale %d: %w", sale.ID, err)
		}
	}
	return nil
}

// HandleRecomputeAll processes TaskRecomputeAll. A concurrent run makes the
// task fail without retry; the scheduled nightly run will cover the window.
// Sales the run flagged as failed are re-queued individually afterwards.
func (p *Processor) HandleRecomputeAll(ctx context.Context, t *asynq.Task) error {
	var payload RecomputeAllPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("decode %s payload: %w", TaskRecomputeAll, asynq.SkipRetry)
	}
	from := p.cutoff
	if payload.From != "" {
		parsed, err := time.Parse(dateLayout, payload.From)
		if err != nil {
			return fmt.Errorf("parse from %q: %w", payload.From, asynq.SkipRetry)
		}
		if parsed.After(from) {
			from = parsed
		}
	}
	runID := payload.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	report, err := p.coordinator.RecomputeAll(ctx, from, runID)
	if errors.Is(err, ledger.ErrRecomputeRunning) {
		return fmt.Errorf("bulk recompute busy: %w", asynq.SkipRetry)
	}
	if err != nil {
		return err
	}
	p.retryFailedSales(ctx, report)
	return nil
}

// retryFailedSales queues an individual recompute for every sale the bulk
// pass flagged. A sale that failed mid-pass often succeeds alone once the
// pass has settled the allocations around it.
func (p *Processor) retryFailedSales(ctx context.Context, report *ledger.BulkReport) {
	if p.retries == nil || report == nil {
		return
	}
	for _, saleErr := range report.Errors {
		if err := p.retries.EnqueueSaleRecompute(ctx, saleErr.SaleID); err != nil {
			p.logger.Warn("queue retry for failed sale",
				slog.Int64("sale_id", saleErr.SaleID),
				slog.Any("error", err))
		}
	}
}

// Worker wraps the Asynq server and optional scheduler.
type Worker struct {
	server    *asynq.Server
	mux       *asynq.ServeMux
	scheduler *asynq.Scheduler
	logger    *slog.Logger
}

// CronRegistration wires a cron expression to a prepared task.
type CronRegistration struct {
	Spec    string
	Task    *asynq.Task
	Options []asynq.Option
}

// WorkerConfig collects dependencies required to bootstrap the worker.
type WorkerConfig struct {
	RedisOpts asynq.RedisClientOpt
	Logger    *slog.Logger
	Processor *Processor
	Cron      []CronRegistration
}

// NewWorker constructs a Worker instance. Concurrency stays at one: recompute
// transactions of the same product contend on the same allocation rows, and
// serial execution keeps the fan-out deterministic.
func NewWorker(cfg WorkerConfig) (*Worker, error) {
	srv := asynq.NewServer(cfg.RedisOpts, asynq.Config{
		Concurrency: 1,
		Queues: map[string]int{
			QueueDefault: 1,
		},
	})
	mux := asynq.NewServeMux()
	mux.HandleFunc(TaskRecomputeSale, cfg.Processor.HandleRecomputeSale)
	mux.HandleFunc(TaskRecomputeProduct, cfg.Processor.HandleRecomputeProduct)
	mux.HandleFunc(TaskRecomputeAll, cfg.Processor.HandleRecomputeAll)

	var scheduler *asynq.Scheduler
	if len(cfg.Cron) > 0 {
		scheduler = asynq.NewScheduler(cfg.RedisOpts, &asynq.SchedulerOpts{Location: time.UTC})
		for _, entry := range cfg.Cron {
			if entry.Spec == "" || entry.Task == nil {
				continue
			}
			if _, err := scheduler.Register(entry.Spec, entry.Task, entry.Options...); err != nil {
				return nil, err
			}
		}
	}

	return &Worker{server: srv, mux: mux, scheduler: scheduler, logger: cfg.Logger}, nil
}

// Run starts processing jobs until context cancellation.
func (w *Worker) Run(ctx context.Context) error {
	if w == nil {
		return errors.New("worker: not configured")
	}
	if w.scheduler != nil {
		if err := w.scheduler.Start(); err != nil {
			return err
		}
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- w.server.Run(w.mux)
	}()
	select {
	case <-ctx.Done():
		if w.scheduler != nil {
			w.scheduler.Shutdown()
		}
		w.server.Shutdown()
		return ctx.Err()
	case err := <-errCh:
		if w.scheduler != nil {
			w.scheduler.Shutdown()
		}
		return err
	}
}
