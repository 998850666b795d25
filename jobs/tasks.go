package jobs

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskRecomputeSale reallocates a single sale.
	TaskRecomputeSale = "ledger:recompute_sale"
	// TaskRecomputeProduct reallocates every sale of one product from a date.
	TaskRecomputeProduct = "ledger:recompute_product"
	// TaskRecomputeAll replays the whole recompute window.
	TaskRecomputeAll = "ledger:recompute_all"
)

const dateLayout = "2006-01-02"

// RecomputeSalePayload targets one sale.
type RecomputeSalePayload struct {
	SaleID int64 `json:"sale_id"`
}

// RecomputeProductPayload fans a batch mutation out to the affected sales.
type RecomputeProductPayload struct {
	ProductID int64  `json:"product_id"`
	Since     string `json:"since"`
}

// RecomputeAllPayload starts a bulk run. RunID is assigned by the enqueuer so
// callers can poll the report before the worker picks the task up.
type RecomputeAllPayload struct {
	RunID string `json:"run_id"`
	From  string `json:"from"`
}

// NewRecomputeSaleTask constructs a single-sale recompute task.
func NewRecomputeSaleTask(saleID int64) (*asynq.Task, error) {
	data, err := json.Marshal(RecomputeSalePayload{SaleID: saleID})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskRecomputeSale, data), nil
}

// NewRecomputeProductTask constructs a product fan-out task.
func NewRecomputeProductTask(productID int64, since time.Time) (*asynq.Task, error) {
	data, err := json.Marshal(RecomputeProductPayload{ProductID: productID, Since: since.Format(dateLayout)})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskRecomputeProduct, data), nil
}

// NewRecomputeAllTask constructs a bulk run task.
func NewRecomputeAllTask(runID string, from time.Time) (*asynq.Task, error) {
	data, err := json.Marshal(RecomputeAllPayload{RunID: runID, From: from.Format(dateLayout)})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskRecomputeAll, data), nil
}
