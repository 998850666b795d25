package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RunStatus is the lifecycle state of a bulk recompute run.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusCancelled RunStatus = "cancelled"
	RunStatusFailed    RunStatus = "failed"
)

// SaleError records a sale whose transaction failed during a bulk pass. The
// sale keeps its previous allocations and should be recomputed individually.
type SaleError struct {
	SaleID int64  `json:"sale_id"`
	Number string `json:"number"`
	Error  string `json:"error"`
}

// BulkReport is the progress and outcome record of one bulk recompute run.
// It is persisted to Redis so that any process can inspect a run started by
// the worker.
type BulkReport struct {
	RunID      string          `json:"run_id"`
	Status     RunStatus       `json:"status"`
	From       time.Time       `json:"from"`
	Total      int             `json:"total"`
	Succeeded  int             `json:"succeeded"`
	Failed     int             `json:"failed"`
	Errors     []SaleError     `json:"errors,omitempty"`
	Shortfalls []LineShortfall `json:"shortfalls,omitempty"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt time.Time       `json:"finished_at,omitempty"`
}

const (
	runKeyPrefix = "ledger:recompute:run:"
	runLockKey   = "ledger:recompute:lock"
	runTTL       = 7 * 24 * time.Hour
	lockTTL      = 2 * time.Hour
)

// RunStore keeps bulk run reports and the cross-process run lock in Redis.
type RunStore struct {
	client *redis.Client
}

// NewRunStore constructs RunStore.
func NewRunStore(client *redis.Client) *RunStore {
	return &RunStore{client: client}
}

// Save upserts a run report.
func (s *RunStore) Save(ctx context.Context, report *BulkReport) error {
	payload, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("ledger: marshal run report: %w", err)
	}
	return s.client.Set(ctx, runKeyPrefix+report.RunID, payload, runTTL).Err()
}

// Get fetches a run report by id.
func (s *RunStore) Get(ctx context.Context, runID string) (*BulkReport, error) {
	payload, err := s.client.Get(ctx, runKeyPrefix+runID).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var report BulkReport
	if err := json.Unmarshal(payload, &report); err != nil {
		return nil, fmt.Errorf("ledger: unmarshal run report: %w", err)
	}
	return &report, nil
}

// AcquireLock claims the bulk run lock for runID. Returns ErrRecomputeRunning
// when another run holds it. The TTL bounds lock leakage if the holder dies.
func (s *RunStore) AcquireLock(ctx context.Context, runID string) error {
	ok, err := s.client.SetNX(ctx, runLockKey, runID, lockTTL).Result()
	if err != nil {
		return err
	}
	if !ok {
		return ErrRecomputeRunning
	}
	return nil
}

// ReleaseLock drops the run lock if runID still owns it.
func (s *RunStore) ReleaseLock(ctx context.Context, runID string) error {
	const script = `if redis.call("get", KEYS[1]) == ARGV[1] then return redis.call("del", KEYS[1]) else return 0 end`
	return s.client.Eval(ctx, script, []string{runLockKey}, runID).Err()
}
