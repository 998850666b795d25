package stock

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// MovementKind discriminates ledger movements.
type MovementKind string

const (
	MovementReceipt MovementKind = "receipt"
	MovementSale    MovementKind = "sale"
)

// Movement is one stock event for a product: a batch receipt (positive) or a
// sale line (negative). Balance is the running total after the event.
type Movement struct {
	Date      time.Time       `json:"date"`
	Kind      MovementKind    `json:"kind"`
	DocNumber string          `json:"doc_number"`
	Qty       decimal.Decimal `json:"qty"`
	Balance   decimal.Decimal `json:"balance"`
}

// Timeline is the full movement history of one product. FirstNegativeAt marks
// the earliest date the running balance dips below zero, which is where
// allocation shortfalls start.
type Timeline struct {
	ProductID       int64      `json:"product_id"`
	Movements       []Movement `json:"movements"`
	FirstNegativeAt *time.Time `json:"first_negative_at,omitempty"`
}

// ReportRow is one product line of the stock-on-date report.
type ReportRow struct {
	ProductID int64           `json:"product_id"`
	Article   string          `json:"article"`
	Name      string          `json:"name"`
	In        decimal.Decimal `json:"in"`
	Out       decimal.Decimal `json:"out"`
	Balance   decimal.Decimal `json:"balance"`
}

// BatchRemaining shows how much of a batch's capacity is still unallocated.
type BatchRemaining struct {
	BatchID        int64           `json:"batch_id"`
	PurchaseNumber string          `json:"purchase_number"`
	ReceivedAt     time.Time       `json:"received_at"`
	Qty            decimal.Decimal `json:"qty"`
	Allocated      decimal.Decimal `json:"allocated"`
	Remaining      decimal.Decimal `json:"remaining"`
	UnitCost       decimal.Decimal `json:"unit_cost"`
}

// ErrNotFound indicates an unknown product.
var ErrNotFound = errors.New("stock: product not found")
