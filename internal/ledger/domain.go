package ledger

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// Purchase is the document a batch inherits its receipt date from.
type Purchase struct {
	ID        int64     `json:"id"`
	Number    string    `json:"number"`
	Date      time.Time `json:"date"`
	Supplier  string    `json:"supplier"`
	CreatedAt time.Time `json:"created_at"`
}

// Batch is one purchase line: a lot of a single product received at a fixed
// unit cost. Its received quantity is the allocation capacity.
type Batch struct {
	ID         int64           `json:"id"`
	PurchaseID int64           `json:"purchase_id"`
	ProductID  int64           `json:"product_id"`
	Qty        decimal.Decimal `json:"qty"`
	UnitCost   decimal.Decimal `json:"unit_cost"`
	ReceivedAt time.Time       `json:"received_at"`
}

// Sale is a sale document owning an ordered set of lines.
type Sale struct {
	ID        int64     `json:"id"`
	Number    string    `json:"number"`
	Date      time.Time `json:"date"`
	Comment   string    `json:"comment"`
	CreatedAt time.Time `json:"created_at"`
}

// SaleLine requests a quantity of one product. Fee, delivery and net total are
// marketplace money splits carried for reporting; they never influence
// allocation.
type SaleLine struct {
	ID        int64               `json:"id"`
	SaleID    int64               `json:"sale_id"`
	ProductID int64               `json:"product_id"`
	Qty       decimal.Decimal     `json:"qty"`
	Price     decimal.Decimal     `json:"price"`
	Fee       decimal.NullDecimal `json:"fee,omitempty"`
	Delivery  decimal.NullDecimal `json:"delivery,omitempty"`
	NetTotal  decimal.NullDecimal `json:"net_total,omitempty"`
}

// Allocation links a sale line to the batch that funded it. UnitCost is
// snapshotted from the batch at allocation time; every recompute re-snapshots
// it from the batch's current cost.
type Allocation struct {
	ID         int64           `json:"id"`
	SaleLineID int64           `json:"sale_line_id"`
	BatchID    int64           `json:"batch_id"`
	Qty        decimal.Decimal `json:"qty"`
	UnitCost   decimal.Decimal `json:"unit_cost"`
}

// AllocationDetail is the reporting row behind cost-of-goods drill-down.
type AllocationDetail struct {
	SaleLineID     int64           `json:"sale_line_id"`
	ProductID      int64           `json:"product_id"`
	BatchID        int64           `json:"batch_id"`
	PurchaseNumber string          `json:"purchase_number"`
	ReceivedAt     time.Time       `json:"received_at"`
	Qty            decimal.Decimal `json:"qty"`
	UnitCost       decimal.Decimal `json:"unit_cost"`
}

// SaleRef identifies a sale inside a bulk pass.
type SaleRef struct {
	ID     int64     `json:"id"`
	Number string    `json:"number"`
	Date   time.Time `json:"date"`
}

// LineShortfall reports demand a recompute could not back with batch supply.
type LineShortfall struct {
	SaleID     int64           `json:"sale_id"`
	SaleLineID int64           `json:"sale_line_id"`
	ProductID  int64           `json:"product_id"`
	Qty        decimal.Decimal `json:"qty"`
}

// PurchaseInput describes a new purchase document.
type PurchaseInput struct {
	Number   string
	Date     time.Time
	Supplier string
}

// BatchInput describes one purchase line.
type BatchInput struct {
	ProductID int64
	Qty       decimal.Decimal
	UnitCost  decimal.Decimal
}

// SaleInput describes a new sale document.
type SaleInput struct {
	Number  string
	Date    time.Time
	Comment string
}

// SaleLineInput describes one sale line.
type SaleLineInput struct {
	ProductID int64
	Qty       decimal.Decimal
	Price     decimal.Decimal
	Fee       decimal.NullDecimal
	Delivery  decimal.NullDecimal
	NetTotal  decimal.NullDecimal
}

// ErrNotFound indicates a missing ledger document.
var ErrNotFound = errors.New("ledger: not found")

// ErrInvalidQuantity indicates a non-positive quantity.
var ErrInvalidQuantity = errors.New("ledger: quantity must be positive")

// ErrInvalidUnitCost indicates a negative cost or price.
var ErrInvalidUnitCost = errors.New("ledger: unit cost must be >= 0")

// ErrMissingReference indicates a referenced product, sale or purchase does
// not exist.
var ErrMissingReference = errors.New("ledger: referenced row does not exist")

// ErrInsufficientStock is returned by the entry-time availability guard. It is
// deliberately distinct from recompute shortfall tolerance: the guard rejects
// new lines, recompute never rejects existing ones.
var ErrInsufficientStock = errors.New("ledger: insufficient available stock")

// ErrRecomputeRunning indicates another bulk recompute holds the run lock.
var ErrRecomputeRunning = errors.New("ledger: bulk recompute already running")
