package stock

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// Repository runs stock aggregate queries. All arithmetic that can stay in
// SQL stays in SQL; running balances are computed by the service.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// AvailableAsOf returns receipts minus sales for a product up to and
// including the given date.
func (r *Repository) AvailableAsOf(ctx context.Context, productID int64, asOf time.Time) (decimal.Decimal, error) {
	return r.available(ctx, productID, asOf, 0)
}

// AvailableExcluding is AvailableAsOf with one whole sale's demand ignored,
// so that editing a document is judged against the pool its own lines would
// re-enter.
func (r *Repository) AvailableExcluding(ctx context.Context, productID int64, asOf time.Time, excludeSaleID int64) (decimal.Decimal, error) {
	return r.available(ctx, productID, asOf, excludeSaleID)
}

func (r *Repository) available(ctx context.Context, productID int64, asOf time.Time, excludeSaleID int64) (decimal.Decimal, error) {
	var available decimal.Decimal
	err := r.pool.QueryRow(ctx, `SELECT
  COALESCE((SELECT SUM(b.qty) FROM batches b
            WHERE b.product_id = $1 AND b.received_at <= $2), 0)
- COALESCE((SELECT SUM(sl.qty) FROM sale_lines sl
            JOIN sales s ON s.id = sl.sale_id
            WHERE sl.product_id = $1 AND s.sale_date <= $2 AND s.id <> $3), 0)`,
		productID, asOf, excludeSaleID).Scan(&available)
	return available, err
}

// Movements returns the product's receipts and sales as one stream ordered by
// date, receipts first on ties so the running balance never dips on the day
// supply arrives.
func (r *Repository) Movements(ctx context.Context, productID int64) ([]Movement, error) {
	rows, err := r.pool.Query(ctx, `SELECT d, kind, number, qty FROM (
  SELECT b.received_at AS d, 'receipt' AS kind, p.number AS number, b.qty AS qty, 0 AS ord, b.id AS doc_id
  FROM batches b JOIN purchases p ON p.id = b.purchase_id
  WHERE b.product_id = $1
  UNION ALL
  SELECT s.sale_date AS d, 'sale' AS kind, s.number AS number, -sl.qty AS qty, 1 AS ord, sl.id AS doc_id
  FROM sale_lines sl JOIN sales s ON s.id = sl.sale_id
  WHERE sl.product_id = $1
) m ORDER BY d, ord, doc_id`, productID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	movements := []Movement{}
	for rows.Next() {
		var m Movement
		var kind string
		if err := rows.Scan(&m.Date, &kind, &m.DocNumber, &m.Qty); err != nil {
			return nil, err
		}
		m.Kind = MovementKind(kind)
		movements = append(movements, m)
	}
	return movements, rows.Err()
}

// Report aggregates in/out/balance per product as of a date. Products with no
// movement are omitted.
func (r *Repository) Report(ctx context.Context, asOf time.Time) ([]ReportRow, error) {
	rows, err := r.pool.Query(ctx, `SELECT pr.id, pr.article, pr.name,
  COALESCE((SELECT SUM(b.qty) FROM batches b
            WHERE b.product_id = pr.id AND b.received_at <= $1), 0) AS total_in,
  COALESCE((SELECT SUM(sl.qty) FROM sale_lines sl
            JOIN sales s ON s.id = sl.sale_id
            WHERE sl.product_id = pr.id AND s.sale_date <= $1), 0) AS total_out
FROM products pr
WHERE EXISTS (SELECT 1 FROM batches b WHERE b.product_id = pr.id)
   OR EXISTS (SELECT 1 FROM sale_lines sl WHERE sl.product_id = pr.id)
ORDER BY pr.article`, asOf)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	report := []ReportRow{}
	for rows.Next() {
		var row ReportRow
		if err := rows.Scan(&row.ProductID, &row.Article, &row.Name, &row.In, &row.Out); err != nil {
			return nil, err
		}
		row.Balance = row.In.Sub(row.Out)
		report = append(report, row)
	}
	return report, rows.Err()
}

// BatchCapacities lists a product's batches with allocated and remaining
// quantities, in FIFO order.
func (r *Repository) BatchCapacities(ctx context.Context, productID int64) ([]BatchRemaining, error) {
	rows, err := r.pool.Query(ctx, `SELECT b.id, p.number, b.received_at, b.qty, b.unit_cost,
  COALESCE((SELECT SUM(a.qty) FROM allocations a WHERE a.batch_id = b.id), 0) AS allocated
FROM batches b
JOIN purchases p ON p.id = b.purchase_id
WHERE b.product_id = $1
ORDER BY b.received_at, b.id`, productID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	batches := []BatchRemaining{}
	for rows.Next() {
		var b BatchRemaining
		if err := rows.Scan(&b.BatchID, &b.PurchaseNumber, &b.ReceivedAt, &b.Qty, &b.UnitCost, &b.Allocated); err != nil {
			return nil, err
		}
		b.Remaining = b.Qty.Sub(b.Allocated)
		batches = append(batches, b)
	}
	return batches, rows.Err()
}
