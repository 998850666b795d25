package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/batchledger/batchledger/internal/platform/db"
)

// Repository persists ledger data in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// TxRepository exposes the transactional operations used by the service and
// the recompute coordinator. Allocations have no row-level update: they are
// only ever bulk deleted and reinserted per sale.
type TxRepository interface {
	InsertPurchase(ctx context.Context, input PurchaseInput) (int64, error)
	UpdatePurchase(ctx context.Context, id int64, input PurchaseInput) error
	DeletePurchase(ctx context.Context, id int64) error
	InsertBatch(ctx context.Context, purchaseID int64, receivedAt time.Time, input BatchInput) (int64, error)
	UpdateBatch(ctx context.Context, id int64, input BatchInput) error
	DeleteBatch(ctx context.Context, id int64) error
	GetBatch(ctx context.Context, id int64) (Batch, error)

	InsertSale(ctx context.Context, input SaleInput) (int64, error)
	UpdateSale(ctx context.Context, id int64, input SaleInput) error
	DeleteSale(ctx context.Context, id int64) error
	InsertSaleLine(ctx context.Context, saleID int64, input SaleLineInput) (int64, error)
	UpdateSaleLine(ctx context.Context, id int64, input SaleLineInput) error
	DeleteSaleLine(ctx context.Context, id int64) error
	GetSale(ctx context.Context, id int64) (Sale, error)
	GetSaleLine(ctx context.Context, id int64) (SaleLine, error)
	ListSaleLines(ctx context.Context, saleID int64) ([]SaleLine, error)

	LockProduct(ctx context.Context, productID int64) error
	DeleteAllocationsForSale(ctx context.Context, saleID int64) error
	EligibleBatches(ctx context.Context, productID int64, asOf time.Time) ([]*BatchCapacity, error)
	ProductCursor(ctx context.Context, productID int64, windowFrom time.Time) ([]*BatchCapacity, error)
	InsertAllocations(ctx context.Context, allocations []Allocation) error
}

// RepositoryPort abstracts the repository for the service and coordinator.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	WithAllocationTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetPurchase(ctx context.Context, id int64) (Purchase, []Batch, error)
	ListPurchases(ctx context.Context, limit int) ([]Purchase, error)
	GetBatch(ctx context.Context, id int64) (Batch, error)
	GetSale(ctx context.Context, id int64) (Sale, []SaleLine, error)
	ListSales(ctx context.Context, from time.Time) ([]SaleRef, error)
	SaleAllocations(ctx context.Context, saleID int64) ([]AllocationDetail, error)
	SalesForProductSince(ctx context.Context, productID int64, since time.Time) ([]SaleRef, error)
}

type txRepository struct {
	tx pgx.Tx
}

// WithTx executes the callback inside a repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil {
		return errors.New("ledger repository not initialised")
	}
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx})
	})
}

// WithAllocationTx executes the callback inside a read-committed transaction.
// Recompute transactions must run at read committed: they serialise per
// product through LockProduct, and capacity reads issued after the lock is
// granted have to observe what the previous holder committed. A
// repeatable-read snapshot would be taken before the lock wait and miss it.
func (r *Repository) WithAllocationTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil {
		return errors.New("ledger repository not initialised")
	}
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()
	if err := fn(ctx, &txRepository{tx: tx}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (r *Repository) GetPurchase(ctx context.Context, id int64) (Purchase, []Batch, error) {
	var p Purchase
	err := r.pool.QueryRow(ctx, `SELECT id, number, doc_date, supplier, created_at FROM purchases WHERE id=$1`, id).
		Scan(&p.ID, &p.Number, &p.Date, &p.Supplier, &p.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Purchase{}, nil, ErrNotFound
		}
		return Purchase{}, nil, err
	}
	rows, err := r.pool.Query(ctx, `SELECT id, purchase_id, product_id, qty, unit_cost, received_at
FROM batches WHERE purchase_id=$1 ORDER BY id`, id)
	if err != nil {
		return Purchase{}, nil, err
	}
	defer rows.Close()
	var batches []Batch
	for rows.Next() {
		var b Batch
		if err := rows.Scan(&b.ID, &b.PurchaseID, &b.ProductID, &b.Qty, &b.UnitCost, &b.ReceivedAt); err != nil {
			return Purchase{}, nil, err
		}
		batches = append(batches, b)
	}
	return p, batches, rows.Err()
}

func (r *Repository) ListPurchases(ctx context.Context, limit int) ([]Purchase, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := r.pool.Query(ctx, `SELECT id, number, doc_date, supplier, created_at
FROM purchases ORDER BY doc_date DESC, id DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	purchases := []Purchase{}
	for rows.Next() {
		var p Purchase
		if err := rows.Scan(&p.ID, &p.Number, &p.Date, &p.Supplier, &p.CreatedAt); err != nil {
			return nil, err
		}
		purchases = append(purchases, p)
	}
	return purchases, rows.Err()
}

func (r *Repository) GetBatch(ctx context.Context, id int64) (Batch, error) {
	return scanBatch(r.pool.QueryRow(ctx, `SELECT id, purchase_id, product_id, qty, unit_cost, received_at
FROM batches WHERE id=$1`, id))
}

func (r *Repository) GetSale(ctx context.Context, id int64) (Sale, []SaleLine, error) {
	var s Sale
	err := r.pool.QueryRow(ctx, `SELECT id, number, sale_date, comment, created_at FROM sales WHERE id=$1`, id).
		Scan(&s.ID, &s.Number, &s.Date, &s.Comment, &s.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Sale{}, nil, ErrNotFound
		}
		return Sale{}, nil, err
	}
	lines, err := querySaleLines(ctx, r.pool, id)
	if err != nil {
		return Sale{}, nil, err
	}
	return s, lines, nil
}

// ListSales returns sale references with date >= from in the bulk recompute
// total order: ascending (sale_date, id).
func (r *Repository) ListSales(ctx context.Context, from time.Time) ([]SaleRef, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, number, sale_date FROM sales
WHERE sale_date >= $1 ORDER BY sale_date, id`, from)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSaleRefs(rows)
}

func (r *Repository) SaleAllocations(ctx context.Context, saleID int64) ([]AllocationDetail, error) {
	rows, err := r.pool.Query(ctx, `SELECT a.sale_line_id, sl.product_id, a.batch_id, p.number, b.received_at, a.qty, a.unit_cost
FROM allocations a
JOIN sale_lines sl ON sl.id = a.sale_line_id
JOIN batches b ON b.id = a.batch_id
JOIN purchases p ON p.id = b.purchase_id
WHERE sl.sale_id = $1
ORDER BY b.received_at, a.batch_id, a.id`, saleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	details := []AllocationDetail{}
	for rows.Next() {
		var d AllocationDetail
		if err := rows.Scan(&d.SaleLineID, &d.ProductID, &d.BatchID, &d.PurchaseNumber, &d.ReceivedAt, &d.Qty, &d.UnitCost); err != nil {
			return nil, err
		}
		details = append(details, d)
	}
	return details, rows.Err()
}

// SalesForProductSince lists sales holding lines of the product dated on or
// after since, in recompute order. Used by the batch-mutation fan-out.
func (r *Repository) SalesForProductSince(ctx context.Context, productID int64, since time.Time) ([]SaleRef, error) {
	rows, err := r.pool.Query(ctx, `SELECT DISTINCT s.id, s.number, s.sale_date
FROM sales s
JOIN sale_lines sl ON sl.sale_id = s.id
WHERE sl.product_id = $1 AND s.sale_date >= $2
ORDER BY s.sale_date, s.id`, productID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSaleRefs(rows)
}

func (r *txRepository) InsertPurchase(ctx context.Context, input PurchaseInput) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `INSERT INTO purchases (number, doc_date, supplier) VALUES ($1,$2,$3) RETURNING id`,
		input.Number, input.Date, input.Supplier).Scan(&id)
	return id, mapIntegrity(err)
}

// UpdatePurchase re-dates the document and every batch that inherits its
// receipt date.
func (r *txRepository) UpdatePurchase(ctx context.Context, id int64, input PurchaseInput) error {
	tag, err := r.tx.Exec(ctx, `UPDATE purchases SET number=$2, doc_date=$3, supplier=$4 WHERE id=$1`,
		id, input.Number, input.Date, input.Supplier)
	if err != nil {
		return mapIntegrity(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	_, err = r.tx.Exec(ctx, `UPDATE batches SET received_at=$2 WHERE purchase_id=$1`, id, input.Date)
	return err
}

func (r *txRepository) DeletePurchase(ctx context.Context, id int64) error {
	if _, err := r.tx.Exec(ctx, `DELETE FROM allocations
WHERE batch_id IN (SELECT id FROM batches WHERE purchase_id=$1)`, id); err != nil {
		return err
	}
	if _, err := r.tx.Exec(ctx, `DELETE FROM batches WHERE purchase_id=$1`, id); err != nil {
		return err
	}
	tag, err := r.tx.Exec(ctx, `DELETE FROM purchases WHERE id=$1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *txRepository) InsertBatch(ctx context.Context, purchaseID int64, receivedAt time.Time, input BatchInput) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `INSERT INTO batches (purchase_id, product_id, qty, unit_cost, received_at)
VALUES ($1,$2,$3,$4,$5) RETURNING id`, purchaseID, input.ProductID, input.Qty, input.UnitCost, receivedAt).Scan(&id)
	return id, mapIntegrity(err)
}

func (r *txRepository) UpdateBatch(ctx context.Context, id int64, input BatchInput) error {
	tag, err := r.tx.Exec(ctx, `UPDATE batches SET product_id=$2, qty=$3, unit_cost=$4 WHERE id=$1`,
		id, input.ProductID, input.Qty, input.UnitCost)
	if err != nil {
		return mapIntegrity(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteBatch drops the batch together with the allocations it funded. The
// caller schedules recompute for the sales that lose coverage.
func (r *txRepository) DeleteBatch(ctx context.Context, id int64) error {
	if _, err := r.tx.Exec(ctx, `DELETE FROM allocations WHERE batch_id=$1`, id); err != nil {
		return err
	}
	tag, err := r.tx.Exec(ctx, `DELETE FROM batches WHERE id=$1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *txRepository) GetBatch(ctx context.Context, id int64) (Batch, error) {
	return scanBatch(r.tx.QueryRow(ctx, `SELECT id, purchase_id, product_id, qty, unit_cost, received_at
FROM batches WHERE id=$1`, id))
}

func (r *txRepository) InsertSale(ctx context.Context, input SaleInput) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `INSERT INTO sales (number, sale_date, comment) VALUES ($1,$2,$3) RETURNING id`,
		input.Number, input.Date, input.Comment).Scan(&id)
	return id, mapIntegrity(err)
}

func (r *txRepository) UpdateSale(ctx context.Context, id int64, input SaleInput) error {
	tag, err := r.tx.Exec(ctx, `UPDATE sales SET number=$2, sale_date=$3, comment=$4 WHERE id=$1`,
		id, input.Number, input.Date, input.Comment)
	if err != nil {
		return mapIntegrity(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteSale cascades to sale lines and their allocations via schema FKs.
func (r *txRepository) DeleteSale(ctx context.Context, id int64) error {
	tag, err := r.tx.Exec(ctx, `DELETE FROM sales WHERE id=$1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *txRepository) InsertSaleLine(ctx context.Context, saleID int64, input SaleLineInput) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `INSERT INTO sale_lines (sale_id, product_id, qty, price, fee, delivery, net_total)
VALUES ($1,$2,$3,$4,$5,$6,$7) RETURNING id`,
		saleID, input.ProductID, input.Qty, input.Price, input.Fee, input.Delivery, input.NetTotal).Scan(&id)
	return id, mapIntegrity(err)
}

func (r *txRepository) UpdateSaleLine(ctx context.Context, id int64, input SaleLineInput) error {
	tag, err := r.tx.Exec(ctx, `UPDATE sale_lines SET product_id=$2, qty=$3, price=$4, fee=$5, delivery=$6, net_total=$7
WHERE id=$1`, id, input.ProductID, input.Qty, input.Price, input.Fee, input.Delivery, input.NetTotal)
	if err != nil {
		return mapIntegrity(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *txRepository) DeleteSaleLine(ctx context.Context, id int64) error {
	tag, err := r.tx.Exec(ctx, `DELETE FROM sale_lines WHERE id=$1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *txRepository) GetSale(ctx context.Context, id int64) (Sale, error) {
	var s Sale
	err := r.tx.QueryRow(ctx, `SELECT id, number, sale_date, comment, created_at FROM sales WHERE id=$1`, id).
		Scan(&s.ID, &s.Number, &s.Date, &s.Comment, &s.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Sale{}, ErrNotFound
		}
		return Sale{}, err
	}
	return s, nil
}

func (r *txRepository) GetSaleLine(ctx context.Context, id int64) (SaleLine, error) {
	var l SaleLine
	err := r.tx.QueryRow(ctx, `SELECT id, sale_id, product_id, qty, price, fee, delivery, net_total
FROM sale_lines WHERE id=$1`, id).
		Scan(&l.ID, &l.SaleID, &l.ProductID, &l.Qty, &l.Price, &l.Fee, &l.Delivery, &l.NetTotal)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return SaleLine{}, ErrNotFound
		}
		return SaleLine{}, err
	}
	return l, nil
}

func (r *txRepository) ListSaleLines(ctx context.Context, saleID int64) ([]SaleLine, error) {
	return querySaleLines(ctx, r.tx, saleID)
}

// LockProduct takes the transaction-scoped advisory lock for one product.
// Every recompute transaction locks the products it touches, in ascending id
// order, before reading batch capacity; concurrent recomputes of the same
// product therefore queue instead of double-spending capacity.
func (r *txRepository) LockProduct(ctx context.Context, productID int64) error {
	_, err := r.tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, productID)
	return err
}

func (r *txRepository) DeleteAllocationsForSale(ctx context.Context, saleID int64) error {
	_, err := r.tx.Exec(ctx, `DELETE FROM allocations
WHERE sale_line_id IN (SELECT id FROM sale_lines WHERE sale_id=$1)`, saleID)
	return err
}

// EligibleBatches returns the FIFO cursor for one product as of a sale date:
// batches received on or before asOf ordered by (received_at, id), each with
// capacity net of all persisted allocations. Run it after deleting the target
// sale's own allocations so they do not count against capacity.
func (r *txRepository) EligibleBatches(ctx context.Context, productID int64, asOf time.Time) ([]*BatchCapacity, error) {
	rows, err := r.tx.Query(ctx, `SELECT b.id, b.received_at, b.unit_cost,
       b.qty - COALESCE((SELECT SUM(a.qty) FROM allocations a WHERE a.batch_id = b.id), 0)
FROM batches b
WHERE b.product_id = $1 AND b.received_at <= $2
ORDER BY b.received_at, b.id`, productID, asOf)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectCursor(rows)
}

// ProductCursor seeds the bulk-pass cursor for one product: every batch of
// the product, with capacity reduced only by allocations belonging to sales
// dated before the recompute window. Consumption inside the window lives in
// memory for the duration of the pass.
func (r *txRepository) ProductCursor(ctx context.Context, productID int64, windowFrom time.Time) ([]*BatchCapacity, error) {
	rows, err := r.tx.Query(ctx, `SELECT b.id, b.received_at, b.unit_cost,
       b.qty - COALESCE((SELECT SUM(a.qty)
                         FROM allocations a
                         JOIN sale_lines sl ON sl.id = a.sale_line_id
                         JOIN sales s ON s.id = sl.sale_id
                         WHERE a.batch_id = b.id AND s.sale_date < $2), 0)
FROM batches b
WHERE b.product_id = $1
ORDER BY b.received_at, b.id`, productID, windowFrom)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectCursor(rows)
}

func (r *txRepository) InsertAllocations(ctx context.Context, allocations []Allocation) error {
	for _, a := range allocations {
		if _, err := r.tx.Exec(ctx, `INSERT INTO allocations (sale_line_id, batch_id, qty, unit_cost)
VALUES ($1,$2,$3,$4)`, a.SaleLineID, a.BatchID, a.Qty, a.UnitCost); err != nil {
			return mapIntegrity(err)
		}
	}
	return nil
}

type rowQuerier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func querySaleLines(ctx context.Context, q rowQuerier, saleID int64) ([]SaleLine, error) {
	rows, err := q.Query(ctx, `SELECT id, sale_id, product_id, qty, price, fee, delivery, net_total
FROM sale_lines WHERE sale_id=$1 ORDER BY id`, saleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	lines := []SaleLine{}
	for rows.Next() {
		var l SaleLine
		if err := rows.Scan(&l.ID, &l.SaleID, &l.ProductID, &l.Qty, &l.Price, &l.Fee, &l.Delivery, &l.NetTotal); err != nil {
			return nil, err
		}
		lines = append(lines, l)
	}
	return lines, rows.Err()
}

func collectCursor(rows pgx.Rows) ([]*BatchCapacity, error) {
	var cursor []*BatchCapacity
	for rows.Next() {
		var b BatchCapacity
		if err := rows.Scan(&b.BatchID, &b.ReceivedAt, &b.UnitCost, &b.Remaining); err != nil {
			return nil, err
		}
		cursor = append(cursor, &b)
	}
	return cursor, rows.Err()
}

func collectSaleRefs(rows pgx.Rows) ([]SaleRef, error) {
	refs := []SaleRef{}
	for rows.Next() {
		var ref SaleRef
		if err := rows.Scan(&ref.ID, &ref.Number, &ref.Date); err != nil {
			return nil, err
		}
		refs = append(refs, ref)
	}
	return refs, rows.Err()
}

func scanBatch(row pgx.Row) (Batch, error) {
	var b Batch
	err := row.Scan(&b.ID, &b.PurchaseID, &b.ProductID, &b.Qty, &b.UnitCost, &b.ReceivedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Batch{}, ErrNotFound
		}
		return Batch{}, err
	}
	return b, nil
}

func mapIntegrity(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23503" {
		return ErrMissingReference
	}
	return err
}
