package catalog

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository persists products in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) Insert(ctx context.Context, input CreateInput) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx, `INSERT INTO products (article, name, unit, barcode)
VALUES ($1,$2,$3,NULLIF($4,'')) RETURNING id`, input.Article, input.Name, input.Unit, input.Barcode).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return 0, ErrDuplicateArticle
		}
		return 0, err
	}
	return id, nil
}

func (r *Repository) Update(ctx context.Context, id int64, input UpdateInput) error {
	tag, err := r.pool.Exec(ctx, `UPDATE products SET name=$2, unit=$3, barcode=NULLIF($4,''), updated_at=NOW()
WHERE id=$1`, id, input.Name, input.Unit, input.Barcode)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *Repository) Get(ctx context.Context, id int64) (Product, error) {
	return r.scanOne(r.pool.QueryRow(ctx, `SELECT id, article, name, unit, COALESCE(barcode,''), created_at, updated_at
FROM products WHERE id=$1`, id))
}

// GetByArticle resolves a product by its immutable article code.
func (r *Repository) GetByArticle(ctx context.Context, article string) (Product, error) {
	return r.scanOne(r.pool.QueryRow(ctx, `SELECT id, article, name, unit, COALESCE(barcode,''), created_at, updated_at
FROM products WHERE article=$1`, article))
}

func (r *Repository) List(ctx context.Context, filter ListFilter) ([]Product, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 200
	}
	rows, err := r.pool.Query(ctx, `SELECT id, article, name, unit, COALESCE(barcode,''), created_at, updated_at
FROM products
WHERE ($1 = '' OR article ILIKE '%'||$1||'%' OR name ILIKE '%'||$1||'%')
ORDER BY name, id
LIMIT $2`, filter.Search, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	products := []Product{}
	for rows.Next() {
		var p Product
		if err := rows.Scan(&p.ID, &p.Article, &p.Name, &p.Unit, &p.Barcode, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		products = append(products, p)
	}
	return products, rows.Err()
}

// Delete removes a product unless ledger rows still reference it.
func (r *Repository) Delete(ctx context.Context, id int64) error {
	var referenced bool
	err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM batches WHERE product_id=$1)
OR EXISTS (SELECT 1 FROM sale_lines WHERE product_id=$1)`, id).Scan(&referenced)
	if err != nil {
		return err
	}
	if referenced {
		return ErrProductReferenced
	}
	tag, err := r.pool.Exec(ctx, `DELETE FROM products WHERE id=$1`, id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23503" {
			return ErrProductReferenced
		}
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *Repository) scanOne(row pgx.Row) (Product, error) {
	var p Product
	err := row.Scan(&p.ID, &p.Article, &p.Name, &p.Unit, &p.Barcode, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Product{}, ErrNotFound
		}
		return Product{}, err
	}
	return p, nil
}
