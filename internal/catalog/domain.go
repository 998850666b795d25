package catalog

import (
	"errors"
	"time"
)

// Product is a catalog entry. Article is the immutable identity; name, unit
// and barcode may change over time.
type Product struct {
	ID        int64     `json:"id"`
	Article   string    `json:"article"`
	Name      string    `json:"name"`
	Unit      string    `json:"unit"`
	Barcode   string    `json:"barcode,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ListFilter narrows product listings.
type ListFilter struct {
	Search string
	Limit  int
}

// CreateInput describes a new catalog entry.
type CreateInput struct {
	Article string
	Name    string
	Unit    string
	Barcode string
}

// UpdateInput carries the mutable product attributes.
type UpdateInput struct {
	Name    string
	Unit    string
	Barcode string
}

// ErrNotFound indicates a missing product.
var ErrNotFound = errors.New("catalog: product not found")

// ErrDuplicateArticle indicates an article collision.
var ErrDuplicateArticle = errors.New("catalog: article already exists")

// ErrProductReferenced is returned when deleting a product still referenced by
// batches or sale lines.
var ErrProductReferenced = errors.New("catalog: product referenced by ledger rows")

// ErrInvalidProduct indicates missing required attributes.
var ErrInvalidProduct = errors.New("catalog: article and name are required")
