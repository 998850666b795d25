package catalog

import (
	"context"
	"strings"
)

// RepositoryPort abstracts repository usage for the service.
type RepositoryPort interface {
	Insert(ctx context.Context, input CreateInput) (int64, error)
	Update(ctx context.Context, id int64, input UpdateInput) error
	Get(ctx context.Context, id int64) (Product, error)
	GetByArticle(ctx context.Context, article string) (Product, error)
	List(ctx context.Context, filter ListFilter) ([]Product, error)
	Delete(ctx context.Context, id int64) error
}

// Service coordinates catalog operations.
type Service struct {
	repo RepositoryPort
}

// NewService builds Service.
func NewService(repo RepositoryPort) *Service {
	return &Service{repo: repo}
}

// Create registers a new product.
func (s *Service) Create(ctx context.Context, input CreateInput) (Product, error) {
	input.Article = strings.TrimSpace(input.Article)
	input.Name = strings.TrimSpace(input.Name)
	if input.Article == "" || input.Name == "" {
		return Product{}, ErrInvalidProduct
	}
	if input.Unit == "" {
		input.Unit = "pcs"
	}
	id, err := s.repo.Insert(ctx, input)
	if err != nil {
		return Product{}, err
	}
	return s.repo.Get(ctx, id)
}

// Update changes the mutable attributes of a product.
func (s *Service) Update(ctx context.Context, id int64, input UpdateInput) (Product, error) {
	input.Name = strings.TrimSpace(input.Name)
	if input.Name == "" {
		return Product{}, ErrInvalidProduct
	}
	if input.Unit == "" {
		input.Unit = "pcs"
	}
	if err := s.repo.Update(ctx, id, input); err != nil {
		return Product{}, err
	}
	return s.repo.Get(ctx, id)
}

// Get fetches one product.
func (s *Service) Get(ctx context.Context, id int64) (Product, error) {
	return s.repo.Get(ctx, id)
}

// GetByArticle fetches one product by article code.
func (s *Service) GetByArticle(ctx context.Context, article string) (Product, error) {
	return s.repo.GetByArticle(ctx, strings.TrimSpace(article))
}

// List searches products by article or name.
func (s *Service) List(ctx context.Context, filter ListFilter) ([]Product, error) {
	return s.repo.List(ctx, filter)
}

// Delete removes an unreferenced product.
func (s *Service) Delete(ctx context.Context, id int64) error {
	return s.repo.Delete(ctx, id)
}
