package catalog

import (
	"context"
	"sort"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

type memoryRepo struct {
	products   map[int64]Product
	nextID     int64
	referenced map[int64]bool
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{products: map[int64]Product{}, referenced: map[int64]bool{}}
}

func (m *memoryRepo) Insert(ctx context.Context, input CreateInput) (int64, error) {
	for _, p := range m.products {
		if p.Article == input.Article {
			return 0, ErrDuplicateArticle
		}
	}
	m.nextID++
	m.products[m.nextID] = Product{
		ID:      m.nextID,
		Article: input.Article,
		Name:    input.Name,
		Unit:    input.Unit,
		Barcode: input.Barcode,
	}
	return m.nextID, nil
}

func (m *memoryRepo) Update(ctx context.Context, id int64, input UpdateInput) error {
	p, ok := m.products[id]
	if !ok {
		return ErrNotFound
	}
	p.Name, p.Unit, p.Barcode = input.Name, input.Unit, input.Barcode
	m.products[id] = p
	return nil
}

func (m *memoryRepo) Get(ctx context.Context, id int64) (Product, error) {
	p, ok := m.products[id]
	if !ok {
		return Product{}, ErrNotFound
	}
	return p, nil
}

func (m *memoryRepo) GetByArticle(ctx context.Context, article string) (Product, error) {
	for _, p := range m.products {
		if p.Article == article {
			return p, nil
		}
	}
	return Product{}, ErrNotFound
}

func (m *memoryRepo) List(ctx context.Context, filter ListFilter) ([]Product, error) {
	out := []Product{}
	for _, p := range m.products {
		if filter.Search != "" &&
			!strings.Contains(strings.ToLower(p.Article), strings.ToLower(filter.Search)) &&
			!strings.Contains(strings.ToLower(p.Name), strings.ToLower(filter.Search)) {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Article < out[j].Article })
	return out, nil
}

func (m *memoryRepo) Delete(ctx context.Context, id int64) error {
	if _, ok := m.products[id]; !ok {
		return ErrNotFound
	}
	if m.referenced[id] {
		return ErrProductReferenced
	}
	delete(m.products, id)
	return nil
}

func TestCreateProductDefaultsUnit(t *testing.T) {
	svc := NewService(newMemoryRepo())

	product, err := svc.Create(context.Background(), CreateInput{Article: "  SKU-1 ", Name: " Widget "})
	require.NoError(t, err)
	require.Equal(t, "SKU-1", product.Article)
	require.Equal(t, "Widget", product.Name)
	require.Equal(t, "pcs", product.Unit)
}

func TestCreateProductRequiresArticleAndName(t *testing.T) {
	svc := NewService(newMemoryRepo())

	_, err := svc.Create(context.Background(), CreateInput{Article: "", Name: "Widget"})
	require.ErrorIs(t, err, ErrInvalidProduct)

	_, err = svc.Create(context.Background(), CreateInput{Article: "SKU-1", Name: "   "})
	require.ErrorIs(t, err, ErrInvalidProduct)
}

func TestCreateProductDuplicateArticle(t *testing.T) {
	svc := NewService(newMemoryRepo())

	_, err := svc.Create(context.Background(), CreateInput{Article: "SKU-1", Name: "Widget"})
	require.NoError(t, err)

	_, err = svc.Create(context.Background(), CreateInput{Article: "SKU-1", Name: "Other"})
	require.ErrorIs(t, err, ErrDuplicateArticle)
}

func TestUpdateProduct(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo)
	created, err := svc.Create(context.Background(), CreateInput{Article: "SKU-1", Name: "Widget"})
	require.NoError(t, err)

	updated, err := svc.Update(context.Background(), created.ID, UpdateInput{Name: "Widget v2", Unit: "box"})
	require.NoError(t, err)
	require.Equal(t, "Widget v2", updated.Name)
	require.Equal(t, "box", updated.Unit)

	_, err = svc.Update(context.Background(), 999, UpdateInput{Name: "ghost"})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteReferencedProduct(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo)
	created, err := svc.Create(context.Background(), CreateInput{Article: "SKU-1", Name: "Widget"})
	require.NoError(t, err)
	repo.referenced[created.ID] = true

	require.ErrorIs(t, svc.Delete(context.Background(), created.ID), ErrProductReferenced)
}

func TestListProductsBySearch(t *testing.T) {
	svc := NewService(newMemoryRepo())
	for _, p := range []CreateInput{
		{Article: "SKU-1", Name: "Red Widget"},
		{Article: "SKU-2", Name: "Blue Widget"},
		{Article: "OTHER", Name: "Gadget"},
	} {
		_, err := svc.Create(context.Background(), p)
		require.NoError(t, err)
	}

	all, err := svc.List(context.Background(), ListFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)

	widgets, err := svc.List(context.Background(), ListFilter{Search: "widget"})
	require.NoError(t, err)
	require.Len(t, widgets, 2)
}
