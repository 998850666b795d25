package catalog

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"
)

func newHandlerFixture() http.Handler {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := NewHandler(logger, NewService(newMemoryRepo()))
	router := chi.NewRouter()
	h.MountRoutes(router)
	return router
}

func TestListProductsRejectsBadLimit(t *testing.T) {
	router := newHandlerFixture()

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/products?limit=abc", nil))
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), "Invalid Limit")
}

func TestListProductsAcceptsNumericLimit(t *testing.T) {
	router := newHandlerFixture()

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/products?limit=10", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}
