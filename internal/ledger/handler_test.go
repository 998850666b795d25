package ledger

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"
)

func newHandlerFixture(t *testing.T) (*serviceFixture, http.Handler) {
	t.Helper()
	f := newServiceFixture(t, false)
	h := NewHandler(HandlerParams{
		Logger:  testLogger(),
		Service: f.service,
		Cutoff:  day("2026-01-01"),
	})
	router := chi.NewRouter()
	h.MountRoutes(router)
	return f, router
}

func TestListPurchasesRejectsBadLimit(t *testing.T) {
	_, router := newHandlerFixture(t)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/purchases?limit=abc", nil))
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), "Invalid Limit")
}

func TestListPurchasesAcceptsNumericLimit(t *testing.T) {
	_, router := newHandlerFixture(t)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/purchases?limit=5", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestListSalesRejectsBadFromDate(t *testing.T) {
	_, router := newHandlerFixture(t)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/sales?from=not-a-date", nil))
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), "Invalid Date")
}
