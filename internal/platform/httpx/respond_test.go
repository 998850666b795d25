package httpx

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestProblemUsesProblemJSONMediaType(t *testing.T) {
	rec := httptest.NewRecorder()
	Problem(rec, http.StatusBadRequest, "Invalid Limit", "limit must be numeric")

	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))

	var detail ProblemDetail
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &detail))
	require.Equal(t, "Invalid Limit", detail.Title)
	require.Equal(t, http.StatusBadRequest, detail.Status)
}

func TestRespondErrorMapsSentinels(t *testing.T) {
	cases := []struct {
		err    error
		status int
	}{
		{fmt.Errorf("%w: sale 7", ErrNotFound), http.StatusNotFound},
		{fmt.Errorf("%w: article", ErrDuplicate), http.StatusConflict},
		{fmt.Errorf("%w: run busy", ErrConflict), http.StatusConflict},
		{fmt.Errorf("%w: qty", ErrValidation), http.StatusBadRequest},
		{fmt.Errorf("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		rec := httptest.NewRecorder()
		RespondError(rec, tc.err)
		require.Equal(t, tc.status, rec.Code, "error %v", tc.err)
	}
}
