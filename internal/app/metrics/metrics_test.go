package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalPathFoldsResourceIDs(t *testing.T) {
	cases := map[string]string{
		"/orders/42/deliver":      "/orders/:id/deliver",
		"/agents/7":               "/agents/:id",
		"/settlement/payouts/abc": "/settlement/payouts/:id",
		"/settlement/sweep":       "/settlement/sweep",
		"/healthz":                "/healthz",
		"/orders/42/review":       "/orders/:id/review",
		"/agents/7/orders":        "/agents/:id/orders",
	}
	for path, want := range cases {
		assert.Equal(t, want, canonicalPath(path), "path %s", path)
	}
}

func TestInstrumentHandlerCountsRequests(t *testing.T) {
	m := New()
	handler := m.InstrumentHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))

	req := httptest.NewRequest(http.MethodGet, "/orders/42", nil)
	handler.ServeHTTP(httptest.NewRecorder(), req)

	count := testutil.ToFloat64(m.requestsTotal.WithLabelValues("/orders/:id", http.MethodGet, "404"))
	require.Equal(t, 1.0, count)
}
