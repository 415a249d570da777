package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilCollector(t *testing.T) {
	var c *Collector
	c.SessionOpened()
	c.SessionClosed()
	c.AuthAttempt("password", "accepted")
	c.Operation("List")
	c.Transfer("ingress", "commit", 10)
	assert.Nil(t, c.Registry())

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCollectorCounts(t *testing.T) {
	c := New()

	c.SessionOpened()
	c.SessionOpened()
	c.SessionClosed()
	assert.Equal(t, float64(2), testutil.ToFloat64(c.sessionsTotal))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.sessionsActive))

	c.AuthAttempt("password", "rejected")
	c.AuthAttempt("password", "rejected")
	c.AuthAttempt("publickey", "backend_rejected")
	assert.Equal(t, float64(2), testutil.ToFloat64(c.authAttempts.WithLabelValues("password", "rejected")))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.authAttempts.WithLabelValues("publickey", "backend_rejected")))

	c.Transfer("ingress", "commit", 42)
	c.Transfer("ingress", "discard", 0)
	assert.Equal(t, float64(1), testutil.ToFloat64(c.transfers.WithLabelValues("ingress", "discard")))
	assert.Equal(t, float64(42), testutil.ToFloat64(c.transferBytes.WithLabelValues("ingress")))
}

func TestHandlerExposition(t *testing.T) {
	c := New()
	c.Operation("Rename")

	srv := httptest.NewServer(c.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), `sftpproxy_operations_total{method="Rename"} 1`))
}
