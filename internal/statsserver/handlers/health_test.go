package handlers_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jroosing/stubresolver/internal/stats"
	"github.com/jroosing/stubresolver/internal/statsserver/handlers"
	"github.com/jroosing/stubresolver/internal/statsserver/models"
	"github.com/jroosing/stubresolver/resolver"
)

func TestHealth(t *testing.T) {
	h := handlers.New(stats.NewAggregator(nil), nil)
	r := setupTestRouter(h)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var resp models.StatusResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
}

func TestStats(t *testing.T) {
	agg := stats.NewAggregator(nil)
	h := handlers.New(agg, nil)
	r := setupTestRouter(h)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/stats", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var resp models.ServerStatsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.Uptime)
	assert.Empty(t, resp.Nameservers)
}

func TestStats_WithNameserverSamples(t *testing.T) {
	agg := stats.NewAggregator(nil)
	ns := netip.MustParseAddrPort("8.8.8.8:53")
	agg.Observe(resolver.LatencySample{Nameserver: ns, RTT: 20 * time.Millisecond, Success: true, Proto: "udp"})
	agg.Observe(resolver.LatencySample{Nameserver: ns, RTT: 40 * time.Millisecond, Success: true, Proto: "udp"})
	agg.RecordQuery("udp", false, false)

	h := handlers.New(agg, nil)
	r := setupTestRouter(h)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/stats", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var resp models.ServerStatsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Nameservers, 1)
	assert.Equal(t, ns.String(), resp.Nameservers[0].Nameserver)
	assert.EqualValues(t, 2, resp.Nameservers[0].Attempts)
	assert.True(t, resp.Nameservers[0].Healthy)
	assert.EqualValues(t, 1, resp.Resolver.QueriesTotal)
}
