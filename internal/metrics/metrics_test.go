package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestGaugesTrackLatestValue(t *testing.T) {
	SetActiveRequests(3)
	SetActiveRequests(1)
	require.Equal(t, 1.0, testutil.ToFloat64(downloaderActiveRequests))

	SetSlots(4)
	require.Equal(t, 4.0, testutil.ToFloat64(downloaderSlots))
}

func TestCountersIncrement(t *testing.T) {
	before := testutil.ToFloat64(dupefilterFilteredTotal.WithLabelValues("books"))
	IncFiltered("books")
	IncFiltered("books")
	require.Equal(t, before+2, testutil.ToFloat64(dupefilterFilteredTotal.WithLabelValues("books")))

	beforeUnknown := testutil.ToFloat64(dupefilterFilteredTotal.WithLabelValues("unknown"))
	IncFiltered("")
	require.Equal(t, beforeUnknown+1, testutil.ToFloat64(dupefilterFilteredTotal.WithLabelValues("unknown")))

	collected := testutil.ToFloat64(downloaderSlotsCollectedTotal)
	IncSlotsCollected(0)
	IncSlotsCollected(2)
	require.Equal(t, collected+2, testutil.ToFloat64(downloaderSlotsCollectedTotal))

	ok := testutil.ToFloat64(middlewareResponsesTotal.WithLabelValues("200"))
	ObserveResponse(http.StatusOK, 10)
	require.Equal(t, ok+1, testutil.ToFloat64(middlewareResponsesTotal.WithLabelValues("200")))
}

func TestHandlerExposesCollectors(t *testing.T) {
	IncRequest(http.MethodGet)
	IncException("timeout")
	ObserveRateLimitDelay("example.com", 10*time.Millisecond)
	ObserveDelayWait(time.Second)
	ObserveHTTPRequest(http.MethodGet, "/healthz", http.StatusOK, time.Millisecond)

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	for _, name := range []string{
		"downloader_request_count",
		"downloader_exception_count",
		"downloader_rate_limit_delays_seconds",
		"downloader_delay_waits_seconds",
		"http_request_duration_seconds",
	} {
		require.True(t, strings.Contains(body, name), name)
	}
}
