package observability

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	return string(body)
}

func TestMetrics_RecordsObservations(t *testing.T) {
	m := NewMetrics("test_avatar")
	m.ObserveTurn("ok")
	m.ObserveTurn("ok")
	m.ObserveTurn("aborted")
	m.ObserveBeat()
	m.ObservePlanAttempt("malformed")
	m.ObserveProviderError("openai", "429")
	m.ObserveStage("transcode", 120*time.Millisecond)

	body := scrape(t, m)
	require.Contains(t, body, `test_avatar_turns_total{outcome="ok"} 2`)
	require.Contains(t, body, `test_avatar_turns_total{outcome="aborted"} 1`)
	require.Contains(t, body, `test_avatar_beats_rendered_total 1`)
	require.Contains(t, body, `test_avatar_planner_attempts_total{result="malformed"} 1`)
	require.Contains(t, body, `test_avatar_provider_errors_total{code="429",provider="openai"} 1`)
	require.Contains(t, body, `test_avatar_render_stage_seconds_count{stage="transcode"} 1`)
}

func TestMetrics_IndependentRegistries(t *testing.T) {
	require.NotPanics(t, func() {
		_ = NewMetrics("dup")
		_ = NewMetrics("dup")
	})
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	require.NotPanics(t, func() {
		m.ObserveTurn("ok")
		m.ObserveBeat()
		m.ObserveStage("synthesize", time.Second)
		m.ObservePlanAttempt("ok")
		m.ObserveProviderError("openai", "500")
	})
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}
