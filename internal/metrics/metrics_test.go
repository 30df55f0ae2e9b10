package metrics

import (
	"net/http/httptest"
	"testing"

	"github.com/brandvoice/contentops/internal/models"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_AdmissionsAndUsage(t *testing.T) {
	m := New()

	m.ObserveAdmission("generate", OutcomeAllowed)
	m.ObserveAdmission("generate", OutcomeAllowed)
	m.ObserveAdmission("generate", OutcomeDenied)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.admissions.WithLabelValues("generate", OutcomeAllowed)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.admissions.WithLabelValues("generate", OutcomeDenied)))

	rec := &models.UsageRecord{Model: "gpt-4o", Feature: "translate", PromptTokens: 500, CompletionTokens: 300, CostUSD: 0.0043}
	m.UsageRecorded(rec)
	m.UsageWriteFailed(rec)
	assert.Equal(t, 500.0, testutil.ToFloat64(m.tokens.WithLabelValues("gpt-4o", "translate", "prompt")))
	assert.InDelta(t, 0.0043, testutil.ToFloat64(m.cost.WithLabelValues("gpt-4o", "translate")), 1e-9)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.writeFailures.WithLabelValues("translate")))

	m.ObserveEvictions(3)
	m.ObserveEvictions(0)
	assert.Equal(t, 3.0, testutil.ToFloat64(m.evictions))
}

func TestMetrics_HandlerExposesWindows(t *testing.T) {
	m := New()
	m.TrackWindows(func() int { return 7 })

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	require.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), "contentops_ratelimit_windows 7")
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveAdmission("ai", OutcomeAllowed)
		m.ObserveEvictions(1)
		m.ObserveRequest("/x", "200")
		m.UsageRecorded(&models.UsageRecord{})
		m.UsageWriteFailed(&models.UsageRecord{})
		m.TrackWindows(func() int { return 0 })
	})
}
