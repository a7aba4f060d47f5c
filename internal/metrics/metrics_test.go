package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func counterValue(t *testing.T, m *Metrics, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := m.Registry().Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
	next:
		for _, metric := range mf.GetMetric() {
			for _, lp := range metric.GetLabel() {
				if labels[lp.GetName()] != lp.GetValue() {
					continue next
				}
			}
			return metric.GetCounter().GetValue()
		}
	}
	return 0
}

func TestCounters(t *testing.T) {
	m := New()
	m.ChallengeIssued()
	m.ChallengeIssued()
	m.Login("create_and_login")
	m.Login("rejected")
	m.Login("rejected")
	m.PostCreated("created")
	m.SignatureRecheck(false)
	m.Sweep(true, 5)
	m.Sweep(false, 3)

	assert.Equal(t, 2.0, counterValue(t, m, "keypost_challenges_issued_total", nil))
	assert.Equal(t, 2.0, counterValue(t, m, "keypost_logins_total", map[string]string{"outcome": "rejected"}))
	assert.Equal(t, 1.0, counterValue(t, m, "keypost_logins_total", map[string]string{"outcome": "create_and_login"}))
	assert.Equal(t, 1.0, counterValue(t, m, "keypost_posts_created_total", map[string]string{"result": "created"}))
	assert.Equal(t, 1.0, counterValue(t, m, "keypost_signature_rechecks_total", map[string]string{"valid": "false"}))
	assert.Equal(t, 3.0, counterValue(t, m, "keypost_sweep_deleted_identities_total", nil), "dry runs never count deletions")
	assert.Equal(t, 1.0, counterValue(t, m, "keypost_sweep_runs_total", map[string]string{"mode": "dry_run"}))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ChallengeIssued()
		m.Login("rejected")
		m.PostCreated("created")
		m.SignatureRecheck(true)
		m.Sweep(false, 1)
	})
	assert.Nil(t, m.Registry())

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandlerExposition(t *testing.T) {
	m := New()
	m.Login("login_existing")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `keypost_logins_total{outcome="login_existing"} 1`)
}
