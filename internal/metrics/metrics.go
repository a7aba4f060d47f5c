// Package metrics exposes Prometheus collectors for authentication, posting
// and retention. A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "keypost"

type Metrics struct {
	registry          *prometheus.Registry
	challengesIssued  prometheus.Counter
	logins            *prometheus.CounterVec
	postsCreated      *prometheus.CounterVec
	signatureRechecks *prometheus.CounterVec
	sweepDeleted      prometheus.Counter
	sweepRuns         *prometheus.CounterVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		challengesIssued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "challenges_issued_total",
			Help:      "Login challenges issued.",
		}),
		logins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "logins_total",
			Help:      "Login attempts by outcome.",
		}, []string{"outcome"}),
		postsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "posts_created_total",
			Help:      "Post creation attempts by result.",
		}, []string{"result"}),
		signatureRechecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "signature_rechecks_total",
			Help:      "Read-path signature re-verifications by result.",
		}, []string{"valid"}),
		sweepDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_deleted_identities_total",
			Help:      "Identities removed by the inactivity sweep.",
		}),
		sweepRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_runs_total",
			Help:      "Inactivity sweep runs by mode.",
		}, []string{"mode"}),
	}
	reg.MustRegister(
		m.challengesIssued,
		m.logins,
		m.postsCreated,
		m.signatureRechecks,
		m.sweepDeleted,
		m.sweepRuns,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ChallengeIssued() {
	if m == nil {
		return
	}
	m.challengesIssued.Inc()
}

// Login records an attempt. outcome is a fixed label such as
// "login_existing", "create_and_login" or "rejected".
func (m *Metrics) Login(outcome string) {
	if m == nil {
		return
	}
	m.logins.WithLabelValues(outcome).Inc()
}

func (m *Metrics) PostCreated(result string) {
	if m == nil {
		return
	}
	m.postsCreated.WithLabelValues(result).Inc()
}

func (m *Metrics) SignatureRecheck(valid bool) {
	if m == nil {
		return
	}
	label := "false"
	if valid {
		label = "true"
	}
	m.signatureRechecks.WithLabelValues(label).Inc()
}

func (m *Metrics) Sweep(dryRun bool, deleted int64) {
	if m == nil {
		return
	}
	mode := "delete"
	if dryRun {
		mode = "dry_run"
	}
	m.sweepRuns.WithLabelValues(mode).Inc()
	if !dryRun && deleted > 0 {
		m.sweepDeleted.Add(float64(deleted))
	}
}
