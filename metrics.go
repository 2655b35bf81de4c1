package accessip

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics describes reconciliation passes for Prometheus.
//
// Since a pass is a short-lived process,
// the usual way to export these is prometheus.WriteToTextfile into a node_exporter textfile directory.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	ProviderFailures *prometheus.CounterVec
	LastRun          prometheus.Gauge
	LastSuccess      prometheus.Gauge
	Updated          prometheus.Gauge
	Entries          prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ProviderFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "accessip_provider_failures_total",
			Help: "Failed public address lookups per address family",
		}, []string{"family"}),
		LastRun: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "accessip_last_run_timestamp_seconds",
			Help: "Unix time the last reconciliation pass finished",
		}),
		LastSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "accessip_last_run_success",
			Help: "1 if the last reconciliation pass succeeded",
		}),
		Updated: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "accessip_policy_updated",
			Help: "1 if the last pass changed the policy allowlist",
		}),
		Entries: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "accessip_allowlist_entries",
			Help: "Number of allowlist entries the last pass wanted in the policy",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.ProviderFailures, m.LastRun, m.LastSuccess, m.Updated, m.Entries)
	}
	return m
}

func (m *Metrics) providerFailed(f Family) {
	if m == nil {
		return
	}
	m.ProviderFailures.WithLabelValues(f.String()).Inc()
}

func (m *Metrics) observe(res Result, err error) {
	if m == nil {
		return
	}
	m.LastRun.Set(float64(time.Now().Unix()))
	if err != nil {
		m.LastSuccess.Set(0)
		m.Updated.Set(0)
		return
	}
	m.LastSuccess.Set(1)
	m.Entries.Set(float64(len(res.New)))
	if res.Status == Updated && !res.DryRun {
		m.Updated.Set(1)
	} else {
		m.Updated.Set(0)
	}
}
