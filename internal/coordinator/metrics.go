package coordinator

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/k11v/buildfarm/internal/build"
)

type Metrics struct {
	builderFailures *prometheus.GaugeVec
	builderActive   *prometheus.GaugeVec
	finishedBuilds  *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		builderFailures: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "buildfarm",
			Name:      "builder_failures",
			Help:      "Consecutive failures to reach a builder.",
		}, []string{"builder"}),
		builderActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "buildfarm",
			Name:      "builder_active",
			Help:      "Whether a builder is polled (1) or was disabled (0).",
		}, []string{"builder"}),
		finishedBuilds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "buildfarm",
			Name:      "finished_builds_total",
			Help:      "Finished builds by the status they ended up in.",
		}, []string{"job_type", "status"}),
	}
	reg.MustRegister(m.builderFailures, m.builderActive, m.finishedBuilds)
	return m
}

// Methods are no-ops on a nil *Metrics.

func (m *Metrics) setBuilder(b *build.Builder) {
	if m == nil {
		return
	}
	m.builderFailures.WithLabelValues(b.Name).Set(float64(b.FailureCount))
	active := 0.0
	if b.Active {
		active = 1
	}
	m.builderActive.WithLabelValues(b.Name).Set(active)
}

func (m *Metrics) finished(jobType build.JobType, status build.Status) {
	if m == nil {
		return
	}
	m.finishedBuilds.WithLabelValues(string(jobType), string(status)).Inc()
}
