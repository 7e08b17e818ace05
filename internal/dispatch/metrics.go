package dispatch

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/k11v/buildfarm/internal/build"
)

type Metrics struct {
	dispatchedBuilds *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		dispatchedBuilds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "buildfarm",
			Name:      "dispatched_builds_total",
			Help:      "Builds accepted by a worker.",
		}, []string{"job_type", "builder", "region"}),
	}
	reg.MustRegister(m.dispatchedBuilds)
	return m
}

// dispatched is a no-op on a nil *Metrics.
func (m *Metrics) dispatched(jobType build.JobType, builder *build.Builder) {
	if m == nil {
		return
	}
	m.dispatchedBuilds.WithLabelValues(string(jobType), builder.Name, builder.Region).Inc()
}
