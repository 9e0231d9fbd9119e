package closure

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes the activity of a builder to prometheus.
type Metrics struct {
	builds    prometheus.Counter
	libraries prometheus.Counter
	edges     *prometheus.CounterVec
	gaps      prometheus.Counter
	skipped   prometheus.Counter
	levels    prometheus.Histogram
	duration  prometheus.Histogram
}

// NewMetrics creates the metrics and registers them in the given registerer,
// unless nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		builds: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dragonkick_closures_total",
			Help: "number of closures built",
		}),
		libraries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dragonkick_closure_libraries_total",
			Help: "number of libraries found in closures",
		}),
		edges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dragonkick_closure_edges_total",
			Help: "number of resolved dependencies, by search source",
		}, []string{"source"}),
		gaps: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dragonkick_closure_gaps_total",
			Help: "number of unresolved sonames in closures",
		}),
		skipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dragonkick_closure_skipped_total",
			Help: "number of binaries that couldn't be parsed",
		}),
		levels: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "dragonkick_closure_levels",
			Help:    "depth of the closures",
			Buckets: prometheus.LinearBuckets(1, 1, 10),
		}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "dragonkick_closure_duration_seconds",
			Help:    "duration of the closure builds",
			Buckets: prometheus.DefBuckets,
		}),
	}

	if reg != nil {
		reg.MustRegister(m.builds, m.libraries, m.edges, m.gaps, m.skipped, m.levels, m.duration)
	}
	return m
}

// Observe records a build.
func (m *Metrics) Observe(c *Closure) {
	m.builds.Inc()
	m.libraries.Add(float64(len(c.Libraries)))
	for _, e := range c.Edges {
		m.edges.With(prometheus.Labels{"source": e.Source.String()}).Inc()
	}
	m.gaps.Add(float64(len(c.Gaps)))
	m.skipped.Add(float64(len(c.Skipped)))
	m.levels.Observe(float64(c.Stats.Levels))
	m.duration.Observe(c.Stats.Duration.Seconds())
}
