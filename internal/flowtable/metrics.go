package flowtable

import (
	"github.com/prometheus/client_golang/prometheus"

	"firestige.xyz/flowtrack/internal/flowtable/cuckoo"
	"firestige.xyz/flowtrack/internal/metrics"
)

// tableMetrics caches the labelled children of one table so the hot path
// does not resolve label values per operation.
type tableMetrics struct {
	entries  prometheus.Gauge
	inserts  prometheus.Counter
	kicks    prometheus.Counter
	grows    prometheus.Counter
	failures prometheus.Counter
	removals [ReasonCleared + 1]prometheus.Counter

	lastKicks uint64
	lastGrows uint64
}

func newTableMetrics(name string) *tableMetrics {
	m := &tableMetrics{
		entries:  metrics.FlowTableEntries.WithLabelValues(name),
		inserts:  metrics.FlowTableInsertsTotal.WithLabelValues(name),
		kicks:    metrics.FlowTableKicksTotal.WithLabelValues(name),
		grows:    metrics.FlowTableGrowsTotal.WithLabelValues(name),
		failures: metrics.FlowTableInsertFailuresTotal.WithLabelValues(name),
	}
	for r := range m.removals {
		m.removals[r] = metrics.FlowTableRemovalsTotal.WithLabelValues(name, Reason(r).String())
	}
	return m
}

// sync publishes the cuckoo counters that moved since the last call.
func (m *tableMetrics) sync(st cuckoo.Stats) {
	m.entries.Set(float64(st.Len))
	if st.Kicks > m.lastKicks {
		m.kicks.Add(float64(st.Kicks - m.lastKicks))
		m.lastKicks = st.Kicks
	}
	if st.Grows > m.lastGrows {
		m.grows.Add(float64(st.Grows - m.lastGrows))
		m.lastGrows = st.Grows
	}
}
