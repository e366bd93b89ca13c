// Package metrics implements Prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// FlowTableEntries tracks live entries per flow table
	FlowTableEntries = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "flowtrack_flow_table_entries",
			Help: "Current number of live entries in a flow table",
		},
		[]string{"table"},
	)

	// FlowTableInsertsTotal counts successful inserts
	FlowTableInsertsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowtrack_flow_table_inserts_total",
			Help: "Total number of entries inserted into a flow table",
		},
		[]string{"table"},
	)

	// FlowTableRemovalsTotal counts removals by reason (removed, expired, evicted)
	FlowTableRemovalsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowtrack_flow_table_removals_total",
			Help: "Total number of entries removed from a flow table",
		},
		[]string{"table", "reason"},
	)

	// FlowTableKicksTotal counts cuckoo displacements
	FlowTableKicksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowtrack_flow_table_kicks_total",
			Help: "Total number of cuckoo displacements performed on insert",
		},
		[]string{"table"},
	)

	// FlowTableGrowsTotal counts full rehashes into larger bucket arrays
	FlowTableGrowsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowtrack_flow_table_grows_total",
			Help: "Total number of flow table resizes",
		},
		[]string{"table"},
	)

	// FlowTableInsertFailuresTotal counts inserts rejected with capacity exceeded
	FlowTableInsertFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowtrack_flow_table_insert_failures_total",
			Help: "Total number of inserts that found no home after growing",
		},
		[]string{"table"},
	)

	// ReassemblyActiveFragments tracks datagrams awaiting reassembly
	ReassemblyActiveFragments = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "flowtrack_reassembly_active_datagrams",
			Help: "Number of fragmented datagrams awaiting reassembly",
		},
	)

	// ReassembledTotal counts datagrams rebuilt from fragments
	ReassembledTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "flowtrack_reassembly_completed_total",
			Help: "Total number of datagrams reassembled from fragments",
		},
	)

	// ReassemblyDropsTotal counts fragment lists discarded before completion
	ReassemblyDropsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowtrack_reassembly_drops_total",
			Help: "Total number of fragmented datagrams dropped before completion",
		},
		[]string{"reason"},
	)

	// FragmentsRateLimitedTotal counts fragments rejected by the per-source limiter
	FragmentsRateLimitedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "flowtrack_fragments_rate_limited_total",
			Help: "Total number of fragments rejected by per-source rate limiting",
		},
	)

	// StreamsFinishedTotal counts tracked streams by end reason
	StreamsFinishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowtrack_streams_finished_total",
			Help: "Total number of tracked streams that ended",
		},
		[]string{"reason"},
	)

	// PipelinePacketsTotal counts packets by worker and stage
	PipelinePacketsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowtrack_pipeline_packets_total",
			Help: "Total number of packets processed in pipeline",
		},
		[]string{"worker", "stage"},
	)

	// ExportRecordsTotal counts flow records delivered to an exporter
	ExportRecordsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowtrack_export_records_total",
			Help: "Total number of flow records exported",
		},
		[]string{"exporter"},
	)

	// ExportErrorsTotal counts export failures and drops
	ExportErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowtrack_export_errors_total",
			Help: "Total number of flow records that failed to export",
		},
		[]string{"exporter", "error_type"},
	)
)
