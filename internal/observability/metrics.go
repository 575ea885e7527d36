package observability

import "github.com/prometheus/client_golang/prometheus"

var (
	APIRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "courier_api_requests_total", Help: "Local API requests"},
		[]string{"endpoint", "status"},
	)
	RecipientSends = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "courier_outbox_recipient_sends_total", Help: "Per-recipient delivery outcomes"},
		[]string{"result"},
	)
	TaskOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "courier_outbox_tasks_total", Help: "Task statuses after a drain"},
		[]string{"status"},
	)
	DrainsSkipped = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "courier_outbox_drains_skipped_total", Help: "Drains dropped because one was in flight"},
	)
	TransportLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{Name: "courier_transport_send_latency_seconds", Help: "Envelope send latency"},
	)
	TransportSends = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "courier_transport_send_total", Help: "Envelope send outcomes"},
		[]string{"result"},
	)
	TrustDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "courier_trust_decisions_total", Help: "Inbound trust decisions"},
		[]string{"outcome"},
	)
	InboundDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "courier_inbound_dropped_total", Help: "Inbound envelopes dropped before classification"},
		[]string{"reason"},
	)
	HistoryQueries = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "courier_history_queries_total", Help: "History queries by path"},
		[]string{"path"},
	)
	ArchiveRestores = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "courier_archive_restores_total", Help: "Cloud archive restore outcomes"},
		[]string{"result"},
	)
)

func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		APIRequests, RecipientSends, TaskOutcomes, DrainsSkipped,
		TransportLatency, TransportSends, TrustDecisions, InboundDropped,
		HistoryQueries, ArchiveRestores,
	)
}
