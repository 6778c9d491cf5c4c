package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "can_ingestion_build_info",
		Help: "Build information of the CAN ingestion service",
	}, []string{"version", "commit", "date"})

	FramesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "can_ingestion_frames_received_total", Help: "Raw frames submitted by producers.",
	}, []string{"source"})
	FramesUnknown = promauto.NewCounter(prometheus.CounterOpts{
		Name: "can_ingestion_frames_unknown_total", Help: "Frames dropped because the catalog has no entry for their id.",
	})
	DecodeFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "can_ingestion_decode_failures_total", Help: "Frames dropped because decoding failed.",
	})
	SourceReadErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "can_ingestion_source_read_errors_total", Help: "Read errors reported by producers.",
	}, []string{"source"})

	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "can_ingestion_queue_depth", Help: "Decoded messages waiting for the storage consumer.",
	})
	RowsWritten = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "can_ingestion_rows_written_total", Help: "Rows persisted per signal table.",
	}, []string{"table"})
	RowsLost = promauto.NewCounter(prometheus.CounterOpts{
		Name: "can_ingestion_rows_lost_total", Help: "Rows dropped after storage retries were exhausted.",
	})
	WriteRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "can_ingestion_write_retries_total", Help: "Batch writes retried after storage contention.",
	})
	StateChannelDrops = promauto.NewCounter(prometheus.CounterOpts{
		Name: "can_ingestion_state_channel_drops_total", Help: "Decoded messages not forwarded to the state writer because its channel was full.",
	})

	AlertsFired = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "can_ingestion_alerts_fired_total", Help: "Triggered alerts by rule kind.",
	}, []string{"kind"})
	AlertRuleErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "can_ingestion_alert_rule_errors_total", Help: "Rules skipped during evaluation because their definition could not be parsed.",
	})
	AlertRecordFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "can_ingestion_alert_record_failures_total", Help: "Triggered alerts that could not be persisted.",
	})

	DownsampleRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "can_ingestion_downsample_requests_total", Help: "Per-signal downsample requests by result.",
	}, []string{"result"})
)
