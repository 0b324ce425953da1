package metrics

import "liqflow/logger"

// PressureMetric names the metric emitted when a channel hand-off could not
// complete immediately.
type PressureMetric string

const (
	// PressureRawWait records a feed frame that had to wait for space in the
	// raw channel. Raw frames are never dropped.
	PressureRawWait PressureMetric = "raw_channel_waits"
	// PressureArchiveDrop records an accepted event that was not archived
	// because the archive channel was full.
	PressureArchiveDrop PressureMetric = "archive_messages_dropped"
)

// EmitPressureMetric emits a single occurrence of metric. Empty metadata is
// left out of the fields so CloudWatch dimensions stay stable.
func EmitPressureMetric(log *logger.Log, metric PressureMetric, source, symbol, stage string) {
	fields := logger.Fields{}
	if source != "" {
		fields["source"] = source
	}
	if symbol != "" {
		fields["symbol"] = symbol
	}
	if stage != "" {
		fields["stage"] = stage
	}

	EmitMetric(log, "channel_backpressure", string(metric), 1, "counter", fields)
}
