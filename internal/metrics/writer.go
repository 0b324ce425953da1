package metrics

import "liqflow/logger"

// WriterStats holds counters of the archive writer.
type WriterStats struct {
	BatchesWritten int64
	RecordsWritten int64
	BytesWritten   int64
	ErrorsCount    int64
	Buffered       int
	ChannelLen     int
	ChannelCap     int
}

// ReportWriter emits writer metrics using the provided logger and component name.
func ReportWriter(log *logger.Log, component string, stats WriterStats) {
	errorRate := float64(0)
	if stats.BatchesWritten+stats.ErrorsCount > 0 {
		errorRate = float64(stats.ErrorsCount) / float64(stats.BatchesWritten+stats.ErrorsCount)
	}

	EmitMetric(log, component, "batches_written", stats.BatchesWritten, "counter", nil)
	EmitMetric(log, component, "records_written", stats.RecordsWritten, "counter", nil)
	EmitMetric(log, component, "bytes_written", stats.BytesWritten, "counter", logger.Fields{"unit": "bytes"})
	EmitMetric(log, component, "error_rate", errorRate, "gauge", logger.Fields{"unit": "percent"})

	entry := log.WithComponent(component).WithFields(logger.Fields{
		"batches_written": stats.BatchesWritten,
		"records_written": stats.RecordsWritten,
		"bytes_written":   stats.BytesWritten,
		"errors_count":    stats.ErrorsCount,
		"error_rate":      errorRate,
		"buffered":        stats.Buffered,
		"channel_len":     stats.ChannelLen,
		"channel_cap":     stats.ChannelCap,
	})

	if stats.ErrorsCount > 0 {
		entry.Warn(component + " metrics")
		return
	}
	entry.Info(component + " metrics")
}
