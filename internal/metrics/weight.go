package metrics

import (
	"net/http"
	"strconv"

	"liqflow/logger"
)

// ReportUsedWeight inspects Binance used-weight headers and emits a gauge when
// a numeric value is found. It returns the parsed weight and whether a metric
// was recorded.
func ReportUsedWeight(log *logger.Log, header http.Header, component, symbol string) (float64, bool) {
	if log == nil || header == nil {
		return 0, false
	}

	headers := []struct {
		key    string
		window string
	}{
		{"X-MBX-USED-WEIGHT-1M", "1m"},
		{"X-MBX-USED-WEIGHT", "1m"},
		{"X-MBX-USED-WEIGHT-1S", "1s"},
	}

	for _, h := range headers {
		value := header.Get(h.key)
		if value == "" {
			continue
		}

		used, err := strconv.ParseFloat(value, 64)
		if err != nil {
			log.WithComponent(component).WithFields(logger.Fields{
				"symbol": symbol,
				"header": h.key,
				"value":  value,
			}).WithError(err).Debug("failed to parse used weight header")
			continue
		}

		EmitMetric(log, component, "used_weight", used, "gauge", logger.Fields{
			"exchange": "binance",
			"symbol":   symbol,
			"window":   h.window,
		})
		return used, true
	}

	return 0, false
}
