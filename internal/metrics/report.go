package metrics

import (
	"context"
	"runtime"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"liqflow/logger"
)

// Gauge is one numeric value published with the runtime report.
type Gauge struct {
	Name  string
	Value float64
	Unit  cwtypes.StandardUnit
	Dims  map[string]string
}

// ReportSource contributes log fields and gauges to every report.
type ReportSource func() (logger.Fields, []Gauge)

// StartReport logs host statistics plus whatever the sources contribute every
// interval until ctx is cancelled.
func StartReport(ctx context.Context, log *logger.Log, interval time.Duration, sources ...ReportSource) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				logReport(ctx, log, sources)
			}
		}
	}()
}

func hostGauges() []Gauge {
	cpuPct := 0.0
	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		cpuPct = pct[0]
	}
	memMB := 0.0
	if vm, err := mem.VirtualMemory(); err == nil {
		memMB = float64(vm.Used) / 1024 / 1024
	}
	return []Gauge{
		{Name: "cpu_percent", Value: cpuPct, Unit: cwtypes.StandardUnitPercent},
		{Name: "memory_mb", Value: memMB, Unit: cwtypes.StandardUnitMegabytes},
		{Name: "goroutines", Value: float64(runtime.NumGoroutine()), Unit: cwtypes.StandardUnitCount},
	}
}

// collectReport merges host gauges with the sources' output.
func collectReport(sources []ReportSource) (logger.Fields, []Gauge) {
	fields := logger.Fields{}
	gauges := hostGauges()
	for _, g := range gauges {
		fields[g.Name] = g.Value
	}

	counts := make(map[string]map[string]int64)
	for _, c := range logger.Counts() {
		counts[c.Component] = map[string]int64{"warns": c.Warns, "errors": c.Errors}
	}
	fields["log_counts"] = counts

	for _, src := range sources {
		if src == nil {
			continue
		}
		f, g := src()
		for k, v := range f {
			fields[k] = v
		}
		gauges = append(gauges, g...)
	}
	return fields, gauges
}

func logReport(ctx context.Context, log *logger.Log, sources []ReportSource) {
	fields, gauges := collectReport(sources)
	log.WithComponent("report").WithFields(fields).Info("runtime report")

	now := timeNow()
	data := make([]cwtypes.MetricDatum, 0, len(gauges))
	for _, g := range gauges {
		dims := []cwtypes.Dimension{{Name: aws.String("component"), Value: aws.String("report")}}
		for k, v := range g.Dims {
			dims = append(dims, cwtypes.Dimension{Name: aws.String(k), Value: aws.String(v)})
		}
		unit := g.Unit
		if unit == "" {
			unit = cwtypes.StandardUnitNone
		}
		data = append(data, cwtypes.MetricDatum{
			MetricName: aws.String(g.Name),
			Dimensions: dims,
			Unit:       unit,
			Timestamp:  aws.Time(now),
			Value:      aws.Float64(g.Value),
		})
	}
	// PutMetricData accepts at most 1000 datums per call.
	for len(data) > 0 {
		n := len(data)
		if n > 1000 {
			n = 1000
		}
		publishBatch(ctx, data[:n])
		data = data[n:]
	}
}
