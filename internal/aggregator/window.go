// Package aggregator sums liquidation notional over half-open time windows of
// a ledger snapshot.
package aggregator

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"liqflow/internal/ledger"
	"liqflow/internal/models"
)

// outputPlaces is the number of fractional digits kept in a Result.
const outputPlaces = 2

type Result struct {
	FromMs            int64
	ToMs              int64
	TotalUsd          decimal.Decimal
	BuyUsd            decimal.Decimal
	SellUsd           decimal.Decimal
	Count             int
	BuyCount          int
	SellCount         int
	InvalidRange      bool
	RetentionExceeded bool
}

// Query sums the events with fromMs <= ts < toMs. Accumulation is exact and
// rounding to cents happens once, on the returned totals. An inverted or empty
// range yields a zeroed result flagged InvalidRange. A range starting before
// the snapshot's horizon is computed over what is retained and flagged
// RetentionExceeded.
func Query(s ledger.Snapshot, fromMs, toMs int64) Result {
	res := Result{
		FromMs:   fromMs,
		ToMs:     toMs,
		TotalUsd: decimal.Zero,
		BuyUsd:   decimal.Zero,
		SellUsd:  decimal.Zero,
	}
	if fromMs >= toMs {
		res.InvalidRange = true
		return res
	}
	res.RetentionExceeded = fromMs < s.HorizonStartMs()

	buy, sell := decimal.Zero, decimal.Zero
	s.Range(func(e models.Event) bool {
		ts := e.TimestampMs()
		if ts < fromMs || ts >= toMs {
			return true
		}
		switch e.Side() {
		case models.SideBuy:
			buy = buy.Add(e.NotionalUsd())
			res.BuyCount++
		case models.SideSell:
			sell = sell.Add(e.NotionalUsd())
			res.SellCount++
		}
		return true
	})

	res.Count = res.BuyCount + res.SellCount
	res.TotalUsd = buy.Add(sell).Round(outputPlaces)
	res.BuyUsd = buy.Round(outputPlaces)
	res.SellUsd = sell.Round(outputPlaces)
	return res
}

func (r Result) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		FromMs            int64  `json:"fromMs"`
		ToMs              int64  `json:"toMs"`
		TotalUsd          string `json:"totalUsd"`
		BuyUsd            string `json:"buyUsd"`
		SellUsd           string `json:"sellUsd"`
		Count             int    `json:"count"`
		BuyCount          int    `json:"buyCount"`
		SellCount         int    `json:"sellCount"`
		InvalidRange      bool   `json:"invalidRange,omitempty"`
		RetentionExceeded bool   `json:"retentionExceeded,omitempty"`
	}{
		FromMs:            r.FromMs,
		ToMs:              r.ToMs,
		TotalUsd:          r.TotalUsd.StringFixed(outputPlaces),
		BuyUsd:            r.BuyUsd.StringFixed(outputPlaces),
		SellUsd:           r.SellUsd.StringFixed(outputPlaces),
		Count:             r.Count,
		BuyCount:          r.BuyCount,
		SellCount:         r.SellCount,
		InvalidRange:      r.InvalidRange,
		RetentionExceeded: r.RetentionExceeded,
	})
}

// Source is anything that can hand out ledger snapshots.
type Source interface {
	Snapshot() ledger.Snapshot
}

type Aggregator struct {
	source Source
}

func New(source Source) *Aggregator {
	return &Aggregator{source: source}
}

// Query runs Query against a fresh snapshot of the source.
func (a *Aggregator) Query(fromMs, toMs int64) Result {
	return Query(a.source.Snapshot(), fromMs, toMs)
}

// Window is a named rolling window ending at the query time.
type Window struct {
	Name string
	Span time.Duration
}

// DefaultWindows are the rolling windows reported for a symbol.
var DefaultWindows = []Window{
	{Name: "15m", Span: 15 * time.Minute},
	{Name: "1h", Span: time.Hour},
	{Name: "4h", Span: 4 * time.Hour},
	{Name: "24h", Span: 24 * time.Hour},
}

type WindowResult struct {
	Window string `json:"window"`
	Result Result `json:"result"`
}

// Windows computes [nowMs-span, nowMs) for each window from a single
// snapshot, so the results are consistent with each other. Nil windows means
// DefaultWindows.
func (a *Aggregator) Windows(nowMs int64, windows []Window) []WindowResult {
	if windows == nil {
		windows = DefaultWindows
	}
	s := a.source.Snapshot()
	out := make([]WindowResult, 0, len(windows))
	for _, w := range windows {
		out = append(out, WindowResult{
			Window: w.Name,
			Result: Query(s, nowMs-w.Span.Milliseconds(), nowMs),
		})
	}
	return out
}
