package normalizer

import (
	"bytes"
	"encoding/json"

	"liqflow/internal/models"
	"liqflow/internal/symbols"
)

// History normalizes force-order records returned by the REST history
// endpoint so seeded events take the same path as live ones.
type History struct {
	matcher symbols.Matcher
}

func NewHistory(symbol string) *History {
	return &History{matcher: symbols.NewMatcher(symbol)}
}

func (h *History) Name() string { return SourceHistory }

// HistoryRecord is one force order as returned by the REST endpoint.
// Quantity covers sources that report a plain {quantity, price} pair.
type HistoryRecord struct {
	Symbol      string `json:"symbol"`
	Price       string `json:"price"`
	AvgPrice    string `json:"avgPrice"`
	AvgPriceAlt string `json:"averagePrice"`
	OrigQty     string `json:"origQty"`
	ExecutedQty string `json:"executedQty"`
	Quantity    string `json:"quantity"`
	Side        string `json:"side"`
	Time        int64  `json:"time"`
}

func (h *History) Normalize(raw []byte) ([]models.Event, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '[' {
		return nil, malformed(SourceHistory, "expected a JSON array of records")
	}
	var records []HistoryRecord
	if err := json.Unmarshal(raw, &records); err != nil {
		return nil, malformed(SourceHistory, "decode records: %v", err)
	}

	var c collector
	for _, rec := range records {
		if rec.Symbol != "" && !h.matcher.Match(ProviderBinance, rec.Symbol) {
			continue
		}
		side, ok := models.ParseSide(rec.Side)
		if !ok {
			c.fail(malformed(SourceHistory, "unknown side %q", rec.Side))
			continue
		}
		avg, err := parseAmount(SourceHistory, "avgPrice", rec.AvgPrice)
		if err != nil {
			c.fail(err)
			continue
		}
		avgAlt, err := parseAmount(SourceHistory, "averagePrice", rec.AvgPriceAlt)
		if err != nil {
			c.fail(err)
			continue
		}
		px, err := parseAmount(SourceHistory, "price", rec.Price)
		if err != nil {
			c.fail(err)
			continue
		}
		executed, err := parseAmount(SourceHistory, "executedQty", rec.ExecutedQty)
		if err != nil {
			c.fail(err)
			continue
		}
		orig, err := parseAmount(SourceHistory, "origQty", rec.OrigQty)
		if err != nil {
			c.fail(err)
			continue
		}
		qty, err := parseAmount(SourceHistory, "quantity", rec.Quantity)
		if err != nil {
			c.fail(err)
			continue
		}
		c.add(rec.Time, side, firstPositive(executed, orig, qty), firstPositive(avg, avgAlt, px))
	}
	return c.result()
}
