package normalizer

import (
	"bytes"
	"encoding/json"
	"strings"

	"liqflow/internal/models"
	"liqflow/internal/symbols"
)

const bybitLinearWS = "wss://stream.bybit.com/v5/public/linear"

// Bybit handles the v5 allLiquidation.<SYMBOL> topic.
type Bybit struct {
	symbol  string
	matcher symbols.Matcher
}

func NewBybit(symbol string) *Bybit {
	return &Bybit{symbol: strings.ToUpper(strings.TrimSpace(symbol)), matcher: symbols.NewMatcher(symbol)}
}

func (b *Bybit) Name() string { return ProviderBybit }

func (b *Bybit) DefaultURL() string { return bybitLinearWS }

func (b *Bybit) SubscribeFrames() []any {
	return []any{map[string]any{
		"op":   "subscribe",
		"args": []string{"allLiquidation." + b.symbol},
	}}
}

func (b *Bybit) PingPayload() []byte { return []byte(`{"op":"ping"}`) }

type bybitFrame struct {
	Topic   string          `json:"topic"`
	Op      string          `json:"op"`
	Success *bool           `json:"success"`
	RetMsg  string          `json:"ret_msg"`
	Ts      int64           `json:"ts"`
	Data    json.RawMessage `json:"data"`
}

type bybitLiquidation struct {
	Time   int64  `json:"T"`
	Symbol string `json:"s"`
	Side   string `json:"S"`
	Size   string `json:"v"`
	Price  string `json:"p"`
}

func (b *Bybit) Normalize(raw []byte) ([]models.Event, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, malformed(ProviderBybit, "empty frame")
	}
	var frame bybitFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return nil, malformed(ProviderBybit, "decode frame: %v", err)
	}
	if frame.Op != "" {
		if frame.Success != nil && !*frame.Success {
			return nil, malformed(ProviderBybit, "%s rejected: %s", frame.Op, frame.RetMsg)
		}
		return nil, nil
	}
	if frame.Topic == "" {
		return nil, malformed(ProviderBybit, "missing topic")
	}
	if !strings.HasPrefix(frame.Topic, "allLiquidation.") {
		return nil, nil
	}

	items, err := splitArray(frame.Data)
	if err != nil {
		return nil, malformed(ProviderBybit, "decode data: %v", err)
	}

	var c collector
	for _, item := range items {
		var liq bybitLiquidation
		if err := json.Unmarshal(item, &liq); err != nil {
			c.fail(malformed(ProviderBybit, "decode entry: %v", err))
			continue
		}
		if !b.matcher.Match(ProviderBybit, liq.Symbol) {
			continue
		}
		// S is the liquidated position side: Buy means a long was closed,
		// which is a forced SELL order.
		posSide, ok := models.ParseSide(liq.Side)
		if !ok {
			c.fail(malformed(ProviderBybit, "unknown side %q", liq.Side))
			continue
		}
		size, err := parseAmount(ProviderBybit, "v", liq.Size)
		if err != nil {
			c.fail(err)
			continue
		}
		price, err := parseAmount(ProviderBybit, "p", liq.Price)
		if err != nil {
			c.fail(err)
			continue
		}
		ts := liq.Time
		if ts <= 0 {
			ts = frame.Ts
		}
		c.add(ts, posSide.Opposite(), size, price)
	}
	return c.result()
}
