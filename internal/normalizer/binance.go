package normalizer

import (
	"bytes"
	"encoding/json"
	"strings"

	futures "github.com/adshao/go-binance/v2/futures"

	"liqflow/internal/models"
	"liqflow/internal/symbols"
)

const binanceFuturesWS = "wss://fstream.binance.com/ws"

// Binance handles the USDT-M futures forceOrder streams, both the per symbol
// <symbol>@forceOrder stream and the all-market !forceOrder@arr stream.
type Binance struct {
	symbol  string
	matcher symbols.Matcher
}

func NewBinance(symbol string) *Binance {
	return &Binance{symbol: strings.ToUpper(strings.TrimSpace(symbol)), matcher: symbols.NewMatcher(symbol)}
}

func (b *Binance) Name() string { return ProviderBinance }

func (b *Binance) DefaultURL() string {
	if b.symbol == "" {
		return binanceFuturesWS + "/!forceOrder@arr"
	}
	return binanceFuturesWS + "/" + strings.ToLower(b.symbol) + "@forceOrder"
}

// SubscribeFrames is empty: the stream name is part of the URL.
func (b *Binance) SubscribeFrames() []any { return nil }

// PingPayload is nil; the server pings and the websocket layer answers.
func (b *Binance) PingPayload() []byte { return nil }

// binanceEnvelope needs both "e" and "E": encoding/json matches keys case
// insensitively, so without Time the numeric "E" would land in Event.
type binanceEnvelope struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
	ID     *int64          `json:"id"`
	Event  string          `json:"e"`
	Time   int64           `json:"E"`
}

func (b *Binance) Normalize(raw []byte) ([]models.Event, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, malformed(ProviderBinance, "empty frame")
	}
	var c collector
	if err := b.normalizeValue(raw, &c, 0); err != nil {
		return nil, err
	}
	return c.result()
}

func (b *Binance) normalizeValue(raw json.RawMessage, c *collector, depth int) error {
	if depth > 2 {
		return malformed(ProviderBinance, "nested envelope too deep")
	}
	if len(raw) > 0 && raw[0] == '[' {
		items, err := splitArray(raw)
		if err != nil {
			return malformed(ProviderBinance, "decode array: %v", err)
		}
		for _, item := range items {
			if err := b.normalizeValue(item, c, depth+1); err != nil {
				c.fail(err)
			}
		}
		return nil
	}

	var env binanceEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return malformed(ProviderBinance, "decode envelope: %v", err)
	}
	switch {
	case env.ID != nil:
		// response to a SUBSCRIBE / LIST_SUBSCRIPTIONS request
		return nil
	case len(env.Data) > 0:
		return b.normalizeValue(bytes.TrimSpace(env.Data), c, depth+1)
	case env.Event == "":
		return malformed(ProviderBinance, "missing event type")
	case env.Event != "forceOrder":
		return nil
	}

	var evt futures.WsLiquidationOrderEvent
	if err := json.Unmarshal(raw, &evt); err != nil {
		return malformed(ProviderBinance, "decode forceOrder: %v", err)
	}
	order := evt.LiquidationOrder
	if !b.matcher.Match(ProviderBinance, order.Symbol) {
		return nil
	}

	side, ok := models.ParseSide(string(order.Side))
	if !ok {
		return malformed(ProviderBinance, "unknown side %q", order.Side)
	}
	avg, err := parseAmount(ProviderBinance, "ap", order.AvgPrice)
	if err != nil {
		return err
	}
	px, err := parseAmount(ProviderBinance, "p", order.Price)
	if err != nil {
		return err
	}
	filled, err := parseAmount(ProviderBinance, "z", order.AccumulatedFilledQty)
	if err != nil {
		return err
	}
	orig, err := parseAmount(ProviderBinance, "q", order.OrigQuantity)
	if err != nil {
		return err
	}

	ts := order.TradeTime
	if ts <= 0 {
		ts = evt.Time
	}
	c.add(ts, side, firstPositive(filled, orig), firstPositive(avg, px))
	return nil
}
