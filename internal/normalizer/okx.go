package normalizer

import (
	"bytes"
	"encoding/json"

	"github.com/shopspring/decimal"

	"liqflow/internal/models"
	"liqflow/internal/symbols"
)

const okxPublicWS = "wss://ws.okx.com:8443/ws/v5/public"

// OKX handles the liquidation-orders channel for SWAP instruments. The
// channel carries every instrument, so entries are filtered by symbol.
type OKX struct {
	matcher      symbols.Matcher
	contractSize decimal.Decimal
}

// NewOKX builds the adapter; contractSize converts contract counts to base
// units and defaults to 1.
func NewOKX(symbol string, contractSize decimal.Decimal) *OKX {
	if !contractSize.IsPositive() {
		contractSize = decimal.NewFromInt(1)
	}
	return &OKX{matcher: symbols.NewMatcher(symbol), contractSize: contractSize}
}

func (o *OKX) Name() string { return ProviderOKX }

func (o *OKX) DefaultURL() string { return okxPublicWS }

func (o *OKX) SubscribeFrames() []any {
	return []any{map[string]any{
		"op": "subscribe",
		"args": []map[string]string{{
			"channel":  "liquidation-orders",
			"instType": "SWAP",
		}},
	}}
}

func (o *OKX) PingPayload() []byte { return []byte("ping") }

type okxFrame struct {
	Event string `json:"event"`
	Code  string `json:"code"`
	Msg   string `json:"msg"`
	Arg   struct {
		Channel  string `json:"channel"`
		InstType string `json:"instType"`
	} `json:"arg"`
	Data []okxInstrument `json:"data"`
}

type okxInstrument struct {
	InstID  string      `json:"instId"`
	Details []okxDetail `json:"details"`
}

type okxDetail struct {
	Side string `json:"side"`
	Size string `json:"sz"`
	BkPx string `json:"bkPx"`
	Ts   string `json:"ts"`
}

func (o *OKX) Normalize(raw []byte) ([]models.Event, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, malformed(ProviderOKX, "empty frame")
	}
	if bytes.Equal(raw, []byte("pong")) {
		return nil, nil
	}
	var frame okxFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return nil, malformed(ProviderOKX, "decode frame: %v", err)
	}
	switch frame.Event {
	case "":
	case "error":
		return nil, malformed(ProviderOKX, "error event %s: %s", frame.Code, frame.Msg)
	default:
		// subscribe acks and notices
		return nil, nil
	}
	if frame.Arg.Channel == "" {
		return nil, malformed(ProviderOKX, "missing channel")
	}
	if frame.Arg.Channel != "liquidation-orders" {
		return nil, nil
	}

	var c collector
	for _, inst := range frame.Data {
		if !o.matcher.Match(ProviderOKX, inst.InstID) {
			continue
		}
		for _, d := range inst.Details {
			side, ok := models.ParseSide(d.Side)
			if !ok {
				c.fail(malformed(ProviderOKX, "unknown side %q", d.Side))
				continue
			}
			contracts, err := parseAmount(ProviderOKX, "sz", d.Size)
			if err != nil {
				c.fail(err)
				continue
			}
			price, err := parseAmount(ProviderOKX, "bkPx", d.BkPx)
			if err != nil {
				c.fail(err)
				continue
			}
			ts, err := parseMillis(ProviderOKX, "ts", d.Ts)
			if err != nil {
				c.fail(err)
				continue
			}
			c.add(ts, side, contracts.Mul(o.contractSize), price)
		}
	}
	return c.result()
}
