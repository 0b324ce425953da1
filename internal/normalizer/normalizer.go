// Package normalizer maps provider specific liquidation frames to the
// canonical models.Event. Provider payload shapes never leave this package.
package normalizer

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"liqflow/internal/models"
)

// ErrMalformedMessage marks a frame that could not be decoded into the
// provider's expected structure.
var ErrMalformedMessage = errors.New("malformed feed message")

const (
	ProviderBinance = "binance"
	ProviderBybit   = "bybit"
	ProviderOKX     = "okx"
	SourceHistory   = "history"
)

// Adapter turns one raw frame into zero or more events. Implementations are
// stateless; a single call may return valid events together with an error
// describing the entries it had to skip.
type Adapter interface {
	Name() string
	Normalize(raw []byte) ([]models.Event, error)
}

// Stream is an Adapter for a push feed, carrying what the connection needs
// to open and keep alive a subscription.
type Stream interface {
	Adapter
	DefaultURL() string
	// SubscribeFrames are written as JSON right after the handshake.
	SubscribeFrames() []any
	// PingPayload is sent as a text frame on every ping tick. Nil means a
	// websocket control ping.
	PingPayload() []byte
}

// Options tune provider specific conversions.
type Options struct {
	// ContractSize converts OKX contract counts to base units.
	ContractSize decimal.Decimal
}

// NewStream selects the push feed adapter for provider.
func NewStream(provider, symbol string, opts Options) (Stream, error) {
	switch strings.ToLower(strings.TrimSpace(provider)) {
	case ProviderBinance:
		return NewBinance(symbol), nil
	case ProviderBybit:
		return NewBybit(symbol), nil
	case ProviderOKX:
		return NewOKX(symbol, opts.ContractSize), nil
	default:
		return nil, fmt.Errorf("unsupported feed provider %q", provider)
	}
}

// NewAdapter resolves an adapter by message source, including the REST
// history source that has no push stream.
func NewAdapter(source, symbol string, opts Options) (Adapter, error) {
	if strings.EqualFold(source, SourceHistory) {
		return NewHistory(symbol), nil
	}
	return NewStream(source, symbol, opts)
}

func malformed(provider, format string, args ...any) error {
	return fmt.Errorf("%w: %s: %s", ErrMalformedMessage, provider, fmt.Sprintf(format, args...))
}

// parseAmount parses a decimal string. Empty input yields zero so that
// callers can fall back to alternative fields.
func parseAmount(provider, field, v string) (decimal.Decimal, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		return decimal.Zero, malformed(provider, "field %s=%q is not a number", field, v)
	}
	return d, nil
}

func parseMillis(provider, field, v string) (int64, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, nil
	}
	ts, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, malformed(provider, "field %s=%q is not an integer", field, v)
	}
	return ts, nil
}

func firstPositive(values ...decimal.Decimal) decimal.Decimal {
	for _, v := range values {
		if v.IsPositive() {
			return v
		}
	}
	if len(values) == 0 {
		return decimal.Zero
	}
	return values[len(values)-1]
}

// splitArray returns the elements of a JSON array, or the value itself when
// it is an object.
func splitArray(raw json.RawMessage) ([]json.RawMessage, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}
	if raw[0] == '[' {
		var items []json.RawMessage
		if err := json.Unmarshal(raw, &items); err != nil {
			return nil, err
		}
		return items, nil
	}
	return []json.RawMessage{raw}, nil
}

// collector accumulates the events of one frame and the errors of the
// entries that were skipped.
type collector struct {
	events []models.Event
	errs   []error
}

func (c *collector) add(ts int64, side models.Side, size, price decimal.Decimal) {
	evt, err := models.NewEvent(ts, side, size, price)
	if err != nil {
		c.errs = append(c.errs, err)
		return
	}
	c.events = append(c.events, evt)
}

func (c *collector) fail(err error) {
	c.errs = append(c.errs, err)
}

func (c *collector) result() ([]models.Event, error) {
	return c.events, errors.Join(c.errs...)
}
