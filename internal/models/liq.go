package models

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ErrInvalidEvent is returned when normalized fields violate the event
// invariants (positive size, price and timestamp, known side).
var ErrInvalidEvent = errors.New("invalid liquidation event")

// Side is the side of the forced order. A SELL liquidation closes a long
// position, a BUY liquidation closes a short.
type Side uint8

const (
	SideUnknown Side = iota
	SideBuy
	SideSell
)

func (s Side) String() string {
	switch s {
	case SideBuy:
		return "BUY"
	case SideSell:
		return "SELL"
	default:
		return "UNKNOWN"
	}
}

// ParseSide accepts the casings used by the supported feeds ("Buy", "BUY", "buy").
func ParseSide(v string) (Side, bool) {
	switch strings.ToUpper(strings.TrimSpace(v)) {
	case "BUY":
		return SideBuy, true
	case "SELL":
		return SideSell, true
	default:
		return SideUnknown, false
	}
}

// Opposite returns the other side; unknown stays unknown.
func (s Side) Opposite() Side {
	switch s {
	case SideBuy:
		return SideSell
	case SideSell:
		return SideBuy
	default:
		return SideUnknown
	}
}

// Event is the canonical liquidation record. It is built once by NewEvent and
// never mutated afterwards; the zero value is not a valid event.
type Event struct {
	timestampMs int64
	side        Side
	size        decimal.Decimal
	price       decimal.Decimal
	notional    decimal.Decimal
}

// NewEvent validates the fields and derives the notional value.
func NewEvent(timestampMs int64, side Side, size, price decimal.Decimal) (Event, error) {
	if timestampMs <= 0 {
		return Event{}, fmt.Errorf("%w: timestamp %d must be positive", ErrInvalidEvent, timestampMs)
	}
	if side != SideBuy && side != SideSell {
		return Event{}, fmt.Errorf("%w: unknown side", ErrInvalidEvent)
	}
	if !size.IsPositive() {
		return Event{}, fmt.Errorf("%w: size %s must be positive", ErrInvalidEvent, size)
	}
	if !price.IsPositive() {
		return Event{}, fmt.Errorf("%w: price %s must be positive", ErrInvalidEvent, price)
	}
	return Event{
		timestampMs: timestampMs,
		side:        side,
		size:        size,
		price:       price,
		notional:    size.Mul(price),
	}, nil
}

func (e Event) TimestampMs() int64 { return e.timestampMs }

func (e Event) Time() time.Time { return time.UnixMilli(e.timestampMs).UTC() }

func (e Event) Side() Side { return e.side }

func (e Event) Size() decimal.Decimal { return e.size }

func (e Event) Price() decimal.Decimal { return e.price }

// NotionalUsd is size × price as computed at normalization time.
func (e Event) NotionalUsd() decimal.Decimal { return e.notional }

// Valid reports whether the event was produced by NewEvent.
func (e Event) Valid() bool {
	return e.timestampMs > 0 && e.side != SideUnknown && e.size.IsPositive() && e.price.IsPositive()
}

// RawLiquidationMessage carries one undecoded frame from a feed or history
// reader to the ingestion task. Source selects the adapter.
type RawLiquidationMessage struct {
	Source     string
	Symbol     string
	Data       []byte
	ReceivedAt time.Time
}

// ArchivedLiquidation is an accepted event enriched with the routing metadata
// needed by the archive writer.
type ArchivedLiquidation struct {
	Source     string
	Symbol     string
	Event      Event
	ReceivedAt time.Time
}
