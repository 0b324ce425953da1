package models

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
)

func TestNewEventDerivesNotional(t *testing.T) {
	e, err := NewEvent(1000, SideBuy, decimal.RequireFromString("0.5"), decimal.RequireFromString("200"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !e.NotionalUsd().Equal(decimal.NewFromInt(100)) {
		t.Fatalf("expected notional 100, got %s", e.NotionalUsd())
	}
	if !e.Valid() {
		t.Fatal("expected event to be valid")
	}
}

func TestNewEventRejectsInvariantViolations(t *testing.T) {
	one := decimal.NewFromInt(1)
	cases := []struct {
		name  string
		ts    int64
		side  Side
		size  decimal.Decimal
		price decimal.Decimal
	}{
		{"zero timestamp", 0, SideBuy, one, one},
		{"negative timestamp", -5, SideSell, one, one},
		{"unknown side", 1, SideUnknown, one, one},
		{"zero size", 1, SideBuy, decimal.Zero, one},
		{"negative size", 1, SideBuy, decimal.NewFromInt(-1), one},
		{"zero price", 1, SideSell, one, decimal.Zero},
	}
	for _, c := range cases {
		if _, err := NewEvent(c.ts, c.side, c.size, c.price); !errors.Is(err, ErrInvalidEvent) {
			t.Errorf("%s: expected ErrInvalidEvent, got %v", c.name, err)
		}
	}
}

func TestZeroEventIsInvalid(t *testing.T) {
	if (Event{}).Valid() {
		t.Fatal("zero event must not be valid")
	}
}

func TestParseSide(t *testing.T) {
	cases := map[string]Side{
		"Buy":  SideBuy,
		"BUY":  SideBuy,
		"buy":  SideBuy,
		"Sell": SideSell,
		"SELL": SideSell,
		"sell": SideSell,
	}
	for in, want := range cases {
		got, ok := ParseSide(in)
		if !ok || got != want {
			t.Errorf("ParseSide(%q) = %v,%v want %v", in, got, ok, want)
		}
	}
	if _, ok := ParseSide("long"); ok {
		t.Error("expected unknown side to fail")
	}
	if SideBuy.Opposite() != SideSell || SideSell.Opposite() != SideBuy {
		t.Error("unexpected opposite side")
	}
}
