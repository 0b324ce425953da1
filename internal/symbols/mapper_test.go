package symbols

import "testing"

func TestToBinance(t *testing.T) {
	tests := []struct {
		provider string
		in       string
		want     string
	}{
		{"binance", "ETHUSDT", "ETHUSDT"},
		{"binance", "ethusdt", "ETHUSDT"},
		{"binance", "1000PEPEUSDT", "PEPEUSDT"},
		{"bybit", "SHIB1000USDT", "SHIBUSDT"},
		{"bybit", "1000BONKUSDT", "BONKUSDT"},
		{"okx", "ETH-USDT-SWAP", "ETHUSDT"},
		{"okx", "BTC-USDT", "BTCUSDT"},
		{"kucoin", "XBTUSDTM", "BTCUSDT"},
		{"history", "ETHUSDT", "ETHUSDT"},
	}
	for _, tt := range tests {
		if got := ToBinance(tt.provider, tt.in); got != tt.want {
			t.Errorf("ToBinance(%s,%s)=%s want %s", tt.provider, tt.in, got, tt.want)
		}
	}
}

func TestMatcher(t *testing.T) {
	m := NewMatcher("ethusdt")
	if !m.Match("okx", "ETH-USDT-SWAP") {
		t.Error("expected okx instrument to match")
	}
	if m.Match("binance", "BTCUSDT") {
		t.Error("unexpected match for other symbol")
	}
	if !NewMatcher("").Match("bybit", "ANYUSDT") {
		t.Error("empty matcher should match everything")
	}
}
