package symbols

import "strings"

// ToBinance converts a provider specific instrument name to the Binance
// USDT-M style used as the canonical symbol (uppercase, no separators,
// BTC instead of XBT, no 1000x multiplier prefixes).
func ToBinance(provider, sym string) string {
	sym = strings.ToUpper(strings.TrimSpace(sym))
	switch strings.ToLower(provider) {
	case "okx":
		sym = strings.TrimSuffix(sym, "-SWAP")
		sym = strings.ReplaceAll(sym, "-", "")
	case "kucoin":
		sym = strings.ReplaceAll(sym, "-", "")
		sym = strings.TrimSuffix(sym, "M")
	default:
		sym = strings.ReplaceAll(sym, "-", "")
		sym = strings.ReplaceAll(sym, "/", "")
	}
	if strings.HasPrefix(sym, "XBT") {
		sym = "BTC" + sym[3:]
	}
	switch sym {
	case "1000BONKUSDT":
		sym = "BONKUSDT"
	case "1000PEPEUSDT":
		sym = "PEPEUSDT"
	case "1000SHIBUSDT", "SHIB1000USDT":
		sym = "SHIBUSDT"
	}
	return sym
}

// Matcher reports whether a provider instrument refers to the configured
// symbol. An empty symbol matches everything.
type Matcher struct {
	want string
}

func NewMatcher(symbol string) Matcher {
	if strings.TrimSpace(symbol) == "" {
		return Matcher{}
	}
	return Matcher{want: ToBinance("binance", symbol)}
}

func (m Matcher) Match(provider, instrument string) bool {
	if m.want == "" {
		return true
	}
	return ToBinance(provider, instrument) == m.want
}

// Symbol returns the canonical symbol the matcher filters on.
func (m Matcher) Symbol() string { return m.want }
