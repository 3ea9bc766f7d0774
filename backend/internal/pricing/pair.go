package pricing

import (
	"strings"

	"github.com/user/spotexchange/backend/internal/apperr"
)

// Pair is a trading pair split into base and quote assets.
type Pair struct {
	Base  string `json:"base"`
	Quote string `json:"quote"`
}

// Symbol is the normalized concatenated form, e.g. "BTCUSDT".
func (p Pair) Symbol() string {
	return p.Base + p.Quote
}

func (p Pair) String() string {
	return p.Base + "/" + p.Quote
}

// knownQuotes is ordered longest first so "USDT" wins over "USD".
var knownQuotes = []string{"USDT", "BUSD", "USDC", "BTC", "ETH", "BNB", "USD"}

// usdQuotes are treated as one US dollar.
var usdQuotes = map[string]bool{"USD": true, "USDT": true, "USDC": true, "BUSD": true}

// IsUSDQuote reports whether the asset is priced at parity with the dollar.
func IsUSDQuote(asset string) bool {
	return usdQuotes[asset]
}

// ParsePair splits a symbol such as "BTCUSDT", "btc/usdt" or "ETH-BTC" into base and quote.
func ParsePair(symbol string) (Pair, error) {
	raw := strings.ToUpper(strings.TrimSpace(symbol))

	if parts := strings.FieldsFunc(raw, isSeparator); len(parts) == 2 {
		base, quote := clean(parts[0]), clean(parts[1])
		if base != "" && quote != "" && base != quote {
			return Pair{Base: base, Quote: quote}, nil
		}
		return Pair{}, apperr.UnparsablePair(symbol)
	}

	s := clean(raw)
	if len(s) < 3 {
		return Pair{}, apperr.UnparsablePair(symbol)
	}
	for _, q := range knownQuotes {
		if strings.HasSuffix(s, q) {
			if base := strings.TrimSuffix(s, q); base != "" && base != q {
				return Pair{Base: base, Quote: q}, nil
			}
		}
	}
	if len(s) > 4 {
		if base, quote := s[:len(s)-4], s[len(s)-4:]; base != quote {
			return Pair{Base: base, Quote: quote}, nil
		}
	}
	return Pair{}, apperr.UnparsablePair(symbol)
}

func isSeparator(r rune) bool {
	return r == '/' || r == '-' || r == '_'
}

func clean(s string) string {
	var b strings.Builder
	for _, r := range s {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}
