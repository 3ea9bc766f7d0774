package pricing

import "github.com/shopspring/decimal"

// fallbackPrices are approximate USD prices used when the provider is unreachable.
var fallbackPrices = map[string]decimal.Decimal{
	"BTCUSDT":   decimal.NewFromInt(90000),
	"ETHUSDT":   decimal.NewFromInt(3200),
	"BNBUSDT":   decimal.NewFromInt(600),
	"SOLUSDT":   decimal.NewFromInt(150),
	"XRPUSDT":   decimal.RequireFromString("0.6"),
	"ADAUSDT":   decimal.RequireFromString("0.45"),
	"DOGEUSDT":  decimal.RequireFromString("0.15"),
	"DOTUSDT":   decimal.NewFromInt(7),
	"MATICUSDT": decimal.RequireFromString("0.7"),
	"LTCUSDT":   decimal.NewFromInt(80),
	"AVAXUSDT":  decimal.NewFromInt(35),
	"LINKUSDT":  decimal.NewFromInt(15),
	"TRXUSDT":   decimal.RequireFromString("0.12"),
}

// defaultPrice is returned when a symbol has neither a live nor a fallback price.
// It keeps the resolver from failing and can silently mis-price unknown assets,
// which is why settlement refuses prices from this source.
var defaultPrice = decimal.NewFromInt(1)

// FallbackPrice looks a symbol up in the static table. USD-pegged quotes
// (USDC, BUSD, USD) share the USDT entry.
func FallbackPrice(p Pair) (decimal.Decimal, bool) {
	if price, ok := fallbackPrices[p.Symbol()]; ok {
		return price, true
	}
	if IsUSDQuote(p.Quote) {
		price, ok := fallbackPrices[p.Base+"USDT"]
		return price, ok
	}
	return decimal.Decimal{}, false
}
