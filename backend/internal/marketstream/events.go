package marketstream

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// TradeStream names the raw trade stream of symbol, e.g. "btcusdt@trade".
func TradeStream(symbol string) string {
	return strings.ToLower(symbol) + "@trade"
}

// MiniTickerStream names the 24h rolling mini-ticker stream of symbol.
func MiniTickerStream(symbol string) string {
	return strings.ToLower(symbol) + "@miniTicker"
}

// DepthStream names the partial book depth stream of symbol with levels 5, 10 or 20.
func DepthStream(symbol string, levels int) string {
	return fmt.Sprintf("%s@depth%d", strings.ToLower(symbol), levels)
}

// TradeEvent is a single executed trade.
type TradeEvent struct {
	EventType  string          `json:"e"`
	EventTime  int64           `json:"E"`
	Symbol     string          `json:"s"`
	TradeID    int64           `json:"t"`
	Price      decimal.Decimal `json:"p"`
	Quantity   decimal.Decimal `json:"q"`
	TradeTime  int64           `json:"T"`
	BuyerMaker bool            `json:"m"`
	// Ignored upstream; declared so "M" does not case-fold onto BuyerMaker.
	Ignore bool `json:"M"`
}

// MiniTickerEvent is a rolling 24h summary of a symbol.
type MiniTickerEvent struct {
	EventType   string          `json:"e"`
	EventTime   int64           `json:"E"`
	Symbol      string          `json:"s"`
	Close       decimal.Decimal `json:"c"`
	Open        decimal.Decimal `json:"o"`
	High        decimal.Decimal `json:"h"`
	Low         decimal.Decimal `json:"l"`
	Volume      decimal.Decimal `json:"v"`
	QuoteVolume decimal.Decimal `json:"q"`
}

// Level is one price level of a depth snapshot: price then quantity.
type Level [2]decimal.Decimal

func (l Level) Price() decimal.Decimal    { return l[0] }
func (l Level) Quantity() decimal.Decimal { return l[1] }

// DepthEvent is a partial order book snapshot.
type DepthEvent struct {
	LastUpdateID int64   `json:"lastUpdateId"`
	Bids         []Level `json:"bids"`
	Asks         []Level `json:"asks"`
}

func DecodeTrade(data json.RawMessage) (TradeEvent, error) {
	var ev TradeEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return TradeEvent{}, fmt.Errorf("decode trade event: %w", err)
	}
	return ev, nil
}

func DecodeMiniTicker(data json.RawMessage) (MiniTickerEvent, error) {
	var ev MiniTickerEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return MiniTickerEvent{}, fmt.Errorf("decode mini ticker event: %w", err)
	}
	return ev, nil
}

func DecodeDepth(data json.RawMessage) (DepthEvent, error) {
	var ev DepthEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return DepthEvent{}, fmt.Errorf("decode depth event: %w", err)
	}
	return ev, nil
}
