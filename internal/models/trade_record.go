package models

import (
	"encoding/json"
	"fmt"
)

// State is the lifecycle state of a tracked coin. Absence of a record means
// no position and no interest.
type State string

const (
	StateBuy    State = "BUY"    // buy signal received, order not yet confirmed
	StateBought State = "BOUGHT" // position held
	StateSell   State = "SELL"   // exit requested, order not yet confirmed
	StateSold   State = "SOLD"   // position closed, record kept for re-entry
)

// Trade is the persisted per-coin record driving the decision engine.
// It owns one rolling price window and one cost-basis result, plus the
// bookkeeping the tick algorithm needs: observed extrema, the stop-limit
// level, and the advisory lock and deletion flags.
type Trade struct {
	CoinName       string       `json:"coinName"`
	State          State        `json:"state"`
	Prices         PriceHistory `json:"prices"`
	Result         TradeResult  `json:"result"`
	TTL            int          `json:"ttl"`
	LowestPrice    float64      `json:"lowestPrice"`
	HighestPrice   float64      `json:"highestPrice"`
	BuyPrice       float64      `json:"buyPrice"`
	StopLimitPrice float64      `json:"stopLimitPrice"`
	HODL           bool         `json:"hodl"`
	Locked         bool         `json:"locked"`
	Deleted        bool         `json:"deleted"`
}

// NewTrade creates a fresh BUY-state record for a coin the bot wants to own.
func NewTrade(coinName string, symbol Symbol, windowSize int) *Trade {
	return &Trade{
		CoinName: coinName,
		State:    StateBuy,
		Prices:   NewPriceHistory(windowSize),
		Result:   NewTradeResult(symbol),
	}
}

// DecodeTrade rehydrates a persisted record, reconstructing the nested value
// types and restoring invariants the raw JSON cannot carry (window capacity,
// symbol normalization).
func DecodeTrade(data []byte) (*Trade, error) {
	var t Trade
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("failed to decode trade record: %w", err)
	}
	if t.CoinName == "" {
		return nil, fmt.Errorf("trade record has no coin name")
	}
	if t.Prices.Capacity < 2 {
		t.Prices.Capacity = DefaultPriceWindowSize
	}

	symbol, err := NewSymbol(t.Result.Symbol.QuantityAsset, t.Result.Symbol.PriceAsset)
	if err != nil {
		return nil, fmt.Errorf("trade record %s: %w", t.CoinName, err)
	}
	t.Result.Symbol = symbol

	return &t, nil
}

// Encode serializes the record for the store.
func (t *Trade) Encode() ([]byte, error) {
	return json.Marshal(t)
}

// PushPrice records the latest price and maintains the observed extrema.
func (t *Trade) PushPrice(price float64) {
	t.Prices.PushPrice(price)
	if price <= 0 {
		return
	}
	if t.LowestPrice == 0 || price < t.LowestPrice {
		t.LowestPrice = price
	}
	if price > t.HighestPrice {
		t.HighestPrice = price
	}
}

// CurrentPrice returns the most recent observed price.
func (t *Trade) CurrentPrice() float64 {
	return t.Prices.CurrentPrice()
}

// ProfitPercent is the unrealized profit of the open position relative to
// the entry price, in percent.
func (t *Trade) ProfitPercent() float64 {
	entry := t.Result.EntryPrice()
	if entry == 0 {
		return 0
	}
	return (t.CurrentPrice() - entry) / entry * 100
}

// StopLimitCrossedDown reports whether the price just crossed down through
// the stop-limit level.
func (t *Trade) StopLimitCrossedDown() bool {
	return t.Prices.CrossedDown(t.StopLimitPrice)
}

// ProfitLimitCrossedUp reports whether the price just crossed up through the
// profit-limit level derived from the entry price.
func (t *Trade) ProfitLimitCrossedUp(profitLimit float64) bool {
	return t.Prices.CrossedUp(t.Result.EntryPrice() * (1 + profitLimit))
}

// EntryPriceCrossedUp reports whether the price just crossed up through the
// entry price.
func (t *Trade) EntryPriceCrossedUp() bool {
	return t.Prices.CrossedUp(t.Result.EntryPrice())
}

// Bought marks the record as a confirmed position.
func (t *Trade) Bought() {
	t.State = StateBought
	t.TTL = 0
}

// Sold resets the record after a confirmed exit. The sold price and the
// paid/gained figures survive for re-entry math, and the price window is
// reseeded with the current price so later signals start from a clean
// baseline.
func (t *Trade) Sold(result TradeResult) {
	current := t.CurrentPrice()
	t.State = StateSold
	t.Result = result
	t.StopLimitPrice = 0
	t.BuyPrice = 0
	t.TTL = 0
	t.Prices.Reseed(current)
}

// ResetState infers the correct fallback state from actual holdings. It is
// used to roll back a failed exchange action without losing track of what
// the account really holds.
func (t *Trade) ResetState() {
	switch {
	case t.Result.Quantity > 0:
		t.State = StateBought
	case t.Result.SoldPrice > 0:
		t.State = StateSold
	default:
		t.Deleted = true
	}
}
