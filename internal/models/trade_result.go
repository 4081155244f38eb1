package models

import "fmt"

// TradeResult is the cost basis and outcome of one exchange interaction.
// Confirmed is true only when the exchange acknowledged the fill; business
// rejections come back as unconfirmed results carrying the rejection message.
type TradeResult struct {
	Symbol     Symbol  `json:"symbol"`
	Quantity   float64 `json:"quantity"`
	Cost       float64 `json:"cost"`
	Paid       float64 `json:"paid"`
	Gained     float64 `json:"gained"`
	SoldPrice  float64 `json:"soldPrice"`
	Commission float64 `json:"commission"`
	Msg        string  `json:"msg,omitempty"`
	Confirmed  bool    `json:"confirmed"`
}

// NewTradeResult creates an empty result for the given symbol.
func NewTradeResult(symbol Symbol) TradeResult {
	return TradeResult{Symbol: symbol}
}

// FailedTradeResult is the sentinel returned for business rejections.
func FailedTradeResult(symbol Symbol, msg string) TradeResult {
	return TradeResult{Symbol: symbol, Msg: msg, Confirmed: false}
}

// AvgPrice is the average entry price of the held quantity.
func (t *TradeResult) AvgPrice() float64 {
	if t.Quantity == 0 {
		return 0
	}
	return t.Cost / t.Quantity
}

// EntryPrice returns the effective entry price. Once the position is fully
// sold the quantity is 0, so the entry is back-computed from the sold price
// and the realized gain/paid ratio.
func (t *TradeResult) EntryPrice() float64 {
	if t.Quantity > 0 {
		return t.AvgPrice()
	}
	if t.Gained > 0 {
		return t.SoldPrice * t.Paid / t.Gained
	}
	return t.SoldPrice
}

// Profit is the realized profit of a completed round trip.
func (t *TradeResult) Profit() float64 {
	return t.Gained - t.Paid
}

// AddQuantity merges an additional fill into the cost basis. Quantity
// summation preserves decimal precision so the merged amount stays sellable.
func (t *TradeResult) AddQuantity(quantity, cost float64) {
	t.Quantity = SumWithPrecision(t.Quantity, quantity)
	t.Cost += cost
	t.Paid = t.Cost
}

// Join merges another result into this one as a weighted average of the cost
// basis. Results for different symbols or with different confirmation states
// cannot be merged.
func (t *TradeResult) Join(other TradeResult) (TradeResult, error) {
	if !t.Symbol.Equals(other.Symbol) {
		return TradeResult{}, fmt.Errorf("cannot join trade results: %s != %s", t.Symbol, other.Symbol)
	}
	if t.Confirmed != other.Confirmed {
		return TradeResult{}, fmt.Errorf("cannot join confirmed and unconfirmed results for %s", t.Symbol)
	}

	joined := *t
	joined.Commission += other.Commission
	joined.AddQuantity(other.Quantity, other.Cost)
	return joined, nil
}
