package models

import "gorm.io/gorm"

// TradeLog is a completed order written to the database. Rows with a
// non-zero Profit close a round trip and feed the realized-P/L statistics.
type TradeLog struct {
	gorm.Model
	Symbol        string  `json:"symbol"`
	Side          string  `json:"side"` // "BUY" or "SELL"
	Price         float64 `json:"price"`
	Quantity      float64 `json:"quantity"`
	QuoteQuantity float64 `json:"quote_quantity"`
	Commission    float64 `json:"commission"`
	Profit        float64 `json:"profit,omitempty"`
	Timestamp     int64   `json:"timestamp"`
	IsSimulation  bool    `json:"is_simulation"`
}
