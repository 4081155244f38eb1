package models

import (
	"fmt"
	"strings"
)

// Symbol is an immutable trading pair of a quantity asset priced in a price asset,
// e.g. BTC priced in USDT. Identity is the concatenation of both assets.
type Symbol struct {
	QuantityAsset string `json:"quantityAsset"`
	PriceAsset    string `json:"priceAsset"`
}

// NewSymbol builds a case-normalized symbol. Both assets must be non-empty.
func NewSymbol(quantityAsset, priceAsset string) (Symbol, error) {
	quantityAsset = strings.ToUpper(strings.TrimSpace(quantityAsset))
	priceAsset = strings.ToUpper(strings.TrimSpace(priceAsset))

	if quantityAsset == "" || priceAsset == "" {
		return Symbol{}, fmt.Errorf("invalid symbol: quantityAsset=%q priceAsset=%q", quantityAsset, priceAsset)
	}

	return Symbol{QuantityAsset: quantityAsset, PriceAsset: priceAsset}, nil
}

// String returns the exchange ticker form, e.g. "BTCUSDT".
func (s Symbol) String() string {
	return s.QuantityAsset + s.PriceAsset
}

// Equals reports whether two symbols denote the same pair.
func (s Symbol) Equals(other Symbol) bool {
	return s.String() == other.String()
}
