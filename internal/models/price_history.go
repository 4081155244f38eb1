package models

import "math"

// PriceMove is a 5-level momentum classification of a rolling price window.
type PriceMove int

const (
	StrongDown PriceMove = iota
	Down
	Neutral
	Up
	StrongUp
)

// String returns the human-readable name of the move.
func (m PriceMove) String() string {
	switch m {
	case StrongDown:
		return "STRONG_DOWN"
	case Down:
		return "DOWN"
	case Up:
		return "UP"
	case StrongUp:
		return "STRONG_UP"
	default:
		return "NEUTRAL"
	}
}

// DefaultPriceWindowSize is the rolling window capacity used when none is configured.
const DefaultPriceWindowSize = 10

// PriceHistory is a fixed-capacity rolling window of observed prices.
// The first non-empty push fills the whole window with that price so that a
// cold start never classifies as a spurious move.
type PriceHistory struct {
	Prices   []float64 `json:"prices"`
	Capacity int       `json:"capacity"`
}

// NewPriceHistory creates an empty window with the given capacity.
func NewPriceHistory(capacity int) PriceHistory {
	if capacity < 2 {
		capacity = DefaultPriceWindowSize
	}
	return PriceHistory{Prices: make([]float64, 0, capacity), Capacity: capacity}
}

// PushPrice records the latest observed price, evicting the oldest sample
// once the window is full. Zero and negative prices are ignored.
func (h *PriceHistory) PushPrice(price float64) {
	if price <= 0 {
		return
	}
	if h.Capacity < 2 {
		h.Capacity = DefaultPriceWindowSize
	}

	if len(h.Prices) == 0 {
		// Bootstrap: seed the whole window with the first sample.
		h.Prices = make([]float64, h.Capacity)
		for i := range h.Prices {
			h.Prices[i] = price
		}
		return
	}

	h.Prices = append(h.Prices, price)
	if len(h.Prices) > h.Capacity {
		h.Prices = h.Prices[len(h.Prices)-h.Capacity:]
	}
}

// Reseed clears the window and refills it with the given price, giving
// re-entry logic a clean baseline after a position is closed.
func (h *PriceHistory) Reseed(price float64) {
	h.Prices = h.Prices[:0]
	h.PushPrice(price)
}

// CurrentPrice returns the most recent sample, or 0 for an empty window.
func (h *PriceHistory) CurrentPrice() float64 {
	if len(h.Prices) == 0 {
		return 0
	}
	return h.Prices[len(h.Prices)-1]
}

// PreviousPrice returns the sample before the most recent one.
func (h *PriceHistory) PreviousPrice() float64 {
	if len(h.Prices) < 2 {
		return 0
	}
	return h.Prices[len(h.Prices)-2]
}

// SMA returns the simple moving average of the window contents.
func (h *PriceHistory) SMA() float64 {
	if len(h.Prices) == 0 {
		return 0
	}
	sum := 0.0
	for _, p := range h.Prices {
		sum += p
	}
	return sum / float64(len(h.Prices))
}

// Classify counts the net number of strictly increasing minus strictly
// decreasing adjacent steps over the window (ties contribute nothing) and
// rescales the result onto the 5-level PriceMove ordinal.
func (h *PriceHistory) Classify() PriceMove {
	n := len(h.Prices)
	if n < 2 {
		return Neutral
	}

	count := 0
	for i := 1; i < n; i++ {
		if h.Prices[i] > h.Prices[i-1] {
			count++
		} else if h.Prices[i] < h.Prices[i-1] {
			count--
		}
	}

	// count is in [-(n-1), n-1]; map it linearly onto [0, 4].
	scaled := (float64(count) + float64(n-1)) / (2 * float64(n-1)) * 4
	return PriceMove(math.Round(scaled))
}

// GoesUp reports whether momentum classifies at or above Up.
func (h *PriceHistory) GoesUp() bool {
	return h.Classify() >= Up
}

// GoesStrongUp reports whether momentum classifies as StrongUp.
func (h *PriceHistory) GoesStrongUp() bool {
	return h.Classify() >= StrongUp
}

// GoesDown reports whether momentum classifies at or below Down.
func (h *PriceHistory) GoesDown() bool {
	return h.Classify() <= Down
}

// GoesStrongDown reports whether momentum classifies as StrongDown.
func (h *PriceHistory) GoesStrongDown() bool {
	return h.Classify() <= StrongDown
}

// CrossedDown reports whether the latest sample moved below the level while
// the previous sample was still at or above it. A price that merely sits at
// the level never crosses it.
func (h *PriceHistory) CrossedDown(level float64) bool {
	return level > 0 && h.PreviousPrice() >= level && h.CurrentPrice() < level
}

// CrossedUp reports whether the latest sample moved above the level while
// the previous sample was still at or below it.
func (h *PriceHistory) CrossedUp(level float64) bool {
	return level > 0 && h.PreviousPrice() <= level && h.CurrentPrice() > level
}
