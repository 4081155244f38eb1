package models

// Selectivity controls how rare a market-wide move must be before it affects
// a coin's score. All levels are tracked concurrently so a consumer can
// switch sensitivity without recomputing history.
type Selectivity string

const (
	SelectivityExtreme  Selectivity = "EXTREME"
	SelectivityHigh     Selectivity = "HIGH"
	SelectivityModerate Selectivity = "MODERATE"
	SelectivityLow      Selectivity = "LOW"
)

// Fraction returns the cutoff fraction of the market for this level.
func (s Selectivity) Fraction() float64 {
	switch s {
	case SelectivityExtreme:
		return 0.005
	case SelectivityHigh:
		return 0.01
	case SelectivityModerate:
		return 0.03
	default:
		return 0.07
	}
}

// Selectivities lists every tracked level.
func Selectivities() []Selectivity {
	return []Selectivity{SelectivityExtreme, SelectivityHigh, SelectivityModerate, SelectivityLow}
}

// CoinScore is one coin's relative-strength score at a selectivity level.
type CoinScore struct {
	CoinName string  `json:"coinName"`
	Score    float64 `json:"score"`
}

// ScoreBoard holds every coin's score per selectivity level.
type ScoreBoard map[Selectivity]map[string]float64

// NewScoreBoard creates an empty board covering all levels.
func NewScoreBoard() ScoreBoard {
	board := make(ScoreBoard, len(Selectivities()))
	for _, s := range Selectivities() {
		board[s] = make(map[string]float64)
	}
	return board
}
