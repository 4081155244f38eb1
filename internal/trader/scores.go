package trader

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"binance-swing-bot-go/internal/config"
	"binance-swing-bot-go/internal/models"
	"binance-swing-bot-go/internal/storage"
	"go.uber.org/zap"
)

const scoresKey = "scores"

// rankSize caps how many coins a ranking returns.
const rankSize = 10

// Scores is the market-wide outlier detector. Every tick it classifies each
// priced instrument's momentum and rewards coins that move up while the rest
// of the market does not — "relative strength". Every selectivity level is
// scored concurrently so a consumer can switch sensitivity at any time.
type Scores struct {
	logger *zap.Logger
	store  storage.Store
}

// scoresState is the persisted scoring snapshot.
type scoresState struct {
	Histories map[string]models.PriceHistory `json:"histories"`
	Board     models.ScoreBoard              `json:"board"`
}

// NewScores creates the scoring engine over the given store.
func NewScores(logger *zap.Logger, store storage.Store) *Scores {
	return &Scores{logger: logger.Named("scores"), store: store}
}

func (s *Scores) load() *scoresState {
	state := &scoresState{
		Histories: make(map[string]models.PriceHistory),
		Board:     models.NewScoreBoard(),
	}

	data, err := s.store.Get(scoresKey)
	if errors.Is(err, storage.ErrNotFound) {
		return state
	}
	if err != nil {
		s.logger.Error("Could not load scoring state, starting fresh", zap.Error(err))
		return state
	}
	if err := json.Unmarshal(data, state); err != nil {
		s.logger.Error("Corrupt scoring state, starting fresh", zap.Error(err))
		return &scoresState{
			Histories: make(map[string]models.PriceHistory),
			Board:     models.NewScoreBoard(),
		}
	}

	for _, level := range models.Selectivities() {
		if state.Board[level] == nil {
			state.Board[level] = make(map[string]float64)
		}
	}
	return state
}

func (s *Scores) save(state *scoresState) {
	data, err := json.Marshal(state)
	if err != nil {
		s.logger.Error("Could not encode scoring state", zap.Error(err))
		return
	}
	if err := s.store.Set(scoresKey, data, 0); err != nil {
		s.logger.Error("Could not persist scoring state", zap.Error(err))
	}
}

// Update feeds the tick's price snapshot into every instrument's rolling
// window and adjusts the scores at every selectivity level.
func (s *Scores) Update(prices map[string]float64, cfg config.Trading) {
	state := s.load()

	var gainers, losers []string
	total := 0

	for symbol, price := range prices {
		coin, ok := strings.CutSuffix(symbol, cfg.StableCoin)
		if !ok || coin == "" {
			continue
		}

		history := state.Histories[coin]
		if history.Capacity < 2 {
			history = models.NewPriceHistory(cfg.PriceWindowSize)
		}
		history.PushPrice(price)
		state.Histories[coin] = history

		total++
		switch {
		case history.GoesUp():
			gainers = append(gainers, coin)
		case history.GoesDown():
			losers = append(losers, coin)
		}
	}

	if total == 0 {
		return
	}

	for _, level := range models.Selectivities() {
		fraction := level.Fraction()
		board := state.Board[level]

		// A move counts only when it is rare (cutoff inclusive) and the
		// rest of the market prevails on the other side.
		if float64(len(gainers)) <= fraction*float64(total) &&
			float64(total-len(gainers)) >= (1-fraction)*float64(total) {
			for _, coin := range gainers {
				board[coin]++
			}
		}

		if float64(len(losers)) <= fraction*float64(total) &&
			float64(total-len(losers)) >= (1-fraction)*float64(total) {
			for _, coin := range losers {
				if board[coin] > 0 {
					board[coin]--
				}
				if board[coin] <= 0 {
					delete(board, coin)
				}
			}
		}
	}

	s.save(state)
}

// Rank returns the top scoring coins at a selectivity level, highest first.
// Only coins with a positive score qualify.
func (s *Scores) Rank(level models.Selectivity) []models.CoinScore {
	state := s.load()
	board := state.Board[level]

	ranked := make([]models.CoinScore, 0, len(board))
	for coin, score := range board {
		if score > 0 {
			ranked = append(ranked, models.CoinScore{CoinName: coin, Score: score})
		}
	}

	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].Score == ranked[j].Score {
			return ranked[i].CoinName < ranked[j].CoinName
		}
		return ranked[i].Score > ranked[j].Score
	})

	if len(ranked) > rankSize {
		ranked = ranked[:rankSize]
	}
	return ranked
}

// RankAll returns the ranking at every selectivity level.
func (s *Scores) RankAll() map[models.Selectivity][]models.CoinScore {
	out := make(map[models.Selectivity][]models.CoinScore, len(models.Selectivities()))
	for _, level := range models.Selectivities() {
		out[level] = s.Rank(level)
	}
	return out
}

// Reset clears all scores but keeps the price histories.
func (s *Scores) Reset() error {
	state := s.load()
	state.Board = models.NewScoreBoard()

	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("could not encode scoring state: %w", err)
	}
	return s.store.Set(scoresKey, data, 0)
}
