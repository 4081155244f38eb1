package trader

import (
	"encoding/json"
	"fmt"
	"testing"

	"binance-swing-bot-go/internal/config"
	"binance-swing-bot-go/internal/models"
	"binance-swing-bot-go/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestScores(t *testing.T) (*Scores, storage.Store) {
	t.Helper()
	store := storage.NewMemoryStore()
	return NewScores(zap.NewNop(), store), store
}

func scoringConfig() config.Trading {
	// Window of two: a single up step is already strong momentum, which
	// keeps market construction in tests small.
	return config.Trading{StableCoin: "USDT", PriceWindowSize: 2}
}

// flatMarket builds a snapshot of total instruments all at the same price.
func flatMarket(total int, price float64) map[string]float64 {
	prices := make(map[string]float64, total)
	for i := 0; i < total; i++ {
		prices[fmt.Sprintf("C%04dUSDT", i)] = price
	}
	return prices
}

func coinName(i int) string {
	return fmt.Sprintf("C%04d", i)
}

func TestScoresRareGainersAtEveryLevel(t *testing.T) {
	scores, _ := newTestScores(t)
	cfg := scoringConfig()

	// Seed every window, then move exactly 5 of 1000 coins up. Five is the
	// EXTREME cutoff (0.5% of 1000) and the boundary is inclusive, so even
	// the strictest level rewards them.
	scores.Update(flatMarket(1000, 100), cfg)

	snapshot := flatMarket(1000, 100)
	for i := 0; i < 5; i++ {
		snapshot[coinName(i)+"USDT"] = 101
	}
	scores.Update(snapshot, cfg)

	for _, level := range models.Selectivities() {
		ranked := scores.Rank(level)
		require.Len(t, ranked, 5, "level %s", level)
		for _, entry := range ranked {
			assert.Equal(t, 1.0, entry.Score)
		}
	}
}

func TestScoresCommonMoveOnlyAtLooseLevels(t *testing.T) {
	scores, _ := newTestScores(t)
	cfg := scoringConfig()

	scores.Update(flatMarket(1000, 100), cfg)

	// 50 gainers out of 1000 is 5%: above the MODERATE cutoff (3%) but
	// within LOW (7%).
	snapshot := flatMarket(1000, 100)
	for i := 0; i < 50; i++ {
		snapshot[coinName(i)+"USDT"] = 101
	}
	scores.Update(snapshot, cfg)

	assert.Empty(t, scores.Rank(models.SelectivityExtreme))
	assert.Empty(t, scores.Rank(models.SelectivityHigh))
	assert.Empty(t, scores.Rank(models.SelectivityModerate))
	// The ranking caps at ten entries even though 50 coins scored.
	assert.Len(t, scores.Rank(models.SelectivityLow), 10)
}

func TestScoresLoserDecrementFloorsAtZero(t *testing.T) {
	scores, _ := newTestScores(t)
	cfg := scoringConfig()

	scores.Update(flatMarket(100, 100), cfg)

	// One gainer out of 100: rare enough for HIGH and below, not EXTREME.
	snapshot := flatMarket(100, 100)
	snapshot[coinName(0)+"USDT"] = 101
	scores.Update(snapshot, cfg)

	assert.Empty(t, scores.Rank(models.SelectivityExtreme))
	ranked := scores.Rank(models.SelectivityHigh)
	require.Len(t, ranked, 1)
	assert.Equal(t, models.CoinScore{CoinName: coinName(0), Score: 1}, ranked[0])

	// Two down moves in a row: the first consumes the score, the second
	// must not push it negative.
	snapshot[coinName(0)+"USDT"] = 100
	scores.Update(snapshot, cfg)
	assert.Empty(t, scores.Rank(models.SelectivityHigh))

	snapshot[coinName(0)+"USDT"] = 99
	scores.Update(snapshot, cfg)
	assert.Empty(t, scores.Rank(models.SelectivityHigh))

	// A later rare gain starts from zero again, not from a deficit.
	snapshot[coinName(0)+"USDT"] = 100
	scores.Update(snapshot, cfg)
	ranked = scores.Rank(models.SelectivityHigh)
	require.Len(t, ranked, 1)
	assert.Equal(t, 1.0, ranked[0].Score)
}

func TestScoresIgnoreForeignQuoteSymbols(t *testing.T) {
	scores, _ := newTestScores(t)
	cfg := scoringConfig()

	prices := map[string]float64{
		"AAAUSDT": 100,
		"AAABTC":  0.002, // different quote asset, not part of this market
		"USDT":    1,     // no base asset after trimming
	}
	scores.Update(prices, cfg)

	prices["AAAUSDT"] = 101
	prices["AAABTC"] = 0.003
	scores.Update(prices, cfg)

	// AAA is the only instrument, so its move is never rare.
	assert.Empty(t, scores.Rank(models.SelectivityLow))
}

func TestRankOrderingAndCap(t *testing.T) {
	scores, store := newTestScores(t)

	state := &scoresState{
		Histories: make(map[string]models.PriceHistory),
		Board:     models.NewScoreBoard(),
	}
	for i := 0; i < 12; i++ {
		state.Board[models.SelectivityModerate][coinName(i)] = float64(i + 1)
	}
	// Ties break on coin name.
	state.Board[models.SelectivityModerate]["AAA"] = 12
	data, err := json.Marshal(state)
	require.NoError(t, err)
	require.NoError(t, store.Set("scores", data, 0))

	ranked := scores.Rank(models.SelectivityModerate)
	require.Len(t, ranked, 10)
	assert.Equal(t, models.CoinScore{CoinName: "AAA", Score: 12}, ranked[0])
	assert.Equal(t, models.CoinScore{CoinName: coinName(11), Score: 12}, ranked[1])
	for i := 1; i < len(ranked); i++ {
		assert.GreaterOrEqual(t, ranked[i-1].Score, ranked[i].Score)
	}
}

func TestScoresResetKeepsHistories(t *testing.T) {
	scores, store := newTestScores(t)
	cfg := scoringConfig()

	scores.Update(flatMarket(100, 100), cfg)
	snapshot := flatMarket(100, 100)
	snapshot[coinName(0)+"USDT"] = 101
	scores.Update(snapshot, cfg)
	require.NotEmpty(t, scores.Rank(models.SelectivityLow))

	require.NoError(t, scores.Reset())
	assert.Empty(t, scores.Rank(models.SelectivityLow))

	// The price windows survive the reset.
	data, err := store.Get("scores")
	require.NoError(t, err)
	var state scoresState
	require.NoError(t, json.Unmarshal(data, &state))
	assert.Len(t, state.Histories, 100)
}

func TestScoresSurviveCorruptState(t *testing.T) {
	scores, store := newTestScores(t)
	require.NoError(t, store.Set("scores", []byte("not json"), 0))

	// A corrupt snapshot is replaced, not fatal.
	scores.Update(flatMarket(10, 100), scoringConfig())
	assert.Empty(t, scores.Rank(models.SelectivityLow))
}
