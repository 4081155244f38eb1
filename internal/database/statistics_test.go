package database

import (
	"path/filepath"
	"testing"
	"time"

	"binance-swing-bot-go/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStatistics(t *testing.T) *Statistics {
	t.Helper()
	db, err := NewDatabase(filepath.Join(t.TempDir(), "trades.db"))
	require.NoError(t, err)
	return NewStatistics(db)
}

func logRoundTrip(t *testing.T, stats *Statistics, profit float64, at time.Time) {
	t.Helper()
	require.NoError(t, stats.LogTrade(&models.TradeLog{
		Symbol:        "BTCUSDT",
		Side:          "SELL",
		Price:         50000,
		Quantity:      0.001,
		QuoteQuantity: 50,
		Profit:        profit,
		Timestamp:     at.Unix(),
	}))
}

func TestTotalProfit(t *testing.T) {
	stats := newTestStatistics(t)

	total, err := stats.TotalProfit()
	require.NoError(t, err)
	assert.Zero(t, total)

	now := time.Now()
	logRoundTrip(t, stats, 10, now)
	logRoundTrip(t, stats, -4, now)

	total, err = stats.TotalProfit()
	require.NoError(t, err)
	assert.InDelta(t, 6.0, total, 1e-9)
}

func TestSummaries(t *testing.T) {
	stats := newTestStatistics(t)
	now := time.Now()

	// A buy leg has no profit and must not count as a round trip.
	require.NoError(t, stats.LogTrade(&models.TradeLog{
		Symbol: "BTCUSDT", Side: "BUY", Price: 50000,
		Quantity: 0.001, QuoteQuantity: 50, Timestamp: now.Unix(),
	}))
	logRoundTrip(t, stats, 10, now)
	logRoundTrip(t, stats, -4, now)
	logRoundTrip(t, stats, 7, now.Add(-48*time.Hour))

	allTime, err := stats.AllTime()
	require.NoError(t, err)
	assert.Equal(t, int64(3), allTime.TotalTrades)
	assert.Equal(t, int64(2), allTime.ProfitableTrades)
	assert.InDelta(t, 2.0/3.0, allTime.WinRate, 1e-9)
	assert.InDelta(t, 13.0, allTime.TotalProfit, 1e-9)

	since24h, err := stats.Since24h()
	require.NoError(t, err)
	assert.Equal(t, int64(2), since24h.TotalTrades)
	assert.InDelta(t, 6.0, since24h.TotalProfit, 1e-9)
}

func TestRecentTrades(t *testing.T) {
	stats := newTestStatistics(t)
	now := time.Now()
	logRoundTrip(t, stats, 1, now.Add(-2*time.Hour))
	logRoundTrip(t, stats, 2, now.Add(-1*time.Hour))
	logRoundTrip(t, stats, 3, now)

	logs, err := stats.RecentTrades(2)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, 3.0, logs[0].Profit)
	assert.Equal(t, 2.0, logs[1].Profit)
}
