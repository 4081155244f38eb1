package repository

import (
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"binance-swing-bot-go/internal/models"
	"binance-swing-bot-go/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestRepository(t *testing.T) (*TradesRepository, storage.Store) {
	t.Helper()
	store := storage.NewMemoryStore()
	repo := NewTradesRepository(store, zap.NewNop())
	// Keep lock polling fast in tests.
	repo.lockInterval = time.Millisecond
	return repo, store
}

func seedTrade(t *testing.T, repo *TradesRepository, coin string) {
	t.Helper()
	symbol, err := models.NewSymbol(coin, "USDT")
	require.NoError(t, err)
	require.NoError(t, repo.Update(coin, nil, func() *models.Trade {
		return models.NewTrade(coin, symbol, 4)
	}))
}

func TestGetMissing(t *testing.T) {
	repo, _ := newTestRepository(t)

	trade, err := repo.Get("BTC")
	assert.NoError(t, err)
	assert.Nil(t, trade)

	// Empty names are a no-op, not an error.
	trade, err = repo.Get("  ")
	assert.NoError(t, err)
	assert.Nil(t, trade)
}

func TestUpdateCreatesViaOnMissing(t *testing.T) {
	repo, _ := newTestRepository(t)
	seedTrade(t, repo, "BTC")

	trade, err := repo.Get("btc") // names are normalized
	require.NoError(t, err)
	require.NotNil(t, trade)
	assert.Equal(t, "BTC", trade.CoinName)
	assert.Equal(t, models.StateBuy, trade.State)
	assert.False(t, trade.Locked)
}

func TestUpdateMutatesUnderLock(t *testing.T) {
	repo, _ := newTestRepository(t)
	seedTrade(t, repo, "BTC")

	var sawLocked bool
	err := repo.Update("BTC", func(trade *models.Trade) *models.Trade {
		sawLocked = trade.Locked
		trade.State = models.StateBought
		return trade
	}, nil)
	require.NoError(t, err)
	assert.True(t, sawLocked)

	trade, err := repo.Get("BTC")
	require.NoError(t, err)
	assert.Equal(t, models.StateBought, trade.State)
	// The lock never outlives the mutation.
	assert.False(t, trade.Locked)
}

func TestUpdateSkipsLockedRecord(t *testing.T) {
	repo, store := newTestRepository(t)
	repo.lockAttempts = 2
	seedTrade(t, repo, "BTC")

	// Simulate another holder: flip the persisted lock flag directly.
	lockStoredRecord(t, repo, store, "BTC")

	mutated := false
	err := repo.Update("BTC", func(trade *models.Trade) *models.Trade {
		mutated = true
		return trade
	}, nil)

	assert.ErrorIs(t, err, ErrLocked)
	assert.False(t, mutated)

	// The record itself is untouched and still locked.
	trade, err := repo.Get("BTC")
	require.NoError(t, err)
	assert.True(t, trade.Locked)
}

func TestUpdateWaitsOutTransientLock(t *testing.T) {
	repo, store := newTestRepository(t)
	repo.lockInterval = 10 * time.Millisecond
	seedTrade(t, repo, "BTC")
	lockStoredRecord(t, repo, store, "BTC")

	// Release the lock from the side while Update is polling.
	go func() {
		time.Sleep(15 * time.Millisecond)
		records := readRawRecords(t, store)
		trade, err := models.DecodeTrade(records["BTC"])
		if err != nil {
			return
		}
		trade.Locked = false
		encoded, err := trade.Encode()
		if err != nil {
			return
		}
		records["BTC"] = encoded
		data, _ := json.Marshal(records)
		_ = store.Set("trades", data, 0)
	}()

	err := repo.Update("BTC", func(trade *models.Trade) *models.Trade {
		trade.State = models.StateBought
		return trade
	}, nil)
	require.NoError(t, err)

	trade, err := repo.Get("BTC")
	require.NoError(t, err)
	assert.Equal(t, models.StateBought, trade.State)
}

func TestUpdateDeletesFlaggedRecord(t *testing.T) {
	repo, store := newTestRepository(t)
	seedTrade(t, repo, "BTC")

	err := repo.Update("BTC", func(trade *models.Trade) *models.Trade {
		trade.Deleted = true
		return trade
	}, nil)
	require.NoError(t, err)

	trade, err := repo.Get("BTC")
	assert.NoError(t, err)
	assert.Nil(t, trade)

	// Deleting the last record compacts the whole collection key away.
	_, err = store.Get("trades")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestUpdateMissingWithoutFactoryIsNoop(t *testing.T) {
	repo, store := newTestRepository(t)

	err := repo.Update("BTC", func(trade *models.Trade) *models.Trade {
		t.Fatal("mutate must not run for a missing record")
		return trade
	}, nil)
	assert.NoError(t, err)

	_, err = store.Get("trades")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestList(t *testing.T) {
	repo, _ := newTestRepository(t)
	seedTrade(t, repo, "ETH")
	seedTrade(t, repo, "BTC")
	seedTrade(t, repo, "ADA")

	trades, err := repo.List()
	require.NoError(t, err)
	require.Len(t, trades, 3)
	assert.Equal(t, "ADA", trades[0].CoinName)
	assert.Equal(t, "BTC", trades[1].CoinName)
	assert.Equal(t, "ETH", trades[2].CoinName)
}

func TestListSkipsCorruptRecords(t *testing.T) {
	repo, store := newTestRepository(t)
	seedTrade(t, repo, "BTC")

	records := readRawRecords(t, store)
	records["BAD"] = json.RawMessage(`{"state": "BUY"}`)
	data, err := json.Marshal(records)
	require.NoError(t, err)
	require.NoError(t, store.Set("trades", data, 0))
	repo.cache = nil

	trades, err := repo.List()
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, "BTC", trades[0].CoinName)
}

func TestIterate(t *testing.T) {
	repo, store := newTestRepository(t)
	repo.lockAttempts = 1
	seedTrade(t, repo, "BTC")
	seedTrade(t, repo, "ETH")
	seedTrade(t, repo, "ADA")

	// One record stays locked; iteration must skip it and touch the rest.
	lockStoredRecord(t, repo, store, "ETH")

	var visited []string
	err := repo.Iterate(func(trade *models.Trade) *models.Trade {
		visited = append(visited, trade.CoinName)
		trade.TTL++
		return trade
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"ADA", "BTC"}, visited)

	trade, err := repo.Get("ADA")
	require.NoError(t, err)
	assert.Equal(t, 1, trade.TTL)
	trade, err = repo.Get("ETH")
	require.NoError(t, err)
	assert.Zero(t, trade.TTL)
}

func TestConcurrentUpdatesNeverInterleave(t *testing.T) {
	repo, _ := newTestRepository(t)
	seedTrade(t, repo, "BTC")

	const workers, perWorker = 2, 50
	var succeeded, skipped int64
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				err := repo.Update("BTC", func(trade *models.Trade) *models.Trade {
					trade.TTL++
					return trade
				}, nil)
				switch {
				case err == nil:
					atomic.AddInt64(&succeeded, 1)
				case errors.Is(err, ErrLocked):
					atomic.AddInt64(&skipped, 1)
				default:
					t.Errorf("unexpected update error: %v", err)
				}
			}
		}()
	}
	wg.Wait()

	// Every mutation either applied in full or was skipped with ErrLocked;
	// a lost increment would mean two writers interleaved.
	assert.Equal(t, int64(workers*perWorker), succeeded+skipped)

	trade, err := repo.Get("BTC")
	require.NoError(t, err)
	assert.Equal(t, int(succeeded), trade.TTL)
	assert.False(t, trade.Locked)
}

// lockStoredRecord flips the persisted lock flag of a record, bypassing the
// repository, as a concurrent holder would have left it.
func lockStoredRecord(t *testing.T, repo *TradesRepository, store storage.Store, coin string) {
	t.Helper()

	records := readRawRecords(t, store)
	trade, err := models.DecodeTrade(records[coin])
	require.NoError(t, err)
	trade.Locked = true
	encoded, err := trade.Encode()
	require.NoError(t, err)
	records[coin] = encoded

	data, err := json.Marshal(records)
	require.NoError(t, err)
	require.NoError(t, store.Set("trades", data, 0))
	repo.cache = nil
}

func readRawRecords(t *testing.T, store storage.Store) map[string]json.RawMessage {
	t.Helper()
	data, err := store.Get("trades")
	require.NoError(t, err)
	records := make(map[string]json.RawMessage)
	require.NoError(t, json.Unmarshal(data, &records))
	return records
}
