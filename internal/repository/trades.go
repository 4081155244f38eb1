// Package repository keeps the per-coin trade records in the store and
// enforces the advisory-lock discipline around every mutation.
package repository

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"binance-swing-bot-go/internal/models"
	"binance-swing-bot-go/internal/storage"
	"go.uber.org/zap"
)

const tradesKey = "trades"

// ErrLocked is returned when a record stays locked through every acquisition
// attempt. The operation is skipped for this tick; retrying on the next tick
// is always safe.
var ErrLocked = errors.New("repository: trade record is locked")

// TradesRepository stores one record per tracked coin. Records carry a
// cooperative lock flag; a mutation that cannot acquire it within the
// attempt budget is skipped rather than blocked, keeping the tick budget
// bounded.
type TradesRepository struct {
	store  storage.Store
	logger *zap.Logger

	lockAttempts int
	lockInterval time.Duration

	// mu serializes every read-check-write cycle on the collection so the
	// cooperative flag's check-and-set is atomic in-process. It is never
	// held across a caller's mutate, which may re-enter Update for a
	// different coin; the persisted flag covers the record in between.
	mu sync.Mutex

	// cache holds the decoded collection for the lifetime of one
	// invocation and is invalidated on every write. Guarded by mu.
	cache map[string]json.RawMessage
}

// NewTradesRepository creates a repository over the given store.
func NewTradesRepository(store storage.Store, logger *zap.Logger) *TradesRepository {
	return &TradesRepository{
		store:        store,
		logger:       logger.Named("trades-repository"),
		lockAttempts: 5,
		lockInterval: 100 * time.Millisecond,
	}
}

func normalizeCoinName(coinName string) string {
	return strings.ToUpper(strings.TrimSpace(coinName))
}

// readAll returns the decoded collection. Callers must hold mu.
func (r *TradesRepository) readAll() (map[string]json.RawMessage, error) {
	if r.cache != nil {
		return r.cache, nil
	}

	records := make(map[string]json.RawMessage)
	data, err := r.store.Get(tradesKey)
	if errors.Is(err, storage.ErrNotFound) {
		r.cache = records
		return records, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read trade records: %w", err)
	}
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("failed to decode trade records: %w", err)
	}

	r.cache = records
	return records, nil
}

// writeAll persists the collection. Callers must hold mu.
func (r *TradesRepository) writeAll(records map[string]json.RawMessage) error {
	r.cache = nil

	if len(records) == 0 {
		return r.store.Delete(tradesKey)
	}

	data, err := json.Marshal(records)
	if err != nil {
		return fmt.Errorf("failed to encode trade records: %w", err)
	}
	return r.store.Set(tradesKey, data, 0)
}

// Get returns the record for a coin, or nil when none exists.
func (r *TradesRepository) Get(coinName string) (*models.Trade, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.get(coinName)
}

func (r *TradesRepository) get(coinName string) (*models.Trade, error) {
	coinName = normalizeCoinName(coinName)
	if coinName == "" {
		return nil, nil
	}

	records, err := r.readAll()
	if err != nil {
		return nil, err
	}
	raw, ok := records[coinName]
	if !ok {
		return nil, nil
	}
	return models.DecodeTrade(raw)
}

// List returns every record, sorted by coin name.
func (r *TradesRepository) List() ([]*models.Trade, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	records, err := r.readAll()
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(records))
	for name := range records {
		names = append(names, name)
	}
	sort.Strings(names)

	trades := make([]*models.Trade, 0, len(names))
	for _, name := range names {
		trade, err := models.DecodeTrade(records[name])
		if err != nil {
			r.logger.Error("Skipping corrupt trade record", zap.String("coin", name), zap.Error(err))
			continue
		}
		trades = append(trades, trade)
	}
	return trades, nil
}

// acquireLock polls the record's lock flag and marks it locked. It returns
// ErrLocked once the attempt budget is exhausted. A missing record needs no
// lock.
func (r *TradesRepository) acquireLock(coinName string) error {
	for attempt := 0; attempt < r.lockAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(r.lockInterval)
		}

		acquired, err := r.tryLock(coinName)
		if err != nil {
			return err
		}
		if acquired {
			return nil
		}
	}

	return fmt.Errorf("%w: %s", ErrLocked, coinName)
}

// tryLock is one atomic check-and-set of the lock flag.
func (r *TradesRepository) tryLock(coinName string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	// A holder may have released through the store since the last look;
	// drop the cached view before checking.
	r.cache = nil

	records, err := r.readAll()
	if err != nil {
		return false, err
	}
	raw, ok := records[coinName]
	if !ok {
		return true, nil
	}

	trade, err := models.DecodeTrade(raw)
	if err != nil {
		return false, err
	}
	if trade.Locked {
		return false, nil
	}

	trade.Locked = true
	encoded, err := trade.Encode()
	if err != nil {
		return false, err
	}
	records[coinName] = encoded
	return true, r.writeAll(records)
}

// release persists the record with the lock flag cleared, or removes it when
// the deletion flag is set. It is called unconditionally so a failed
// mutation can never leave a coin permanently locked. Callers must hold mu.
func (r *TradesRepository) release(coinName string, trade *models.Trade) error {
	records, err := r.readAll()
	if err != nil {
		return err
	}

	if trade == nil || trade.Deleted {
		delete(records, coinName)
		return r.writeAll(records)
	}

	trade.Locked = false
	encoded, err := trade.Encode()
	if err != nil {
		return err
	}
	records[coinName] = encoded
	return r.writeAll(records)
}

// Update runs mutate against the coin's record under its advisory lock.
// When no record exists, onMissing (if non-nil) may supply a new one. A
// mutate that returns a record flagged deleted removes it from the store.
// Empty coin names are a no-op.
func (r *TradesRepository) Update(coinName string, mutate func(*models.Trade) *models.Trade, onMissing func() *models.Trade) error {
	coinName = normalizeCoinName(coinName)
	if coinName == "" {
		return nil
	}

	if err := r.acquireLock(coinName); err != nil {
		if errors.Is(err, ErrLocked) {
			r.logger.Warn("Trade record is locked, skipping until next tick", zap.String("coin", coinName))
		}
		return err
	}

	r.mu.Lock()
	trade, err := r.get(coinName)
	r.mu.Unlock()
	if err != nil {
		// The record was locked above; unlock whatever is stored.
		_ = r.unlockRaw(coinName)
		return err
	}

	// mutate runs outside mu: the persisted flag keeps this record
	// exclusive, and mutate may re-enter Update for another coin.
	var result *models.Trade
	switch {
	case trade != nil:
		trade.Locked = true
		result = mutate(trade)
	case onMissing != nil:
		result = onMissing()
	default:
		return nil
	}

	if result == nil {
		result = trade
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	return r.release(coinName, result)
}

// unlockRaw clears the lock flag without touching anything else. Used when
// the locked record cannot be decoded.
func (r *TradesRepository) unlockRaw(coinName string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	records, err := r.readAll()
	if err != nil {
		return err
	}
	raw, ok := records[coinName]
	if !ok {
		return nil
	}

	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return err
	}
	fields["locked"] = false
	encoded, err := json.Marshal(fields)
	if err != nil {
		return err
	}
	records[coinName] = encoded
	return r.writeAll(records)
}

// Iterate applies mutate to every existing record under the same per-record
// locking as Update. Locked records are skipped and reported, not retried.
func (r *TradesRepository) Iterate(mutate func(*models.Trade) *models.Trade) error {
	r.mu.Lock()
	records, err := r.readAll()
	if err != nil {
		r.mu.Unlock()
		return err
	}

	names := make([]string, 0, len(records))
	for name := range records {
		names = append(names, name)
	}
	r.mu.Unlock()
	sort.Strings(names)

	var skipped []string
	for _, name := range names {
		if err := r.Update(name, mutate, nil); err != nil {
			if errors.Is(err, ErrLocked) {
				skipped = append(skipped, name)
				continue
			}
			return err
		}
	}

	if len(skipped) > 0 {
		r.logger.Warn("Some records stayed locked during iteration", zap.Strings("coins", skipped))
	}
	return nil
}
