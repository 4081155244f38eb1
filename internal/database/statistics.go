package database

import (
	"fmt"
	"time"

	"binance-swing-bot-go/internal/models"
	"gorm.io/gorm"
)

// Statistics records completed orders and answers realized-P/L queries.
// Total realized profit also feeds the profit-based stop-limit mode.
type Statistics struct {
	db *gorm.DB
}

// NewStatistics creates a Statistics store over the given database.
func NewStatistics(db *gorm.DB) *Statistics {
	return &Statistics{db: db}
}

// LogTrade appends a completed order to the trade log.
func (s *Statistics) LogTrade(log *models.TradeLog) error {
	if err := s.db.Create(log).Error; err != nil {
		return fmt.Errorf("failed to save trade log: %w", err)
	}
	return nil
}

// TotalProfit returns the all-time realized profit.
func (s *Statistics) TotalProfit() (float64, error) {
	var total float64
	err := s.db.Model(&models.TradeLog{}).
		Select("COALESCE(SUM(profit), 0)").
		Scan(&total).Error
	if err != nil {
		return 0, fmt.Errorf("failed to sum realized profit: %w", err)
	}
	return total, nil
}

// Summary holds aggregate trade statistics for a period.
type Summary struct {
	TotalTrades      int64   `json:"total_trades"`
	ProfitableTrades int64   `json:"profitable_trades"`
	WinRate          float64 `json:"win_rate"`
	TotalProfit      float64 `json:"total_profit"`
}

// summarize aggregates closed round trips (rows with non-zero profit)
// recorded at or after since. A zero since covers all time.
func (s *Statistics) summarize(since time.Time) (Summary, error) {
	query := s.db.Model(&models.TradeLog{}).Where("profit != 0")
	if !since.IsZero() {
		query = query.Where("timestamp >= ?", since.Unix())
	}

	var summary Summary
	err := query.
		Select("COUNT(*) AS total_trades, " +
			"COALESCE(SUM(CASE WHEN profit > 0 THEN 1 ELSE 0 END), 0) AS profitable_trades, " +
			"COALESCE(SUM(profit), 0) AS total_profit").
		Scan(&summary).Error
	if err != nil {
		return Summary{}, fmt.Errorf("failed to summarize trades: %w", err)
	}

	if summary.TotalTrades > 0 {
		summary.WinRate = float64(summary.ProfitableTrades) / float64(summary.TotalTrades)
	}
	return summary, nil
}

// AllTime returns the all-time summary.
func (s *Statistics) AllTime() (Summary, error) {
	return s.summarize(time.Time{})
}

// Since24h returns the summary of the last 24 hours.
func (s *Statistics) Since24h() (Summary, error) {
	return s.summarize(time.Now().Add(-24 * time.Hour))
}

// RecentTrades returns the latest trade-log rows, newest first.
func (s *Statistics) RecentTrades(limit int) ([]models.TradeLog, error) {
	var logs []models.TradeLog
	err := s.db.Order("timestamp desc").Limit(limit).Find(&logs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load trade log: %w", err)
	}
	return logs, nil
}
