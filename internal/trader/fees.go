package trader

import (
	"errors"

	"binance-swing-bot-go/internal/config"
	"binance-swing-bot-go/internal/models"
	"binance-swing-bot-go/internal/repository"
	"go.uber.org/zap"
)

// FeeAccountant folds trading commissions into realized profit. Commission
// paid in the designated fee coin is taken out of that coin's tracked
// quantity when a position in it exists, so the fee cost shows up in
// realized profit without distorting the fee coin's entry price. Commission
// that cannot be absorbed is converted to quote value at sale time.
type FeeAccountant struct {
	logger *zap.Logger
	trades *repository.TradesRepository
}

// NewFeeAccountant creates a fee accountant over the trade records.
func NewFeeAccountant(logger *zap.Logger, trades *repository.TradesRepository) *FeeAccountant {
	return &FeeAccountant{logger: logger.Named("fees"), trades: trades}
}

// Absorb deducts a fill's commission from the fee coin's tracked quantity
// and returns the portion that could not be absorbed (to be carried on the
// trade result until the round trip closes).
func (f *FeeAccountant) Absorb(commission float64, cfg config.Trading) float64 {
	if commission <= 0 {
		return 0
	}

	absorbed := false
	err := f.trades.Update(cfg.FeeCoin, func(trade *models.Trade) *models.Trade {
		if trade.State != models.StateBought || trade.Result.Quantity < commission {
			return trade
		}
		trade.Result.Quantity = models.SubWithPrecision(trade.Result.Quantity, commission)
		absorbed = true
		return trade
	}, nil)

	if err != nil && !errors.Is(err, repository.ErrLocked) {
		f.logger.Error("Could not absorb commission into fee coin position", zap.Error(err))
	}
	if absorbed {
		f.logger.Debug("Commission deducted from fee coin quantity",
			zap.String("fee_coin", cfg.FeeCoin),
			zap.Float64("commission", commission))
		return 0
	}
	return commission
}

// SettleProfit converts the round trip's summed unabsorbed commissions into
// quote-currency value at the fee coin's current price and subtracts it from
// the realized profit.
func (f *FeeAccountant) SettleProfit(profit, commission float64, prices map[string]float64, cfg config.Trading) float64 {
	if commission <= 0 {
		return profit
	}

	feePrice := prices[cfg.FeeCoin+cfg.StableCoin]
	if feePrice <= 0 {
		f.logger.Warn("No price for fee coin, commission not settled",
			zap.String("fee_coin", cfg.FeeCoin),
			zap.Float64("commission", commission))
		return profit
	}

	return profit - commission*feePrice
}
