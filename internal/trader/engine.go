package trader

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"binance-swing-bot-go/internal/binance"
	"binance-swing-bot-go/internal/config"
	"binance-swing-bot-go/internal/database"
	"binance-swing-bot-go/internal/models"
	"binance-swing-bot-go/internal/repository"
	"go.uber.org/zap"
)

// A BUY signal that never executes goes stale after this many ticks and is
// dropped so its slot frees up.
const buySignalTTL = 60

// Engine drives the per-tick decision making: it observes prices, advances
// every trade record's state machine and issues market orders through the
// exchange port.
type Engine struct {
	logger   *zap.Logger
	cfg      *config.Config
	exchange binance.Exchange
	trades   *repository.TradesRepository
	stats    *database.Statistics
	fees     *FeeAccountant
	scores   *Scores

	// tickMu serializes ticks: the control API can trigger one manually
	// while the timer loop runs, and the tick-scoped fields below must
	// never be shared between two overlapping cycles.
	tickMu sync.Mutex

	// tick-scoped bookkeeping, valid between Tick entry and exit
	freeBalance   float64
	investedCount int
	tickProfit    float64
}

// NewEngine creates a new trading engine.
func NewEngine(logger *zap.Logger, cfg *config.Config, exchange binance.Exchange, trades *repository.TradesRepository, stats *database.Statistics, scores *Scores) *Engine {
	return &Engine{
		logger:   logger.Named("engine"),
		cfg:      cfg,
		exchange: exchange,
		trades:   trades,
		stats:    stats,
		fees:     NewFeeAccountant(logger, trades),
		scores:   scores,
	}
}

// Run executes one tick per interval until the context is cancelled.
func (e *Engine) Run(ctx context.Context) {
	interval := time.Duration(e.cfg.Trading.TickInterval) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	e.logger.Info("Starting tick loop", zap.Duration("interval", interval))

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("Stopping trading engine...")
			return
		case <-ticker.C:
			if err := e.Tick(); err != nil {
				e.logger.Error("Tick failed", zap.Error(err))
			}
		}
	}
}

// Tick runs one full decision cycle: refresh the price snapshot, process
// exits (freeing capital), reinvest realized profit, evaluate buys, update
// the scoring state and reconcile the balance figure. Cycles never overlap.
func (e *Engine) Tick() error {
	e.tickMu.Lock()
	defer e.tickMu.Unlock()

	cfg := e.cfg.Trading // value snapshot for the whole tick

	prices, err := e.exchange.GetPrices()
	if err != nil {
		return fmt.Errorf("could not refresh price snapshot: %w", err)
	}

	balance, err := e.exchange.GetBalance(cfg.StableCoin)
	if err != nil {
		return fmt.Errorf("could not get %s balance: %w", cfg.StableCoin, err)
	}
	e.freeBalance = balance
	e.tickProfit = 0

	trades, err := e.trades.List()
	if err != nil {
		return fmt.Errorf("could not list trade records: %w", err)
	}

	var holdings, candidates []string
	e.investedCount = 0
	for _, trade := range trades {
		if trade.State == models.StateBuy {
			candidates = append(candidates, trade.CoinName)
			continue
		}
		holdings = append(holdings, trade.CoinName)
		if trade.State == models.StateBought || trade.State == models.StateSell {
			e.investedCount++
		}
	}

	// Sells are processed before buys so freed capital is available for
	// sizing. Cross-coin order is randomized in production; replay runs
	// keep the deterministic name order List returned.
	if !cfg.DeterministicOrder {
		rand.Shuffle(len(holdings), func(i, j int) { holdings[i], holdings[j] = holdings[j], holdings[i] })
		rand.Shuffle(len(candidates), func(i, j int) { candidates[i], candidates[j] = candidates[j], candidates[i] })
	}

	for _, coin := range holdings {
		e.processCoin(coin, prices, cfg)
	}

	if cfg.AveragingDown && e.tickProfit > 0 {
		e.averageDown(prices, cfg)
	}

	for _, coin := range candidates {
		e.processCoin(coin, prices, cfg)
	}

	e.scores.Update(prices, cfg)

	e.reconcileBalance(cfg)
	return nil
}

// processCoin advances one coin's state machine under its record lock. A
// failure here is logged and never aborts the tick for other coins.
func (e *Engine) processCoin(coin string, prices map[string]float64, cfg config.Trading) {
	err := e.trades.Update(coin, func(trade *models.Trade) *models.Trade {
		return e.onTick(trade, prices, cfg)
	}, nil)

	if err != nil && !errors.Is(err, repository.ErrLocked) {
		e.logger.Error("Failed to process coin", zap.String("coin", coin), zap.Error(err))
	}
}

// onTick pushes the latest price into the record and dispatches on state.
func (e *Engine) onTick(trade *models.Trade, prices map[string]float64, cfg config.Trading) *models.Trade {
	price, ok := prices[trade.Result.Symbol.String()]
	if !ok {
		if trade.State == models.StateBought || trade.State == models.StateSell {
			// A held asset without a price is alarming; hold the
			// position rather than acting blind.
			e.logger.Error("No price for held asset, holding position",
				zap.String("coin", trade.CoinName))
		}
		return trade
	}

	trade.PushPrice(price)
	trade.TTL++

	switch trade.State {
	case models.StateBuy:
		e.processBuyState(trade, cfg)
	case models.StateBought:
		e.processBoughtState(trade, prices, cfg)
	case models.StateSell:
		e.executeSell(trade, prices, cfg)
	case models.StateSold:
		e.processSoldState(trade, cfg)
	}

	return trade
}

// processBuyState executes a pending buy signal once momentum turns
// positive. Buying into a still-falling price just widens the drawdown.
func (e *Engine) processBuyState(trade *models.Trade, cfg config.Trading) {
	if trade.TTL > buySignalTTL {
		e.logger.Warn("Buy signal went stale, dropping",
			zap.String("coin", trade.CoinName), zap.Int("ttl", trade.TTL))
		if trade.Result.Quantity == 0 && trade.Result.SoldPrice == 0 {
			trade.Deleted = true
		} else {
			trade.ResetState()
		}
		return
	}

	if !trade.Prices.GoesUp() {
		return
	}

	remainingSlots := cfg.InvestSlots - e.investedCount
	if remainingSlots <= 0 {
		e.logger.Debug("All investment slots taken", zap.String("coin", trade.CoinName))
		return
	}

	amount := math.Max(cfg.MinOrderSize, math.Floor(e.freeBalance/float64(remainingSlots)))
	if amount > e.freeBalance {
		e.logger.Warn("Not enough free balance to execute buy signal",
			zap.String("coin", trade.CoinName),
			zap.Float64("amount", amount),
			zap.Float64("free", e.freeBalance))
		return
	}

	e.executeBuy(trade, amount, cfg)
}

// processBoughtState maintains the exit levels and closes the position when
// one of them is crossed.
func (e *Engine) processBoughtState(trade *models.Trade, prices map[string]float64, cfg config.Trading) {
	e.updateStopLimit(trade, cfg)

	if trade.HODL {
		return
	}

	switch {
	case trade.StopLimitCrossedDown():
		e.logger.Info("Stop limit crossed down, selling",
			zap.String("coin", trade.CoinName),
			zap.Float64("stop_limit", trade.StopLimitPrice),
			zap.Float64("price", trade.CurrentPrice()))
		trade.State = models.StateSell
		e.executeSell(trade, prices, cfg)

	case cfg.SellAtProfitLimit && trade.ProfitLimitCrossedUp(cfg.ProfitLimit):
		e.logger.Info("Profit limit crossed up, selling",
			zap.String("coin", trade.CoinName),
			zap.Float64("price", trade.CurrentPrice()))
		trade.State = models.StateSell
		e.executeSell(trade, prices, cfg)

	case trade.EntryPriceCrossedUp():
		// Informational only.
		e.logger.Info("Price crossed up through entry",
			zap.String("coin", trade.CoinName),
			zap.Float64("entry", trade.Result.EntryPrice()))
	}
}

// updateStopLimit maintains the stop-limit level in one of two mutually
// exclusive modes. The ratchet only ever moves the level up; the
// profit-based mode sizes each position's allowed loss from the total
// realized profit and is recomputed fully every tick.
func (e *Engine) updateStopLimit(trade *models.Trade, cfg config.Trading) {
	if cfg.ProfitBasedStopLimit {
		boughtCount := e.investedCount
		if boughtCount < 1 {
			boughtCount = 1
		}
		totalProfit, err := e.stats.TotalProfit()
		if err != nil {
			e.logger.Error("Could not read total profit for stop limit", zap.Error(err))
			return
		}
		allowedLoss := totalProfit / float64(boughtCount)
		if trade.Result.Quantity > 0 {
			trade.StopLimitPrice = (trade.Result.Cost - allowedLoss) / trade.Result.Quantity
		}
		return
	}

	// Ratchet: scale the short moving average between (1 - StopLimit) and
	// 0.99 proportionally to the current profit, and keep the maximum.
	profitFraction := 0.0
	if cfg.ProfitLimit > 0 {
		profitFraction = math.Min(1, math.Max(0, trade.ProfitPercent()/100/cfg.ProfitLimit))
	}
	multiplier := (1 - cfg.StopLimit) + profitFraction*(0.99-(1-cfg.StopLimit))
	newStopLimit := trade.Prices.SMA() * multiplier
	if newStopLimit > trade.StopLimitPrice {
		trade.StopLimitPrice = newStopLimit
	}
}

// processSoldState re-arms a sold coin for re-entry when swing trading is
// enabled and the price has retraced far enough below the observed maximum.
func (e *Engine) processSoldState(trade *models.Trade, cfg config.Trading) {
	if !cfg.SwingTrade {
		trade.Deleted = true
		return
	}

	reentryPrice := trade.HighestPrice * (1 - 2*cfg.ProfitLimit)
	if reentryPrice > 0 && trade.CurrentPrice() < reentryPrice {
		e.logger.Info("Retracement below observed maximum, re-arming buy",
			zap.String("coin", trade.CoinName),
			zap.Float64("price", trade.CurrentPrice()),
			zap.Float64("reentry", reentryPrice))
		trade.State = models.StateBuy
		trade.BuyPrice = trade.CurrentPrice()
		trade.TTL = 0
	}
}

// executeBuy sends the market buy and merges the fill into the record's
// cost basis. A failed or rejected order rolls the record back to the state
// its true holdings imply.
func (e *Engine) executeBuy(trade *models.Trade, quoteAmount float64, cfg config.Trading) {
	// An averaging-down buy grows a position that already occupies a slot.
	occupiesNewSlot := trade.State != models.StateBought

	result, err := e.marketBuy(trade.Result.Symbol, quoteAmount, cfg)
	if err != nil {
		e.logger.Error("Buy failed", zap.String("coin", trade.CoinName), zap.Error(err))
		trade.ResetState()
		return
	}
	if !result.Confirmed {
		e.logger.Warn("Buy not confirmed by exchange",
			zap.String("coin", trade.CoinName), zap.String("msg", result.Msg))
		trade.ResetState()
		return
	}

	// Fee first: commission paid in the fee coin comes straight out of its
	// tracked quantity when we hold some.
	result.Commission = e.fees.Absorb(result.Commission, cfg)

	if trade.Result.Quantity > 0 {
		joined, err := trade.Result.Join(result)
		if err != nil {
			e.logger.Error("Could not merge fill into cost basis",
				zap.String("coin", trade.CoinName), zap.Error(err))
			trade.ResetState()
			return
		}
		trade.Result = joined
	} else {
		trade.Result = result
	}

	trade.Bought()
	trade.StopLimitPrice = trade.Result.AvgPrice() * (1 - cfg.StopLimit)

	e.freeBalance -= result.Paid
	if occupiesNewSlot {
		e.investedCount++
	}

	if err := e.stats.LogTrade(&models.TradeLog{
		Symbol:        trade.Result.Symbol.String(),
		Side:          binance.OrderSideBuy,
		Price:         trade.Result.AvgPrice(),
		Quantity:      result.Quantity,
		QuoteQuantity: result.Paid,
		Commission:    result.Commission,
		Timestamp:     time.Now().Unix(),
		IsSimulation:  cfg.DryRun,
	}); err != nil {
		e.logger.Error("Failed to log buy", zap.Error(err))
	}
}

// executeSell closes the position at market, settles commissions into the
// realized profit and moves the record to SOLD.
func (e *Engine) executeSell(trade *models.Trade, prices map[string]float64, cfg config.Trading) {
	quantity, err := e.exchange.QuantityForLotStep(trade.Result.Symbol, trade.Result.Quantity)
	if err != nil {
		e.logger.Error("Could not quantize sell quantity",
			zap.String("coin", trade.CoinName), zap.Error(err))
		trade.ResetState()
		return
	}

	result, err := e.marketSell(trade.Result.Symbol, quantity, cfg)
	if err != nil {
		e.logger.Error("Sell failed", zap.String("coin", trade.CoinName), zap.Error(err))
		trade.ResetState()
		return
	}
	if !result.Confirmed {
		e.logger.Warn("Sell not confirmed by exchange",
			zap.String("coin", trade.CoinName), zap.String("msg", result.Msg))
		trade.ResetState()
		return
	}

	sellCommission := e.fees.Absorb(result.Commission, cfg)

	final := models.NewTradeResult(trade.Result.Symbol)
	final.Paid = trade.Result.Paid
	final.Gained = result.Gained
	final.SoldPrice = result.SoldPrice
	final.Commission = trade.Result.Commission + sellCommission
	final.Confirmed = true

	profit := e.fees.SettleProfit(final.Profit(), final.Commission, prices, cfg)

	e.logger.Info("Position closed",
		zap.String("coin", trade.CoinName),
		zap.Float64("sold_price", final.SoldPrice),
		zap.Float64("profit", profit))

	if err := e.stats.LogTrade(&models.TradeLog{
		Symbol:        final.Symbol.String(),
		Side:          binance.OrderSideSell,
		Price:         final.SoldPrice,
		Quantity:      result.Quantity,
		QuoteQuantity: final.Gained,
		Commission:    final.Commission,
		Profit:        profit,
		Timestamp:     time.Now().Unix(),
		IsSimulation:  cfg.DryRun,
	}); err != nil {
		e.logger.Error("Failed to log sell", zap.Error(err))
	}

	trade.Sold(final)
	if !cfg.SwingTrade {
		trade.Deleted = true
	}

	e.freeBalance += final.Gained
	e.investedCount--
	if profit > 0 {
		e.tickProfit += profit
	}
}

// averageDown reinvests this tick's realized profit into the open position
// with the worst unrealized loss. Deliberate drawdown-recovery policy,
// triggered automatically rather than by a buy signal.
func (e *Engine) averageDown(prices map[string]float64, cfg config.Trading) {
	trades, err := e.trades.List()
	if err != nil {
		e.logger.Error("Could not list trades for averaging down", zap.Error(err))
		return
	}

	worstCoin := ""
	worstProfit := 0.0
	for _, trade := range trades {
		if trade.State != models.StateBought || trade.HODL {
			continue
		}
		if profit := trade.ProfitPercent(); profit < worstProfit {
			worstProfit = profit
			worstCoin = trade.CoinName
		}
	}
	if worstCoin == "" {
		return
	}

	amount := e.tickProfit
	e.tickProfit = 0
	e.logger.Info("Averaging down",
		zap.String("coin", worstCoin),
		zap.Float64("amount", amount),
		zap.Float64("profit_percent", worstProfit))

	e.processAveragingBuy(worstCoin, amount, cfg)
}

func (e *Engine) processAveragingBuy(coin string, amount float64, cfg config.Trading) {
	err := e.trades.Update(coin, func(trade *models.Trade) *models.Trade {
		if trade.State != models.StateBought {
			return trade
		}
		e.executeBuy(trade, amount, cfg)
		return trade
	}, nil)
	if err != nil && !errors.Is(err, repository.ErrLocked) {
		e.logger.Error("Averaging down failed", zap.String("coin", coin), zap.Error(err))
	}
}

// reconcileBalance re-fetches the free balance at tick end and logs drift
// between the exchange's figure and the engine's running one.
func (e *Engine) reconcileBalance(cfg config.Trading) {
	if cfg.DryRun {
		return
	}
	balance, err := e.exchange.GetBalance(cfg.StableCoin)
	if err != nil {
		e.logger.Error("Could not reconcile balance", zap.Error(err))
		return
	}
	if drift := math.Abs(balance - e.freeBalance); drift > 0.01 {
		e.logger.Warn("Free balance drifted from running figure",
			zap.Float64("exchange", balance),
			zap.Float64("running", e.freeBalance))
	}
	e.freeBalance = balance
}

// marketBuy wraps the exchange call with dry-run simulation.
func (e *Engine) marketBuy(symbol models.Symbol, quoteCost float64, cfg config.Trading) (models.TradeResult, error) {
	if !cfg.DryRun {
		return e.exchange.MarketBuy(symbol, quoteCost)
	}

	prices, err := e.exchange.GetPrices()
	if err != nil {
		return models.TradeResult{}, err
	}
	price, ok := prices[symbol.String()]
	if !ok || price <= 0 {
		return models.FailedTradeResult(symbol, "no price for dry-run buy"), nil
	}

	result := models.NewTradeResult(symbol)
	result.Quantity = quoteCost / price
	result.Cost = quoteCost
	result.Paid = quoteCost
	result.Commission = e.dryRunCommission(quoteCost, prices, cfg)
	result.Confirmed = true
	return result, nil
}

// marketSell wraps the exchange call with dry-run simulation.
func (e *Engine) marketSell(symbol models.Symbol, quantity float64, cfg config.Trading) (models.TradeResult, error) {
	if !cfg.DryRun {
		return e.exchange.MarketSell(symbol, quantity)
	}

	prices, err := e.exchange.GetPrices()
	if err != nil {
		return models.TradeResult{}, err
	}
	price, ok := prices[symbol.String()]
	if !ok || price <= 0 {
		return models.FailedTradeResult(symbol, "no price for dry-run sell"), nil
	}

	result := models.NewTradeResult(symbol)
	result.Quantity = quantity
	result.Gained = quantity * price
	result.SoldPrice = price
	result.Commission = e.dryRunCommission(result.Gained, prices, cfg)
	result.Confirmed = true
	return result, nil
}

// dryRunCommission estimates a fill's commission in fee-coin units.
func (e *Engine) dryRunCommission(quoteValue float64, prices map[string]float64, cfg config.Trading) float64 {
	feePrice := prices[cfg.FeeCoin+cfg.StableCoin]
	if feePrice <= 0 {
		return 0
	}
	return quoteValue * cfg.FeeRate / feePrice
}

// Buy registers a manual (or scoring-driven) buy signal for a coin.
func (e *Engine) Buy(coin string) error {
	cfg := e.cfg.Trading
	symbol, err := models.NewSymbol(coin, cfg.StableCoin)
	if err != nil {
		return err
	}

	return e.trades.Update(coin, func(trade *models.Trade) *models.Trade {
		// A held position and an in-flight exit both own coins; a buy
		// signal must not cancel either.
		if trade.State == models.StateBought || trade.State == models.StateSell {
			e.logger.Info("Coin already owned, buy signal ignored",
				zap.String("coin", coin), zap.String("state", string(trade.State)))
			return trade
		}
		trade.State = models.StateBuy
		trade.TTL = 0
		return trade
	}, func() *models.Trade {
		return models.NewTrade(coin, symbol, cfg.PriceWindowSize)
	})
}

// DefaultSelectivity returns the configured scoring level, falling back to
// MODERATE for unknown values.
func (e *Engine) DefaultSelectivity() models.Selectivity {
	level := models.Selectivity(strings.ToUpper(e.cfg.Trading.Selectivity))
	for _, known := range models.Selectivities() {
		if level == known {
			return level
		}
	}
	return models.SelectivityModerate
}

// Sell requests an exit for a held coin; the next tick executes it.
func (e *Engine) Sell(coin string) error {
	return e.trades.Update(coin, func(trade *models.Trade) *models.Trade {
		if trade.State != models.StateBought {
			e.logger.Warn("Sell requested for coin that is not bought",
				zap.String("coin", coin), zap.String("state", string(trade.State)))
			return trade
		}
		trade.State = models.StateSell
		return trade
	}, nil)
}

// SetHold marks or unmarks a coin as held: a held coin is never auto-sold.
func (e *Engine) SetHold(coin string, hold bool) error {
	return e.trades.Update(coin, func(trade *models.Trade) *models.Trade {
		trade.HODL = hold
		return trade
	}, nil)
}

// Drop removes a coin's record without selling anything.
func (e *Engine) Drop(coin string) error {
	return e.trades.Update(coin, func(trade *models.Trade) *models.Trade {
		trade.Deleted = true
		return trade
	}, nil)
}

// Import creates BOUGHT records for coins acquired outside the bot, using
// the current balances and prices as the cost basis. No orders are issued.
func (e *Engine) Import(coins []string) error {
	cfg := e.cfg.Trading

	prices, err := e.exchange.GetPrices()
	if err != nil {
		return fmt.Errorf("could not get prices for import: %w", err)
	}

	for _, coin := range coins {
		symbol, err := models.NewSymbol(coin, cfg.StableCoin)
		if err != nil {
			return err
		}

		quantity, err := e.exchange.GetBalance(symbol.QuantityAsset)
		if err != nil {
			return fmt.Errorf("could not get balance for %s: %w", coin, err)
		}
		price, ok := prices[symbol.String()]
		if quantity <= 0 || !ok {
			e.logger.Warn("Nothing to import", zap.String("coin", coin),
				zap.Float64("quantity", quantity))
			continue
		}

		err = e.trades.Update(coin, func(trade *models.Trade) *models.Trade {
			e.logger.Warn("Record already exists, import skipped", zap.String("coin", coin))
			return trade
		}, func() *models.Trade {
			trade := models.NewTrade(coin, symbol, cfg.PriceWindowSize)
			trade.Result.Quantity = quantity
			trade.Result.Cost = quantity * price
			trade.Result.Paid = trade.Result.Cost
			trade.Result.Confirmed = true
			trade.PushPrice(price)
			trade.Bought()
			trade.StopLimitPrice = price * (1 - cfg.StopLimit)
			return trade
		})
		if err != nil {
			return err
		}
	}

	return nil
}

// GetTrades returns every trade record, sorted by coin name.
func (e *Engine) GetTrades() ([]*models.Trade, error) {
	return e.trades.List()
}
