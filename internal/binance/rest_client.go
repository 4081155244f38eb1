package binance

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"binance-swing-bot-go/internal/config"
	"binance-swing-bot-go/internal/models"
	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	recvWindow      = "5000" // How long a request is valid in milliseconds
	OrderTypeMarket = "MARKET"
	OrderSideBuy    = "BUY"
	OrderSideSell   = "SELL"
)

// Exchange defines the port the decision engine trades through.
type Exchange interface {
	GetBalance(asset string) (float64, error)
	MarketBuy(symbol models.Symbol, quoteCost float64) (models.TradeResult, error)
	MarketSell(symbol models.Symbol, quantity float64) (models.TradeResult, error)
	GetPrices() (map[string]float64, error)
	GetLatestOpenPrices(symbol models.Symbol, interval string, limit int) ([]float64, error)
	GetPricePrecision(symbol models.Symbol) (int, error)
	QuantityForLotStep(symbol models.Symbol, quantity float64) (float64, error)
}

// RestClient is a client for the exchange REST API. Requests are spread
// round-robin over a shuffled ring of equivalent endpoints; an endpoint that
// fails an attempt is moved to the back of the ring.
type RestClient struct {
	client    *resty.Client
	apiKey    string
	secretKey string
	logger    *zap.Logger
	limiter   *rate.Limiter

	retryAttempts int
	retryInterval time.Duration

	mu        sync.Mutex
	endpoints []string

	rulesOnce sync.Once
	rulesErr  error
	rules     map[string]SymbolInfo
}

// ensure RestClient implements the port
var _ Exchange = (*RestClient)(nil)

// NewRestClient creates a new exchange REST API client.
func NewRestClient(cfg *config.Binance, logger *zap.Logger) *RestClient {
	endpoints := make([]string, len(cfg.Endpoints))
	copy(endpoints, cfg.Endpoints)
	rand.Shuffle(len(endpoints), func(i, j int) {
		endpoints[i], endpoints[j] = endpoints[j], endpoints[i]
	})

	return &RestClient{
		client:        resty.New(),
		apiKey:        cfg.ApiKey,
		secretKey:     cfg.SecretKey,
		logger:        logger,
		limiter:       rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateLimitBurst),
		retryAttempts: cfg.RetryAttempts,
		retryInterval: time.Duration(cfg.RetryInterval) * time.Second,
		endpoints:     endpoints,
	}
}

// currentEndpoint returns the head of the rotation ring.
func (c *RestClient) currentEndpoint() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.endpoints[0]
}

// rotateEndpoint moves the current endpoint to the back of the ring.
// Rotation is independent of the retry counter.
func (c *RestClient) rotateEndpoint() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.endpoints) > 1 {
		c.endpoints = append(c.endpoints[1:], c.endpoints[0])
	}
}

// sign creates an HMAC-SHA256 signature over the query string plus the
// timestamp parameter and appends it. The exact concatenation order and the
// lower-case zero-padded hex rendering are what the exchange verifies.
func (c *RestClient) sign(queryString string) string {
	payload := queryString + "&timestamp=" + strconv.FormatInt(time.Now().UnixMilli(), 10)
	h := hmac.New(sha256.New, []byte(c.secretKey))
	h.Write([]byte(payload))
	return payload + "&signature=" + hex.EncodeToString(h.Sum(nil))
}

// execute runs op with rate limiting, bounded retries and endpoint rotation.
// Blocked responses and recognized ban signatures short-circuit immediately;
// 418/429 and 5xx are logged and retried with a fixed interval sleep.
func (c *RestClient) execute(ctx context.Context, op func(baseURL string) (*resty.Response, error), interval time.Duration, maxAttempts int) (*resty.Response, error) {
	var lastErr error

	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(interval):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter wait failed: %w", err)
		}

		endpoint := c.currentEndpoint()
		resp, err := op(endpoint)

		if err == nil && !resp.IsError() {
			return resp, nil
		}

		// Business rejections and blocked responses are final answers.
		if err != nil && !IsRetryable(err) {
			return nil, err
		}

		c.rotateEndpoint()

		if err == nil && resp != nil {
			statusCode := resp.StatusCode()
			switch {
			case statusCode == http.StatusUnavailableForLegalReasons || statusCode == http.StatusForbidden:
				return nil, fmt.Errorf("%w: HTTP %d from %s", ErrBlocked, statusCode, endpoint)
			case statusCode == http.StatusTooManyRequests || statusCode == 418:
				c.logger.Warn("Rate limited by exchange, retrying",
					zap.Int("status", statusCode),
					zap.String("endpoint", endpoint),
					zap.Int("attempt", attempt+1))
				lastErr = fmt.Errorf("request failed with status %s: %s", resp.Status(), resp.String())
				continue
			}
			if isBanMessage(resp.String()) {
				return nil, fmt.Errorf("%w: %s", ErrBlocked, resp.String())
			}
			lastErr = fmt.Errorf("request failed with status %s: %s", resp.Status(), resp.String())
		} else {
			lastErr = err
		}

		c.logger.Warn("Request failed, retrying...",
			zap.String("endpoint", endpoint),
			zap.Int("attempt", attempt+1),
			zap.Error(lastErr))
	}

	return nil, fmt.Errorf("request failed after %d attempts: %w", maxAttempts, lastErr)
}

// TickerPrice represents the response for a single ticker price.
type TickerPrice struct {
	Symbol string `json:"symbol"`
	Price  string `json:"price"`
}

// GetPrices fetches the latest price for every traded symbol.
func (c *RestClient) GetPrices() (map[string]float64, error) {
	var prices []*TickerPrice
	ctx := context.Background()

	resp, err := c.execute(ctx, func(baseURL string) (*resty.Response, error) {
		return c.client.R().
			SetResult(&prices).
			SetHeader("Content-Type", "application/json").
			Get(baseURL + "/ticker/price")
	}, c.retryInterval, c.retryAttempts)
	if err != nil {
		return nil, fmt.Errorf("failed to get ticker prices: %w", err)
	}

	result := *resp.Result().(*[]*TickerPrice)
	priceMap := make(map[string]float64, len(result))
	for _, p := range result {
		price, err := strconv.ParseFloat(p.Price, 64)
		if err != nil || price <= 0 {
			continue
		}
		priceMap[p.Symbol] = price
	}

	return priceMap, nil
}

// GetLatestOpenPrices fetches the open prices of the latest candles for a
// symbol, oldest first.
func (c *RestClient) GetLatestOpenPrices(symbol models.Symbol, interval string, limit int) ([]float64, error) {
	var klines [][]any
	ctx := context.Background()

	resp, err := c.execute(ctx, func(baseURL string) (*resty.Response, error) {
		return c.client.R().
			SetResult(&klines).
			SetQueryParams(map[string]string{
				"symbol":   symbol.String(),
				"interval": interval,
				"limit":    strconv.Itoa(limit),
			}).
			Get(baseURL + "/klines")
	}, c.retryInterval, c.retryAttempts)
	if err != nil {
		return nil, fmt.Errorf("failed to get klines for %s: %w", symbol, err)
	}

	result := *resp.Result().(*[][]any)
	opens := make([]float64, 0, len(result))
	for _, kline := range result {
		if len(kline) < 2 {
			continue
		}
		openStr, ok := kline[1].(string)
		if !ok {
			continue
		}
		open, err := strconv.ParseFloat(openStr, 64)
		if err != nil {
			continue
		}
		opens = append(opens, open)
	}

	return opens, nil
}

// accountResponse is the signed /account payload, reduced to balances.
type accountResponse struct {
	Balances []struct {
		Asset  string `json:"asset"`
		Free   string `json:"free"`
		Locked string `json:"locked"`
	} `json:"balances"`
}

// GetBalance returns the free balance of an asset.
func (c *RestClient) GetBalance(asset string) (float64, error) {
	var account accountResponse
	ctx := context.Background()

	resp, err := c.execute(ctx, func(baseURL string) (*resty.Response, error) {
		query := c.sign("recvWindow=" + recvWindow)
		return c.client.R().
			SetResult(&account).
			SetHeader("X-MBX-APIKEY", c.apiKey).
			Get(baseURL + "/account?" + query)
	}, c.retryInterval, c.retryAttempts)
	if err != nil {
		return 0, fmt.Errorf("failed to get account balances: %w", err)
	}

	result := resp.Result().(*accountResponse)
	asset = strings.ToUpper(asset)
	for _, balance := range result.Balances {
		if balance.Asset == asset {
			free, err := strconv.ParseFloat(balance.Free, 64)
			if err != nil {
				return 0, fmt.Errorf("failed to parse %s balance %q: %w", asset, balance.Free, err)
			}
			return free, nil
		}
	}

	return 0, nil
}

// orderFill is one partial fill of a market order.
type orderFill struct {
	Price           string `json:"price"`
	Quantity        string `json:"qty"`
	Commission      string `json:"commission"`
	CommissionAsset string `json:"commissionAsset"`
}

// CreateOrderResponse represents the response from creating a new order.
type CreateOrderResponse struct {
	Symbol              string      `json:"symbol"`
	OrderID             int64       `json:"orderId"`
	TransactTime        int64       `json:"transactTime"`
	ExecutedQuantity    string      `json:"executedQty"`
	CummulativeQuoteQty string      `json:"cummulativeQuoteQty"`
	Status              string      `json:"status"`
	Fills               []orderFill `json:"fills"`
}

// placeMarketOrder submits a MARKET order. Business rejections come back as
// a *BusinessError; transport failures as ordinary errors.
func (c *RestClient) placeMarketOrder(params string) (*CreateOrderResponse, error) {
	var order CreateOrderResponse
	var rejection apiError
	ctx := context.Background()

	resp, err := c.execute(ctx, func(baseURL string) (*resty.Response, error) {
		query := c.sign(params)
		resp, err := c.client.R().
			SetResult(&order).
			SetError(&rejection).
			SetHeader("X-MBX-APIKEY", c.apiKey).
			SetHeader("Content-Type", "application/x-www-form-urlencoded").
			SetBody(query).
			Post(baseURL + "/order")

		// A business rejection is a well-formed answer, not a transport
		// failure; surface it instead of letting the wrapper retry.
		if err == nil && resp.IsError() && isBusinessCode(rejection.Code) {
			return resp, &BusinessError{Code: rejection.Code, Msg: rejection.Msg}
		}
		return resp, err
	}, c.retryInterval, c.retryAttempts)

	if err != nil {
		return nil, err
	}

	return resp.Result().(*CreateOrderResponse), nil
}

// MarketBuy buys as much of the symbol as quoteCost covers at market price.
func (c *RestClient) MarketBuy(symbol models.Symbol, quoteCost float64) (models.TradeResult, error) {
	params := fmt.Sprintf("symbol=%s&side=%s&type=%s&quoteOrderQty=%s&recvWindow=%s",
		symbol.String(), OrderSideBuy, OrderTypeMarket,
		strconv.FormatFloat(quoteCost, 'f', -1, 64), recvWindow)

	order, err := c.placeMarketOrder(params)
	if err != nil {
		var businessErr *BusinessError
		if errors.As(err, &businessErr) {
			c.logger.Warn("Buy order rejected", zap.String("symbol", symbol.String()), zap.String("msg", businessErr.Msg))
			return models.FailedTradeResult(symbol, businessErr.Msg), nil
		}
		return models.TradeResult{}, fmt.Errorf("failed to buy %s: %w", symbol, err)
	}

	result := models.NewTradeResult(symbol)
	result.Quantity, _ = strconv.ParseFloat(order.ExecutedQuantity, 64)
	result.Cost, _ = strconv.ParseFloat(order.CummulativeQuoteQty, 64)
	result.Paid = result.Cost
	result.Commission = sumCommissions(order.Fills)
	result.Confirmed = order.Status == "FILLED"
	if !result.Confirmed {
		result.Msg = fmt.Sprintf("order %d status %s", order.OrderID, order.Status)
	}

	c.logger.Info("Buy order executed",
		zap.String("symbol", symbol.String()),
		zap.Float64("quantity", result.Quantity),
		zap.Float64("cost", result.Cost))
	return result, nil
}

// MarketSell sells the given quantity of the symbol at market price.
func (c *RestClient) MarketSell(symbol models.Symbol, quantity float64) (models.TradeResult, error) {
	params := fmt.Sprintf("symbol=%s&side=%s&type=%s&quantity=%s&recvWindow=%s",
		symbol.String(), OrderSideSell, OrderTypeMarket,
		strconv.FormatFloat(quantity, 'f', -1, 64), recvWindow)

	order, err := c.placeMarketOrder(params)
	if err != nil {
		var businessErr *BusinessError
		if errors.As(err, &businessErr) {
			c.logger.Warn("Sell order rejected", zap.String("symbol", symbol.String()), zap.String("msg", businessErr.Msg))
			return models.FailedTradeResult(symbol, businessErr.Msg), nil
		}
		return models.TradeResult{}, fmt.Errorf("failed to sell %s: %w", symbol, err)
	}

	result := models.NewTradeResult(symbol)
	result.Quantity, _ = strconv.ParseFloat(order.ExecutedQuantity, 64)
	result.Gained, _ = strconv.ParseFloat(order.CummulativeQuoteQty, 64)
	if result.Quantity > 0 {
		result.SoldPrice = result.Gained / result.Quantity
	}
	result.Commission = sumCommissions(order.Fills)
	result.Confirmed = order.Status == "FILLED"
	if !result.Confirmed {
		result.Msg = fmt.Sprintf("order %d status %s", order.OrderID, order.Status)
	}

	c.logger.Info("Sell order executed",
		zap.String("symbol", symbol.String()),
		zap.Float64("quantity", result.Quantity),
		zap.Float64("gained", result.Gained))
	return result, nil
}

func sumCommissions(fills []orderFill) float64 {
	total := 0.0
	for _, fill := range fills {
		commission, err := strconv.ParseFloat(fill.Commission, 64)
		if err == nil {
			total += commission
		}
	}
	return total
}

// ExchangeInfoResponse represents the full response from the /exchangeInfo endpoint.
type ExchangeInfoResponse struct {
	Symbols []SymbolInfo `json:"symbols"`
}

// SymbolInfo contains information about a specific trading symbol.
type SymbolInfo struct {
	Symbol  string   `json:"symbol"`
	Status  string   `json:"status"`
	Filters []Filter `json:"filters"`
}

// Filter represents a single filter for a symbol. LOT_SIZE carries the
// quantity step, PRICE_FILTER the tick size.
type Filter struct {
	FilterType string `json:"filterType"`
	MinQty     string `json:"minQty,omitempty"`
	StepSize   string `json:"stepSize,omitempty"`
	TickSize   string `json:"tickSize,omitempty"`
}

// exchangeRules fetches and caches the per-symbol trading rules.
func (c *RestClient) exchangeRules() (map[string]SymbolInfo, error) {
	c.rulesOnce.Do(func() {
		var info ExchangeInfoResponse
		ctx := context.Background()

		resp, err := c.execute(ctx, func(baseURL string) (*resty.Response, error) {
			return c.client.R().
				SetResult(&info).
				SetHeader("Content-Type", "application/json").
				Get(baseURL + "/exchangeInfo")
		}, c.retryInterval, c.retryAttempts)
		if err != nil {
			c.rulesErr = fmt.Errorf("failed to get exchange info: %w", err)
			return
		}

		result := resp.Result().(*ExchangeInfoResponse)
		c.rules = make(map[string]SymbolInfo, len(result.Symbols))
		for _, s := range result.Symbols {
			c.rules[s.Symbol] = s
		}
	})

	return c.rules, c.rulesErr
}

// stepPrecision derives the number of meaningful decimal places from a
// filter step like "0.00100000".
func stepPrecision(step string) int {
	trimmed := strings.TrimRight(step, "0")
	dot := strings.Index(trimmed, ".")
	if dot == -1 {
		return 0
	}
	return len(trimmed) - dot - 1
}

// GetPricePrecision returns the number of decimal places prices of the
// symbol are quoted in.
func (c *RestClient) GetPricePrecision(symbol models.Symbol) (int, error) {
	rules, err := c.exchangeRules()
	if err != nil {
		return 0, err
	}

	rule, ok := rules[symbol.String()]
	if !ok {
		return 0, fmt.Errorf("no exchange rules for symbol %s", symbol)
	}
	for _, filter := range rule.Filters {
		if filter.FilterType == "PRICE_FILTER" {
			return stepPrecision(filter.TickSize), nil
		}
	}
	return 0, fmt.Errorf("no PRICE_FILTER for symbol %s", symbol)
}

// QuantityForLotStep floors a quantity to the symbol's lot-size step so the
// exchange accepts it.
func (c *RestClient) QuantityForLotStep(symbol models.Symbol, quantity float64) (float64, error) {
	rules, err := c.exchangeRules()
	if err != nil {
		return 0, err
	}

	rule, ok := rules[symbol.String()]
	if !ok {
		// Without a rule the quantity passes through untouched.
		c.logger.Warn("No exchange rule found for symbol", zap.String("symbol", symbol.String()))
		return quantity, nil
	}

	for _, filter := range rule.Filters {
		if filter.FilterType != "LOT_SIZE" {
			continue
		}
		precision := stepPrecision(filter.StepSize)
		multiplier := math.Pow(10, float64(precision))
		return math.Floor(quantity*multiplier) / multiplier, nil
	}

	return quantity, nil
}
