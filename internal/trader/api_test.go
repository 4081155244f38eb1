package trader

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"binance-swing-bot-go/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestAPI(t *testing.T) (*httptest.Server, *engineFixture) {
	t.Helper()
	f := newTestEngine(t, nil)
	api := NewAPIServer(f.engine, f.engine.scores, f.engine.stats, 0, zap.NewNop())
	server := httptest.NewServer(api.server.Handler)
	t.Cleanup(server.Close)
	return server, f
}

func TestHealthEndpoint(t *testing.T) {
	server, _ := newTestAPI(t)

	resp, err := http.Get(server.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestBuyEndpoint(t *testing.T) {
	server, f := newTestAPI(t)

	resp, err := http.Post(server.URL+"/api/buy?coin=BTC", "", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	trade := f.mustGet(t, "BTC")
	assert.Equal(t, models.StateBuy, trade.State)

	// The signal endpoints require POST.
	resp, err = http.Get(server.URL + "/api/buy?coin=BTC")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)

	// And a coin parameter.
	resp, err = http.Post(server.URL+"/api/buy", "", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHoldAndDropEndpoints(t *testing.T) {
	server, f := newTestAPI(t)
	require.NoError(t, f.engine.Buy("BTC"))

	resp, err := http.Post(server.URL+"/api/hold?coin=BTC", "", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, f.mustGet(t, "BTC").HODL)

	resp, err = http.Post(server.URL+"/api/hold?coin=BTC&value=false", "", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.False(t, f.mustGet(t, "BTC").HODL)

	resp, err = http.Post(server.URL+"/api/drop?coin=BTC", "", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	gone, err := f.trades.Get("BTC")
	require.NoError(t, err)
	assert.Nil(t, gone)
}

func TestTradesEndpoint(t *testing.T) {
	server, f := newTestAPI(t)
	require.NoError(t, f.engine.Buy("BTC"))
	require.NoError(t, f.engine.Buy("ETH"))

	resp, err := http.Get(server.URL + "/api/trades")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var trades []models.Trade
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&trades))
	require.Len(t, trades, 2)
	assert.Equal(t, "BTC", trades[0].CoinName)
	assert.Equal(t, "ETH", trades[1].CoinName)
}

func TestImportEndpoint(t *testing.T) {
	server, f := newTestAPI(t)
	f.exchange.balances["ADA"] = 100
	f.exchange.prices["ADAUSDT"] = 2

	body := bytes.NewBufferString(`{"coins": ["ADA"]}`)
	resp, err := http.Post(server.URL+"/api/import", "application/json", body)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, models.StateBought, f.mustGet(t, "ADA").State)

	// An empty coin list is a client error.
	resp, err = http.Post(server.URL+"/api/import", "application/json", bytes.NewBufferString(`{}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestTickEndpoint(t *testing.T) {
	server, f := newTestAPI(t)
	require.NoError(t, f.engine.Buy("BTC"))

	resp, err := http.Post(server.URL+"/api/tick", "", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestScoresEndpoints(t *testing.T) {
	server, _ := newTestAPI(t)

	// Without a parameter the configured trading level is the view.
	resp, err := http.Get(server.URL + "/api/scores")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var ranked []models.CoinScore
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&ranked))
	assert.Empty(t, ranked)

	resp, err = http.Get(server.URL + "/api/scores?selectivity=all")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var all map[models.Selectivity][]models.CoinScore
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&all))
	assert.Len(t, all, 4)

	resp, err = http.Get(server.URL + "/api/scores?selectivity=moderate")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	ranked = nil
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&ranked))
	assert.Empty(t, ranked)

	resp, err = http.Post(server.URL+"/api/scores/reset", "", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestStatisticsEndpoint(t *testing.T) {
	server, f := newTestAPI(t)
	require.NoError(t, f.stats.LogTrade(&models.TradeLog{
		Symbol: "BTCUSDT", Side: "SELL", Profit: 5, Timestamp: 1,
	}))

	resp, err := http.Get(server.URL + "/api/statistics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var payload map[string]map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
	assert.Contains(t, payload, "all_time")
	assert.Contains(t, payload, "since_24h")
	assert.Equal(t, 5.0, payload["all_time"]["total_profit"])
}
