package trader

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"binance-swing-bot-go/internal/database"
	"binance-swing-bot-go/internal/models"
	"go.uber.org/zap"
)

// APIServer is the control surface of the trading engine: manual signals,
// record inspection, scores and statistics.
type APIServer struct {
	server *http.Server
	engine *Engine
	scores *Scores
	stats  *database.Statistics
	logger *zap.Logger
}

// NewAPIServer creates a new APIServer.
func NewAPIServer(engine *Engine, scores *Scores, stats *database.Statistics, port int, logger *zap.Logger) *APIServer {
	s := &APIServer{
		engine: engine,
		scores: scores,
		stats:  stats,
		logger: logger.Named("api-server"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/tick", s.tickHandler)
	mux.HandleFunc("/api/buy", s.buyHandler)
	mux.HandleFunc("/api/sell", s.sellHandler)
	mux.HandleFunc("/api/hold", s.holdHandler)
	mux.HandleFunc("/api/drop", s.dropHandler)
	mux.HandleFunc("/api/import", s.importHandler)
	mux.HandleFunc("/api/trades", s.tradesHandler)
	mux.HandleFunc("/api/scores", s.scoresHandler)
	mux.HandleFunc("/api/scores/reset", s.scoresResetHandler)
	mux.HandleFunc("/api/statistics", s.statisticsHandler)
	mux.HandleFunc("/health", s.healthHandler)

	s.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}
	return s
}

// Start runs the HTTP server in a new goroutine.
func (s *APIServer) Start() {
	s.logger.Info("Starting control API server", zap.String("address", s.server.Addr))
	go func() {
		if err := s.server.ListenAndServe(); err != http.ErrServerClosed {
			s.logger.Error("Control API server failed", zap.Error(err))
		}
	}()
}

// Stop gracefully shuts down the server.
func (s *APIServer) Stop(ctx context.Context) error {
	s.logger.Info("Stopping control API server...")
	return s.server.Shutdown(ctx)
}

func (s *APIServer) writeJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("Failed to write response", zap.Error(err))
	}
}

func (s *APIServer) writeError(w http.ResponseWriter, err error) {
	s.logger.Error("Request failed", zap.Error(err))
	http.Error(w, err.Error(), http.StatusInternalServerError)
}

// coinParam extracts the mandatory coin query parameter.
func coinParam(r *http.Request) (string, bool) {
	coin := strings.TrimSpace(r.URL.Query().Get("coin"))
	return coin, coin != ""
}

func (s *APIServer) tickHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST required", http.StatusMethodNotAllowed)
		return
	}
	if err := s.engine.Tick(); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, map[string]string{"status": "ok"})
}

func (s *APIServer) buyHandler(w http.ResponseWriter, r *http.Request) {
	s.coinAction(w, r, s.engine.Buy)
}

func (s *APIServer) sellHandler(w http.ResponseWriter, r *http.Request) {
	s.coinAction(w, r, s.engine.Sell)
}

func (s *APIServer) dropHandler(w http.ResponseWriter, r *http.Request) {
	s.coinAction(w, r, s.engine.Drop)
}

// coinAction is the shared shape of the single-coin POST endpoints.
func (s *APIServer) coinAction(w http.ResponseWriter, r *http.Request, action func(string) error) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST required", http.StatusMethodNotAllowed)
		return
	}
	coin, ok := coinParam(r)
	if !ok {
		http.Error(w, "coin parameter required", http.StatusBadRequest)
		return
	}
	if err := action(coin); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, map[string]string{"status": "ok", "coin": coin})
}

func (s *APIServer) holdHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST required", http.StatusMethodNotAllowed)
		return
	}
	coin, ok := coinParam(r)
	if !ok {
		http.Error(w, "coin parameter required", http.StatusBadRequest)
		return
	}
	hold := r.URL.Query().Get("value") != "false"
	if err := s.engine.SetHold(coin, hold); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, map[string]any{"status": "ok", "coin": coin, "hold": hold})
}

func (s *APIServer) importHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST required", http.StatusMethodNotAllowed)
		return
	}

	var payload struct {
		Coins []string `json:"coins"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil || len(payload.Coins) == 0 {
		http.Error(w, "body must be {\"coins\": [...]}", http.StatusBadRequest)
		return
	}
	if err := s.engine.Import(payload.Coins); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, map[string]any{"status": "ok", "coins": payload.Coins})
}

func (s *APIServer) tradesHandler(w http.ResponseWriter, r *http.Request) {
	trades, err := s.engine.GetTrades()
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, trades)
}

func (s *APIServer) scoresHandler(w http.ResponseWriter, r *http.Request) {
	level := r.URL.Query().Get("selectivity")
	switch {
	case strings.EqualFold(level, "all"):
		s.writeJSON(w, s.scores.RankAll())
	case level != "":
		s.writeJSON(w, s.scores.Rank(models.Selectivity(strings.ToUpper(level))))
	default:
		// The configured trading level is the default view.
		s.writeJSON(w, s.scores.Rank(s.engine.DefaultSelectivity()))
	}
}

func (s *APIServer) scoresResetHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST required", http.StatusMethodNotAllowed)
		return
	}
	if err := s.scores.Reset(); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, map[string]string{"status": "ok"})
}

func (s *APIServer) statisticsHandler(w http.ResponseWriter, r *http.Request) {
	allTime, err := s.stats.AllTime()
	if err != nil {
		s.writeError(w, err)
		return
	}
	since24h, err := s.stats.Since24h()
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, map[string]database.Summary{
		"all_time":  allTime,
		"since_24h": since24h,
	})
}

func (s *APIServer) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "OK")
}
