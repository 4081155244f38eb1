package config

import (
	"strings"

	"github.com/spf13/viper"
)

// Config holds all configuration for the application.
type Config struct {
	Binance  Binance  `mapstructure:"binance"`
	Trading  Trading  `mapstructure:"trading"`
	Logger   Logger   `mapstructure:"logger"`
	Server   Server   `mapstructure:"server"`
	Database Database `mapstructure:"database"`
	Store    Store    `mapstructure:"store"`
}

// Binance holds the configuration for the Binance API.
type Binance struct {
	ApiKey         string   `mapstructure:"apiKey"`
	SecretKey      string   `mapstructure:"secretKey"`
	Endpoints      []string `mapstructure:"endpoints"`
	RateLimit      float64  `mapstructure:"rate_limit"`
	RateLimitBurst int      `mapstructure:"rate_limit_burst"`
	RetryAttempts  int      `mapstructure:"retry_attempts"`
	RetryInterval  int      `mapstructure:"retry_interval"` // seconds between attempts
}

// Server holds the configuration for the control API server.
type Server struct {
	Port int `mapstructure:"port"`
}

// Database holds the configuration for the trade-log database.
type Database struct {
	DSN string `mapstructure:"dsn"`
}

// Store holds the configuration for the key/value store.
type Store struct {
	Path string `mapstructure:"path"`
}

// Trading holds the tunables of the decision engine. The whole struct is
// value-passed into each tick so a mid-tick config change never splits one
// tick's view of the world.
type Trading struct {
	StableCoin           string  `mapstructure:"stable_coin"`
	StopLimit            float64 `mapstructure:"stop_limit"`   // fraction, e.g. 0.05
	ProfitLimit          float64 `mapstructure:"profit_limit"` // fraction, e.g. 0.1
	InvestSlots          int     `mapstructure:"invest_slots"`
	MinOrderSize         float64 `mapstructure:"min_order_size"`
	FeeCoin              string  `mapstructure:"fee_coin"`
	FeeRate              float64 `mapstructure:"fee_rate"`
	SellAtProfitLimit    bool    `mapstructure:"sell_at_profit_limit"`
	SwingTrade           bool    `mapstructure:"swing_trade"`
	AveragingDown        bool    `mapstructure:"averaging_down"`
	ProfitBasedStopLimit bool    `mapstructure:"profit_based_stop_limit"`
	Selectivity          string  `mapstructure:"selectivity"`
	PriceWindowSize      int     `mapstructure:"price_window_size"`
	TickInterval         int     `mapstructure:"tick_interval"` // seconds
	DeterministicOrder   bool    `mapstructure:"deterministic_order"`
	DryRun               bool    `mapstructure:"dry_run"`
}

// Logger holds the configuration for the logger.
type Logger struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
}

// LoadConfig reads configuration from file or environment variables.
func LoadConfig(path string) (config Config, err error) {
	viper.AddConfigPath(path)
	viper.SetConfigName("config") // name of config file (without extension)
	viper.SetConfigType("yml")    // or yaml, json

	// Allow environment variables to override config file
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Set default values
	viper.SetDefault("binance.endpoints", []string{
		"https://api.binance.com/api/v3",
		"https://api1.binance.com/api/v3",
		"https://api2.binance.com/api/v3",
		"https://api3.binance.com/api/v3",
		"https://api4.binance.com/api/v3",
	})
	viper.SetDefault("binance.rate_limit", 20)      // requests per second
	viper.SetDefault("binance.rate_limit_burst", 5) // burst size
	viper.SetDefault("binance.retry_attempts", 3)
	viper.SetDefault("binance.retry_interval", 1)

	viper.SetDefault("trading.stable_coin", "USDT")
	viper.SetDefault("trading.stop_limit", 0.05)
	viper.SetDefault("trading.profit_limit", 0.1)
	viper.SetDefault("trading.invest_slots", 3)
	viper.SetDefault("trading.min_order_size", 15)
	viper.SetDefault("trading.fee_coin", "BNB")
	viper.SetDefault("trading.fee_rate", 0.001)
	viper.SetDefault("trading.sell_at_profit_limit", true)
	viper.SetDefault("trading.selectivity", "MODERATE")
	viper.SetDefault("trading.price_window_size", 10)
	viper.SetDefault("trading.tick_interval", 60)

	viper.SetDefault("logger.level", "info")
	viper.SetDefault("logger.format", "console")
	viper.SetDefault("logger.max_size_mb", 50)
	viper.SetDefault("logger.max_backups", 3)

	viper.SetDefault("server.port", 8080)
	viper.SetDefault("database.dsn", "trades.db")
	viper.SetDefault("store.path", "store")

	err = viper.ReadInConfig()
	if err != nil {
		return
	}

	err = viper.Unmarshal(&config)
	return
}
