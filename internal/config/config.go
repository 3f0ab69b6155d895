package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Log       LoggingConfig   `yaml:"log"`
	REST      RESTConfig      `yaml:"rest"`
	WS        WSConfig        `yaml:"ws"`
	Engine    EngineConfig    `yaml:"engine"`
	Alerts    AlertsConfig    `yaml:"alerts"`
	Journal   JournalConfig   `yaml:"journal"`
	Timescale TimescaleConfig `yaml:"timescale"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

type RESTConfig struct {
	TradeBaseURL  string        `yaml:"trade_base_url"`
	MarketBaseURL string        `yaml:"market_base_url"`
	EdgeBaseURL   string        `yaml:"edge_base_url"`
	Timeout       time.Duration `yaml:"timeout"`
}

type WSConfig struct {
	Enabled        bool          `yaml:"enabled"`
	URL            string        `yaml:"url"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
	PingInterval   time.Duration `yaml:"ping_interval"`
	MaxBookAge     time.Duration `yaml:"max_book_age"`
}

type EngineConfig struct {
	SymbolsFile            string          `yaml:"symbols_file"`
	LoopInterval           time.Duration   `yaml:"loop_interval"`
	OrderbookDepth         int             `yaml:"orderbook_depth"`
	SingleOrderDiffUSDT    decimal.Decimal `yaml:"single_order_diff_usdt"`
	MaxRuntime             time.Duration   `yaml:"max_runtime"`
	CancelOnStop           bool            `yaml:"cancel_on_stop"`
	StopKeepStrategyOrders int             `yaml:"stop_keep_strategy_orders"`
	PostOnlyMaxRetry       int             `yaml:"post_only_max_retry"`
	PostOnlyCooldown       time.Duration   `yaml:"post_only_cooldown"`
	PartialFillTimeout     time.Duration   `yaml:"partial_fill_timeout"`
	StuckAfter             time.Duration   `yaml:"stuck_after"`
	MMRAlertThreshold      decimal.Decimal `yaml:"mmr_alert_threshold"`
	ShutdownTimeout        time.Duration   `yaml:"shutdown_timeout"`
}

type AlertsConfig struct {
	Enabled    bool          `yaml:"enabled"`
	GatewayURL string        `yaml:"gateway_url"`
	ChatID     string        `yaml:"chat_id"`
	APIKey     string        `yaml:"api_key"`
	Timeout    time.Duration `yaml:"timeout"`
}

type JournalConfig struct {
	Enabled    bool   `yaml:"enabled"`
	SQLitePath string `yaml:"sqlite_path"`
}

type TimescaleConfig struct {
	Enabled         bool          `yaml:"enabled"`
	DSN             string        `yaml:"dsn"`
	Schema          string        `yaml:"schema"`
	QueueSize       int           `yaml:"queue_size"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

func Load(path string) (*Config, error) {
	// cancel_on_stop defaults on. The preset must happen before unmarshal:
	// a plain bool cannot tell "false" from "absent" afterwards, and yaml
	// leaves absent keys untouched.
	cfg := Config{Engine: EngineConfig{CancelOnStop: true}}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, err
		}
	}
	applyEnv(&cfg)
	applyDefaults(&cfg)
	return &cfg, validate(&cfg)
}

func applyDefaults(cfg *Config) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.REST.TradeBaseURL == "" {
		cfg.REST.TradeBaseURL = "https://trades.grvt.io"
	}
	if cfg.REST.MarketBaseURL == "" {
		cfg.REST.MarketBaseURL = "https://market-data.grvt.io"
	}
	if cfg.REST.EdgeBaseURL == "" {
		cfg.REST.EdgeBaseURL = "https://edge.grvt.io"
	}
	if cfg.REST.Timeout == 0 {
		cfg.REST.Timeout = 10 * time.Second
	}
	if cfg.WS.URL == "" {
		cfg.WS.URL = "wss://market-data.grvt.io/ws/full"
	}
	if cfg.WS.ReconnectDelay == 0 {
		cfg.WS.ReconnectDelay = 3 * time.Second
	}
	if cfg.WS.PingInterval == 0 {
		cfg.WS.PingInterval = 15 * time.Second
	}
	if cfg.WS.MaxBookAge == 0 {
		cfg.WS.MaxBookAge = 5 * time.Second
	}
	if cfg.Engine.SymbolsFile == "" {
		cfg.Engine.SymbolsFile = "config/hedge_symbols.json"
	}
	if cfg.Engine.LoopInterval == 0 {
		cfg.Engine.LoopInterval = 2 * time.Second
	}
	if cfg.Engine.OrderbookDepth <= 0 {
		cfg.Engine.OrderbookDepth = 10
	}
	if cfg.Engine.SingleOrderDiffUSDT.IsZero() {
		cfg.Engine.SingleOrderDiffUSDT = decimal.NewFromInt(20)
	}
	if cfg.Engine.PostOnlyMaxRetry <= 0 {
		cfg.Engine.PostOnlyMaxRetry = 5
	}
	if cfg.Engine.PostOnlyCooldown == 0 {
		cfg.Engine.PostOnlyCooldown = 300 * time.Second
	}
	if cfg.Engine.PartialFillTimeout == 0 {
		cfg.Engine.PartialFillTimeout = 1800 * time.Second
	}
	if cfg.Engine.StuckAfter == 0 {
		cfg.Engine.StuckAfter = 6 * time.Hour
	}
	if cfg.Engine.MMRAlertThreshold.IsZero() {
		cfg.Engine.MMRAlertThreshold = decimal.RequireFromString("0.70")
	}
	if cfg.Engine.ShutdownTimeout == 0 {
		cfg.Engine.ShutdownTimeout = 5 * time.Second
	}
	if cfg.Engine.StopKeepStrategyOrders < 0 {
		cfg.Engine.StopKeepStrategyOrders = 0
	}
	if cfg.Alerts.GatewayURL == "" {
		cfg.Alerts.GatewayURL = "http://localhost:3000/send-message"
	}
	if cfg.Alerts.Timeout == 0 {
		cfg.Alerts.Timeout = 6 * time.Second
	}
	if cfg.Journal.SQLitePath == "" {
		cfg.Journal.SQLitePath = "data/grvt-hedge-bot.db"
	}
	if cfg.Timescale.Schema == "" {
		cfg.Timescale.Schema = "public"
	}
	if cfg.Timescale.QueueSize <= 0 {
		cfg.Timescale.QueueSize = 256
	}
	if cfg.Metrics.Listen == "" {
		cfg.Metrics.Listen = ":9091"
	}
}

func validate(cfg *Config) error {
	if cfg.Engine.SymbolsFile == "" {
		return errors.New("engine.symbols_file is required")
	}
	if cfg.Engine.SingleOrderDiffUSDT.IsNegative() {
		return errors.New("engine.single_order_diff_usdt must be >= 0")
	}
	if cfg.Engine.MMRAlertThreshold.IsNegative() {
		return errors.New("engine.mmr_alert_threshold must be >= 0")
	}
	if cfg.Timescale.Enabled && strings.TrimSpace(cfg.Timescale.DSN) == "" {
		return errors.New("timescale.dsn is required when timescale is enabled")
	}
	return nil
}

// applyEnv layers GRVT_HEDGE_* environment overrides on top of the YAML file so
// the original env-driven deployment style keeps working unchanged.
func applyEnv(cfg *Config) {
	if v, ok := envString("GRVT_LOG_LEVEL"); ok {
		cfg.Log.Level = strings.ToLower(v)
	}
	if v, ok := envString("GRVT_HEDGE_SYMBOLS_FILE"); ok {
		cfg.Engine.SymbolsFile = v
	}
	if v, ok := envSeconds("GRVT_HEDGE_LOOP_INTERVAL_SEC"); ok {
		cfg.Engine.LoopInterval = v
	}
	if v, ok := envInt("GRVT_HEDGE_ORDERBOOK_DEPTH"); ok && v > 0 {
		cfg.Engine.OrderbookDepth = v
	}
	if v, ok := envDecimal("GRVT_HEDGE_SINGLE_ORDER_DIFF_THRESHOLD_USDT"); ok {
		cfg.Engine.SingleOrderDiffUSDT = v
	}
	if v, ok := envSeconds("GRVT_HEDGE_MAX_RUNTIME_SEC"); ok && v > 0 {
		cfg.Engine.MaxRuntime = v
	}
	if v, ok := envBool("GRVT_HEDGE_CANCEL_ON_STOP"); ok {
		cfg.Engine.CancelOnStop = v
	}
	if v, ok := envInt("GRVT_HEDGE_STOP_KEEP_STRATEGY_ORDERS"); ok && v >= 0 {
		cfg.Engine.StopKeepStrategyOrders = v
	}
	if v, ok := envInt("GRVT_HEDGE_POST_ONLY_MAX_RETRY"); ok && v > 0 {
		cfg.Engine.PostOnlyMaxRetry = v
	}
	if v, ok := envSeconds("GRVT_HEDGE_POST_ONLY_COOLDOWN_SEC"); ok {
		cfg.Engine.PostOnlyCooldown = v
	}
	if v, ok := envSeconds("GRVT_HEDGE_PARTIAL_FILL_TIMEOUT_SEC"); ok {
		cfg.Engine.PartialFillTimeout = v
	}
	if v, ok := envInt("GRVT_HEDGE_STUCK_HOURS"); ok && v > 0 {
		cfg.Engine.StuckAfter = time.Duration(v) * time.Hour
	}
	if v, ok := envDecimal("GRVT_HEDGE_MMR_ALERT_THRESHOLD"); ok {
		cfg.Engine.MMRAlertThreshold = v
	}
	if v, ok := envString("CHAT_ID"); ok {
		cfg.Alerts.ChatID = v
		cfg.Alerts.Enabled = true
	}
	if v, ok := envString("API_KEY"); ok {
		cfg.Alerts.APIKey = v
	}
	if v, ok := envString("GRVT_HEDGE_ALERT_GATEWAY_URL"); ok {
		cfg.Alerts.GatewayURL = v
	}
}

func envString(key string) (string, bool) {
	v := strings.TrimSpace(os.Getenv(key))
	return v, v != ""
}

func envInt(key string) (int, bool) {
	raw, ok := envString(key)
	if !ok {
		return 0, false
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return v, true
}

func envSeconds(key string) (time.Duration, bool) {
	v, ok := envInt(key)
	if !ok || v < 0 {
		return 0, false
	}
	return time.Duration(v) * time.Second, true
}

func envBool(key string) (bool, bool) {
	raw, ok := envString(key)
	if !ok {
		return false, false
	}
	switch strings.ToLower(raw) {
	case "0", "false", "no":
		return false, true
	default:
		return true, true
	}
}

func envDecimal(key string) (decimal.Decimal, bool) {
	raw, ok := envString(key)
	if !ok {
		return decimal.Decimal{}, false
	}
	v, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Decimal{}, false
	}
	return v, true
}

// AccountCredentials holds one trading account's API credentials.
type AccountCredentials struct {
	Name       string
	APIKey     string
	PrivateKey string
	AccountID  string
	Env        string
}

// LoadAccounts reads indexed GRVT_TRADING_* env vars and returns the first two
// configured trading accounts. The hedge pair always needs exactly two.
func LoadAccounts() ([]AccountCredentials, error) {
	var found []AccountCredentials
	for index := 1; ; index++ {
		apiKey := strings.TrimSpace(os.Getenv(fmt.Sprintf("GRVT_TRADING_API_KEY_%d", index)))
		accountID := strings.TrimSpace(os.Getenv(fmt.Sprintf("GRVT_TRADING_ACCOUNT_ID_%d", index)))
		if apiKey == "" && accountID == "" {
			break
		}
		if apiKey == "" || accountID == "" {
			continue
		}
		env := strings.TrimSpace(os.Getenv(fmt.Sprintf("GRVT_ENV_%d", index)))
		if env == "" {
			env = strings.TrimSpace(os.Getenv("GRVT_ENV"))
		}
		if env == "" {
			env = "prod"
		}
		suffix := accountID
		if len(suffix) > 4 {
			suffix = suffix[len(suffix)-4:]
		}
		found = append(found, AccountCredentials{
			Name:       "Trading_" + suffix,
			APIKey:     apiKey,
			PrivateKey: strings.TrimSpace(os.Getenv(fmt.Sprintf("GRVT_TRADING_PRIVATE_KEY_%d", index))),
			AccountID:  accountID,
			Env:        env,
		})
	}
	if len(found) < 2 {
		return nil, fmt.Errorf("dual maker hedge requires 2 trading accounts, found %d", len(found))
	}
	for _, acct := range found[:2] {
		if acct.PrivateKey == "" {
			return nil, fmt.Errorf("trading account %s missing private key", acct.Name)
		}
	}
	return found[:2], nil
}
