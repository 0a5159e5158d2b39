// Package config defines the top-level configuration for the up/down bot and
// provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by UPDOWN_* environment variables. It is
// read once at startup and never reloaded.
type Config struct {
	Wallet     WalletConfig     `toml:"wallet"`
	Polymarket PolymarketConfig `toml:"polymarket"`
	Market     MarketConfig     `toml:"market"`
	Trading    TradingConfig    `toml:"trading"`
	Feed       FeedConfig       `toml:"feed"`
	Execution  ExecutionConfig  `toml:"execution"`
	Postgres   PostgresConfig   `toml:"postgres"`
	Redis      RedisConfig      `toml:"redis"`
	S3         S3Config         `toml:"s3"`
	Journal    JournalConfig    `toml:"journal"`
	Server     ServerConfig     `toml:"server"`
	Notify     NotifyConfig     `toml:"notify"`
	Signal     SignalConfig     `toml:"signal"`
	Mode       string           `toml:"mode"`
	LogLevel   string           `toml:"log_level"`
}

// WalletConfig holds Ethereum wallet credentials.
type WalletConfig struct {
	PrivateKey       string `toml:"private_key"`
	SafeAddress      string `toml:"safe_address"`
	EncryptedKeyPath string `toml:"encrypted_key_path"`
	KeyPassword      string `toml:"key_password"`
}

// PolymarketConfig holds CLOB endpoints, chain parameters and L2 API
// credentials. Empty credentials are derived from the wallet at startup.
type PolymarketConfig struct {
	ClobHost        string `toml:"clob_host"`
	WsURL           string `toml:"ws_url"`
	ChainID         int    `toml:"chain_id"`
	SignatureType   int    `toml:"signature_type"`
	ExchangeAddress string `toml:"exchange_address"`
	OrderType       string `toml:"order_type"`
	ApiKey          string `toml:"api_key"`
	ApiSecret       string `toml:"api_secret"`
	ApiPassphrase   string `toml:"api_passphrase"`
}

// MarketConfig identifies the binary market being traded.
type MarketConfig struct {
	UpTokenID   string `toml:"up_token_id"`
	DownTokenID string `toml:"down_token_id"`
	EventTitle  string `toml:"event_title"`
}

// TradingConfig holds position sizing and exit targets. Sizes are in shares;
// SlippageCents is whole cents added to the best ask on entry.
type TradingConfig struct {
	PositionSize        float64  `toml:"position_size"`
	MaxPositionSize     float64  `toml:"max_position_size"`
	MaxOpenPositions    int      `toml:"max_open_positions"`
	TakeProfitPct       float64  `toml:"take_profit_pct"`
	StopLossPct         float64  `toml:"stop_loss_pct"`
	SlippageCents       int      `toml:"slippage_cents"`
	StopLossFirst       bool     `toml:"stop_loss_first"`
	StaleBreakevenAfter duration `toml:"stale_breakeven_after"`
}

// FeedConfig controls the market-data websocket and staleness policy.
type FeedConfig struct {
	StaleAfter       duration `toml:"stale_after"`
	ReconnectMin     duration `toml:"reconnect_min"`
	ReconnectMax     duration `toml:"reconnect_max"`
	HandshakeTimeout duration `toml:"handshake_timeout"`
	SweepInterval    duration `toml:"sweep_interval"`
}

// ExecutionConfig controls order acceptance windows and the exit ladder.
type ExecutionConfig struct {
	EntryWindow     duration `toml:"entry_window"`
	ExitWindow      duration `toml:"exit_window"`
	MaxExitAttempts int      `toml:"max_exit_attempts"`
	PollInterval    duration `toml:"poll_interval"`
	PriceTick       float64  `toml:"price_tick"`
	OrdersPerSecond int      `toml:"orders_per_second"`
}

// SignalConfig controls the optional volatility auto-entry: trades on a
// reference product (BTC-USD on Coinbase) are watched over a rolling window,
// and a move of at least Threshold opens a position on the matching side.
// It is off unless Enabled.
type SignalConfig struct {
	Enabled        bool     `toml:"enabled"`
	WsURL          string   `toml:"ws_url"`
	ProductID      string   `toml:"product_id"`
	Window         duration `toml:"window"`
	Threshold      float64  `toml:"threshold"`
	Cooldown       duration `toml:"cooldown"`
	MaxSpreadCents int      `toml:"max_spread_cents"`
	// Size is shares per auto entry; 0 uses trading.position_size.
	Size float64 `toml:"size"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	Enabled       bool   `toml:"enabled"`
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Enabled        bool     `toml:"enabled"`
	Addr           string   `toml:"addr"`
	Password       string   `toml:"password"`
	DB             int      `toml:"db"`
	PoolSize       int      `toml:"pool_size"`
	MaxRetries     int      `toml:"max_retries"`
	TLSEnabled     bool     `toml:"tls_enabled"`
	SessionLockTTL duration `toml:"session_lock_ttl"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
	Prefix         string `toml:"prefix"`
}

// JournalConfig controls the per-session JSONL journal.
type JournalConfig struct {
	Dir    string `toml:"dir"`
	Upload bool   `toml:"upload"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// ServerConfig holds HTTP control-surface parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	ApiKey      string   `toml:"api_key"`
	// RateLimit is API requests per minute per client IP, enforced through
	// Redis. Zero disables it.
	RateLimit int `toml:"rate_limit"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// Defaults returns a Config populated with reasonable default values.
func Defaults() Config {
	return Config{
		Polymarket: PolymarketConfig{
			ClobHost:        "https://clob.polymarket.com",
			WsURL:           "wss://ws-subscriptions-clob.polymarket.com/ws/market",
			ChainID:         137,
			SignatureType:   2,
			ExchangeAddress: "0x4bFb41d5B3570DeFd03C39a9A4D8dE6Bd8B8982E",
			OrderType:       "GTC",
		},
		Trading: TradingConfig{
			PositionSize:     20,
			MaxPositionSize:  200,
			MaxOpenPositions: 10,
			TakeProfitPct:    0.03,
			StopLossPct:      0.03,
			SlippageCents:    2,
			StopLossFirst:    true,
		},
		Feed: FeedConfig{
			StaleAfter:       duration{5 * time.Second},
			ReconnectMin:     duration{time.Second},
			ReconnectMax:     duration{30 * time.Second},
			HandshakeTimeout: duration{15 * time.Second},
			SweepInterval:    duration{time.Second},
		},
		Execution: ExecutionConfig{
			EntryWindow:     duration{2 * time.Second},
			ExitWindow:      duration{1500 * time.Millisecond},
			MaxExitAttempts: 3,
			PollInterval:    duration{200 * time.Millisecond},
			PriceTick:       0.01,
			OrdersPerSecond: 10,
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "postgres",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  5,
			PoolMinConns:  1,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:           "localhost:6379",
			PoolSize:       10,
			MaxRetries:     3,
			SessionLockTTL: duration{30 * time.Second},
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "updown-journal",
			ForcePathStyle: true,
			Prefix:         "journal",
		},
		Journal: JournalConfig{
			Dir: "data/journal",
		},
		Server: ServerConfig{
			Enabled:     true,
			Port:        8000,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
		},
		Notify: NotifyConfig{
			Events: []string{"position_stuck", "order_rejected", "position_closed"},
		},
		Signal: SignalConfig{
			WsURL:          "wss://ws-feed.exchange.coinbase.com",
			ProductID:      "BTC-USD",
			Window:         duration{500 * time.Millisecond},
			Threshold:      0.00015,
			Cooldown:       duration{2 * time.Second},
			MaxSpreadCents: 1,
		},
		Mode:     "paper",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"trade": true,
	"paper": true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validOrderTypes = map[string]bool{
	"FAK": true,
	"FOK": true,
	"GTC": true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: trade, paper)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Wallet is only needed when real orders are signed.
	if strings.EqualFold(c.Mode, "trade") {
		if c.Wallet.PrivateKey == "" && c.Wallet.EncryptedKeyPath == "" {
			errs = append(errs, "wallet: either private_key or encrypted_key_path must be set for mode trade")
		}
		if c.Wallet.EncryptedKeyPath != "" && c.Wallet.KeyPassword == "" {
			errs = append(errs, "wallet: key_password is required when encrypted_key_path is set")
		}
		if c.Polymarket.ClobHost == "" {
			errs = append(errs, "polymarket: clob_host must not be empty")
		}
		if c.Polymarket.ExchangeAddress == "" {
			errs = append(errs, "polymarket: exchange_address must not be empty")
		}
	}

	if c.Polymarket.WsURL == "" {
		errs = append(errs, "polymarket: ws_url must not be empty")
	}
	if c.Polymarket.ChainID <= 0 {
		errs = append(errs, "polymarket: chain_id must be positive")
	}
	if c.Polymarket.SignatureType < 0 || c.Polymarket.SignatureType > 2 {
		errs = append(errs, fmt.Sprintf("polymarket: signature_type must be 0 (EOA), 1 (proxy) or 2 (Safe), got %d", c.Polymarket.SignatureType))
	}
	if !validOrderTypes[strings.ToUpper(c.Polymarket.OrderType)] {
		errs = append(errs, fmt.Sprintf("polymarket: unknown order_type %q (valid: FAK, FOK, GTC)", c.Polymarket.OrderType))
	}
	ak := c.Polymarket.ApiKey != ""
	as := c.Polymarket.ApiSecret != ""
	ap := c.Polymarket.ApiPassphrase != ""
	if (ak || as || ap) && !(ak && as && ap) {
		errs = append(errs, "polymarket: api_key, api_secret, and api_passphrase must all be set together")
	}

	if c.Market.UpTokenID == "" || c.Market.DownTokenID == "" {
		errs = append(errs, "market: up_token_id and down_token_id must both be set")
	} else if c.Market.UpTokenID == c.Market.DownTokenID {
		errs = append(errs, "market: up_token_id and down_token_id must differ")
	}

	t := c.Trading
	if t.PositionSize <= 0 {
		errs = append(errs, "trading: position_size must be > 0")
	}
	if t.MaxPositionSize < t.PositionSize {
		errs = append(errs, "trading: max_position_size must be >= position_size")
	}
	if t.MaxOpenPositions < 1 {
		errs = append(errs, "trading: max_open_positions must be >= 1")
	}
	if t.TakeProfitPct <= 0 || t.TakeProfitPct >= 1 {
		errs = append(errs, fmt.Sprintf("trading: take_profit_pct must be in (0, 1), got %g", t.TakeProfitPct))
	}
	if t.StopLossPct <= 0 || t.StopLossPct >= 1 {
		errs = append(errs, fmt.Sprintf("trading: stop_loss_pct must be in (0, 1), got %g", t.StopLossPct))
	}
	if t.SlippageCents < 0 || t.SlippageCents > 98 {
		errs = append(errs, fmt.Sprintf("trading: slippage_cents must be 0-98, got %d", t.SlippageCents))
	}
	if t.StaleBreakevenAfter.Duration < 0 {
		errs = append(errs, "trading: stale_breakeven_after must be >= 0")
	}

	if c.Feed.StaleAfter.Duration <= 0 {
		errs = append(errs, "feed: stale_after must be positive")
	}
	if c.Feed.ReconnectMin.Duration <= 0 || c.Feed.ReconnectMax.Duration < c.Feed.ReconnectMin.Duration {
		errs = append(errs, "feed: reconnect_min must be positive and <= reconnect_max")
	}
	if c.Feed.SweepInterval.Duration <= 0 {
		errs = append(errs, "feed: sweep_interval must be positive")
	}

	e := c.Execution
	if e.EntryWindow.Duration <= 0 || e.ExitWindow.Duration <= 0 {
		errs = append(errs, "execution: entry_window and exit_window must be positive")
	}
	if e.MaxExitAttempts < 1 {
		errs = append(errs, "execution: max_exit_attempts must be >= 1")
	}
	if e.PollInterval.Duration <= 0 {
		errs = append(errs, "execution: poll_interval must be positive")
	}
	if e.PriceTick <= 0 || e.PriceTick >= 1 {
		errs = append(errs, "execution: price_tick must be in (0, 1)")
	}
	if e.OrdersPerSecond < 1 {
		errs = append(errs, "execution: orders_per_second must be >= 1")
	}

	if c.Postgres.Enabled {
		if strings.TrimSpace(c.Postgres.DSN) == "" {
			if c.Postgres.Host == "" {
				errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
			}
			if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
				errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
			}
			if c.Postgres.Database == "" {
				errs = append(errs, "postgres: database must not be empty")
			}
		}
		if c.Postgres.PoolMaxConns < 1 {
			errs = append(errs, "postgres: pool_max_conns must be >= 1")
		}
		if c.Postgres.PoolMinConns < 0 || c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			errs = append(errs, "postgres: pool_min_conns must be between 0 and pool_max_conns")
		}
	}

	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty")
		}
		if c.Redis.SessionLockTTL.Duration < 3*time.Second {
			errs = append(errs, "redis: session_lock_ttl must be >= 3s")
		}
	}

	if c.S3.Enabled {
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty")
		}
		if c.S3.Region == "" {
			errs = append(errs, "s3: region must not be empty")
		}
	}
	if c.Journal.Upload && !c.S3.Enabled {
		errs = append(errs, "journal: upload requires s3.enabled")
	}

	if c.Server.Enabled && (c.Server.Port <= 0 || c.Server.Port > 65535) {
		errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
	}
	if c.Server.RateLimit < 0 {
		errs = append(errs, "server: rate_limit must be >= 0")
	}

	if s := c.Signal; s.Enabled {
		if s.WsURL == "" || s.ProductID == "" {
			errs = append(errs, "signal: ws_url and product_id must be set")
		}
		if s.Window.Duration <= 0 {
			errs = append(errs, "signal: window must be positive")
		}
		if s.Threshold <= 0 || s.Threshold >= 1 {
			errs = append(errs, fmt.Sprintf("signal: threshold must be in (0, 1), got %g", s.Threshold))
		}
		if s.Cooldown.Duration < 0 {
			errs = append(errs, "signal: cooldown must be >= 0")
		}
		if s.MaxSpreadCents < 1 || s.MaxSpreadCents > 98 {
			errs = append(errs, fmt.Sprintf("signal: max_spread_cents must be 1-98, got %d", s.MaxSpreadCents))
		}
		if s.Size < 0 || (s.Size > 0 && s.Size > t.MaxPositionSize) {
			errs = append(errs, "signal: size must be between 0 and trading.max_position_size")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
