package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies UPDOWN_* environment variable overrides, and
// returns the final Config. An empty path skips the file. The returned Config
// has NOT been validated; the caller should invoke Config.Validate() after
// Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, fmt.Errorf("config: decode %s: %w", path, err)
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known UPDOWN_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty).
func applyEnvOverrides(cfg *Config) {
	// ── Wallet ──
	setStr(&cfg.Wallet.PrivateKey, "UPDOWN_WALLET_PRIVATE_KEY")
	setStr(&cfg.Wallet.SafeAddress, "UPDOWN_WALLET_SAFE_ADDRESS")
	setStr(&cfg.Wallet.EncryptedKeyPath, "UPDOWN_WALLET_ENCRYPTED_KEY_PATH")
	setStr(&cfg.Wallet.KeyPassword, "UPDOWN_WALLET_KEY_PASSWORD")
	setStr(&cfg.Wallet.KeyPassword, "UPDOWN_KEY_PASSWORD") // alias shared with -encrypt-key

	// ── Polymarket ──
	setStr(&cfg.Polymarket.ClobHost, "UPDOWN_POLYMARKET_CLOB_HOST")
	setStr(&cfg.Polymarket.WsURL, "UPDOWN_POLYMARKET_WS_URL")
	setInt(&cfg.Polymarket.ChainID, "UPDOWN_POLYMARKET_CHAIN_ID")
	setInt(&cfg.Polymarket.SignatureType, "UPDOWN_POLYMARKET_SIGNATURE_TYPE")
	setStr(&cfg.Polymarket.ExchangeAddress, "UPDOWN_POLYMARKET_EXCHANGE_ADDRESS")
	setStr(&cfg.Polymarket.OrderType, "UPDOWN_POLYMARKET_ORDER_TYPE")
	setStr(&cfg.Polymarket.ApiKey, "UPDOWN_POLYMARKET_API_KEY")
	setStr(&cfg.Polymarket.ApiSecret, "UPDOWN_POLYMARKET_API_SECRET")
	setStr(&cfg.Polymarket.ApiPassphrase, "UPDOWN_POLYMARKET_API_PASSPHRASE")

	// ── Market ──
	setStr(&cfg.Market.UpTokenID, "UPDOWN_MARKET_UP_TOKEN_ID")
	setStr(&cfg.Market.DownTokenID, "UPDOWN_MARKET_DOWN_TOKEN_ID")
	setStr(&cfg.Market.EventTitle, "UPDOWN_MARKET_EVENT_TITLE")

	// ── Trading ──
	setFloat64(&cfg.Trading.PositionSize, "UPDOWN_TRADING_POSITION_SIZE")
	setFloat64(&cfg.Trading.MaxPositionSize, "UPDOWN_TRADING_MAX_POSITION_SIZE")
	setInt(&cfg.Trading.MaxOpenPositions, "UPDOWN_TRADING_MAX_OPEN_POSITIONS")
	setFloat64(&cfg.Trading.TakeProfitPct, "UPDOWN_TRADING_TAKE_PROFIT_PCT")
	setFloat64(&cfg.Trading.StopLossPct, "UPDOWN_TRADING_STOP_LOSS_PCT")
	setInt(&cfg.Trading.SlippageCents, "UPDOWN_TRADING_SLIPPAGE_CENTS")
	setBool(&cfg.Trading.StopLossFirst, "UPDOWN_TRADING_STOP_LOSS_FIRST")
	setDuration(&cfg.Trading.StaleBreakevenAfter, "UPDOWN_TRADING_STALE_BREAKEVEN_AFTER")

	// ── Feed ──
	setDuration(&cfg.Feed.StaleAfter, "UPDOWN_FEED_STALE_AFTER")
	setDuration(&cfg.Feed.ReconnectMin, "UPDOWN_FEED_RECONNECT_MIN")
	setDuration(&cfg.Feed.ReconnectMax, "UPDOWN_FEED_RECONNECT_MAX")
	setDuration(&cfg.Feed.HandshakeTimeout, "UPDOWN_FEED_HANDSHAKE_TIMEOUT")
	setDuration(&cfg.Feed.SweepInterval, "UPDOWN_FEED_SWEEP_INTERVAL")

	// ── Execution ──
	setDuration(&cfg.Execution.EntryWindow, "UPDOWN_EXECUTION_ENTRY_WINDOW")
	setDuration(&cfg.Execution.ExitWindow, "UPDOWN_EXECUTION_EXIT_WINDOW")
	setInt(&cfg.Execution.MaxExitAttempts, "UPDOWN_EXECUTION_MAX_EXIT_ATTEMPTS")
	setDuration(&cfg.Execution.PollInterval, "UPDOWN_EXECUTION_POLL_INTERVAL")
	setFloat64(&cfg.Execution.PriceTick, "UPDOWN_EXECUTION_PRICE_TICK")
	setInt(&cfg.Execution.OrdersPerSecond, "UPDOWN_EXECUTION_ORDERS_PER_SECOND")

	// ── Postgres ──
	setBool(&cfg.Postgres.Enabled, "UPDOWN_POSTGRES_ENABLED")
	setStr(&cfg.Postgres.DSN, "UPDOWN_POSTGRES_DSN")
	setStr(&cfg.Postgres.DSN, "DATABASE_URL") // compatibility alias
	setStr(&cfg.Postgres.Host, "UPDOWN_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "UPDOWN_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "UPDOWN_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "UPDOWN_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "UPDOWN_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "UPDOWN_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "UPDOWN_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "UPDOWN_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "UPDOWN_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "UPDOWN_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "UPDOWN_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "UPDOWN_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "UPDOWN_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "UPDOWN_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "UPDOWN_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "UPDOWN_REDIS_TLS_ENABLED")
	setDuration(&cfg.Redis.SessionLockTTL, "UPDOWN_REDIS_SESSION_LOCK_TTL")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "UPDOWN_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "UPDOWN_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "UPDOWN_S3_REGION")
	setStr(&cfg.S3.Bucket, "UPDOWN_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "UPDOWN_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "UPDOWN_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "UPDOWN_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "UPDOWN_S3_FORCE_PATH_STYLE")
	setStr(&cfg.S3.Prefix, "UPDOWN_S3_PREFIX")

	// ── Journal ──
	setStr(&cfg.Journal.Dir, "UPDOWN_JOURNAL_DIR")
	setBool(&cfg.Journal.Upload, "UPDOWN_JOURNAL_UPLOAD")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "UPDOWN_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "UPDOWN_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "UPDOWN_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.ApiKey, "UPDOWN_SERVER_API_KEY")
	setInt(&cfg.Server.RateLimit, "UPDOWN_SERVER_RATE_LIMIT")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "UPDOWN_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "UPDOWN_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "UPDOWN_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "UPDOWN_NOTIFY_EVENTS")

	// ── Signal ──
	setBool(&cfg.Signal.Enabled, "UPDOWN_SIGNAL_ENABLED")
	setStr(&cfg.Signal.WsURL, "UPDOWN_SIGNAL_WS_URL")
	setStr(&cfg.Signal.ProductID, "UPDOWN_SIGNAL_PRODUCT_ID")
	setDuration(&cfg.Signal.Window, "UPDOWN_SIGNAL_WINDOW")
	setFloat64(&cfg.Signal.Threshold, "UPDOWN_SIGNAL_THRESHOLD")
	setDuration(&cfg.Signal.Cooldown, "UPDOWN_SIGNAL_COOLDOWN")
	setInt(&cfg.Signal.MaxSpreadCents, "UPDOWN_SIGNAL_MAX_SPREAD_CENTS")
	setFloat64(&cfg.Signal.Size, "UPDOWN_SIGNAL_SIZE")

	// ── Top-level ──
	setStr(&cfg.Mode, "UPDOWN_MODE")
	setStr(&cfg.LogLevel, "UPDOWN_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
