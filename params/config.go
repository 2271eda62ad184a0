package params

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Oracle struct {
	// UpdateInterval throttles feed refreshes per pair. Floor 60s.
	UpdateInterval time.Duration
	// MaxPriceAge bounds cache fallback. Floor 300s.
	MaxPriceAge time.Duration
	// DefaultToleranceBps is the global price-protection tolerance.
	DefaultToleranceBps int64
	// FeedTimeout bounds a single upstream feed read.
	FeedTimeout time.Duration
}

type Monitor struct {
	// SweepInterval paces balance-monitor passes over the active set.
	SweepInterval time.Duration
}

type Node struct {
	// APIAddr is the REST/WebSocket listen address.
	APIAddr string
	// DBPath locates the pebble database directory.
	DBPath string
	// LogFile tees structured logs to a file when set.
	LogFile string
	// EscrowAccount holds escrowed maker assets.
	EscrowAccount string
}

type Config struct {
	Oracle  Oracle
	Monitor Monitor
	Node    Node
}

func Default() Config {
	return Config{
		Oracle: Oracle{
			UpdateInterval:      60 * time.Second,
			MaxPriceAge:         300 * time.Second,
			DefaultToleranceBps: 1000, // 10%
			FeedTimeout:         5 * time.Second,
		},
		Monitor: Monitor{
			SweepInterval: 30 * time.Second,
		},
		Node: Node{
			APIAddr:       ":8080",
			DBPath:        "data/limitvault",
			EscrowAccount: "0x00000000000000000000000000000000000000ee",
		},
	}
}

// LoadFromEnv loads configuration from .env file (if exists) and environment variables
// Priority: ENV > .env file > defaults
func LoadFromEnv(envPath string) Config {
	cfg := Default()

	// Try to load .env file (optional - won't fail if not exists)
	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load() // loads .env from current directory
	}

	if v := os.Getenv("ORACLE_UPDATE_INTERVAL_S"); v != "" {
		if s, err := strconv.Atoi(v); err == nil {
			cfg.Oracle.UpdateInterval = time.Duration(s) * time.Second
		}
	}
	if v := os.Getenv("ORACLE_MAX_PRICE_AGE_S"); v != "" {
		if s, err := strconv.Atoi(v); err == nil {
			cfg.Oracle.MaxPriceAge = time.Duration(s) * time.Second
		}
	}
	if v := os.Getenv("ORACLE_DEFAULT_TOLERANCE_BPS"); v != "" {
		if bps, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Oracle.DefaultToleranceBps = bps
		}
	}
	if v := os.Getenv("ORACLE_FEED_TIMEOUT_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			cfg.Oracle.FeedTimeout = time.Duration(ms) * time.Millisecond
		}
	}
	if v := os.Getenv("MONITOR_SWEEP_INTERVAL_S"); v != "" {
		if s, err := strconv.Atoi(v); err == nil {
			cfg.Monitor.SweepInterval = time.Duration(s) * time.Second
		}
	}

	cfg.Node.APIAddr = getEnv("API_ADDR", cfg.Node.APIAddr)
	cfg.Node.DBPath = getEnv("DB_PATH", cfg.Node.DBPath)
	cfg.Node.LogFile = getEnv("LOG_FILE", cfg.Node.LogFile)
	cfg.Node.EscrowAccount = getEnv("ESCROW_ACCOUNT", cfg.Node.EscrowAccount)

	return cfg
}

// getEnv returns environment variable value or default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
