// Package config loads the engine's environment-driven settings, following
// the same godotenv + typed-getEnv idiom the rest of the codebase uses for
// every other ambient concern.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// AccountCreds is one discovered {BROKER}_{ROLE}_{USER_ID?}_API_KEY group.
type AccountCreds struct {
	Broker     string // e.g. "BINANCE"
	Role       string // "MASTER" or "USER"
	UserID     string // empty for MASTER
	APIKey     string
	APISecret  string
	Passphrase string
	Paper      bool
}

// Config holds engine-wide settings.
type Config struct {
	DataDir string

	LiveCapitalVerified       bool
	DryRunMode                bool
	AllowConsumerUSD          bool
	MultiBrokerIndependent    bool
	ForcedCleanupInterval     int // cycles
	ForcedCleanupAfterNTrades int // 0 = disabled

	CycleInterval time.Duration

	JWTSecret string
	APIPort   string

	Accounts []AccountCreds
}

// Load reads environment variables (optionally via .env) into Config.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		DataDir:                   getEnv("DATA_DIR", "./data"),
		LiveCapitalVerified:       getEnvBool("LIVE_CAPITAL_VERIFIED", false),
		DryRunMode:                getEnvBool("DRY_RUN_MODE", true),
		AllowConsumerUSD:          getEnvBool("ALLOW_CONSUMER_USD", false),
		MultiBrokerIndependent:    getEnvBool("MULTI_BROKER_INDEPENDENT", false),
		ForcedCleanupInterval:     getEnvInt("FORCED_CLEANUP_INTERVAL", 6),
		ForcedCleanupAfterNTrades: getEnvInt("FORCED_CLEANUP_AFTER_N_TRADES", 0),
		CycleInterval:             getEnvDuration("CYCLE_INTERVAL", 150*time.Second),
		JWTSecret:                 getEnv("JWT_SECRET", "dev-secret"),
		APIPort:                   getEnv("PORT", "8080"),
	}
	cfg.Accounts = discoverAccounts(brokerNames())
	roster, err := loadRoster(getEnv("ACCOUNTS_FILE", "accounts.yaml"))
	if err != nil {
		return nil, err
	}
	cfg.Accounts = mergeAccounts(cfg.Accounts, roster)
	return cfg, nil
}

var knownBrokers = []string{"COINBASE", "KRAKEN", "OKX", "BINANCE", "ALPACA"}

func brokerNames() []string { return knownBrokers }

// discoverAccounts scans the environment for every
// {BROKER}_{ROLE}_{USER_ID?}_API_KEY group. MASTER keys look like
// BINANCE_MASTER_API_KEY; USER keys look like BINANCE_USER_daivon_API_KEY.
func discoverAccounts(brokers []string) []AccountCreds {
	env := os.Environ()
	var out []AccountCreds
	for _, broker := range brokers {
		masterPrefix := broker + "_MASTER_"
		if key := os.Getenv(masterPrefix + "API_KEY"); key != "" {
			out = append(out, AccountCreds{
				Broker:     broker,
				Role:       "MASTER",
				APIKey:     key,
				APISecret:  os.Getenv(masterPrefix + "API_SECRET"),
				Passphrase: os.Getenv(masterPrefix + "PASSPHRASE"),
				Paper:      getEnvBool(masterPrefix+"PAPER", false),
			})
		}
		userPrefix := broker + "_USER_"
		for _, userID := range userIDsFor(env, userPrefix) {
			p := userPrefix + userID + "_"
			key := os.Getenv(p + "API_KEY")
			if key == "" {
				continue
			}
			out = append(out, AccountCreds{
				Broker:     broker,
				Role:       "USER",
				UserID:     userID,
				APIKey:     key,
				APISecret:  os.Getenv(p + "API_SECRET"),
				Passphrase: os.Getenv(p + "PASSPHRASE"),
				Paper:      getEnvBool(p+"PAPER", false),
			})
		}
	}
	return out
}

// userIDsFor extracts distinct {user_id} segments from
// BROKER_USER_{id}_API_KEY style variable names.
func userIDsFor(env []string, prefix string) []string {
	seen := map[string]bool{}
	var ids []string
	for _, kv := range env {
		parts := strings.SplitN(kv, "=", 2)
		if len(parts) != 2 {
			continue
		}
		name := parts[0]
		if !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, "_API_KEY") {
			continue
		}
		id := strings.TrimSuffix(strings.TrimPrefix(name, prefix), "_API_KEY")
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}
	return ids
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		return strings.ToLower(v) == "true" || v == "1"
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
