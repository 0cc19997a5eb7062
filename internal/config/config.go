// Package config provides configuration management functionality.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration
type Config struct {
	DataDir  string // Base directory for all databases (always absolute)
	LogLevel string
	Port     int
	DevMode  bool

	Currency CurrencyConfig
	Sync     SyncConfig
	Backup   BackupConfig
}

// CurrencyConfig controls exchange rate lookups and conversion caching
type CurrencyConfig struct {
	ExchangeRateAPIURL string
	PivotCurrency      string
	ConversionCacheTTL time.Duration
	RateSyncSchedule   string
}

// SyncConfig controls bank sync reconciliation
type SyncConfig struct {
	Schedule             string        // cron spec for the periodic connection sweep
	StaleTimeout         time.Duration // queued/syncing older than this is treated as abandoned
	AuthFailureThreshold int           // consecutive auth failures before a connection is deactivated
	TransferMatchWindow  time.Duration // max distance between two legs of an auto-linked transfer
	DefaultLookback      time.Duration // fetch window when an account has no local transactions
	MaxConcurrency       int           // accounts of one user synced in parallel
	ProviderMinInterval  time.Duration // minimum gap between two calls to the same provider
	ProviderCallTimeout  time.Duration
	ProviderMaxAttempts  int
}

// BackupConfig holds S3-compatible storage settings for ledger backups.
// Backups are disabled unless Bucket and both keys are set.
type BackupConfig struct {
	Endpoint        string
	Bucket          string
	AccessKeyID     string
	SecretAccessKey string
	Region          string
	Keep            int
}

// Enabled reports whether enough settings are present to upload backups
func (b BackupConfig) Enabled() bool {
	return b.Bucket != "" && b.AccessKeyID != "" && b.SecretAccessKey != ""
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	dataDir := getEnv("TALLY_DATA_DIR", "./data")
	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory path: %w", err)
	}
	if err := os.MkdirAll(absDataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	cfg := &Config{
		DataDir:  absDataDir,
		Port:     getEnvAsInt("GO_PORT", 8001),
		DevMode:  getEnvAsBool("DEV_MODE", false),
		LogLevel: getEnv("LOG_LEVEL", "info"),
		Currency: CurrencyConfig{
			ExchangeRateAPIURL: strings.TrimRight(getEnv("EXCHANGE_RATE_API_URL", "https://api.frankfurter.app"), "/"),
			PivotCurrency:      strings.ToUpper(getEnv("PIVOT_CURRENCY", "EUR")),
			ConversionCacheTTL: getEnvAsDuration("CONVERSION_CACHE_TTL", 24*time.Hour),
			RateSyncSchedule:   getEnv("RATE_SYNC_SCHEDULE", "0 0 6 * * *"),
		},
		Sync: SyncConfig{
			Schedule:             getEnv("SYNC_SCHEDULE", "@every 30m"),
			StaleTimeout:         getEnvAsDuration("SYNC_STALE_TIMEOUT", 30*time.Minute),
			AuthFailureThreshold: getEnvAsInt("SYNC_AUTH_FAILURE_THRESHOLD", 2),
			TransferMatchWindow:  getEnvAsDuration("SYNC_TRANSFER_MATCH_WINDOW", 72*time.Hour),
			DefaultLookback:      getEnvAsDuration("SYNC_DEFAULT_LOOKBACK", 31*24*time.Hour),
			MaxConcurrency:       getEnvAsInt("SYNC_MAX_CONCURRENCY", 3),
			ProviderMinInterval:  getEnvAsDuration("PROVIDER_MIN_INTERVAL", time.Second),
			ProviderCallTimeout:  getEnvAsDuration("PROVIDER_CALL_TIMEOUT", 30*time.Second),
			ProviderMaxAttempts:  getEnvAsInt("PROVIDER_MAX_ATTEMPTS", 4),
		},
		Backup: BackupConfig{
			Endpoint:        getEnv("BACKUP_S3_ENDPOINT", ""),
			Bucket:          getEnv("BACKUP_S3_BUCKET", ""),
			AccessKeyID:     getEnv("BACKUP_S3_ACCESS_KEY_ID", ""),
			SecretAccessKey: getEnv("BACKUP_S3_SECRET_ACCESS_KEY", ""),
			Region:          getEnv("BACKUP_S3_REGION", "auto"),
			Keep:            getEnvAsInt("BACKUP_KEEP", 14),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that numeric settings are usable
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	if len(c.Currency.PivotCurrency) != 3 {
		return fmt.Errorf("pivot currency must be a 3-letter code, got %q", c.Currency.PivotCurrency)
	}
	if c.Currency.ConversionCacheTTL <= 0 {
		return fmt.Errorf("conversion cache TTL must be positive")
	}
	if c.Sync.StaleTimeout <= 0 {
		return fmt.Errorf("sync stale timeout must be positive")
	}
	if c.Sync.AuthFailureThreshold < 1 {
		return fmt.Errorf("auth failure threshold must be at least 1")
	}
	if c.Sync.MaxConcurrency < 1 {
		return fmt.Errorf("sync concurrency must be at least 1")
	}
	if c.Sync.ProviderMaxAttempts < 1 {
		return fmt.Errorf("provider max attempts must be at least 1")
	}
	if c.Sync.TransferMatchWindow < 0 || c.Sync.ProviderMinInterval < 0 {
		return fmt.Errorf("sync durations must not be negative")
	}
	return nil
}

// DatabasePath returns the absolute path of a named database file in the data directory
func (c *Config) DatabasePath(name string) string {
	return filepath.Join(c.DataDir, name+".db")
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
