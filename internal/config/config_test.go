package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("TALLY_DATA_DIR", dir)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, dir, cfg.DataDir)
	assert.Equal(t, 8001, cfg.Port)
	assert.Equal(t, "EUR", cfg.Currency.PivotCurrency)
	assert.Equal(t, 24*time.Hour, cfg.Currency.ConversionCacheTTL)
	assert.Equal(t, 2, cfg.Sync.AuthFailureThreshold)
	assert.Equal(t, 72*time.Hour, cfg.Sync.TransferMatchWindow)
	assert.Equal(t, 30*time.Minute, cfg.Sync.StaleTimeout)
	assert.False(t, cfg.Backup.Enabled())
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("TALLY_DATA_DIR", t.TempDir())
	t.Setenv("GO_PORT", "9100")
	t.Setenv("PIVOT_CURRENCY", "usd")
	t.Setenv("SYNC_STALE_TIMEOUT", "5m")
	t.Setenv("SYNC_MAX_CONCURRENCY", "7")
	t.Setenv("EXCHANGE_RATE_API_URL", "http://rates.local/")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9100, cfg.Port)
	assert.Equal(t, "USD", cfg.Currency.PivotCurrency)
	assert.Equal(t, 5*time.Minute, cfg.Sync.StaleTimeout)
	assert.Equal(t, 7, cfg.Sync.MaxConcurrency)
	assert.Equal(t, "http://rates.local", cfg.Currency.ExchangeRateAPIURL)
}

func TestLoad_InvalidValuesFallBack(t *testing.T) {
	t.Setenv("TALLY_DATA_DIR", t.TempDir())
	t.Setenv("GO_PORT", "not-a-number")
	t.Setenv("SYNC_STALE_TIMEOUT", "soon")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 8001, cfg.Port)
	assert.Equal(t, 30*time.Minute, cfg.Sync.StaleTimeout)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Port:     8001,
			Currency: CurrencyConfig{PivotCurrency: "EUR", ConversionCacheTTL: time.Hour},
			Sync: SyncConfig{
				StaleTimeout:         time.Minute,
				AuthFailureThreshold: 2,
				MaxConcurrency:       1,
				ProviderMaxAttempts:  1,
			},
		}
	}

	require.NoError(t, valid().Validate())

	cfg := valid()
	cfg.Currency.PivotCurrency = "EURO"
	assert.Error(t, cfg.Validate())

	cfg = valid()
	cfg.Sync.AuthFailureThreshold = 0
	assert.Error(t, cfg.Validate())

	cfg = valid()
	cfg.Port = 0
	assert.Error(t, cfg.Validate())
}

func TestBackupEnabled(t *testing.T) {
	b := BackupConfig{Bucket: "b", AccessKeyID: "k"}
	assert.False(t, b.Enabled())
	b.SecretAccessKey = "s"
	assert.True(t, b.Enabled())
}
