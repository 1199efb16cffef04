package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/metals-ledger/internal/config"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.HTTP.Port)
	assert.Equal(t, 600*time.Second, cfg.Quote.LockWindow)
	assert.Equal(t, int64(50), cfg.Quote.SpreadBps)
	assert.Equal(t, "0.0001", cfg.Quote.MinQty().String())
	assert.Equal(t, "1000", cfg.Quote.MaxQty().String())
	assert.Equal(t, "0.001", cfg.Trade.FeeRate)
	assert.Equal(t, "ledger-events", cfg.Kafka.Topic)
	assert.Equal(t, "0.8", cfg.Hedge.Target().String())
	assert.Len(t, cfg.Assets, 5)
	assert.NotEmpty(t, cfg.Oracle.Prices)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("LEDGER_QUOTE_SPREAD_BPS", "75")
	t.Setenv("LEDGER_HTTP_PORT", "9090")
	t.Setenv("LEDGER_KAFKA_BROKERS", "k1:9092,k2:9092")

	cfg, err := config.Load("")
	require.NoError(t, err)
	assert.Equal(t, int64(75), cfg.Quote.SpreadBps)
	assert.Equal(t, 9090, cfg.HTTP.Port)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
}

func TestLoad_InvalidValues(t *testing.T) {
	tests := []struct {
		name, key, value string
	}{
		{"non-numeric fee", "LEDGER_TRADE_FEE_RATE", "abc"},
		{"target ratio above one", "LEDGER_HEDGE_TARGET_RATIO", "1.5"},
		{"unknown env", "LEDGER_ENV", "staging"},
		{"spread above 100%", "LEDGER_QUOTE_SPREAD_BPS", "20000"},
		{"zero quote minimum", "LEDGER_QUOTE_MIN_QUANTITY", "0"},
		{"quote minimum above maximum", "LEDGER_QUOTE_MIN_QUANTITY", "5000"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			_, err := config.Load("")
			assert.Error(t, err)
		})
	}
}

func TestLoad_File(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ledger.yaml")
	yaml := `
env: production
quote:
  lock_window: 30s
assets:
  - code: PAXG
    kind: CUSTODY
    pair: XAU-s
  - code: XAU-s
    kind: SYNTHETIC
    pair: PAXG
    oracle_symbol: XAU
    hedge_instrument: GLD
  - code: USD
    kind: CASH
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "production", cfg.Env)
	assert.Equal(t, 30*time.Second, cfg.Quote.LockWindow)
	require.Len(t, cfg.Assets, 3)
	assert.Equal(t, "GLD", cfg.Assets[1].HedgeInstrument)
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
