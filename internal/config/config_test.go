package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `
log_level = "debug"

[ledger]
period = "720h"
grace = "48h"
penalty_rate = "7.5%"
refinance_fee = "0.0025"

[[assets]]
symbol = "USDC"
decimals = 6

[[assets]]
symbol = "WETH"
decimals = 18

[[collateral]]
class = "WETH"
premium = "15%"
min_periods = 6
max_periods = 48
min_borrow = 100
max_borrow = 1000000000
rate = "8.69%"

[access]
admin = ["1b4e28ba-2fa1-11d2-883f-0016d3cca427"]
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "consol.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefaultsValidate(t *testing.T) {
	cfg := Defaults()
	require.NoError(t, cfg.Validate())
}

func TestLoad_FileOverDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, sample))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 720*time.Hour, cfg.Ledger.Period.Duration)
	assert.Equal(t, 48*time.Hour, cfg.Ledger.Grace.Duration)
	assert.Equal(t, int64(750), cfg.Ledger.PenaltyRate.Bps)
	assert.Equal(t, int64(25), cfg.Ledger.RefinanceFee.Bps)
	assert.Equal(t, int64(3), cfg.Ledger.MaxMissedPayments, "untouched keys keep defaults")

	require.Len(t, cfg.Collateral, 1)
	assert.Equal(t, "WETH", cfg.Collateral[0].Class)
	assert.Equal(t, int64(1_500), cfg.Collateral[0].Premium.Bps)
	assert.Equal(t, int64(869), cfg.Collateral[0].Rate.Bps)
	assert.Len(t, cfg.Access["admin"], 1)
}

func TestLoad_EnvOverridesWin(t *testing.T) {
	t.Setenv("CONSOL_LOG_LEVEL", "warn")
	t.Setenv("CONSOL_LEDGER_PENALTY_RATE", "6%")
	t.Setenv("CONSOL_REDIS_ENABLED", "true")
	t.Setenv("CONSOL_REDIS_LOCK_TTL", "10s")
	t.Setenv("CONSOL_QUEUE_EXECUTION_FEE", "42")

	cfg, err := Load(writeConfig(t, sample))
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.LogLevel)
	assert.Equal(t, int64(600), cfg.Ledger.PenaltyRate.Bps)
	assert.True(t, cfg.Redis.Enabled)
	assert.Equal(t, 10*time.Second, cfg.Redis.LockTTL.Duration)
	assert.Equal(t, int64(42), cfg.Queues.ExecutionFee)
}

func TestLoad_BadPercentOverride(t *testing.T) {
	t.Setenv("CONSOL_LEDGER_REFINANCE_FEE", "lots")
	_, err := Load("")
	assert.Error(t, err)
}

func TestParsePercent(t *testing.T) {
	cases := []struct {
		in   string
		want int64
		ok   bool
	}{
		{"8.69%", 869, true},
		{" 10 % ", 1_000, true},
		{"0.0869", 869, true},
		{"1", 10_000, true},
		{"0%", 0, true},
		{"8.695%", 0, false},
		{"-1%", 0, false},
		{"abc", 0, false},
	}
	for _, c := range cases {
		t.Run(c.in, func(t *testing.T) {
			p, err := ParsePercent(c.in)
			if !c.ok {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, c.want, p.Bps)
		})
	}
	assert.Equal(t, "8.69%", Percent{Bps: 869}.String())
}

func TestValidate_CollectsEveryProblem(t *testing.T) {
	cfg := Defaults()
	cfg.LogLevel = "loud"
	cfg.Ledger.Grace = Duration{cfg.Ledger.Period.Duration}
	cfg.Collateral = append(cfg.Collateral, CollateralConfig{Class: "DOGE", MinPeriods: 1, MaxPeriods: 1, MinBorrow: 1, MaxBorrow: 1})
	cfg.Queues.MinAmount = 0

	err := cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{"log_level", "grace", "DOGE", "min_amount"} {
		assert.Contains(t, err.Error(), want)
	}
}
