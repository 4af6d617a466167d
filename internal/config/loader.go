package config

import (
	"errors"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load merges the TOML file at path over Defaults, loads an optional .env and
// applies CONSOL_* overrides. An empty path skips the file. The result is not
// validated.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) error {
	setStr(&cfg.Server.GRPCAddr, "CONSOL_GRPC_ADDR")
	setStr(&cfg.Server.HTTPAddr, "CONSOL_HTTP_ADDR")
	setStr(&cfg.Server.MetricsAddr, "CONSOL_METRICS_ADDR")

	setStr(&cfg.Postgres.DSN, "CONSOL_POSTGRES_DSN")
	setInt(&cfg.Postgres.MaxConns, "CONSOL_POSTGRES_MAX_CONNS")
	setStr(&cfg.Postgres.MigrationsDir, "CONSOL_MIGRATIONS_DIR")
	setInt64(&cfg.Postgres.SnapshotInterval, "CONSOL_SNAPSHOT_INTERVAL")

	setStr(&cfg.NATS.URL, "CONSOL_NATS_URL")
	setStr(&cfg.NATS.Durable, "CONSOL_NATS_DURABLE")

	setBool(&cfg.Redis.Enabled, "CONSOL_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "CONSOL_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "CONSOL_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "CONSOL_REDIS_DB")
	setDuration(&cfg.Redis.LockTTL, "CONSOL_REDIS_LOCK_TTL")

	setDuration(&cfg.Ledger.Period, "CONSOL_LEDGER_PERIOD")
	setDuration(&cfg.Ledger.Grace, "CONSOL_LEDGER_GRACE")
	setInt64(&cfg.Ledger.MaxMissedPayments, "CONSOL_LEDGER_MAX_MISSED_PAYMENTS")
	if err := setPercent(&cfg.Ledger.PenaltyRate, "CONSOL_LEDGER_PENALTY_RATE"); err != nil {
		return err
	}
	if err := setPercent(&cfg.Ledger.RefinanceFee, "CONSOL_LEDGER_REFINANCE_FEE"); err != nil {
		return err
	}

	setInt64(&cfg.Queues.MinAmount, "CONSOL_QUEUE_MIN_AMOUNT")
	setInt64(&cfg.Queues.ExecutionFee, "CONSOL_QUEUE_EXECUTION_FEE")

	setStr(&cfg.LogLevel, "CONSOL_LOG_LEVEL")
	return nil
}

// Each setter only touches dst when the variable is present and non-empty.

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

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
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

func setDuration(dst *Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

// setPercent, unlike the other setters, reports an unparsable value.
func setPercent(dst *Percent, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	p, err := ParsePercent(v)
	if err != nil {
		return err
	}
	*dst = p
	return nil
}
