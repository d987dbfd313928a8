package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/viper"

	"github.com/conicleai/consent-edge/internal/config"
	"github.com/conicleai/consent-edge/internal/warehouse"
)

// loadConfig resolves the effective configuration: the YAML file named by
// --config (or found by viper's search path), overlaid with defaults for
// anything unset. Secrets may also arrive via CONSENT_EDGE_* environment
// variables.
func loadConfig() (*config.Config, error) {
	if path := viper.ConfigFileUsed(); path != "" {
		return config.Load(path)
	}
	if cfgFile != "" {
		return config.Load(cfgFile)
	}
	return config.Default(), nil
}

// openWarehouse builds the warehouse backend named by the configuration.
func openWarehouse(ctx context.Context, cfg *config.Config) (warehouse.Warehouse, error) {
	switch cfg.Warehouse.Driver {
	case "sqlite", "pgx":
		return warehouse.NewSQLStore(cfg.Warehouse.Driver, cfg.Warehouse.DSN)
	case "bigquery":
		bq := cfg.Warehouse.BigQuery
		return warehouse.NewBigQueryStore(ctx, warehouse.BigQueryConfig{
			ProjectID:       bq.ProjectID,
			Dataset:         bq.Dataset,
			EventsTable:     bq.EventsTable,
			KeysTable:       bq.KeysTable,
			CredentialsFile: bq.CredentialsFile,
		})
	default:
		return nil, fmt.Errorf("unknown warehouse driver %q (want bigquery, sqlite, or pgx)", cfg.Warehouse.Driver)
	}
}

// newLogger builds the process logger from the logging configuration.
func newLogger(cfg config.LoggingConfig) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// ipSalt resolves the IP hashing salt: config file first, then the
// CONSENT_EDGE_IP_SALT environment variable.
func ipSalt(cfg *config.Config) string {
	if cfg.Privacy.IPSalt != "" {
		return cfg.Privacy.IPSalt
	}
	return viper.GetString("ip_salt")
}
