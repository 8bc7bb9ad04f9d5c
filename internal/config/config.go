// Package config loads service settings. Later sources override earlier
// ones: built-in defaults, then an optional YAML file, then environment
// variables. CLI flags are applied by the caller on top.
package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Addr          string  `yaml:"addr" env:"ADDR"`
	DBPath        string  `yaml:"db_path" env:"DB_PATH"`
	LogLevel      string  `yaml:"log_level" env:"LOG_LEVEL"`
	AccessorName  string  `yaml:"accessor_name" env:"ACCESSOR_NAME"`
	WebhookURL    string  `yaml:"webhook_url" env:"WEBHOOK_URL"`
	WebhookSecret string  `yaml:"webhook_secret" env:"WEBHOOK_SECRET"`
	Aspects       Aspects `yaml:"aspects" envPrefix:"ASPECTS_"`
}

// Aspects switches the pipeline aspects and tunes their behaviour.
type Aspects struct {
	AuditEnabled       bool   `yaml:"audit_enabled" env:"AUDIT_ENABLED"`
	CatalogEnabled     bool   `yaml:"catalog_enabled" env:"CATALOG_ENABLED"`
	SnapshotEnabled    bool   `yaml:"snapshot_enabled" env:"SNAPSHOT_ENABLED"`
	DefaultSchema      string `yaml:"default_schema" env:"DEFAULT_SCHEMA"`
	SnapshotExportPath string `yaml:"snapshot_export_path" env:"SNAPSHOT_EXPORT_PATH"`
	ConflictRetries    uint64 `yaml:"conflict_retries" env:"CONFLICT_RETRIES"`
	// IDStrategy is "uuid" or "sequence".
	IDStrategy string `yaml:"id_strategy" env:"ID_STRATEGY"`
}

const EnvPrefix = "DBASPECT_"

func Default() Config {
	return Config{
		Addr:         ":8080",
		DBPath:       "./dbaspect.sqlite",
		LogLevel:     "info",
		AccessorName: "dbaspect",
		Aspects: Aspects{
			AuditEnabled:    true,
			CatalogEnabled:  true,
			SnapshotEnabled: true,
			DefaultSchema:   "main",
			ConflictRetries: 3,
			IDStrategy:      "uuid",
		},
	}
}

// Load reads path (if non-empty) over the defaults and applies DBASPECT_*
// environment variables.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	var errs []error
	if c.DBPath == "" {
		errs = append(errs, errors.New("db_path is required"))
	}
	if c.AccessorName == "" {
		errs = append(errs, errors.New("accessor_name is required"))
	}
	if c.Aspects.DefaultSchema == "" {
		errs = append(errs, errors.New("aspects.default_schema is required"))
	}
	switch c.Aspects.IDStrategy {
	case "uuid", "sequence":
	default:
		errs = append(errs, fmt.Errorf("aspects.id_strategy %q is not uuid or sequence", c.Aspects.IDStrategy))
	}
	if c.WebhookSecret != "" && c.WebhookURL == "" {
		errs = append(errs, errors.New("webhook_secret set without webhook_url"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}
