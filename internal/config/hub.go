package config

import (
	"errors"
	"time"

	"github.com/caarlos0/env/v11"
)

const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
)

// HubConfig configures cmd/session-hub, the shared document store both
// duel clients talk to.
type HubConfig struct {
	HTTPAddr      string `env:"HTTP_ADDR" envDefault:":8080"`
	Backend       string `env:"STORE_BACKEND" envDefault:"memory"`
	PostgresDSN   string `env:"POSTGRES_DSN"`
	MigrationsDir string `env:"MIGRATIONS_DIR" envDefault:"migrations"`

	PublicBaseURL string `env:"PUBLIC_BASE_URL" envDefault:"http://localhost:8080/play"`
	AdminAPIKey   string `env:"ADMIN_API_KEY"`
	MCPEnabled    bool   `env:"MCP_ENABLED" envDefault:"true"`

	StaleAfter    time.Duration `env:"SWEEP_STALE_AFTER" envDefault:"30m"`
	SweepInterval time.Duration `env:"SWEEP_INTERVAL" envDefault:"5m"`
}

func (c HubConfig) validate() error {
	switch c.Backend {
	case BackendMemory:
	case BackendPostgres:
		if c.PostgresDSN == "" {
			return errors.New("POSTGRES_DSN is required when STORE_BACKEND=postgres")
		}
	default:
		return errors.New("STORE_BACKEND must be memory or postgres")
	}
	if c.StaleAfter <= 0 {
		return errors.New("SWEEP_STALE_AFTER must be positive")
	}
	return nil
}

func LoadHub() (HubConfig, error) {
	var cfg HubConfig
	if err := env.Parse(&cfg); err != nil {
		return cfg, err
	}
	return cfg, cfg.validate()
}
