package config

import "github.com/caarlos0/env/v11"

// TestConfig points Postgres backed tests at a scratch database. Each test
// gets its own schema named SchemaPrefix_<nanos>.
type TestConfig struct {
	PostgresDSN   string `env:"TEST_POSTGRES_DSN,required,notEmpty"`
	SchemaPrefix  string `env:"TEST_POSTGRES_SCHEMA_PREFIX" envDefault:"duel_test"`
	MigrationsDir string `env:"TEST_MIGRATIONS_DIR"`
}

func LoadTest() (TestConfig, error) {
	var cfg TestConfig
	err := env.Parse(&cfg)
	return cfg, err
}
