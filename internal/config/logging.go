package config

import "github.com/caarlos0/env/v11"

// LogConfig drives logging.Init for both binaries.
type LogConfig struct {
	Level  string `env:"LOG_LEVEL" envDefault:"info"`
	Pretty bool   `env:"LOG_PRETTY" envDefault:"false"`
	// SampleEvery keeps one line in N; 0 and 1 keep everything.
	SampleEvery int    `env:"LOG_SAMPLE_EVERY" envDefault:"0"`
	File        string `env:"LOG_FILE"`
	MaxMB       int    `env:"LOG_MAX_MB" envDefault:"10"`
	Service     string `env:"LOG_SERVICE"`
}

// LoadLog reads LOG_* and stamps service on every line unless LOG_SERVICE
// names another one, so hub and client logs can share a sink.
func LoadLog(service string) (LogConfig, error) {
	cfg := LogConfig{Service: service}
	err := env.Parse(&cfg)
	return cfg, err
}
