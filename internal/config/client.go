package config

import (
	"time"

	"github.com/caarlos0/env/v11"
)

// ClientConfig configures a duel client: where the hub lives, who we are,
// and the match timing both clients must agree on.
type ClientConfig struct {
	HubURL       string `env:"HUB_URL" envDefault:"http://localhost:8080"`
	DisplayName  string `env:"DISPLAY_NAME" envDefault:"player"`
	DeviceIDPath string `env:"DEVICE_ID_PATH" envDefault:".slice-duel/device-id"`
	ShareBaseURL string `env:"SHARE_BASE_URL" envDefault:"http://localhost:8080/play"`

	ICEServers []string `env:"ICE_SERVERS" envSeparator:"," envDefault:"stun:stun.l.google.com:19302"`
	TURNUser   string   `env:"TURN_USERNAME"`
	TURNPass   string   `env:"TURN_CREDENTIAL"`

	Countdown          time.Duration `env:"COUNTDOWN" envDefault:"3s"`
	MatchDuration      time.Duration `env:"MATCH_DURATION" envDefault:"60s"`
	ScoreSyncInterval  time.Duration `env:"SCORE_SYNC_INTERVAL" envDefault:"500ms"`
	NegotiationTimeout time.Duration `env:"NEGOTIATION_TIMEOUT" envDefault:"15s"`
	StaleAfter         time.Duration `env:"SWEEP_STALE_AFTER" envDefault:"30m"`
}

func LoadClient() (ClientConfig, error) {
	var cfg ClientConfig
	err := env.Parse(&cfg)
	return cfg, err
}
