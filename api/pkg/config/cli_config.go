package config

import (
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// CliConfig is the subset of the server config the operator commands need to
// talk to the coordination store directly.
type CliConfig struct {
	Logging           Logging
	CoordinationStore CoordinationStore
	Redis             Redis
	StreamLock        StreamLock
	RateLimits        RateLimits
	DevServerQueue    DevServerQueue
}

func LoadCliConfig() (CliConfig, error) {
	_ = godotenv.Load()

	var cfg CliConfig
	err := envconfig.Process("", &cfg)
	if err != nil {
		return CliConfig{}, err
	}
	return cfg, nil
}
