package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Env holds runtime settings for `vd serve`, read from the environment.
type Env struct {
	Addr             string        `env:"VERIDRAW_ADDR" envDefault:"127.0.0.1:8080"`
	BasePath         string        `env:"VERIDRAW_BASE_PATH" envDefault:"/v0"`
	JWTSecret        string        `env:"VERIDRAW_JWT_SECRET"`
	DatabaseURL      string        `env:"VERIDRAW_DATABASE_URL"`
	AllowHeaderAuth  bool          `env:"VERIDRAW_ALLOW_HEADER_AUTH" envDefault:"false"`
	AllowDevLogin    bool          `env:"VERIDRAW_DEV_LOGIN" envDefault:"false"`
	DispatchInterval time.Duration `env:"VERIDRAW_DISPATCH_INTERVAL" envDefault:"2s"`
	OTelEndpoint     string        `env:"VERIDRAW_OTEL_ENDPOINT"`
}

// ParseEnv loads configuration from environment variables.
func ParseEnv() (Env, error) {
	var cfg Env
	if err := env.Parse(&cfg); err != nil {
		return Env{}, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}
