package config

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config is the server configuration, loaded from .env and the
// environment. Validation runs at load so a misconfigured server fails
// at startup, not mid-request.
type Config struct {
	Port        string   `mapstructure:"PORT" validate:"required,numeric"`
	Env         string   `mapstructure:"ENV" validate:"oneof=development staging production"`
	DatabaseURL string   `mapstructure:"DATABASE_URL" validate:"required"`
	DBMaxConns  int32    `mapstructure:"DB_MAX_CONNS" validate:"min=1"`
	DBMinConns  int32    `mapstructure:"DB_MIN_CONNS" validate:"min=0"`
	CORSOrigins []string `mapstructure:"CORS_ORIGINS"`

	RequestTimeoutSeconds int    `mapstructure:"REQUEST_TIMEOUT_SECONDS" validate:"min=1"`
	BodyLimit             string `mapstructure:"BODY_LIMIT"`
	BundleBodyLimit       string `mapstructure:"BUNDLE_BODY_LIMIT"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("REQUEST_TIMEOUT_SECONDS", 30)
	v.SetDefault("BODY_LIMIT", "5M")
	v.SetDefault("BUNDLE_BODY_LIMIT", "50M")

	for _, key := range []string{
		"PORT", "ENV", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
		"CORS_ORIGINS", "REQUEST_TIMEOUT_SECONDS", "BODY_LIMIT", "BUNDLE_BODY_LIMIT",
	} {
		v.BindEnv(key)
	}

	// A missing .env file is fine; the environment alone may be complete.
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if len(cfg.CORSOrigins) <= 1 {
		if origins := v.GetString("CORS_ORIGINS"); origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}
