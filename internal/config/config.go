package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v10"
)

type Config struct {
	Environment string `env:"ENV" envDefault:"development"`
	HTTP        struct {
		Port            int           `env:"HTTP_PORT" envDefault:"8080"`
		ReadTimeout     time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"30s"`
		WriteTimeout    time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"30s"`
		IdleTimeout     time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"120s"`
		ShutdownTimeout time.Duration `env:"HTTP_SHUTDOWN_TIMEOUT" envDefault:"30s"`
	}
	Logging struct {
		Level  string `env:"LOG_LEVEL" envDefault:"info"`
		Format string `env:"LOG_FORMAT" envDefault:"json"`
		Output string `env:"LOG_OUTPUT" envDefault:"stderr"`
	}
	Problem struct {
		// Path to the YAML problem file holding the feature schema and constraints.
		Path string `env:"MOEVA_PROBLEM"`
	}
	Model struct {
		// Path to a YAML softmax model. Ignored when ScorerURL is set.
		Path      string        `env:"MOEVA_MODEL"`
		ScorerURL string        `env:"MOEVA_SCORER_URL"`
		Timeout   time.Duration `env:"MOEVA_SCORER_TIMEOUT" envDefault:"10s"`
		// CacheTTL enables the score cache when positive.
		CacheTTL time.Duration `env:"MOEVA_SCORE_CACHE_TTL" envDefault:"10m"`
	}
	Attack struct {
		// ConfigPath is an optional YAML run config layered over the defaults.
		ConfigPath    string `env:"MOEVA_ATTACK_CONFIG"`
		MaxConcurrent int    `env:"MOEVA_MAX_CONCURRENT" envDefault:"4"`
		Workers       int    `env:"MOEVA_EVAL_WORKERS" envDefault:"4"`
		// Retention is how long finished attacks stay queryable.
		Retention time.Duration `env:"MOEVA_RETENTION" envDefault:"1h"`
	}
}

func Load() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the fields the server cannot start without.
func (c *Config) Validate() error {
	if c.Problem.Path == "" {
		return fmt.Errorf("MOEVA_PROBLEM is required")
	}
	if c.Model.Path == "" && c.Model.ScorerURL == "" {
		return fmt.Errorf("one of MOEVA_MODEL or MOEVA_SCORER_URL is required")
	}
	if c.Attack.MaxConcurrent < 1 {
		return fmt.Errorf("MOEVA_MAX_CONCURRENT must be positive, got %d", c.Attack.MaxConcurrent)
	}
	if c.Attack.Workers < 1 {
		return fmt.Errorf("MOEVA_EVAL_WORKERS must be positive, got %d", c.Attack.Workers)
	}
	return nil
}
