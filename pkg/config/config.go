// Package config provides configuration loading for the engine
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/dukex/ruleflow/pkg/flow"
	"github.com/dukex/ruleflow/pkg/formatter"
	"github.com/dukex/ruleflow/pkg/scheduler"
	"github.com/dukex/ruleflow/pkg/triggers"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

const DefaultConcurrency = 8

// Engine represents the structure of the engine YAML file
type Engine struct {
	Retry          flow.RetryPolicy `yaml:"retry"`
	AttemptTimeout time.Duration    `yaml:"attempt_timeout" validate:"gt=0"`
	UserCacheTTL   time.Duration    `yaml:"user_cache_ttl"  validate:"gt=0"`
	MaxEventAge    time.Duration    `yaml:"max_event_age"   validate:"gt=0"`
	Concurrency    int              `yaml:"concurrency"     validate:"min=1,max=256"`
	SyncInterval   time.Duration    `yaml:"sync_interval"   validate:"gte=1s"`
}

func Default() Engine {
	return Engine{
		Retry:          flow.DefaultRetryPolicy(),
		AttemptTimeout: flow.DefaultAttemptTimeout,
		UserCacheTTL:   formatter.DefaultUserTTL,
		MaxEventAge:    triggers.DefaultMaxEventAge,
		Concurrency:    DefaultConcurrency,
		SyncInterval:   scheduler.DefaultSyncInterval,
	}
}

// Load reads the engine file at path on top of the defaults. An empty path
// returns the defaults.
func Load(path string) (Engine, error) {
	cfg := Default()

	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Engine{}, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Engine{}, fmt.Errorf("failed to parse YAML config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Engine{}, fmt.Errorf("invalid config file %s: %w", path, err)
	}

	return cfg, nil
}

func (e Engine) Validate() error {
	if err := validator.New().Struct(e); err != nil {
		return err
	}

	if e.Retry.MaxInterval > 0 && e.Retry.InitialInterval > e.Retry.MaxInterval {
		return errors.New("retry.initial_interval must not exceed retry.max_interval")
	}

	return nil
}
