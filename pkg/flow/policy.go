package flow

import (
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jonboulle/clockwork"
)

const (
	DefaultMaxAttempts    = 5
	DefaultMaxElapsed     = time.Hour
	DefaultAttemptTimeout = 30 * time.Second
)

// RetryPolicy bounds the attempts of one step.
type RetryPolicy struct {
	MaxAttempts         int           `yaml:"max_attempts"         validate:"min=1"`
	MaxElapsed          time.Duration `yaml:"max_elapsed"          validate:"min=0"`
	InitialInterval     time.Duration `yaml:"initial_interval"     validate:"min=0"`
	MaxInterval         time.Duration `yaml:"max_interval"         validate:"min=0"`
	Multiplier          float64       `yaml:"multiplier"           validate:"min=1"`
	RandomizationFactor float64       `yaml:"randomization_factor" validate:"min=0,max=1"`
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:         DefaultMaxAttempts,
		MaxElapsed:          DefaultMaxElapsed,
		InitialInterval:     time.Second,
		MaxInterval:         5 * time.Minute,
		Multiplier:          2,
		RandomizationFactor: 0.5,
	}
}

// newBackOff starts the exponential schedule of one step at clock.Now().
func (p RetryPolicy) newBackOff(clock clockwork.Clock) *backoff.ExponentialBackOff {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     p.InitialInterval,
		RandomizationFactor: p.RandomizationFactor,
		Multiplier:          p.Multiplier,
		MaxInterval:         p.MaxInterval,
		MaxElapsedTime:      p.MaxElapsed,
		Stop:                backoff.Stop,
		Clock:               clock,
	}

	b.Reset()

	return b
}
