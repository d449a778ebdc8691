package provisioning

import (
	"time"

	"github.com/cenkalti/backoff"
)

// RetryPolicy schedules next attempts of transiently failed operations
type RetryPolicy struct {
	InitialInterval     time.Duration
	MaxInterval         time.Duration
	Multiplier          float64
	RandomizationFactor float64
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		InitialInterval:     backoff.DefaultInitialInterval,
		MaxInterval:         10 * time.Minute,
		Multiplier:          backoff.DefaultMultiplier,
		RandomizationFactor: backoff.DefaultRandomizationFactor,
	}
}

func (p RetryPolicy) backOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		b.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		b.MaxInterval = p.MaxInterval
	}
	if p.Multiplier > 0 {
		b.Multiplier = p.Multiplier
	}
	b.RandomizationFactor = p.RandomizationFactor
	// operations are retried until canceled
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// Delay returns the wait before attempt number attempts+1, attempts starts from 1
func (p RetryPolicy) Delay(attempts int) time.Duration {
	b := p.backOff()
	delay := b.NextBackOff()
	for i := 1; i < attempts; i++ {
		delay = b.NextBackOff()
	}
	return delay
}

func (p RetryPolicy) NextAttempt(now time.Time, attempts int) time.Time {
	return now.Add(p.Delay(attempts))
}
