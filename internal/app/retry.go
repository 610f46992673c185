package app

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// RetryPolicy bounds repeated attempts of an idempotent operation.
// Attempts counts total tries; backoff grows linearly between them.
type RetryPolicy struct {
	Attempts int
	Backoff  time.Duration
}

// Do runs fn until it succeeds, the budget is spent, or ctx is done.
// Only idempotent operations (targeted status writes) may be passed here.
func (p RetryPolicy) Do(ctx context.Context, op string, fn func(context.Context) error) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return err
		}
		if i < attempts-1 {
			log.Warn().Str("module", "app.retry").Str("op", op).Int("attempt", i+1).Err(err).Msg("retrying")
			select {
			case <-ctx.Done():
				return err
			case <-time.After(p.Backoff * time.Duration(i+1)):
			}
		}
	}
	return err
}
