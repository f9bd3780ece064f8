package workflow

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// RetryPolicy bounds automatic re-invocation of a step action.
type RetryPolicy struct {
	Attempts     int
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

// DefaultRetryPolicy is used by the headless CLI.
var DefaultRetryPolicy = RetryPolicy{
	Attempts:     3,
	InitialDelay: 2 * time.Second,
	MaxDelay:     15 * time.Second,
}

// RunWithRetry runs req and repeats it with exponential backoff while the failure is
// retryable. The last error is returned.
func (w *Workflow) RunWithRetry(ctx context.Context, req Request, policy RetryPolicy) error {
	if policy.Attempts < 1 {
		policy.Attempts = 1
	}
	delay := policy.InitialDelay

	var err error
	for attempt := 1; attempt <= policy.Attempts; attempt++ {
		err = w.Run(ctx, req)
		if err == nil || !Retryable(err) || attempt == policy.Attempts {
			return err
		}

		log.Warn().
			Err(err).
			Str("action", string(req.Action)).
			Int("attempt", attempt).
			Dur("backoff", delay).
			Msg("Action failed, retrying")

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}

		delay *= 2
		if policy.MaxDelay > 0 && delay > policy.MaxDelay {
			delay = policy.MaxDelay
		}
	}
	return err
}
