package broker

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"apex-engine/pkg/apexerr"
)

const (
	retryAttempts  = 3
	retryBase      = 1500 * time.Millisecond
	retryCap       = 10 * time.Second
	retryCapBanned = 20 * time.Second // 403 "temporarily blocked" responses back off longer
)

// RetryTransient runs fn, retrying TRANSIENT-class failures (network,
// rate-limit, 5xx, temporary auth blocks) with exponential backoff plus
// jitter. BUSINESS/LOGIC/FATAL errors return immediately: retrying a
// rejected order or a bad key just burns rate limit.
func RetryTransient(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = fn()
		if err == nil || attempt >= retryAttempts {
			return err
		}
		if apexerr.Classify(err) != apexerr.Transient {
			return err
		}

		delay := retryBase << attempt
		delay += time.Duration(rand.Int63n(int64(delay)/2 + 1))
		limit := retryCap
		var ce *apexerr.ClassifiedError
		if errors.As(err, &ce) && ce.Code == apexerr.CodeTempAuth {
			limit = retryCapBanned
		}
		if delay > limit {
			delay = limit
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}
