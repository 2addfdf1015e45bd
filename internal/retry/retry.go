// Package retry runs broker calls again on transient failures with
// jittered exponential backoff. Auth, validation, and conflict errors
// surface immediately.
package retry

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/halpertlabs/spreadkeeper/internal/broker"
)

type Config struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Timeout        time.Duration
}

var DefaultConfig = Config{
	MaxRetries:     3,
	InitialBackoff: 1 * time.Second,
	MaxBackoff:     30 * time.Second,
	Timeout:        2 * time.Minute,
}

// Do runs op until it succeeds, fails non-transiently, or exhausts the
// retry budget. op observes the deadline through its context.
func Do[T any](ctx context.Context, cfg Config, logger *logrus.Logger, name string, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T

	opCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	var lastErr error
	backoff := cfg.InitialBackoff

	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		if opCtx.Err() != nil {
			return zero, fmt.Errorf("%s timed out after %v: %w", name, cfg.Timeout, opCtx.Err())
		}

		result, err := op(opCtx)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if !broker.IsTransient(err) || attempt == cfg.MaxRetries {
			break
		}

		logger.WithFields(logrus.Fields{
			"op":      name,
			"attempt": attempt + 1,
			"backoff": backoff,
		}).WithError(err).Warn("Transient error, retrying")

		select {
		case <-time.After(backoff):
			backoff = nextBackoff(backoff, cfg.MaxBackoff)
		case <-opCtx.Done():
			return zero, fmt.Errorf("%s timed out during backoff: %w", name, opCtx.Err())
		}
	}

	return zero, fmt.Errorf("%s failed after %d attempts: %w", name, cfg.MaxRetries+1, lastErr)
}

// nextBackoff grows the wait by 1.5x, capped, plus up to 25% jitter.
func nextBackoff(current, max time.Duration) time.Duration {
	backoff := time.Duration(float64(current) * 1.5)
	if backoff > max {
		backoff = max
	}

	maxJitter := int64(backoff / 4)
	if maxJitter > 0 {
		jitterVal, err := rand.Int(rand.Reader, big.NewInt(maxJitter))
		if err == nil {
			backoff += time.Duration(jitterVal.Int64())
		}
	}
	return backoff
}
