// Package retry provides bounded retry with exponential backoff and jitter
// for transient broker failures.
package retry

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log"
	"math/big"
	"strings"
	"time"

	"github.com/jinhuaxiao/longport-quant-new-sub001/internal/broker"
)

// Config bounds the retry loop.
type Config struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Timeout        time.Duration
}

// DefaultConfig suits broker REST calls.
var DefaultConfig = Config{
	MaxRetries:     3,
	InitialBackoff: 1 * time.Second,
	MaxBackoff:     30 * time.Second,
	Timeout:        2 * time.Minute,
}

// Do runs fn until it succeeds, the error is permanent, attempts run out, or
// the context expires. A 429 with a Retry-After hint waits that long instead
// of the computed backoff.
func Do[T any](ctx context.Context, logger *log.Logger, cfg Config, op string, fn func(context.Context) (T, error)) (T, error) {
	var zero T

	opCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	var lastErr error
	backoff := cfg.InitialBackoff

	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		if err := opCtx.Err(); err != nil {
			return zero, fmt.Errorf("%s timed out after %v: %w", op, cfg.Timeout, err)
		}
		if err := ctx.Err(); err != nil {
			return zero, fmt.Errorf("%s canceled: %w", op, err)
		}

		result, err := fn(opCtx)
		if err == nil {
			if attempt > 0 {
				logger.Printf("%s succeeded on attempt %d", op, attempt+1)
			}
			return result, nil
		}

		lastErr = err
		logger.Printf("%s attempt %d/%d failed: %v", op, attempt+1, cfg.MaxRetries+1, err)

		if !IsTransient(err) || attempt == cfg.MaxRetries {
			break
		}

		wait := backoff
		var apiErr *broker.APIError
		if errors.As(err, &apiErr) && apiErr.RetryAfter > 0 {
			wait = apiErr.RetryAfter
		}

		select {
		case <-time.After(wait):
			backoff = nextBackoff(backoff, cfg.MaxBackoff)
		case <-opCtx.Done():
			return zero, fmt.Errorf("%s timed out during backoff: %w", op, opCtx.Err())
		case <-ctx.Done():
			return zero, fmt.Errorf("%s canceled during backoff: %w", op, ctx.Err())
		}
	}

	return zero, fmt.Errorf("%s failed after %d attempts: %w", op, cfg.MaxRetries+1, lastErr)
}

// nextBackoff grows the wait by 1.5x, caps it, and adds up to 25% jitter.
func nextBackoff(current, max time.Duration) time.Duration {
	backoff := time.Duration(float64(current) * 1.5)
	if backoff > max {
		backoff = max
	}

	maxJitter := int64(backoff / 4)
	if maxJitter > 0 {
		jitterVal, err := rand.Int(rand.Reader, big.NewInt(maxJitter))
		if err != nil {
			log.Printf("Failed to generate jitter: %v", err)
		} else {
			backoff += time.Duration(jitterVal.Int64())
		}
	}

	return backoff
}

var transientPatterns = []string{
	"timeout",
	"connection refused",
	"connection reset",
	"temporary failure",
	"server error",
	"rate limit",
	"429",
	"502",
	"503",
	"504",
	"network",
	"dns",
	"tcp",
}

// IsTransient reports whether the failure is worth retrying. Structured
// broker errors classify by status; everything else falls back to message
// pattern matching.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var apiErr *broker.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Transient()
	}

	errStr := strings.ToLower(err.Error())
	for _, pattern := range transientPatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}

	return false
}
