// Package queue provides the durable priority queue that carries signals
// from the generator to the executor workers.
package queue

import (
	"context"
	"time"

	"github.com/jinhuaxiao/longport-quant-new-sub001/internal/models"
)

// Bucket names a queue partition for maintenance commands.
type Bucket string

const (
	// BucketPending holds signals awaiting a consumer.
	BucketPending Bucket = "pending"
	// BucketProcessing holds consumed signals inside their visibility window.
	BucketProcessing Bucket = "processing"
	// BucketFailed holds signals that exhausted their attempts.
	BucketFailed Bucket = "failed"
)

// MaxAttempts is the default delivery budget before a signal lands in
// failed; queue.max_attempts overrides it per deployment.
const MaxAttempts = 3

// buyRetryPriorityDegrade is added to a buy's priority on each retryable
// failure so fresher signals overtake it. Sells keep their urgency.
const buyRetryPriorityDegrade = 20

// Delivery is a consumed signal plus its delivery metadata. The consumer must
// pair it with Ack or Fail before the visibility window expires.
type Delivery struct {
	Signal   models.Signal
	Priority int
	Attempts int
}

// Stats summarizes queue health.
type Stats struct {
	Pending     int64
	Processing  int64
	Failed      int64
	TotalAcked  int64
	TotalFailed int64
}

// SuccessRate is acked over all finished deliveries, 0 when none finished.
func (s Stats) SuccessRate() float64 {
	total := s.TotalAcked + s.TotalFailed
	if total == 0 {
		return 0
	}
	return float64(s.TotalAcked) / float64(total)
}

// Queue is a durable priority queue with at-least-once delivery. Lower
// priority values dispatch first; equal priorities dispatch FIFO.
type Queue interface {
	// Publish adds the signal to pending. Idempotent on signal ID.
	Publish(ctx context.Context, sig models.Signal) error

	// Consume blocks up to timeout for the lowest-priority pending signal and
	// moves it to processing. Returns (nil, nil) when nothing arrived in time.
	Consume(ctx context.Context, timeout time.Duration) (*Delivery, error)

	// Ack marks a consumed signal fully handled and removes it.
	Ack(ctx context.Context, signalID string) error

	// Fail records a handling failure. Retryable failures re-publish with a
	// degraded priority while attempts remain; otherwise the signal moves to
	// the failed bucket.
	Fail(ctx context.Context, signalID string, cause error, retryable bool) error

	// HasPending reports whether an unacked signal exists for the symbol and
	// kind, in either pending or processing.
	HasPending(ctx context.Context, symbol string, kind models.SignalKind) (bool, error)

	// Stats returns bucket sizes and lifetime counters.
	Stats(ctx context.Context) (Stats, error)

	// RetryFailed moves every failed signal back to pending with a fresh
	// attempt budget, returning how many moved.
	RetryFailed(ctx context.Context) (int, error)

	// Clear drops every entry in the bucket, returning how many were dropped.
	Clear(ctx context.Context, bucket Bucket) (int, error)
}
