package queue

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jinhuaxiao/longport-quant-new-sub001/internal/models"
)

type mockEntry struct {
	signal   models.Signal
	priority int
	attempts int
	seq      int64
}

// MockQueue is an in-memory Queue with the same ordering and retry semantics
// as the Redis implementation. For tests only; nothing survives the process.
type MockQueue struct {
	mu          sync.Mutex
	pending     []*mockEntry
	processing  map[string]*mockEntry
	failed      map[string]*mockEntry
	FailReasons map[string]string
	MaxAttempts int
	seq         int64
	acked       int64
	failedTotal int64
}

// Ensure MockQueue implements Queue at compile time.
var _ Queue = (*MockQueue)(nil)

// NewMockQueue creates an empty in-memory queue with the default attempt
// budget.
func NewMockQueue() *MockQueue {
	return &MockQueue{
		processing:  make(map[string]*mockEntry),
		failed:      make(map[string]*mockEntry),
		FailReasons: make(map[string]string),
		MaxAttempts: MaxAttempts,
	}
}

// Publish adds the signal to pending, idempotent on ID.
func (q *MockQueue) Publish(_ context.Context, sig models.Signal) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, e := range q.pending {
		if e.signal.ID == sig.ID {
			return nil
		}
	}
	if _, ok := q.processing[sig.ID]; ok {
		return nil
	}
	q.seq++
	q.pending = append(q.pending, &mockEntry{signal: sig, priority: sig.Priority(), seq: q.seq})
	return nil
}

// Consume pops the best pending entry, or returns (nil, nil) immediately when
// empty. The timeout is not waited out; tests drive the queue synchronously.
func (q *MockQueue) Consume(ctx context.Context, _ time.Duration) (*Delivery, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return nil, nil
	}
	sort.SliceStable(q.pending, func(i, j int) bool {
		if q.pending[i].priority != q.pending[j].priority {
			return q.pending[i].priority < q.pending[j].priority
		}
		return q.pending[i].seq < q.pending[j].seq
	})
	e := q.pending[0]
	q.pending = q.pending[1:]
	e.attempts++
	q.processing[e.signal.ID] = e
	return &Delivery{Signal: e.signal, Priority: e.priority, Attempts: e.attempts}, nil
}

// Ack removes a consumed entry.
func (q *MockQueue) Ack(_ context.Context, signalID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.processing[signalID]; !ok {
		return fmt.Errorf("acking signal %s: not in processing", signalID)
	}
	delete(q.processing, signalID)
	q.acked++
	return nil
}

// Fail applies the same retry policy as the durable queue.
func (q *MockQueue) Fail(_ context.Context, signalID string, cause error, retryable bool) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.processing[signalID]
	if !ok {
		return fmt.Errorf("failing signal %s: not in processing", signalID)
	}
	delete(q.processing, signalID)
	if cause != nil {
		q.FailReasons[signalID] = cause.Error()
	}
	if retryable && e.attempts < q.MaxAttempts {
		if e.signal.Kind.IsBuy() {
			e.priority += buyRetryPriorityDegrade
		}
		q.seq++
		e.seq = q.seq
		q.pending = append(q.pending, e)
		return nil
	}
	q.failed[signalID] = e
	q.failedTotal++
	return nil
}

// HasPending reports an unacked entry for the symbol and kind.
func (q *MockQueue) HasPending(_ context.Context, symbol string, kind models.SignalKind) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, e := range q.pending {
		if e.signal.Symbol == symbol && e.signal.Kind == kind {
			return true, nil
		}
	}
	for _, e := range q.processing {
		if e.signal.Symbol == symbol && e.signal.Kind == kind {
			return true, nil
		}
	}
	return false, nil
}

// Stats returns bucket sizes and counters.
func (q *MockQueue) Stats(_ context.Context) (Stats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		Pending:     int64(len(q.pending)),
		Processing:  int64(len(q.processing)),
		Failed:      int64(len(q.failed)),
		TotalAcked:  q.acked,
		TotalFailed: q.failedTotal,
	}, nil
}

// RetryFailed moves failed entries back to pending with attempts reset.
func (q *MockQueue) RetryFailed(_ context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for id, e := range q.failed {
		e.attempts = 0
		q.seq++
		e.seq = q.seq
		q.pending = append(q.pending, e)
		delete(q.failed, id)
		n++
	}
	return n, nil
}

// Clear drops every entry in the bucket.
func (q *MockQueue) Clear(_ context.Context, bucket Bucket) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	switch bucket {
	case BucketPending:
		n := len(q.pending)
		q.pending = nil
		return n, nil
	case BucketProcessing:
		n := len(q.processing)
		q.processing = make(map[string]*mockEntry)
		return n, nil
	case BucketFailed:
		n := len(q.failed)
		q.failed = make(map[string]*mockEntry)
		return n, nil
	}
	return 0, fmt.Errorf("unknown queue bucket %q", bucket)
}
