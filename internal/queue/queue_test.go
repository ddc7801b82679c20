package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jinhuaxiao/longport-quant-new-sub001/internal/models"
)

func buySignal(symbol string, score float64) models.Signal {
	return models.Signal{
		ID:          uuid.NewString(),
		Symbol:      symbol,
		Kind:        models.KindBuy,
		Score:       score,
		GeneratedAt: time.Now(),
	}
}

func TestConsumeOrdering(t *testing.T) {
	q := NewMockQueue()
	ctx := context.Background()

	low := buySignal("0005.HK", 35)
	mid := buySignal("9988.HK", 50)
	high := buySignal("0700.HK", 65)
	stop := models.Signal{ID: uuid.NewString(), Symbol: "1398.HK", Kind: models.KindSellStopLoss}

	for _, sig := range []models.Signal{low, mid, high} {
		require.NoError(t, q.Publish(ctx, sig))
	}
	require.NoError(t, q.Publish(ctx, stop))

	var order []string
	for i := 0; i < 4; i++ {
		d, err := q.Consume(ctx, time.Millisecond)
		require.NoError(t, err)
		require.NotNil(t, d)
		order = append(order, d.Signal.Symbol)
		require.NoError(t, q.Ack(ctx, d.Signal.ID))
	}

	// Sell stop-loss always wins; buys by descending score.
	assert.Equal(t, []string{"1398.HK", "0700.HK", "9988.HK", "0005.HK"}, order)
}

func TestFIFOWithinEqualPriority(t *testing.T) {
	q := NewMockQueue()
	ctx := context.Background()

	first := buySignal("0700.HK", 50)
	second := buySignal("9988.HK", 50)
	require.NoError(t, q.Publish(ctx, first))
	require.NoError(t, q.Publish(ctx, second))

	d1, err := q.Consume(ctx, time.Millisecond)
	require.NoError(t, err)
	d2, err := q.Consume(ctx, time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, first.ID, d1.Signal.ID)
	assert.Equal(t, second.ID, d2.Signal.ID)
}

func TestPublishIdempotent(t *testing.T) {
	q := NewMockQueue()
	ctx := context.Background()

	sig := buySignal("0700.HK", 60)
	require.NoError(t, q.Publish(ctx, sig))
	require.NoError(t, q.Publish(ctx, sig))

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, stats.Pending)
}

func TestFailRetryDegradesBuyPriority(t *testing.T) {
	q := NewMockQueue()
	ctx := context.Background()

	strong := buySignal("0700.HK", 65) // priority 35
	weak := buySignal("9988.HK", 45)   // priority 55
	require.NoError(t, q.Publish(ctx, strong))
	require.NoError(t, q.Publish(ctx, weak))

	d, err := q.Consume(ctx, time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, strong.ID, d.Signal.ID)

	// Retryable failure degrades the buy to priority 55, tying with the
	// other signal; FIFO then puts the older publish first.
	require.NoError(t, q.Fail(ctx, strong.ID, errors.New("broker 503"), true))

	d, err = q.Consume(ctx, time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, weak.ID, d.Signal.ID, "requeued buy lost its head start")

	d, err = q.Consume(ctx, time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, strong.ID, d.Signal.ID)
	assert.Equal(t, 2, d.Attempts)
}

func TestFailExhaustsToFailedBucket(t *testing.T) {
	q := NewMockQueue()
	ctx := context.Background()

	sig := buySignal("0700.HK", 60)
	require.NoError(t, q.Publish(ctx, sig))

	for attempt := 1; attempt <= MaxAttempts; attempt++ {
		d, err := q.Consume(ctx, time.Millisecond)
		require.NoError(t, err)
		require.NotNil(t, d, "attempt %d", attempt)
		assert.Equal(t, attempt, d.Attempts)
		require.NoError(t, q.Fail(ctx, d.Signal.ID, errors.New("broker 503"), true))
	}

	d, err := q.Consume(ctx, time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, d, "exhausted signal must not redeliver")

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, stats.Failed)
}

func TestFailHonorsConfiguredAttemptBudget(t *testing.T) {
	q := NewMockQueue()
	q.MaxAttempts = 1
	ctx := context.Background()

	sig := buySignal("0700.HK", 60)
	require.NoError(t, q.Publish(ctx, sig))

	d, err := q.Consume(ctx, time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, d)
	require.NoError(t, q.Fail(ctx, sig.ID, errors.New("broker 503"), true))

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, stats.Failed, "a budget of one fails on the first retryable error")
	assert.EqualValues(t, 0, stats.Pending)
}

func TestFailNonRetryableGoesStraightToFailed(t *testing.T) {
	q := NewMockQueue()
	ctx := context.Background()

	sig := buySignal("0700.HK", 60)
	require.NoError(t, q.Publish(ctx, sig))
	d, err := q.Consume(ctx, time.Millisecond)
	require.NoError(t, err)
	require.NoError(t, q.Fail(ctx, d.Signal.ID, errors.New("invalid symbol"), false))

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, stats.Failed)
	assert.EqualValues(t, 0, stats.Pending)
}

func TestHasPending(t *testing.T) {
	q := NewMockQueue()
	ctx := context.Background()

	sig := buySignal("0700.HK", 60)
	require.NoError(t, q.Publish(ctx, sig))

	ok, err := q.HasPending(ctx, "0700.HK", models.KindBuy)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = q.HasPending(ctx, "0700.HK", models.KindSellStopLoss)
	require.NoError(t, err)
	assert.False(t, ok, "kind is part of the dedup key")

	// Consumed but unacked still counts as pending for dedup.
	d, err := q.Consume(ctx, time.Millisecond)
	require.NoError(t, err)
	ok, err = q.HasPending(ctx, "0700.HK", models.KindBuy)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, q.Ack(ctx, d.Signal.ID))
	ok, err = q.HasPending(ctx, "0700.HK", models.KindBuy)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRetryFailedAndClear(t *testing.T) {
	q := NewMockQueue()
	ctx := context.Background()

	sig := buySignal("0700.HK", 60)
	require.NoError(t, q.Publish(ctx, sig))
	d, err := q.Consume(ctx, time.Millisecond)
	require.NoError(t, err)
	require.NoError(t, q.Fail(ctx, d.Signal.ID, errors.New("invalid symbol"), false))

	n, err := q.RetryFailed(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	d, err = q.Consume(ctx, time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, 1, d.Attempts, "retry-failed resets the attempt budget")
	require.NoError(t, q.Ack(ctx, d.Signal.ID))

	require.NoError(t, q.Publish(ctx, buySignal("9988.HK", 50)))
	n, err = q.Clear(ctx, BucketPending)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 0, stats.Pending)
	assert.InDelta(t, 1.0, stats.SuccessRate(), 1e-9)
}

func TestSuccessRateEmpty(t *testing.T) {
	assert.Zero(t, Stats{}.SuccessRate())
}

func TestPriorityScoreEncoding(t *testing.T) {
	// Scores must order first by priority, then by sequence, with exact
	// float64 integer arithmetic.
	score := func(priority int, seq int64) float64 {
		return float64(priority)*priorityScoreBase + float64(seq)
	}
	assert.Less(t, score(0, 999), score(1, 1))
	assert.Less(t, score(35, 1), score(35, 2))
	assert.Less(t, score(35, 2), score(55, 1))
	assert.Equal(t, score(120, 1e9)+1, score(120, 1e9+1), "no precision loss at realistic magnitudes")
}
