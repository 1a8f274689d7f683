package worker

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/metrics"
)

const (
	BatchSize    = 50
	BatchTimeout = 2 * time.Second
	PollTimeout  = 1 * time.Second // Must be >= 1s to satisfy Redis
)

type queued[T any] struct {
	raw string
	val T
}

// queueConsumer drains a Redis list in batches: bulk write first, then row by
// row, then push failed rows back. Malformed items are discarded since no
// retry can fix them.
type queueConsumer[T any] struct {
	rdb     *redis.Client
	queue   string
	log     zerolog.Logger
	metrics *metrics.Manager

	decode func(raw string) (T, error)
	bulk   func(ctx context.Context, batch []T) error
	single func(ctx context.Context, item T) error
}

func (q *queueConsumer[T]) run(ctx context.Context) {
	buffer := make([]queued[T], 0, BatchSize)
	lastFlush := time.Now()

	for {
		if len(buffer) > 0 && (len(buffer) >= BatchSize || time.Since(lastFlush) >= BatchTimeout) {
			q.flush(ctx, buffer)
			buffer = buffer[:0]
			lastFlush = time.Now()
		}

		select {
		case <-ctx.Done():
			q.shutdown(buffer)
			return
		default:
		}

		result, err := q.rdb.BLPop(ctx, PollTimeout, q.queue).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				continue // next iteration flushes and exits
			}
			q.log.Error().Err(err).Msg("Redis connection error, sleeping 3s")
			sleep(ctx, 3*time.Second)
			continue
		}
		if len(result) < 2 {
			continue
		}

		val, err := q.decode(result[1])
		if err != nil {
			q.log.Error().Err(err).Str("data", result[1]).Msg("Discarding malformed item")
			continue
		}
		buffer = append(buffer, queued[T]{raw: result[1], val: val})
	}
}

func (q *queueConsumer[T]) flush(ctx context.Context, batch []queued[T]) {
	vals := make([]T, len(batch))
	for i, item := range batch {
		vals[i] = item.val
	}
	if err := q.bulk(ctx, vals); err == nil {
		return
	} else {
		q.log.Warn().Err(err).Int("count", len(batch)).Msg("Bulk write failed, attempting row-by-row recovery")
	}

	var failed []string
	for _, item := range batch {
		if err := q.single(ctx, item.val); err != nil {
			q.log.Error().Err(err).Msg("Row write failed, requeueing")
			failed = append(failed, item.raw)
		}
	}
	if len(failed) > 0 {
		q.requeue(ctx, failed)
	}
}

func (q *queueConsumer[T]) requeue(ctx context.Context, items []string) {
	pipe := q.rdb.Pipeline()
	for _, raw := range items {
		pipe.RPush(ctx, q.queue, raw)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		q.log.Error().Err(err).Int("count", len(items)).Msg("CRITICAL: Failed to requeue items to Redis. Data loss occurred.")
		return
	}
	q.metrics.Requeued(q.queue, len(items))
	q.log.Info().Int("count", len(items)).Msg("Requeued failed items back to Redis")
	// Back off so a database outage does not turn into a hot loop.
	sleep(ctx, 2*time.Second)
}

func (q *queueConsumer[T]) shutdown(buffer []queued[T]) {
	q.log.Info().Msg("Worker stopping, flushing remaining buffer...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if len(buffer) > 0 {
		q.flush(shutdownCtx, buffer)
	}
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
