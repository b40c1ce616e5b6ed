package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/durable-streams/fanout/core"
	"github.com/durable-streams/fanout/dispatch"
	"github.com/durable-streams/fanout/metrics"
)

// Pruner removes stale subscribers from a source registry.
type Pruner interface {
	RemoveMany(ctx context.Context, key core.StreamKey, estuaryIDs []string) error
}

// Dispatcher issues the fanout writes for a message.
type Dispatcher interface {
	Dispatch(ctx context.Context, p core.FanoutPayload) dispatch.Result
}

// retryBackoff spaces out redeliveries of failing messages so a dead sink
// does not hot-loop the consumer.
const retryBackoff = time.Second

// Consumer drains the async fanout queue. Each message is handled
// independently: dispatch, feed stale ids back to the registry, then ack if
// every failure was a stale 404, retry otherwise.
type Consumer struct {
	queue      Queue
	dispatcher Dispatcher
	pruner     Pruner
	meter      *metrics.Metrics
	logger     *zap.Logger

	workers int
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewConsumer creates a consumer with the given worker parallelism.
func NewConsumer(q Queue, d Dispatcher, p Pruner, workers int, meter *metrics.Metrics, logger *zap.Logger) *Consumer {
	if workers <= 0 {
		workers = 1
	}
	return &Consumer{
		queue:      q,
		dispatcher: d,
		pruner:     p,
		meter:      meter,
		logger:     logger,
		workers:    workers,
	}
}

// Start launches the worker loops.
func (c *Consumer) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	for i := 0; i < c.workers; i++ {
		c.wg.Add(1)
		go c.run(ctx)
	}
}

// Stop cancels the workers and waits for them to exit. In-flight deliveries
// stay pending and are redelivered on the next start.
func (c *Consumer) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
}

func (c *Consumer) run(ctx context.Context) {
	defer c.wg.Done()
	for {
		d, err := c.queue.Dequeue(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return
			}
			c.logger.Error("queue dequeue failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(retryBackoff):
			}
			continue
		}

		if c.handle(ctx, d) {
			if err := c.queue.Ack(ctx, d); err != nil {
				c.logger.Error("queue ack failed",
					zap.String("delivery", d.ID), zap.Error(err))
			}
			c.meter.QueueAcked()
			continue
		}

		if err := c.queue.Retry(ctx, d); err != nil {
			c.logger.Error("queue retry failed",
				zap.String("delivery", d.ID), zap.Error(err))
		}
		c.meter.QueueRetried()
		select {
		case <-ctx.Done():
			return
		case <-time.After(retryBackoff):
		}
	}
}

// handle processes one delivery and reports whether to ack.
func (c *Consumer) handle(ctx context.Context, d *Delivery) bool {
	if d.DecodeErr != nil {
		c.logger.Error("queue message failed to decode",
			zap.String("delivery", d.ID), zap.Error(d.DecodeErr))
		return false
	}

	msg := d.Message
	result := c.dispatcher.Dispatch(ctx, msg.Fanout())
	c.meter.FanoutWrites(result.Successes, result.Failures)

	if len(result.StaleEstuaryIDs) > 0 {
		if err := c.pruner.RemoveMany(ctx, msg.SourceKey(), result.StaleEstuaryIDs); err != nil {
			c.logger.Error("stale subscriber prune failed",
				zap.String("source", msg.SourceKey().String()),
				zap.Int("stale", len(result.StaleEstuaryIDs)),
				zap.Error(err))
		} else {
			c.meter.StalePruned(len(result.StaleEstuaryIDs))
		}
	}

	// Stale 404s are terminal for this message; anything else gets another
	// delivery. Duplicates are safe: sinks dedup on producer seq.
	nonStale := result.Failures - len(result.StaleEstuaryIDs)
	if nonStale > 0 {
		c.logger.Debug("queue message will be retried",
			zap.String("source", msg.SourceKey().String()),
			zap.Int("failures", nonStale))
		return false
	}
	return true
}
