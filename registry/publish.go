package registry

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/durable-streams/fanout/core"
	"github.com/durable-streams/fanout/dispatch"
	"github.com/durable-streams/fanout/queue"
)

// Dispatch modes reported in publish results.
const (
	ModeInline      = "inline"
	ModeQueued      = "queued"
	ModeSkipped     = "skipped"
	ModeCircuitOpen = "circuit-open"
)

// PublishRequest is one producer append to a source stream.
type PublishRequest struct {
	Key         core.StreamKey
	Body        []byte
	ContentType string

	// Producer carries the caller's own producer headers for the source
	// append. Zero means none.
	Producer core.ProducerHeaders
}

// PublishResult is the aggregate outcome. Fanout-side failures live here,
// never in the returned error: once the source append commits, publish
// succeeds.
type PublishResult struct {
	NextOffset      string
	FanoutSeq       uint64
	FanoutCount     int
	FanoutSuccesses int
	FanoutFailures  int
	FanoutMode      string
}

// Dispatcher is the inline fanout path.
type Dispatcher interface {
	Dispatch(ctx context.Context, p core.FanoutPayload) dispatch.Result
}

// Enqueuer is the queued fanout path. A nil Enqueuer disables it.
type Enqueuer interface {
	Enqueue(ctx context.Context, msg queue.Message) error
}

// Engine orchestrates publishes. It runs inside the source's registry actor,
// so publishes on one source serialize with each other and with registry
// mutations; there is no cross-actor lock to contend on.
type Engine struct {
	registry   *Registry
	core       core.StreamCore
	dispatcher Dispatcher
	queue      Enqueuer
	cfg        core.Config
	logger     *zap.Logger
}

// NewEngine wires the publish engine. q may be nil when no queue is
// configured; the queued and circuit-open-enqueue paths are then disabled.
func NewEngine(r *Registry, sc core.StreamCore, d Dispatcher, q Enqueuer, cfg core.Config, logger *zap.Logger) *Engine {
	return &Engine{
		registry:   r,
		core:       sc,
		dispatcher: d,
		queue:      q,
		cfg:        cfg,
		logger:     logger,
	}
}

// Publish appends to the source stream and fans the payload out to every
// subscribed estuary. The returned error is non-nil only when the source
// append itself failed; dispatch outcomes are reported in the result.
func (e *Engine) Publish(ctx context.Context, req PublishRequest) (PublishResult, error) {
	start := time.Now()
	var (
		result PublishResult
		opErr  error
	)
	err := e.registry.system.Do(ctx, req.Key.String(), func() {
		result, opErr = e.publishLocked(ctx, req)
	})
	if err != nil {
		return PublishResult{}, err
	}
	if opErr == nil {
		e.registry.meter.ObservePublish(time.Since(start).Seconds())
	}
	return result, opErr
}

func (e *Engine) publishLocked(ctx context.Context, req PublishRequest) (PublishResult, error) {
	// Source append first. A failure here aborts the publish outright: no
	// sequence is allocated and the circuit is untouched.
	post, err := e.core.Post(ctx, req.Key, req.Body, req.ContentType, req.Producer)
	if err != nil {
		return PublishResult{}, fmt.Errorf("%w: %w", core.ErrUpstreamWriteFailed, err)
	}
	if !post.OK {
		return PublishResult{}, fmt.Errorf("%w: %w", core.ErrUpstreamWriteFailed,
			core.NewOpError("post", req.Key, post.Status, fmt.Errorf("status %d", post.Status)))
	}

	// The sequence is durable before any downstream write carries it; a
	// crash between here and dispatch loses the fanout but never reuses
	// the sequence, so sink-side dedup stays sound.
	seq, ids, err := e.registry.allocateSeqLocked(req.Key)
	if err != nil {
		e.logger.Error("fanout sequence allocation failed",
			zap.String("source", req.Key.String()), zap.Error(err))
		return PublishResult{
			NextOffset: post.NextOffset,
			FanoutMode: ModeSkipped,
		}, nil
	}

	result := PublishResult{
		NextOffset:  post.NextOffset,
		FanoutSeq:   seq,
		FanoutCount: len(ids),
	}

	if len(ids) == 0 {
		result.FanoutMode = ModeSkipped
		e.registry.meter.Publish(ModeSkipped)
		return result, nil
	}

	payload := core.FanoutPayload{
		Project:      req.Key.Project,
		SourceStream: req.Key.Stream,
		EstuaryIDs:   ids,
		Body:         req.Body,
		ContentType:  req.ContentType,
		Producer:     core.FanoutProducer(req.Key.Stream, seq),
	}

	// Overflow path: large subscriber sets go through the queue. Enqueue
	// failure falls through to the inline branch, still breaker-gated.
	if e.queue != nil && len(ids) > e.cfg.QueueThreshold {
		if err := e.enqueueChunks(ctx, payload); err == nil {
			result.FanoutMode = ModeQueued
			result.FanoutSuccesses = len(ids)
			e.registry.meter.Publish(ModeQueued)
			return result, nil
		} else {
			e.logger.Warn("fanout enqueue failed, falling back to inline",
				zap.String("source", req.Key.String()), zap.Error(err))
		}
	}

	br := e.registry.breakerFor(req.Key)
	if !br.shouldAttempt() {
		result.FanoutMode = ModeCircuitOpen
		e.registry.meter.Publish(ModeCircuitOpen)
		if e.queue != nil {
			if err := e.enqueueChunks(ctx, payload); err == nil {
				result.FanoutSuccesses = len(ids)
				return result, nil
			}
			e.logger.Warn("circuit-open enqueue failed, dropping dispatch",
				zap.String("source", req.Key.String()), zap.Error(err))
		}
		// Dispatch attempted nowhere: all targets count as failures.
		result.FanoutFailures = len(ids)
		return result, nil
	}

	dispatched := e.dispatcher.Dispatch(ctx, payload)
	br.record(dispatched.Successes, dispatched.Failures)

	result.FanoutMode = ModeInline
	result.FanoutSuccesses = dispatched.Successes
	result.FanoutFailures = dispatched.Failures
	e.registry.meter.Publish(ModeInline)
	e.registry.meter.FanoutWrites(dispatched.Successes, dispatched.Failures)

	if len(dispatched.StaleEstuaryIDs) > 0 {
		if err := e.registry.removeManyLocked(req.Key, dispatched.StaleEstuaryIDs); err != nil {
			e.logger.Error("stale subscriber prune failed",
				zap.String("source", req.Key.String()),
				zap.Int("stale", len(dispatched.StaleEstuaryIDs)),
				zap.Error(err))
		} else {
			e.registry.meter.StalePruned(len(dispatched.StaleEstuaryIDs))
		}
	}
	return result, nil
}

// enqueueChunks splits the payload into queue-sized messages. A failure
// partway leaves earlier chunks on the queue; sinks dedup the overlap when
// the caller falls back to inline.
func (e *Engine) enqueueChunks(ctx context.Context, p core.FanoutPayload) error {
	chunks := core.Chunk(p.EstuaryIDs, e.cfg.QueueBatchSize)
	for _, chunk := range chunks {
		msg := queue.NewMessage(core.FanoutPayload{
			Project:      p.Project,
			SourceStream: p.SourceStream,
			EstuaryIDs:   chunk,
			Body:         p.Body,
			ContentType:  p.ContentType,
			Producer:     p.Producer,
		})
		if err := msg.Validate(); err != nil {
			return err
		}
		if err := e.queue.Enqueue(ctx, msg); err != nil {
			return err
		}
	}
	e.registry.meter.QueueEnqueued(len(chunks))
	return nil
}
