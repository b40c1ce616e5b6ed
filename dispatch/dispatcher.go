// Package dispatch writes one payload to many estuary streams.
//
// Estuary ids are processed in fixed-size chunks: all writes within a chunk
// run in parallel with independent per-call deadlines, chunks run
// sequentially. Every outcome is awaited; one slow or failing sink never
// cancels its peers.
package dispatch

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/durable-streams/fanout/core"
)

// Result aggregates one dispatch across all chunks.
type Result struct {
	Successes int
	Failures  int

	// StaleEstuaryIDs are the targets whose estuary stream returned 404:
	// the stream is gone and the subscriber should be pruned. Stale ids are
	// also counted under Failures.
	StaleEstuaryIDs []string
}

// Dispatcher issues fanout writes through the stream core.
type Dispatcher struct {
	core        core.StreamCore
	batchSize   int
	callTimeout time.Duration
	logger      *zap.Logger
}

// New creates a dispatcher. batchSize bounds per-chunk parallelism and
// callTimeout is the per-write deadline.
func New(sc core.StreamCore, batchSize int, callTimeout time.Duration, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		core:        sc,
		batchSize:   batchSize,
		callTimeout: callTimeout,
		logger:      logger,
	}
}

// Dispatch writes the payload to every estuary stream in p.EstuaryIDs and
// reports the aggregate outcome. The payload body is treated as shared
// read-only; the stream core transport never consumes it.
func (d *Dispatcher) Dispatch(ctx context.Context, p core.FanoutPayload) Result {
	var result Result
	for _, chunk := range core.Chunk(p.EstuaryIDs, d.batchSize) {
		chunkResult := d.dispatchChunk(ctx, p, chunk)
		result.Successes += chunkResult.Successes
		result.Failures += chunkResult.Failures
		result.StaleEstuaryIDs = append(result.StaleEstuaryIDs, chunkResult.StaleEstuaryIDs...)
	}
	return result
}

type outcome int

const (
	outcomeSuccess outcome = iota
	outcomeStale
	outcomeFailure
)

func (d *Dispatcher) dispatchChunk(ctx context.Context, p core.FanoutPayload, chunk []string) Result {
	outcomes := make([]outcome, len(chunk))

	// The closures always return nil: the group is a join-all, never a
	// first-error cancel.
	var group errgroup.Group
	group.SetLimit(d.batchSize)
	var mu sync.Mutex

	for i, estuaryID := range chunk {
		i, estuaryID := i, estuaryID
		group.Go(func() error {
			key := core.StreamKey{Project: p.Project, Stream: estuaryID}

			callCtx, cancel := context.WithTimeout(ctx, d.callTimeout)
			post, err := d.core.Post(callCtx, key, p.Body, p.ContentType, p.Producer)
			cancel()

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				d.logger.Debug("fanout write failed",
					zap.String("estuary", key.String()),
					zap.Error(err))
				outcomes[i] = outcomeFailure
			case post.OK:
				outcomes[i] = outcomeSuccess
			case post.Stale:
				outcomes[i] = outcomeStale
			default:
				d.logger.Debug("fanout write refused",
					zap.String("estuary", key.String()),
					zap.Int("status", post.Status))
				outcomes[i] = outcomeFailure
			}
			return nil
		})
	}
	group.Wait()

	var result Result
	for i, o := range outcomes {
		switch o {
		case outcomeSuccess:
			result.Successes++
		case outcomeStale:
			result.Failures++
			result.StaleEstuaryIDs = append(result.StaleEstuaryIDs, chunk[i])
		default:
			result.Failures++
		}
	}
	return result
}
