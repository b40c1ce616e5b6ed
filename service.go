package fanout

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/durable-streams/fanout/core"
	"github.com/durable-streams/fanout/lifecycle"
	"github.com/durable-streams/fanout/registry"
)

// Service ties the publish engine, registry, and lifecycle manager into the
// operations the HTTP surface exposes. Cross-entity orchestration with
// rollback lives here; per-entity invariants live in the actors.
type Service struct {
	engine    *registry.Engine
	registry  *registry.Registry
	lifecycle *lifecycle.Manager
	core      core.StreamCore
	cfg       core.Config
	logger    *zap.Logger
}

// NewService wires the orchestration layer.
func NewService(engine *registry.Engine, reg *registry.Registry, lc *lifecycle.Manager, sc core.StreamCore, cfg core.Config, logger *zap.Logger) *Service {
	return &Service{
		engine:    engine,
		registry:  reg,
		lifecycle: lc,
		core:      sc,
		cfg:       cfg,
		logger:    logger,
	}
}

// SubscribeResult describes an established subscription.
type SubscribeResult struct {
	EstuaryID    string    `json:"estuaryId"`
	StreamID     string    `json:"streamId"`
	EstuaryPath  string    `json:"estuaryStreamPath"`
	ExpiresAt    time.Time `json:"expiresAt"`
	IsNewEstuary bool      `json:"isNewEstuary"`
}

// Subscribe attaches an estuary to a source stream. The estuary stream is
// created (or touched) with the source's content type; if the registry add
// fails after this call created the estuary, the creation is rolled back
// best-effort and the original error is returned.
func (s *Service) Subscribe(ctx context.Context, project, streamID, estuaryID string) (SubscribeResult, error) {
	sourceKey, err := core.NewStreamKey(project, streamID)
	if err != nil {
		return SubscribeResult{}, err
	}
	if err := core.ValidateEstuaryID(estuaryID); err != nil {
		return SubscribeResult{}, err
	}
	estuaryKey := core.StreamKey{Project: project, Stream: estuaryID}

	head, err := s.core.Head(ctx, sourceKey)
	if err != nil {
		return SubscribeResult{}, err
	}
	if !head.Exists {
		return SubscribeResult{}, fmt.Errorf("%w: %s", core.ErrSourceNotFound, sourceKey)
	}

	put, err := s.core.Put(ctx, estuaryKey, head.ContentType, s.cfg.EstuaryTTL)
	if err != nil {
		return SubscribeResult{}, err
	}
	if put.Status == 409 {
		// The estuary pre-existed with different metadata. Nothing to roll
		// back: we did not create it.
		return SubscribeResult{}, fmt.Errorf("%w: estuary %s", core.ErrContentTypeMismatch, estuaryKey)
	}
	isNew := put.Created

	if err := s.registry.Add(ctx, sourceKey, estuaryID); err != nil {
		if isNew {
			if del, delErr := s.core.Delete(ctx, estuaryKey); delErr != nil || !del.OK {
				s.logger.Warn("subscribe rollback delete failed",
					zap.String("estuary", estuaryKey.String()),
					zap.Error(delErr))
			}
		}
		return SubscribeResult{}, err
	}

	if err := s.lifecycle.AddSubscription(ctx, project, estuaryID, streamID); err != nil {
		return SubscribeResult{}, err
	}
	expiresAt, err := s.lifecycle.SetExpiry(ctx, project, estuaryID, s.cfg.EstuaryTTL)
	if err != nil {
		return SubscribeResult{}, err
	}

	return SubscribeResult{
		EstuaryID:    estuaryID,
		StreamID:     streamID,
		EstuaryPath:  estuaryKey.String(),
		ExpiresAt:    expiresAt,
		IsNewEstuary: isNew,
	}, nil
}

// Unsubscribe detaches an estuary from a source. Both halves are idempotent;
// no rollback is needed.
func (s *Service) Unsubscribe(ctx context.Context, project, streamID, estuaryID string) error {
	sourceKey, err := core.NewStreamKey(project, streamID)
	if err != nil {
		return err
	}
	if err := core.ValidateEstuaryID(estuaryID); err != nil {
		return err
	}
	if err := s.registry.Remove(ctx, sourceKey, estuaryID); err != nil {
		return err
	}
	return s.lifecycle.RemoveSubscription(ctx, project, estuaryID, streamID)
}

// Touch refreshes an estuary stream's TTL and resets its expiry alarm,
// independent of any subscribe.
func (s *Service) Touch(ctx context.Context, project, estuaryID string) (time.Time, error) {
	if err := core.ValidateProjectID(project); err != nil {
		return time.Time{}, err
	}
	if err := core.ValidateEstuaryID(estuaryID); err != nil {
		return time.Time{}, err
	}
	estuaryKey := core.StreamKey{Project: project, Stream: estuaryID}

	head, err := s.core.Head(ctx, estuaryKey)
	if err != nil {
		return time.Time{}, err
	}
	if !head.Exists {
		return time.Time{}, fmt.Errorf("%w: %s", core.ErrEstuaryNotFound, estuaryKey)
	}
	if _, err := s.core.Put(ctx, estuaryKey, head.ContentType, s.cfg.EstuaryTTL); err != nil {
		return time.Time{}, err
	}
	return s.lifecycle.SetExpiry(ctx, project, estuaryID, s.cfg.EstuaryTTL)
}

// DeleteEstuary removes the estuary stream. It does not walk sources: they
// discover the loss lazily through 404s at fanout time, and the lifecycle
// actor's own state survives until its alarm fires or a new subscribe
// re-anchors it.
func (s *Service) DeleteEstuary(ctx context.Context, project, estuaryID string) error {
	if err := core.ValidateProjectID(project); err != nil {
		return err
	}
	if err := core.ValidateEstuaryID(estuaryID); err != nil {
		return err
	}
	estuaryKey := core.StreamKey{Project: project, Stream: estuaryID}
	result, err := s.core.Delete(ctx, estuaryKey)
	if err != nil {
		return err
	}
	if !result.OK {
		return core.NewOpError("delete", estuaryKey, result.Status,
			fmt.Errorf("status %d", result.Status))
	}
	return nil
}

// Publish appends to the source and fans out to its subscribers.
func (s *Service) Publish(ctx context.Context, project, streamID string, body []byte, contentType string, producer core.ProducerHeaders) (registry.PublishResult, error) {
	sourceKey, err := core.NewStreamKey(project, streamID)
	if err != nil {
		return registry.PublishResult{}, err
	}
	return s.engine.Publish(ctx, registry.PublishRequest{
		Key:         sourceKey,
		Body:        body,
		ContentType: contentType,
		Producer:    producer,
	})
}

// Subscribers lists a source's subscribers with timestamps.
func (s *Service) Subscribers(ctx context.Context, project, streamID string) ([]registry.Subscriber, error) {
	sourceKey, err := core.NewStreamKey(project, streamID)
	if err != nil {
		return nil, err
	}
	return s.registry.ListWithTimestamps(ctx, sourceKey)
}
