// Package invalidation fans cache invalidations out to every process that
// shares a store, over Redis Pub/Sub.
//
// Delivery is at-most-once. Processes that may miss messages should also
// configure a cache max age.
package invalidation

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dyluth/canopy/pkg/hierarchy"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Event announces that the subtree rooted at Ref changed.
type Event struct {
	Ref    hierarchy.NodeRef `json:"ref"`
	Origin string            `json:"origin"` // Bus id of the publishing process
	SentAt time.Time         `json:"sent_at"`
}

// Bus publishes and receives invalidation events. It is safe for concurrent use.
type Bus struct {
	rdb     *redis.Client
	origin  string
	channel string
}

// New creates a Bus on rdb with a fresh origin id.
func New(rdb *redis.Client) *Bus {
	return &Bus{
		rdb:     rdb,
		origin:  uuid.NewString(),
		channel: hierarchy.InvalidationChannel(),
	}
}

// Origin returns the id stamped on events published by this bus.
func (b *Bus) Origin() string {
	return b.origin
}

// PublishInvalidation announces ref to every subscriber. It satisfies
// engine.InvalidationPublisher.
func (b *Bus) PublishInvalidation(ctx context.Context, ref hierarchy.NodeRef) error {
	payload, err := json.Marshal(Event{Ref: ref, Origin: b.origin, SentAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("failed to marshal invalidation event: %w", err)
	}
	if err := b.rdb.Publish(ctx, b.channel, payload).Err(); err != nil {
		return fmt.Errorf("%w: failed to publish invalidation event: %w", hierarchy.ErrStoreUnavailable, err)
	}
	return nil
}

// Subscription represents an active Pub/Sub subscription to invalidation events.
// Caller must call Close() when done to clean up resources.
type Subscription struct {
	events <-chan Event
	errors <-chan error
	cancel func()
	once   sync.Once
}

// Events returns the channel of events from other processes.
// The channel will be closed when the subscription is closed or the context is cancelled.
func (s *Subscription) Events() <-chan Event {
	return s.events
}

// Errors returns the channel of subscription errors.
// The subscription continues after errors - messages are skipped.
func (s *Subscription) Errors() <-chan error {
	return s.errors
}

// Close stops the subscription and cleans up resources. Implements io.Closer.
// Safe to call multiple times - subsequent calls are no-ops.
func (s *Subscription) Close() error {
	s.once.Do(s.cancel)
	return nil
}

// Subscribe delivers events published by other processes. Events from this
// bus's own origin are skipped. The subscription is confirmed before Subscribe
// returns, so no event published afterwards is missed.
func (b *Bus) Subscribe(ctx context.Context) (*Subscription, error) {
	pubsub := b.rdb.Subscribe(ctx, b.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("%w: failed to subscribe to %s: %w", hierarchy.ErrStoreUnavailable, b.channel, err)
	}

	eventsChan := make(chan Event, 64)
	errorsChan := make(chan error, 10)
	subCtx, cancelFunc := context.WithCancel(ctx)

	go func() {
		defer close(eventsChan)
		defer close(errorsChan)
		defer pubsub.Close()

		ch := pubsub.Channel()
		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}

				var event Event
				if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
					select {
					case errorsChan <- fmt.Errorf("failed to unmarshal invalidation event: %w", err):
					case <-subCtx.Done():
						return
					}
					continue
				}
				if event.Origin == b.origin {
					continue
				}

				select {
				case eventsChan <- event:
				case <-subCtx.Done():
					return
				}
			}
		}
	}()

	return &Subscription{
		events: eventsChan,
		errors: errorsChan,
		cancel: cancelFunc,
	}, nil
}

// Applier drops cached state for a subtree, e.g. engine.Service.ApplyRemoteInvalidation.
type Applier func(ref hierarchy.NodeRef) error

// Forward applies every event from sub until it is closed or ctx ends.
// Malformed events and apply failures are logged and skipped.
func Forward(ctx context.Context, sub *Subscription, apply Applier, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "invalidation")

	events, errs := sub.Events(), sub.Errors()
	for events != nil || errs != nil {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if err := event.Ref.Validate(); err != nil {
				logger.Warn("dropping invalid invalidation event", "event_type", "invalidation_rejected", "error", err)
				continue
			}
			if err := apply(event.Ref); err != nil {
				logger.Warn("failed to apply invalidation", "event_type", "invalidation_failed",
					"ref", event.Ref.String(), "error", err)
				continue
			}
			logger.Debug("invalidation applied", "event_type", "invalidation_applied",
				"ref", event.Ref.String(), "origin", event.Origin)
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			logger.Warn("invalidation subscription error", "event_type", "invalidation_error", "error", err)
		}
	}
}
