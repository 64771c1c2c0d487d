package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/cuemby/strata/pkg/log"
	"github.com/cuemby/strata/pkg/registry"
	"github.com/cuemby/strata/pkg/types"
)

// EventType represents the type of file lifecycle event
type EventType string

const (
	FileCreated EventType = "file:created"
	FileUpdated EventType = "file:updated"
	FileDeleted EventType = "file:deleted"
)

// channels lists every channel a subscriber listens on.
var channels = []string{string(FileCreated), string(FileUpdated), string(FileDeleted)}

// Event is one file lifecycle event. Create and update events carry the
// full metadata snapshot so subscribers never need a separate fetch.
type Event struct {
	Type             EventType   `json:"event_type"`
	FileID           string      `json:"file_id"`
	StorageElementID string      `json:"storage_element_id"`
	File             *types.File `json:"file,omitempty"`
	Timestamp        time.Time   `json:"timestamp"`
}

// Publisher publishes file lifecycle events onto the shared registry's
// pub/sub channels. The admin service is the only publisher, and it
// publishes only after the database write containing the state change has
// committed, which gives per-file total order in commit order.
type Publisher struct {
	reg    *registry.Registry
	logger zerolog.Logger
}

// NewPublisher creates an event publisher
func NewPublisher(reg *registry.Registry) *Publisher {
	return &Publisher{
		reg:    reg,
		logger: log.WithComponent("events"),
	}
}

// Publish sends one event on its type's channel. Delivery is
// at-least-once; subscribers must be idempotent.
func (p *Publisher) Publish(ctx context.Context, event *Event) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return p.reg.Publish(ctx, string(event.Type), payload)
}

// FileCreated publishes a file:created event with the full snapshot.
func (p *Publisher) FileCreated(ctx context.Context, file *types.File) error {
	return p.Publish(ctx, &Event{
		Type:             FileCreated,
		FileID:           file.ID,
		StorageElementID: file.StorageElementID,
		File:             file,
	})
}

// FileUpdated publishes a file:updated event with the full snapshot.
func (p *Publisher) FileUpdated(ctx context.Context, file *types.File) error {
	return p.Publish(ctx, &Event{
		Type:             FileUpdated,
		FileID:           file.ID,
		StorageElementID: file.StorageElementID,
		File:             file,
	})
}

// FileDeleted publishes a file:deleted event.
func (p *Publisher) FileDeleted(ctx context.Context, fileID, elementID string) error {
	return p.Publish(ctx, &Event{
		Type:             FileDeleted,
		FileID:           fileID,
		StorageElementID: elementID,
	})
}

// Handler processes one delivered event.
type Handler func(ctx context.Context, event *Event) error

// Subscriber consumes the file event channels and hands each message to a
// handler. On connection loss it reconnects with exponential backoff capped
// at 30 seconds; messages missed while disconnected are recovered by the
// operator-triggered full rebuild.
type Subscriber struct {
	rdb     *redis.Client
	handler Handler
	logger  zerolog.Logger
	stopCh  chan struct{}
}

// NewSubscriber creates an event subscriber
func NewSubscriber(reg *registry.Registry, handler Handler) *Subscriber {
	return &Subscriber{
		rdb:     reg.Client(),
		handler: handler,
		logger:  log.WithComponent("events"),
		stopCh:  make(chan struct{}),
	}
}

// Start begins consuming events
func (s *Subscriber) Start() {
	go s.run()
}

// Stop stops the subscriber
func (s *Subscriber) Stop() {
	close(s.stopCh)
}

func (s *Subscriber) run() {
	bo := backoff.NewExponentialBackOff()
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 0

	for {
		select {
		case <-s.stopCh:
			return
		default:
		}

		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			<-s.stopCh
			cancel()
		}()

		err := s.consume(ctx)
		cancel()

		select {
		case <-s.stopCh:
			return
		default:
		}

		wait := bo.NextBackOff()
		s.logger.Warn().Err(err).Dur("retry_in", wait).Msg("event subscription lost, reconnecting")
		select {
		case <-time.After(wait):
		case <-s.stopCh:
			return
		}
	}
}

func (s *Subscriber) consume(ctx context.Context) error {
	pubsub := s.rdb.Subscribe(ctx, channels...)
	defer pubsub.Close()

	// Confirm the subscription before reporting healthy consumption.
	if _, err := pubsub.Receive(ctx); err != nil {
		return err
	}

	ch := pubsub.Channel()
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return context.Canceled
			}
			var event Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				s.logger.Error().Err(err).Str("channel", msg.Channel).Msg("dropping malformed event")
				continue
			}
			if err := s.handler(ctx, &event); err != nil {
				s.logger.Error().Err(err).Str("file_id", event.FileID).Msg("event handler failed")
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
