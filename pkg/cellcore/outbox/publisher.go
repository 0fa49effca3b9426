package outbox

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/randalmurphal/cellcore/pkg/cellcore/event"
)

// Publisher delivers one outbox event downstream.
type Publisher interface {
	Publish(ctx context.Context, evt *Event, env *event.Envelope) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, evt *Event, env *event.Envelope) error

// Publish implements Publisher.
func (f PublisherFunc) Publish(ctx context.Context, evt *Event, env *event.Envelope) error {
	return f(ctx, evt, env)
}

// BridgePublisher publishes through the in-process event bridge.
type BridgePublisher struct {
	Bridge *event.Bridge

	// WaitForHandlers makes a handler failure a publish failure, so the
	// outbox retries the event. Consumers must then be idempotent.
	WaitForHandlers bool
}

// Publish implements Publisher.
func (p BridgePublisher) Publish(ctx context.Context, _ *Event, env *event.Envelope) error {
	d, err := p.Bridge.Publish(ctx, env.EventName, env)
	if err != nil {
		return err
	}
	if !p.WaitForHandlers {
		return nil
	}

	results, err := d.Wait(ctx)
	if err != nil {
		return err
	}
	var errs []error
	for _, r := range results {
		if r.Err != nil {
			errs = append(errs, r.Err)
		}
	}
	return errors.Join(errs...)
}

// DefaultStream is the Redis stream StreamPublisher writes to by default.
const DefaultStream = "cellcore:events"

// StreamPublisher appends events to a Redis stream.
type StreamPublisher struct {
	Client redis.UniversalClient

	// Stream is the stream key. Default: DefaultStream
	Stream string

	// MaxLen approximately caps the stream length; 0 means uncapped.
	MaxLen int64
}

// Publish implements Publisher. Stream entries carry the event id, topic,
// correlation id and the full envelope JSON.
func (p StreamPublisher) Publish(ctx context.Context, evt *Event, env *event.Envelope) error {
	stream := p.Stream
	if stream == "" {
		stream = DefaultStream
	}
	args := &redis.XAddArgs{
		Stream: stream,
		Values: map[string]any{
			"event_id":       evt.ID,
			"event_name":     evt.Topic,
			"correlation_id": env.Trace.CorrelationID,
			"envelope":       string(evt.Envelope),
		},
	}
	if p.MaxLen > 0 {
		args.MaxLen = p.MaxLen
		args.Approx = true
	}
	if err := p.Client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("xadd %s: %w", stream, err)
	}
	return nil
}

// MultiPublisher publishes to every publisher in order and fails if any
// of them fails. A retried event is sent to all publishers again.
type MultiPublisher []Publisher

// Publish implements Publisher.
func (m MultiPublisher) Publish(ctx context.Context, evt *Event, env *event.Envelope) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, evt, env); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
