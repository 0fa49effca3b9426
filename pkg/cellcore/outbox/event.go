package outbox

import (
	"errors"
	"fmt"
	"time"

	"github.com/randalmurphal/cellcore/pkg/cellcore/event"
)

// Status is the lifecycle state of an outbox event.
type Status string

// Outbox statuses.
const (
	StatusPending   Status = "PENDING"
	StatusPublished Status = "PUBLISHED"
	StatusFailed    Status = "FAILED"
)

// Store errors.
var (
	ErrNotFound         = errors.New("outbox event not found")
	ErrAlreadyPublished = errors.New("outbox event already published")
)

// Event is one outbox row.
type Event struct {
	ID       string `json:"id"`
	Topic    string `json:"topic"`
	Envelope []byte `json:"envelope"`

	Status     Status `json:"status"`
	RetryCount int    `json:"retry_count"`
	LastError  string `json:"last_error,omitempty"`

	// Dead is set once the retry budget is spent. Dead events are never
	// claimed again until requeued.
	Dead bool `json:"dead"`

	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
	NextAttemptAt time.Time `json:"next_attempt_at,omitempty"`
	PublishedAt   time.Time `json:"published_at,omitempty"`

	// LeaseUntil hides a claimed event from other relays until it expires.
	LeaseUntil time.Time `json:"lease_until,omitempty"`
}

// FromEnvelope builds a PENDING outbox event for env.
func FromEnvelope(env *event.Envelope) (*Event, error) {
	if err := env.Validate(); err != nil {
		return nil, err
	}
	data, err := event.Encode(env)
	if err != nil {
		return nil, err
	}
	return &Event{
		ID:       env.EventID,
		Topic:    env.EventName,
		Envelope: data,
		Status:   StatusPending,
	}, nil
}

// Decode parses the stored envelope.
func (e *Event) Decode() (*event.Envelope, error) {
	env, err := event.Decode(e.Envelope)
	if err != nil {
		return nil, fmt.Errorf("outbox event %s: %w", e.ID, err)
	}
	return env, nil
}

// claimable reports whether a relay may claim e at now.
func (e *Event) claimable(now time.Time) bool {
	if e.LeaseUntil.After(now) {
		return false
	}
	switch e.Status {
	case StatusPending:
		return true
	case StatusFailed:
		return !e.Dead && !e.NextAttemptAt.After(now)
	default:
		return false
	}
}

// Failure describes one failed publish attempt.
type Failure struct {
	Err           string
	At            time.Time
	NextAttemptAt time.Time
	Dead          bool
}

// ListFilter selects events for List.
type ListFilter struct {
	// Status filters by status; empty means any.
	Status Status

	// DeadOnly limits results to dead events.
	DeadOnly bool

	// Limit caps the number of results; 0 means no limit.
	Limit int
}

func (f ListFilter) match(e *Event) bool {
	if f.Status != "" && e.Status != f.Status {
		return false
	}
	if f.DeadOnly && !e.Dead {
		return false
	}
	return true
}
