package event

import (
	"errors"
	"fmt"
	"time"
)

// Publish errors. These are the only failures a publisher ever sees.
var (
	// ErrBridgeClosed is returned by Publish after Close.
	ErrBridgeClosed = errors.New("event bridge is closed")

	// ErrTopologyNotEnforced is returned while the topology gate is closed.
	ErrTopologyNotEnforced = errors.New("contract topology has not been enforced")

	// ErrTopicMismatch is returned when the envelope name differs from the topic.
	ErrTopicMismatch = errors.New("envelope event_name does not match topic")
)

// HandlerError describes one failed subscriber invocation.
type HandlerError struct {
	Topic          string
	EventID        string
	CorrelationID  string
	SubscriptionID uint64
	Err            error
	Timestamp      time.Time
}

// Error implements the error interface.
func (e *HandlerError) Error() string {
	return fmt.Sprintf("event %s: handler %d on %s: %v", e.EventID, e.SubscriptionID, e.Topic, e.Err)
}

// Unwrap returns the underlying error.
func (e *HandlerError) Unwrap() error {
	return e.Err
}
