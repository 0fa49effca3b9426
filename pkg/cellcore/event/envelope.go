package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DefaultWorkspace is used when a tenant omits its workspace.
const DefaultWorkspace = "default"

// ErrInvalidEnvelope is wrapped by every validation failure.
var ErrInvalidEnvelope = errors.New("invalid envelope")

var versionSuffix = regexp.MustCompile(`^v[0-9]+$`)

// Envelope is the message every cell publishes. Its JSON form is the wire
// format shared with other processes.
type Envelope struct {
	EventName    string         `json:"event_name"`
	EventVersion string         `json:"event_version"`
	EventID      string         `json:"event_id"`
	OccurredAt   time.Time      `json:"occurred_at"`
	Producer     string         `json:"producer"`
	Trace        Trace          `json:"trace"`
	Tenant       Tenant         `json:"tenant"`
	Payload      map[string]any `json:"payload"`
}

// Trace links an envelope to the flow it belongs to.
type Trace struct {
	// CorrelationID groups every event of one business flow.
	CorrelationID string `json:"correlation_id"`

	// CausationID is the event id that directly caused this one.
	// Nil for the first event of a flow.
	CausationID *string `json:"causation_id"`

	// TraceID identifies the distributed trace.
	TraceID string `json:"trace_id"`
}

// Tenant scopes an envelope to an organization workspace.
type Tenant struct {
	OrgID       string `json:"org_id"`
	WorkspaceID string `json:"workspace_id"`
}

// Option configures envelope creation.
type Option func(*Envelope)

// WithEventID sets a specific event id (default: random UUID).
func WithEventID(id string) Option {
	return func(e *Envelope) {
		e.EventID = id
	}
}

// WithCorrelationID sets the correlation id (default: the event id).
func WithCorrelationID(id string) Option {
	return func(e *Envelope) {
		e.Trace.CorrelationID = id
	}
}

// WithCausationID sets the id of the causing event.
func WithCausationID(id string) Option {
	return func(e *Envelope) {
		if id == "" {
			e.Trace.CausationID = nil
			return
		}
		e.Trace.CausationID = &id
	}
}

// WithTraceID sets the trace id (default: random UUID).
func WithTraceID(id string) Option {
	return func(e *Envelope) {
		e.Trace.TraceID = id
	}
}

// WithOccurredAt sets the event time (default: now, UTC).
func WithOccurredAt(t time.Time) Option {
	return func(e *Envelope) {
		e.OccurredAt = t.UTC()
	}
}

// WithVersion overrides the version derived from the event name.
func WithVersion(v string) Option {
	return func(e *Envelope) {
		e.EventVersion = v
	}
}

// New creates an envelope for a root or explicitly-correlated event.
func New(name, producer string, tenant Tenant, payload map[string]any, opts ...Option) *Envelope {
	if tenant.WorkspaceID == "" {
		tenant.WorkspaceID = DefaultWorkspace
	}
	if payload == nil {
		payload = map[string]any{}
	}

	env := &Envelope{
		EventName:    name,
		EventVersion: VersionOf(name),
		EventID:      uuid.NewString(),
		OccurredAt:   time.Now().UTC(),
		Producer:     producer,
		Trace:        Trace{TraceID: uuid.NewString()},
		Tenant:       tenant,
		Payload:      payload,
	}

	for _, opt := range opts {
		opt(env)
	}

	// A flow starts with its first event.
	if env.Trace.CorrelationID == "" {
		env.Trace.CorrelationID = env.EventID
	}
	return env
}

// NewFromParent creates an envelope caused by parent. It inherits the
// correlation id, trace id and tenant, and records parent as its cause.
func NewFromParent(parent *Envelope, name, producer string, payload map[string]any, opts ...Option) *Envelope {
	parentOpts := []Option{
		WithCorrelationID(parent.Trace.CorrelationID),
		WithCausationID(parent.EventID),
		WithTraceID(parent.Trace.TraceID),
	}
	return New(name, producer, parent.Tenant, payload, append(parentOpts, opts...)...)
}

// VersionOf returns the trailing "vN" segment of a dot-namespaced event
// name, or "v1" when the name carries none.
func VersionOf(name string) string {
	if i := strings.LastIndexByte(name, '.'); i >= 0 && i < len(name)-1 {
		if seg := name[i+1:]; versionSuffix.MatchString(seg) {
			return seg
		}
	}
	return "v1"
}

// Validate checks the fields every consumer relies on.
func (e *Envelope) Validate() error {
	switch {
	case e == nil:
		return fmt.Errorf("%w: nil envelope", ErrInvalidEnvelope)
	case e.EventName == "":
		return fmt.Errorf("%w: event_name is required", ErrInvalidEnvelope)
	case e.EventID == "":
		return fmt.Errorf("%w: event_id is required", ErrInvalidEnvelope)
	case e.Producer == "":
		return fmt.Errorf("%w: producer is required", ErrInvalidEnvelope)
	case e.Trace.CorrelationID == "":
		return fmt.Errorf("%w: trace.correlation_id is required", ErrInvalidEnvelope)
	case e.Tenant.OrgID == "":
		return fmt.Errorf("%w: tenant.org_id is required", ErrInvalidEnvelope)
	case e.OccurredAt.IsZero():
		return fmt.Errorf("%w: occurred_at is required", ErrInvalidEnvelope)
	}
	return nil
}

// CorrelationID is shorthand for e.Trace.CorrelationID.
func (e *Envelope) CorrelationID() string {
	return e.Trace.CorrelationID
}

// Causation returns the causing event id, or "" for a root event.
func (e *Envelope) Causation() string {
	if e.Trace.CausationID == nil {
		return ""
	}
	return *e.Trace.CausationID
}

// Encode serializes the envelope to its wire form.
func Encode(e *Envelope) ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode envelope %s: %w", e.EventID, err)
	}
	return data, nil
}

// Decode parses and validates a wire-form envelope.
func Decode(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Payload == nil {
		env.Payload = map[string]any{}
	}
	if err := env.Validate(); err != nil {
		return nil, err
	}
	return &env, nil
}

// DecodePayload converts the free-form payload into T.
func DecodePayload[T any](e *Envelope) (T, error) {
	var out T
	raw, err := json.Marshal(e.Payload)
	if err != nil {
		return out, fmt.Errorf("marshal payload of %s: %w", e.EventID, err)
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("unmarshal payload of %s: %w", e.EventID, err)
	}
	return out, nil
}
