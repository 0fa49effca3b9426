package saga

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel/attribute"

	cerrors "github.com/randalmurphal/cellcore/pkg/cellcore/errors"
	"github.com/randalmurphal/cellcore/pkg/cellcore/event"
	"github.com/randalmurphal/cellcore/pkg/cellcore/observability"
	"github.com/randalmurphal/cellcore/pkg/cellcore/registry"
	"github.com/randalmurphal/cellcore/pkg/cellcore/retry"
)

// CompensatedEvent is the event name published after every compensation
// run, prefixed with the configured domain.
const CompensatedEvent = "saga.compensated.v1"

// UndoFunc reverses one completed step.
type UndoFunc func(ctx context.Context) error

// Bridge is the part of event.Bridge the compensator uses.
type Bridge interface {
	Publish(ctx context.Context, topic string, env *event.Envelope) (*event.Delivery, error)
	RecordStep(entry event.SagaLogEntry) event.SagaLogEntry
}

var _ Bridge = (*event.Bridge)(nil)

// CompensatorConfig configures a Compensator.
type CompensatorConfig struct {
	// Domain prefixes the compensated event name. Empty or "saga" publishes
	// saga.compensated.v1; "finance" publishes finance.saga.compensated.v1.
	Domain string

	// Producer is the producer of compensated events.
	// Default: the domain, or "saga"
	Producer string

	// Tenant is used for flows that were never bound to a tenant with
	// SetTenant.
	// Default: org "system"
	Tenant event.Tenant

	// StepTimeout bounds each undo action.
	// Default: 10s
	StepTimeout time.Duration

	// Deadline bounds a whole compensation run. Undo actions not started
	// by then are recorded as failed.
	// Default: 60s
	Deadline time.Duration
}

// DefaultCompensatorConfig provides reasonable defaults.
var DefaultCompensatorConfig = CompensatorConfig{
	Producer:    "saga",
	Tenant:      event.Tenant{OrgID: "system", WorkspaceID: event.DefaultWorkspace},
	StepTimeout: 10 * time.Second,
	Deadline:    60 * time.Second,
}

// CompensatedTopic returns the compensated event name for domain.
func CompensatedTopic(domain string) string {
	if domain == "" || domain == "saga" {
		return CompensatedEvent
	}
	return domain + "." + CompensatedEvent
}

// Option configures a Compensator.
type Option func(*Compensator)

// WithLogger sets the compensator logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Compensator) {
		c.logger = logger
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m observability.MetricsRecorder) Option {
	return func(c *Compensator) {
		c.metrics = m
	}
}

// WithSpans sets the span manager.
func WithSpans(s observability.SpanManager) Option {
	return func(c *Compensator) {
		c.spans = s
	}
}

// WithStore sets where flow records are kept (default: a MemoryStore).
func WithStore(s Store) Option {
	return func(c *Compensator) {
		c.store = s
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Compensator) {
		c.now = now
	}
}

type undoStep struct {
	name string
	undo UndoFunc
}

type flowStack struct {
	tenant event.Tenant
	steps  []undoStep
}

// Compensator keeps the undo actions of running flows and rolls them back.
type Compensator struct {
	cfg     CompensatorConfig
	bridge  Bridge
	store   Store
	stacks  *registry.Registry[string, flowStack]
	running *registry.Registry[string, struct{}]

	logger  *slog.Logger
	metrics observability.MetricsRecorder
	spans   observability.SpanManager
	now     func() time.Time
}

// NewCompensator creates a compensator publishing through bridge. A nil
// bridge disables ledger entries and compensated events.
func NewCompensator(bridge Bridge, cfg CompensatorConfig, opts ...Option) *Compensator {
	if cfg.Producer == "" {
		cfg.Producer = DefaultCompensatorConfig.Producer
		if cfg.Domain != "" {
			cfg.Producer = cfg.Domain
		}
	}
	if cfg.Tenant.OrgID == "" {
		cfg.Tenant = DefaultCompensatorConfig.Tenant
	}
	if cfg.StepTimeout <= 0 {
		cfg.StepTimeout = DefaultCompensatorConfig.StepTimeout
	}
	if cfg.Deadline <= 0 {
		cfg.Deadline = DefaultCompensatorConfig.Deadline
	}

	c := &Compensator{
		cfg:     cfg,
		bridge:  bridge,
		store:   NewMemoryStore(),
		stacks:  registry.New[string, flowStack](),
		running: registry.New[string, struct{}](),
		logger:  slog.Default(),
		metrics: observability.NoopMetrics{},
		spans:   observability.NoopSpanManager{},
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Register pushes the undo action for a completed step of a flow.
func (c *Compensator) Register(correlationID, name string, undo UndoFunc) error {
	if correlationID == "" {
		return ErrCorrelationNeeded
	}
	if undo == nil {
		return fmt.Errorf("register %s: nil undo action", name)
	}
	c.stacks.Update(correlationID, func(cur flowStack, _ bool) (flowStack, bool) {
		cur.steps = append(cur.steps, undoStep{name: name, undo: undo})
		return cur, true
	})
	return nil
}

// SetTenant binds a flow to the tenant its compensated event is published for.
func (c *Compensator) SetTenant(correlationID string, tenant event.Tenant) {
	c.stacks.Update(correlationID, func(cur flowStack, _ bool) (flowStack, bool) {
		cur.tenant = tenant
		return cur, true
	})
}

// Pending returns the number of undo actions registered for a flow.
func (c *Compensator) Pending(correlationID string) int {
	st, _ := c.stacks.Load(correlationID)
	return len(st.steps)
}

// Compensate runs the undo actions of a flow newest first and clears them.
//
// Every action runs even if an earlier one failed. Failed actions are
// returned in a *CompensationError and the flow is stored as STUCK. The
// compensated event is published in every case, also when nothing was
// registered. The returned Flow is nil only for ErrAlreadyCompensating and
// an empty correlation id.
func (c *Compensator) Compensate(ctx context.Context, correlationID, reason string) (*Flow, error) {
	if correlationID == "" {
		return nil, ErrCorrelationNeeded
	}
	if _, loaded := c.running.LoadOrStore(correlationID, struct{}{}); loaded {
		return nil, ErrAlreadyCompensating
	}
	defer c.running.Delete(correlationID)

	st, _ := c.stacks.LoadAndDelete(correlationID)
	tenant := st.tenant
	if tenant.OrgID == "" {
		tenant = c.cfg.Tenant
	}

	ctx, span := c.spans.StartCompensationSpan(ctx, correlationID, reason)
	// Bookkeeping and the compensated event outlive the caller's deadline.
	bookCtx := context.WithoutCancel(ctx)
	runCtx, cancel := context.WithTimeout(ctx, c.cfg.Deadline)
	defer cancel()

	start := time.Now()
	flow := &Flow{
		CorrelationID: correlationID,
		TenantID:      tenant.OrgID,
		Status:        StatusCompensating,
		Reason:        reason,
		StartedAt:     c.now(),
	}
	c.persist(bookCtx, flow)

	var failures []StepFailure
	for i := len(st.steps) - 1; i >= 0; i-- {
		step := st.steps[i]
		elapsed := observability.TimedOperation()

		var err error
		if runCtx.Err() != nil {
			err = fmt.Errorf("not started: %w", runCtx.Err())
		} else {
			err = c.runStep(runCtx, step)
		}
		observability.LogCompensationStep(c.logger, correlationID, step.name, err)

		res := StepResult{Name: step.name, Status: StepCompensated, Duration: elapsed()}
		entry := event.SagaLogEntry{
			CorrelationID: correlationID,
			Step:          step.name,
			Status:        event.LedgerCompensated,
			Details:       "Reason: " + reason,
		}
		if err != nil {
			failures = append(failures, StepFailure{Step: step.name, Err: err})
			res.Status = StepFailed
			res.Error = err.Error()
			entry.Status = event.LedgerFailed
			entry.Details = "Compensation failed: " + err.Error()
		}
		flow.Steps = append(flow.Steps, res)
		c.spans.AddSpanEvent(ctx, "saga.undo",
			attribute.String("saga.step", step.name),
			attribute.String("saga.step_status", string(res.Status)),
		)
		if c.bridge != nil {
			c.bridge.RecordStep(entry)
		}
	}

	flow.FinishedAt = c.now()
	flow.Status = StatusCompensated
	if len(failures) > 0 {
		flow.Status = StatusStuck
	}
	c.persist(bookCtx, flow)

	c.metrics.RecordCompensation(bookCtx, string(flow.Status), len(flow.Steps), time.Since(start))
	observability.LogCompensationDone(c.logger, correlationID, string(flow.Status), reason, len(flow.Steps), len(failures))

	var errs []error
	if len(failures) > 0 {
		errs = append(errs, &CompensationError{CorrelationID: correlationID, Failures: failures})
	}
	if err := c.publishCompensated(bookCtx, flow, tenant); err != nil {
		observability.EnrichLogger(c.logger, correlationID, CompensatedTopic(c.cfg.Domain)).
			Error("compensated event not published", slog.String("error", err.Error()))
		errs = append(errs, err)
	}
	err := errors.Join(errs...)
	c.spans.EndSpanWithError(span, err)
	return flow.Clone(), err
}

// runStep runs one undo action under StepTimeout. An action that ignores
// its context is abandoned when the timeout fires.
func (c *Compensator) runStep(ctx context.Context, step undoStep) error {
	stepCtx, cancel := context.WithTimeout(ctx, c.cfg.StepTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- &cerrors.PanicError{Value: r, Stack: debug.Stack()}
			}
		}()
		done <- step.undo(stepCtx)
	}()

	select {
	case err := <-done:
		return err
	case <-stepCtx.Done():
		return &cerrors.TimeoutError{Operation: "undo " + step.name, Duration: c.cfg.StepTimeout}
	}
}

func (c *Compensator) persist(ctx context.Context, flow *Flow) {
	err := c.store.Create(ctx, flow)
	if errors.Is(err, ErrFlowExists) {
		err = c.store.Update(ctx, flow)
	}
	if err != nil {
		c.logger.Error("flow record not saved",
			slog.String("correlation_id", flow.CorrelationID),
			slog.String("status", string(flow.Status)),
			slog.String("error", err.Error()),
		)
	}
}

func (c *Compensator) publishCompensated(ctx context.Context, flow *Flow, tenant event.Tenant) error {
	if c.bridge == nil {
		return nil
	}
	topic := CompensatedTopic(c.cfg.Domain)
	env := event.New(topic, c.cfg.Producer, tenant, map[string]any{
		"reason":       flow.Reason,
		"timestamp":    flow.FinishedAt.Format(time.RFC3339Nano),
		"status":       string(flow.Status),
		"steps_total":  len(flow.Steps),
		"steps_failed": flow.Failed(),
	}, event.WithCorrelationID(flow.CorrelationID))

	if _, err := c.bridge.Publish(ctx, topic, env); err != nil {
		return fmt.Errorf("publish %s for %s: %w", topic, flow.CorrelationID, err)
	}
	return nil
}

// Flow returns the stored record of a compensated flow.
func (c *Compensator) Flow(ctx context.Context, correlationID string) (*Flow, error) {
	return c.store.Get(ctx, correlationID)
}

// Stuck lists flows waiting for an operator, oldest first.
func (c *Compensator) Stuck(ctx context.Context) ([]*Flow, error) {
	return c.store.List(ctx, &ListFilter{Status: StatusStuck})
}

// Resolve marks a STUCK flow as manually resolved.
func (c *Compensator) Resolve(ctx context.Context, correlationID, note string) error {
	flow, err := c.store.Get(ctx, correlationID)
	if err != nil {
		return err
	}
	if flow.Status != StatusStuck {
		return fmt.Errorf("resolve %s (%s): %w", correlationID, flow.Status, ErrNotStuck)
	}
	now := c.now()
	flow.Status = StatusResolved
	flow.ResolvedAt = &now
	flow.ResolutionNote = note
	if err := c.store.Update(ctx, flow); err != nil {
		return err
	}
	c.logger.Info("stuck flow resolved",
		slog.String("correlation_id", correlationID),
		slog.String("note", note),
	)
	return nil
}

// OnFinalFailure returns a retry hook that compensates the flow with the
// last error as the reason.
func OnFinalFailure(ctx context.Context, comp *Compensator, correlationID string) retry.FinalFailureFunc {
	return func(lastErr error) {
		reason := "unknown failure"
		if lastErr != nil {
			reason = lastErr.Error()
		}
		if _, err := comp.Compensate(ctx, correlationID, reason); err != nil {
			comp.logger.Error("compensation after final failure did not complete cleanly",
				slog.String("correlation_id", correlationID),
				slog.String("error", err.Error()),
			)
		}
	}
}
