package audit

import (
	"context"
	"log/slog"

	"github.com/randalmurphal/cellcore/pkg/cellcore/event"
)

// SystemActor identifies records written by the core itself.
var SystemActor = Actor{Type: "system", ID: "cellcore"}

// FromEnvelope builds a record describing a published event. The tenant,
// trace and payload are taken from env.
func FromEnvelope(env *event.Envelope, actor Actor, action string) *Record {
	return &Record{
		TenantID: env.Tenant.OrgID,
		Actor:    actor,
		Action:   action,
		Scope:    Scope{Module: env.Producer, Layer: "business"},
		Target:   Target{Entity: "event", EntityID: env.EventID},
		Trace: Trace{
			CorrelationID: env.Trace.CorrelationID,
			CausationID:   env.Causation(),
			TraceID:       env.Trace.TraceID,
		},
		Payload: map[string]any{
			"event_name": env.EventName,
			"payload":    env.Payload,
		},
	}
}

// OnHandlerError returns a hook for event.BridgeConfig.OnHandlerError that
// records every failed handler invocation in chainID of the event's tenant.
func OnHandlerError(c *Chain, chainID string) func(context.Context, *event.Envelope, *event.HandlerError) {
	return func(ctx context.Context, env *event.Envelope, herr *event.HandlerError) {
		rec := &Record{
			TenantID: env.Tenant.OrgID,
			ChainID:  chainID,
			Actor:    SystemActor,
			Action:   "event.handler_failed",
			Scope:    Scope{Module: "event", Layer: "kernel"},
			Target:   Target{Entity: "event", EntityID: env.EventID},
			Trace: Trace{
				CorrelationID: env.Trace.CorrelationID,
				CausationID:   env.Causation(),
				TraceID:       env.Trace.TraceID,
			},
			Payload: map[string]any{
				"event_name":      env.EventName,
				"subscription_id": herr.SubscriptionID,
				"error":           herr.Err.Error(),
			},
		}
		if res := c.Append(ctx, rec); res.Rejected > 0 {
			c.logger.Error("handler failure not audited",
				slog.String("event_id", env.EventID),
				slog.String("error", res.Err().Error()),
			)
		}
	}
}
