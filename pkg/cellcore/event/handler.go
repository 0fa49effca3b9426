package event

import "context"

// Handler consumes an envelope. Handlers must treat the envelope as
// read-only; every subscriber of a topic receives the same value.
type Handler func(ctx context.Context, env *Envelope) error

// Unsubscribe removes a subscription. Calling it more than once is a no-op.
type Unsubscribe func()

// Middleware wraps a handler to add cross-cutting behavior.
type Middleware func(next Handler) Handler

// Chain applies middleware in order, with the first middleware outermost.
func Chain(handler Handler, middleware ...Middleware) Handler {
	for i := len(middleware) - 1; i >= 0; i-- {
		handler = middleware[i](handler)
	}
	return handler
}

// TypedHandler decodes the payload into T before calling fn.
func TypedHandler[T any](fn func(ctx context.Context, payload T, env *Envelope) error) Handler {
	return func(ctx context.Context, env *Envelope) error {
		payload, err := DecodePayload[T](env)
		if err != nil {
			return err
		}
		return fn(ctx, payload, env)
	}
}

// FilterTenant only passes envelopes for orgID to next.
func FilterTenant(orgID string) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, env *Envelope) error {
			if env.Tenant.OrgID != orgID {
				return nil
			}
			return next(ctx, env)
		}
	}
}
