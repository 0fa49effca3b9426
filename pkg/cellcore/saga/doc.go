// Package saga rolls back partially completed multi-step flows.
//
// A cell that finishes a step of a business flow registers the action that
// undoes it, keyed by the flow's correlation id. When the flow fails
// irrecoverably, Compensate runs the registered actions newest first and
// publishes a saga.compensated.v1 event so other cells can react.
//
// A failing undo action never stops the remaining ones. The flow is then
// recorded as STUCK in the Store for an operator to resolve by hand.
//
// Compensate pairs with the retry executor through OnFinalFailure:
//
//	exec.Execute(ctx, "reserve-stock", reserve, saga.OnFinalFailure(ctx, comp, corrID))
//
// Design Influences:
//   - Microservices.io Saga Pattern
//   - Temporal Sagas (LIFO compensation)
package saga
