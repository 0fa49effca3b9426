// Package outbox implements the transactional outbox.
//
// A cell saves the event describing a state change in the same transaction
// as the change itself. A Relay later claims pending events, publishes them
// and marks them PUBLISHED. Failed publishes are retried with exponential
// backoff; after MaxRetries the event is marked dead and moved to a dead
// letter queue for manual replay.
//
// Delivery is at-least-once: a crash between publishing and marking an event
// publishes it again on the next pass. Consumers pair the outbox with
// idempotency.Middleware to get exactly-once effects.
//
//	err := db.WithTx(ctx, func(tx *sql.Tx) error {
//	    if err := orders.InsertTx(ctx, tx, order); err != nil {
//	        return err
//	    }
//	    evt, err := outbox.FromEnvelope(env)
//	    if err != nil {
//	        return err
//	    }
//	    return store.SaveTx(ctx, tx, evt)
//	})
//
// Design Influences:
//   - Transactional outbox pattern (Debezium, microservices.io)
//   - Redis Streams as a downstream transport
package outbox
