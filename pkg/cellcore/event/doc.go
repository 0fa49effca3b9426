// Package event carries facts between cells.
//
// The package provides:
//   - Envelope: the wire shape every cell publishes, with correlation and
//     causation tracking and tenant scoping
//   - Bridge: in-process pub/sub with a per-correlation saga ledger
//   - DeadLetterQueue: parking for events that exhausted their retries
//
// Publishing is gated: a Bridge built with WithGate refuses every publish
// until the gate reports that the contract topology has been enforced.
//
// Handler failures never reach the publisher. They are recorded as FAILED
// ledger entries, logged, and handed to BridgeConfig.OnHandlerError so the
// audit chain can keep a record of them.
//
// Design Influences:
//   - CloudEvents (envelope attributes, producer/source identity)
//   - AWS EventBridge (dead letter queues, error isolation)
//   - Apache Kafka (correlation IDs, fan-out)
package event
