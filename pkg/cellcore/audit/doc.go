// Package audit keeps a tamper-evident record of every state mutation.
//
// Records are appended to chains scoped by tenant and chain id. Each record
// carries the hash of its predecessor, and its own hash covers the RFC 8785
// canonical form of the record, so editing, reordering or removing a record
// breaks every later link:
//
//	hash = hex(SHA-256(prev_hash + "|" + canonical(record without hash)))
//
// The first record of a chain links to GenesisHash. Verification orders
// records by sequence number, never by timestamp.
//
// A broken chain is reported through an Alerter and never repaired.
// Archive moves a verified prefix of a chain to cold storage and leaves an
// anchor from which verification of the remainder starts.
package audit
