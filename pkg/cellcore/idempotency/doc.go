// Package idempotency suppresses duplicate side effects.
//
// A consumer derives a hash key from the command, the identity of whoever
// issued it and its payload, asks the Guard whether that key has already
// been processed, and saves the key only after its side effect has durably
// committed. Together with at-least-once delivery from the outbox this gives
// exactly-once effects.
//
//	key, _ := idempotency.HashKey("reserve-stock", map[string]string{"order": id}, payload)
//	out, err := guard.Execute(ctx, key, idempotency.DefaultTTL, func(ctx context.Context) ([]byte, error) {
//	    return reserve(ctx, payload)
//	})
//	// out.Duplicate reports whether another call already did the work.
//
// Keys live in a Store. MemoryStore suits tests and single processes,
// SQLStore shares keys through SQLite or Postgres, RedisStore through Redis
// with native key expiry.
package idempotency
