// Package registry provides a generic keyed map that is safe for concurrent use.
//
// The core components keep several pieces of per-key state: cell contracts by
// cell id, compensation stacks by correlation id, writer locks by audit chain.
// Registry gives them one place for the locking rules instead of a mutex and a
// map scattered through each component.
//
// # Basic Usage
//
//	contracts := registry.New[string, Contract]()
//	contracts.Store("order-cell", c)
//
//	c, ok := contracts.Load("order-cell")
//
// # Atomic Updates
//
// Update applies a read-modify-write under the write lock, so appending to a
// per-key slice never loses a concurrent append:
//
//	stacks.Update(correlationID, func(cur []Action, _ bool) ([]Action, bool) {
//	    return append(cur, next), true
//	})
//
// LoadAndDelete removes a key and hands back its last value in one step,
// which is how a compensation stack is drained exactly once.
//
// # Lazy Initialization
//
// GetOrCreate calls the factory at most once per key, even under concurrent
// access:
//
//	mu := locks.GetOrCreate(chainKey, func() *sync.Mutex { return new(sync.Mutex) })
//
// # Iteration
//
// Range and Snapshot work on a copy taken under the read lock. Callers may
// mutate the registry while iterating.
package registry
