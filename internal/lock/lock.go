// Package lock provides TTL-based mutual exclusion for scheduler runs.
//
// Locks guard against overlapping settlement runs across replicas and against
// concurrent charges for one subscriber. Acquisition fails closed: a store
// error means "not acquired", never "assume free".
package lock

import (
	"context"
	"time"
)

// Store acquires and releases named TTL locks.
type Store interface {
	// TryAcquire returns true when the caller now holds id. A held,
	// unexpired lock yields (false, nil). Expired locks are reclaimed.
	TryAcquire(ctx context.Context, id string, ttl time.Duration) (bool, error)

	// Release frees id if this store instance acquired it. Releasing a lock
	// held by someone else is a no-op.
	Release(ctx context.Context, id string) error
}

// Well-known lock identifiers.
const (
	SettlementJobID = "scheduler:settlement"
	RetryJobID      = "scheduler:retry"
)

// SubscriberLockID names the per-subscriber charge lock.
func SubscriberLockID(uid string) string {
	return "payment:" + uid
}
