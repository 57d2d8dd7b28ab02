package scheduler

import (
	"context"
	"errors"
	"sync"

	"github.com/storeboost/autobill/internal/clock"
	"github.com/storeboost/autobill/internal/subscription/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// RetryTracker counts consecutive failed charge attempts per subscriber. The
// count feeds the retry budget: when it reaches the configured maximum the
// subscription expires.
type RetryTracker interface {
	// Increment bumps uid's count and returns the new value.
	Increment(ctx context.Context, uid string) (int, error)

	// Clear removes uid's count after a successful charge or expiry.
	Clear(ctx context.Context, uid string) error

	// Count returns uid's current count, zero when untracked.
	Count(ctx context.Context, uid string) (int, error)

	// Snapshot returns all uids with a nonzero count. The retry job iterates
	// over this, not over the due query, so only previously failed
	// subscribers are retried.
	Snapshot(ctx context.Context) (map[string]int, error)

	// Reset drops every count.
	Reset(ctx context.Context) error

	// ProcessLocal reports whether counts live only in this process.
	// Stop discards process-local counts with the rest of its bookkeeping;
	// shared backends keep theirs across restarts and other replicas.
	ProcessLocal() bool
}

// memoryTracker keeps counts in process memory. Counts do not survive a
// restart; a restarted scheduler gives every subscriber a fresh budget.
type memoryTracker struct {
	mu     sync.Mutex
	counts map[string]int
}

// NewMemoryRetryTracker constructs the in-process tracker.
func NewMemoryRetryTracker() RetryTracker {
	return &memoryTracker{counts: make(map[string]int)}
}

func (t *memoryTracker) Increment(ctx context.Context, uid string) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.counts[uid]++
	return t.counts[uid], nil
}

func (t *memoryTracker) Clear(ctx context.Context, uid string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.counts, uid)
	return nil
}

func (t *memoryTracker) Count(ctx context.Context, uid string) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.counts[uid], nil
}

func (t *memoryTracker) Snapshot(ctx context.Context) (map[string]int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]int, len(t.counts))
	for uid, n := range t.counts {
		out[uid] = n
	}
	return out, nil
}

func (t *memoryTracker) Reset(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.counts = make(map[string]int)
	return nil
}

func (t *memoryTracker) ProcessLocal() bool { return true }

// dbTracker persists counts in retry_counters so the budget survives restarts
// and is shared across replicas.
type dbTracker struct {
	db    *gorm.DB
	clock clock.Clock
}

// NewDBRetryTracker constructs the database-backed tracker.
func NewDBRetryTracker(db *gorm.DB, clk clock.Clock) RetryTracker {
	return &dbTracker{db: db, clock: clk}
}

func (t *dbTracker) Increment(ctx context.Context, uid string) (int, error) {
	now := t.clock.Now()
	var count int
	err := t.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "uid"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"count":      gorm.Expr("retry_counters.count + 1"),
				"updated_at": now,
			}),
		}).Create(&domain.RetryCounter{UID: uid, Count: 1, UpdatedAt: now}).Error; err != nil {
			return err
		}
		var row domain.RetryCounter
		if err := tx.Where("uid = ?", uid).First(&row).Error; err != nil {
			return err
		}
		count = row.Count
		return nil
	})
	return count, err
}

func (t *dbTracker) Clear(ctx context.Context, uid string) error {
	return t.db.WithContext(ctx).Where("uid = ?", uid).Delete(&domain.RetryCounter{}).Error
}

func (t *dbTracker) Count(ctx context.Context, uid string) (int, error) {
	var row domain.RetryCounter
	err := t.db.WithContext(ctx).Where("uid = ?", uid).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return row.Count, nil
}

func (t *dbTracker) Snapshot(ctx context.Context) (map[string]int, error) {
	var rows []domain.RetryCounter
	if err := t.db.WithContext(ctx).Where("count > 0").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make(map[string]int, len(rows))
	for _, row := range rows {
		out[row.UID] = row.Count
	}
	return out, nil
}

func (t *dbTracker) Reset(ctx context.Context) error {
	return t.db.WithContext(ctx).Where("1 = 1").Delete(&domain.RetryCounter{}).Error
}

func (t *dbTracker) ProcessLocal() bool { return false }
