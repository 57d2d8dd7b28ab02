package lock

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/storeboost/autobill/internal/clock"
	"github.com/storeboost/autobill/pkg/db"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// SchedulerLock is one row per held lock. The primary key makes acquisition a
// plain insert race; whoever inserts first wins.
type SchedulerLock struct {
	ID        string    `gorm:"primaryKey;column:id"`
	Token     string    `gorm:"type:text;not null"`
	CreatedAt time.Time `gorm:"not null"`
	ExpiresAt time.Time `gorm:"not null;index"`
}

// TableName sets the database table name.
func (SchedulerLock) TableName() string { return "scheduler_locks" }

// GormStore implements Store on the application database, so the scheduler
// needs no extra infrastructure to be replica-safe.
type GormStore struct {
	db    *gorm.DB
	clock clock.Clock
	log   *zap.Logger

	mu     sync.Mutex
	tokens map[string]string // lock id -> token held by this instance
}

// NewGormStore constructs the database-backed lock store.
func NewGormStore(gdb *gorm.DB, clk clock.Clock, log *zap.Logger) *GormStore {
	return &GormStore{
		db:     gdb,
		clock:  clk,
		log:    log.Named("lock.db"),
		tokens: make(map[string]string),
	}
}

func (s *GormStore) TryAcquire(ctx context.Context, id string, ttl time.Duration) (bool, error) {
	now := s.clock.Now()
	token := uuid.NewString()

	// Reclaim an expired holder first. The expires_at condition keeps two
	// racers from deleting each other's fresh locks.
	if err := s.db.WithContext(ctx).
		Where("id = ? AND expires_at <= ?", id, now).
		Delete(&SchedulerLock{}).Error; err != nil {
		return false, err
	}

	err := s.db.WithContext(ctx).Create(&SchedulerLock{
		ID:        id,
		Token:     token,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}).Error
	if db.IsDuplicateKeyErr(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	s.mu.Lock()
	s.tokens[id] = token
	s.mu.Unlock()
	return true, nil
}

func (s *GormStore) Release(ctx context.Context, id string) error {
	s.mu.Lock()
	token, ok := s.tokens[id]
	delete(s.tokens, id)
	s.mu.Unlock()
	if !ok {
		return nil
	}

	// Token-conditioned delete: if our lease expired and someone else took
	// over, their row survives.
	err := s.db.WithContext(ctx).
		Where("id = ? AND token = ?", id, token).
		Delete(&SchedulerLock{}).Error
	if err != nil {
		s.log.Warn("lock release failed, row will expire by ttl",
			zap.String("lock_id", id), zap.Error(err))
	}
	return err
}
