package scheduler

import (
	"time"

	"github.com/storeboost/autobill/internal/config"
)

// runConfig is the tunables snapshot one job execution runs under. A run
// never observes a mid-flight hot reload.
type runConfig struct {
	BatchSize         int
	ConcurrentLimit   int
	MaxRetries        int
	ChunkDelay        time.Duration
	GlobalLockTTL     time.Duration
	SubscriberLockTTL time.Duration
}

func snapshotConfig(holder *config.SchedulerTunablesHolder) runConfig {
	t := holder.Get()
	return runConfig{
		BatchSize:         t.BatchSize,
		ConcurrentLimit:   t.ConcurrentLimit,
		MaxRetries:        t.MaxRetries,
		ChunkDelay:        t.ChunkDelay(),
		GlobalLockTTL:     t.GlobalLockTTL(),
		SubscriberLockTTL: t.SubscriberLockTTL(),
	}
}
