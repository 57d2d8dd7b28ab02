package scheduler

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/storeboost/autobill/internal/clock"
	"github.com/storeboost/autobill/internal/config"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

// NewRetryTracker selects the retry-counter backend from configuration.
func NewRetryTracker(cfg config.Config, db *gorm.DB, clk clock.Clock) RetryTracker {
	if cfg.Scheduler.RetryBackend == "db" {
		return NewDBRetryTracker(db, clk)
	}
	return NewMemoryRetryTracker()
}

var Module = fx.Module("scheduler",
	fx.Provide(NewRetryTracker),
	fx.Provide(New),
	fx.Invoke(func(lc fx.Lifecycle, s *Scheduler) {
		lc.Append(fx.Hook{
			OnStart: func(ctx context.Context) error {
				return s.Start()
			},
			OnStop: func(ctx context.Context) error {
				return s.Stop(ctx)
			},
		})
	}),
)

// NewSnowflakeNode builds the ID generator shared by run and record IDs.
func NewSnowflakeNode() (*snowflake.Node, error) {
	return snowflake.NewNode(1)
}
