package lock

import (
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/storeboost/autobill/internal/clock"
	"github.com/storeboost/autobill/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// NewStore selects the lock backend from configuration. The database backend
// is the default so single-binary deployments need nothing beyond their DB.
func NewStore(cfg config.Config, gdb *gorm.DB, clk clock.Clock, log *zap.Logger) (Store, error) {
	switch cfg.Scheduler.LockBackend {
	case "redis":
		if cfg.Redis.Addr == "" {
			return nil, fmt.Errorf("lock backend redis selected but REDIS_ADDR is empty")
		}
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		return NewRedisStore(client, log), nil
	case "db":
		return NewGormStore(gdb, clk, log), nil
	default:
		return nil, fmt.Errorf("unsupported lock backend %q", cfg.Scheduler.LockBackend)
	}
}

var Module = fx.Module("lock",
	fx.Provide(NewStore),
)
