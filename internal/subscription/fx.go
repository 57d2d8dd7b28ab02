// Package subscription wires the subscription repository into the app.
package subscription

import (
	"github.com/storeboost/autobill/internal/clock"
	"github.com/storeboost/autobill/internal/config"
	"github.com/storeboost/autobill/internal/subscription/domain"
	"github.com/storeboost/autobill/internal/subscription/repository"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("subscription",
	fx.Provide(func(db *gorm.DB, clk clock.Clock, cfg config.Config, log *zap.Logger) domain.Repository {
		return repository.New(db, clk, cfg.Scheduler.BaselinePlan, log)
	}),
)
