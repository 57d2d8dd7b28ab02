package migration

import (
	"github.com/storeboost/autobill/internal/config"
	"github.com/storeboost/autobill/internal/lock"
	"github.com/storeboost/autobill/internal/subscription/domain"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB, cfg config.Config) error {
		if cfg.DBType == "postgres" {
			sqlDB, err := conn.DB()
			if err != nil {
				return err
			}
			return RunMigrations(sqlDB)
		}

		// Versioned migrations are written for postgres; the other dialects
		// (dev and test setups) get their schema from the models.
		return conn.AutoMigrate(
			&domain.Subscription{},
			&domain.BillingKey{},
			&domain.PaymentRecord{},
			&domain.RetryCounter{},
			&lock.SchedulerLock{},
		)
	}),
)
