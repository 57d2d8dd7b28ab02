package main

import (
	"go.uber.org/fx"

	"github.com/storeboost/autobill/internal/clock"
	"github.com/storeboost/autobill/internal/config"
	"github.com/storeboost/autobill/internal/gateway"
	"github.com/storeboost/autobill/internal/lock"
	"github.com/storeboost/autobill/internal/logger"
	"github.com/storeboost/autobill/internal/migration"
	"github.com/storeboost/autobill/internal/notifier"
	"github.com/storeboost/autobill/internal/scheduler"
	"github.com/storeboost/autobill/internal/server"
	"github.com/storeboost/autobill/internal/subscription"
	"github.com/storeboost/autobill/pkg/db"
)

func main() {
	fx.New(
		config.Module,
		logger.Module,
		clock.Module,
		db.Module,
		migration.Module,
		subscription.Module,
		lock.Module,
		gateway.Module,
		notifier.Module,
		fx.Provide(scheduler.NewSnowflakeNode),
		scheduler.Module,
		server.Module,
	).Run()
}
