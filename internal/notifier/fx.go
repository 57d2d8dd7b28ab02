package notifier

import (
	"github.com/storeboost/autobill/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// NewFromConfig returns the SMTP notifier when mail is configured, and the
// no-op notifier otherwise.
func NewFromConfig(cfg config.Config, log *zap.Logger) Notifier {
	if cfg.SMTP.Enabled() {
		return NewSMTP(cfg.SMTP, log)
	}
	log.Info("smtp not configured, notifications disabled")
	return NewNoop(log)
}

var Module = fx.Module("notifier",
	fx.Provide(NewFromConfig),
)
