// Package notifier delivers billing lifecycle notifications to subscribers.
//
// Notification delivery is best effort: the scheduler logs failures and moves
// on, because a missed email must never block or fail a settlement run.
package notifier

import (
	"context"

	"github.com/storeboost/autobill/internal/subscription/domain"
	"go.uber.org/zap"
)

// Notifier receives billing lifecycle events for one subscriber.
type Notifier interface {
	PaymentSuccess(ctx context.Context, sub *domain.Subscription, orderID string, amount int64) error
	PaymentFailure(ctx context.Context, sub *domain.Subscription, reason string, willRetry bool) error
	SubscriptionExpired(ctx context.Context, sub *domain.Subscription) error
}

// Noop drops every notification. Used when no mail transport is configured.
type Noop struct {
	log *zap.Logger
}

// NewNoop constructs the no-op notifier.
func NewNoop(log *zap.Logger) *Noop {
	return &Noop{log: log.Named("notifier.noop")}
}

func (n *Noop) PaymentSuccess(ctx context.Context, sub *domain.Subscription, orderID string, amount int64) error {
	n.log.Debug("dropping payment success notification", zap.String("uid", sub.UID))
	return nil
}

func (n *Noop) PaymentFailure(ctx context.Context, sub *domain.Subscription, reason string, willRetry bool) error {
	n.log.Debug("dropping payment failure notification", zap.String("uid", sub.UID))
	return nil
}

func (n *Noop) SubscriptionExpired(ctx context.Context, sub *domain.Subscription) error {
	n.log.Debug("dropping expiry notification", zap.String("uid", sub.UID))
	return nil
}
