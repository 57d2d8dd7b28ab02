package scheduler

import (
	"context"
	"errors"
	"fmt"

	"github.com/storeboost/autobill/internal/lock"
	"github.com/storeboost/autobill/internal/observability/metrics"
	"go.uber.org/zap"
)

// ErrPaymentInProgress means another charge for the subscriber is in flight.
var ErrPaymentInProgress = errors.New("payment_in_progress")

// ManualResult is the outcome returned to the ops caller.
type ManualResult struct {
	Success bool   `json:"success"`
	OrderID string `json:"orderId"`
	Message string `json:"message,omitempty"`
}

// RunManualPayment charges one subscriber immediately, outside the cron runs.
// A successful manual charge extends (and reactivates) the subscription; a
// failed one writes its payment record but never consumes the auto-retry
// budget or expires the subscription.
func (s *Scheduler) RunManualPayment(ctx context.Context, uid string) (*ManualResult, error) {
	cfg := snapshotConfig(s.tunables)
	log, _ := s.jobRun(jobManual)
	log = log.With(zap.String("uid", uid))
	m := metrics.Settlement()
	m.IncJobRun(jobManual)

	if !s.beginProcessing(uid) {
		return nil, ErrPaymentInProgress
	}
	defer s.endProcessing(uid)

	lockID := lock.SubscriberLockID(uid)
	acquired, err := s.locks.TryAcquire(ctx, lockID, cfg.SubscriberLockTTL)
	if err != nil {
		return nil, fmt.Errorf("manual payment: acquire lock: %w", err)
	}
	if !acquired {
		m.IncLockContention(metrics.LockScopeSubscriber)
		return nil, ErrPaymentInProgress
	}
	defer func() {
		if err := s.locks.Release(context.WithoutCancel(ctx), lockID); err != nil {
			log.Warn("subscriber lock release failed", zap.Error(err))
		}
	}()

	sub, err := s.repo.GetSubscription(ctx, uid)
	if err != nil {
		return nil, err
	}

	outcome, orderID, reason := s.attemptCharge(ctx, log, sub, false)
	switch outcome {
	case outcomeSuccess:
		s.applySuccess(ctx, log, uid, orderID)
		return &ManualResult{Success: true, OrderID: orderID}, nil
	case outcomeFailed:
		if err := s.repo.MarkAttempt(ctx, uid, s.clock.Now(), reason); err != nil {
			log.Warn("failed to stamp attempt", zap.Error(err))
		}
		return &ManualResult{Success: false, OrderID: orderID, Message: reason}, nil
	default:
		return nil, fmt.Errorf("manual payment: %s", reason)
	}
}
