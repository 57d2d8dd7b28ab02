package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/storeboost/autobill/internal/gateway"
	"github.com/storeboost/autobill/internal/lock"
	"github.com/storeboost/autobill/internal/observability/metrics"
	"github.com/storeboost/autobill/internal/subscription/domain"
	"go.uber.org/zap"
)

// attemptOutcome classifies one charge attempt end to end.
type attemptOutcome int

const (
	outcomeSuccess attemptOutcome = iota
	outcomeFailed                 // definite decline or unusable billing key
	outcomeError                  // outcome unknown (transport, storage)
	outcomeSkipped                // lock contention or no longer eligible
)

const (
	failureTypeMissingBillingKey  = "missing_billing_key"
	failureTypeInactiveBillingKey = "inactive_billing_key"
	failureTypeDeclined           = "declined"
	failureTypeGatewayError       = "gateway_error"
)

// RunSettlement executes one settlement pass: expire lapsed cancelled
// subscriptions, then charge every due active subscription once.
func (s *Scheduler) RunSettlement(ctx context.Context) error {
	cfg := snapshotConfig(s.tunables)
	log, _ := s.jobRun(jobSettlement)
	m := metrics.Settlement()
	m.IncJobRun(jobSettlement)
	started := s.clock.Now()
	defer func() { m.ObserveJobDuration(jobSettlement, s.clock.Now().Sub(started)) }()

	acquired, err := s.locks.TryAcquire(ctx, lock.SettlementJobID, cfg.GlobalLockTTL)
	if err != nil {
		m.IncJobError(jobSettlement)
		return fmt.Errorf("settlement: acquire lock: %w", err)
	}
	if !acquired {
		m.IncLockContention(metrics.LockScopeGlobal)
		log.Info("settlement lock held elsewhere, skipping run")
		return nil
	}
	defer func() {
		if err := s.locks.Release(context.WithoutCancel(ctx), lock.SettlementJobID); err != nil {
			log.Warn("settlement lock release failed", zap.Error(err))
		}
	}()

	log.Info("settlement run starting", zap.Int("batch_size", cfg.BatchSize), zap.Int("concurrent_limit", cfg.ConcurrentLimit))

	expired, sweepErr := s.sweepLapsedCancelled(ctx, cfg, log)
	processed, dueErr := s.processDue(ctx, cfg, log)

	m.AddBatchProcessed(jobSettlement, processed)
	log.Info("settlement run complete",
		zap.Int("processed", processed),
		zap.Int("cancelled_expired", expired),
		zap.Duration("took", s.clock.Now().Sub(started)),
	)

	if err := errors.Join(sweepErr, dueErr); err != nil {
		m.IncJobError(jobSettlement)
		return fmt.Errorf("settlement: %w", err)
	}
	return nil
}

// sweepLapsedCancelled expires cancelled subscriptions whose paid period has
// ended. No charge is attempted and no payment log is written for these.
func (s *Scheduler) sweepLapsedCancelled(ctx context.Context, cfg runConfig, log *zap.Logger) (int, error) {
	// Today's midnight, not tomorrow's: a cancellation paid through later
	// today keeps its access until the day ends.
	cutoff := domain.Midnight(s.clock.Now())
	m := metrics.Settlement()
	swept := make(map[string]struct{})
	expired := 0

	for {
		page, err := s.repo.FindLapsedCancelled(ctx, cutoff, cfg.BatchSize)
		if err != nil {
			return expired, fmt.Errorf("find lapsed cancelled: %w", err)
		}

		progressed := false
		for _, sub := range page {
			if _, seen := swept[sub.UID]; seen {
				continue
			}
			swept[sub.UID] = struct{}{}
			progressed = true

			err := s.repo.Expire(ctx, sub.UID, domain.ExpireOptions{
				Reason:         "cancelled subscription lapsed",
				SkipPaymentLog: true,
			})
			if err != nil {
				log.Error("failed to expire lapsed cancelled subscription",
					zap.String("uid", sub.UID), zap.Error(err))
				continue
			}
			expired++
			m.IncExpired(metrics.ExpiryReasonCancelledLapsed)
			s.notify(ctx, log, func(c context.Context) error {
				return s.notifier.SubscriptionExpired(c, &sub)
			})
		}

		if len(page) < cfg.BatchSize || !progressed {
			return expired, nil
		}
	}
}

// processDue pages over due active subscriptions and charges each exactly
// once this run. Failed subscriptions stay due, so the pages walk a keyset
// cursor that only moves forward; re-querying from the start would serve the
// same failing page forever.
func (s *Scheduler) processDue(ctx context.Context, cfg runConfig, log *zap.Logger) (int, error) {
	cutoff := domain.NextMidnight(s.clock.Now())
	attempted := make(map[string]struct{})
	var cursor domain.Cursor
	processed := 0

	for {
		page, err := s.repo.FindDueActive(ctx, cutoff, cursor, cfg.BatchSize)
		if err != nil {
			return processed, fmt.Errorf("find due subscriptions: %w", err)
		}
		if len(page) == 0 {
			return processed, nil
		}
		cursor = cursor.After(page[len(page)-1])

		for start := 0; start < len(page); start += cfg.ConcurrentLimit {
			end := start + cfg.ConcurrentLimit
			if end > len(page) {
				end = len(page)
			}
			chunk := page[start:end]

			var chunkWG sync.WaitGroup
			for _, sub := range chunk {
				if _, seen := attempted[sub.UID]; seen {
					continue
				}
				attempted[sub.UID] = struct{}{}
				processed++
				s.wg.Add(1)
				chunkWG.Add(1)
				go func(uid string) {
					defer s.wg.Done()
					defer chunkWG.Done()
					s.processSubscriptionPayment(ctx, cfg, log, uid, cutoff, false)
				}(sub.UID)
			}
			chunkWG.Wait()

			// Pace the gateway between chunks.
			if end < len(page) || len(page) == cfg.BatchSize {
				if err := s.sleep(ctx, cfg.ChunkDelay); err != nil {
					return processed, err
				}
			}
		}

		if len(page) < cfg.BatchSize {
			return processed, nil
		}
	}
}

// RunRetry executes one retry pass over subscribers with failed attempts.
// Only uids in the retry tracker are considered; everyone else waits for the
// next settlement run.
func (s *Scheduler) RunRetry(ctx context.Context) error {
	cfg := snapshotConfig(s.tunables)
	log, _ := s.jobRun(jobRetry)
	m := metrics.Settlement()
	m.IncJobRun(jobRetry)
	started := s.clock.Now()
	defer func() { m.ObserveJobDuration(jobRetry, s.clock.Now().Sub(started)) }()

	acquired, err := s.locks.TryAcquire(ctx, lock.RetryJobID, cfg.GlobalLockTTL)
	if err != nil {
		m.IncJobError(jobRetry)
		return fmt.Errorf("retry: acquire lock: %w", err)
	}
	if !acquired {
		m.IncLockContention(metrics.LockScopeGlobal)
		log.Info("retry lock held elsewhere, skipping run")
		return nil
	}
	defer func() {
		if err := s.locks.Release(context.WithoutCancel(ctx), lock.RetryJobID); err != nil {
			log.Warn("retry lock release failed", zap.Error(err))
		}
	}()

	snapshot, err := s.retries.Snapshot(ctx)
	if err != nil {
		m.IncJobError(jobRetry)
		return fmt.Errorf("retry: snapshot counters: %w", err)
	}
	if len(snapshot) == 0 {
		log.Info("no subscriptions pending retry")
		return nil
	}

	log.Info("retry run starting", zap.Int("pending", len(snapshot)))

	cutoff := domain.NextMidnight(s.clock.Now())
	uids := make([]string, 0, len(snapshot))
	for uid, count := range snapshot {
		if count >= cfg.MaxRetries {
			// Already terminal; the failure path expired it. Drop the
			// leftover counter instead of attempting another charge.
			if err := s.retries.Clear(ctx, uid); err != nil {
				log.Warn("failed to drop exhausted retry counter",
					zap.String("uid", uid), zap.Error(err))
			}
			continue
		}
		uids = append(uids, uid)
	}
	if len(uids) == 0 {
		log.Info("no subscriptions pending retry")
		return nil
	}

	processed := 0
	for start := 0; start < len(uids); start += cfg.ConcurrentLimit {
		end := start + cfg.ConcurrentLimit
		if end > len(uids) {
			end = len(uids)
		}

		var chunkWG sync.WaitGroup
		for _, uid := range uids[start:end] {
			processed++
			s.wg.Add(1)
			chunkWG.Add(1)
			go func(uid string) {
				defer s.wg.Done()
				defer chunkWG.Done()
				s.processSubscriptionPayment(ctx, cfg, log, uid, cutoff, true)
			}(uid)
		}
		chunkWG.Wait()

		if end < len(uids) {
			if err := s.sleep(ctx, cfg.ChunkDelay); err != nil {
				return err
			}
		}
	}

	m.AddBatchProcessed(jobRetry, processed)
	log.Info("retry run complete",
		zap.Int("processed", processed),
		zap.Duration("took", s.clock.Now().Sub(started)),
	)
	return nil
}

// processSubscriptionPayment charges one subscriber under the per-subscriber
// lock and applies the outcome: extend on success, retry bookkeeping and
// possibly expiry on failure. Per-subscriber problems are logged, never
// propagated; one bad card must not fail the run.
func (s *Scheduler) processSubscriptionPayment(ctx context.Context, cfg runConfig, log *zap.Logger, uid string, cutoff time.Time, isRetry bool) attemptOutcome {
	log = log.With(zap.String("uid", uid))
	m := metrics.Settlement()

	if !s.beginProcessing(uid) {
		log.Warn("subscriber already being processed, skipping")
		return outcomeSkipped
	}
	defer s.endProcessing(uid)

	// An exhausted counter means the failure path already tried to expire
	// this subscriber. Drop the counter instead of charging again.
	if count, err := s.retries.Count(ctx, uid); err != nil {
		log.Warn("failed to read retry counter", zap.Error(err))
	} else if count >= cfg.MaxRetries {
		log.Warn("retry budget already exhausted, dropping counter", zap.Int("count", count))
		if err := s.retries.Clear(ctx, uid); err != nil {
			log.Warn("failed to drop exhausted retry counter", zap.Error(err))
		}
		return outcomeSkipped
	}

	lockID := lock.SubscriberLockID(uid)
	acquired, err := s.locks.TryAcquire(ctx, lockID, cfg.SubscriberLockTTL)
	if err != nil {
		log.Error("subscriber lock error, skipping", zap.Error(err))
		return outcomeSkipped
	}
	if !acquired {
		m.IncLockContention(metrics.LockScopeSubscriber)
		log.Warn("subscriber lock held elsewhere, skipping")
		return outcomeSkipped
	}
	defer func() {
		if err := s.locks.Release(context.WithoutCancel(ctx), lockID); err != nil {
			log.Warn("subscriber lock release failed", zap.Error(err))
		}
	}()

	// Re-read under the lock; the row may have changed since the page query.
	sub, err := s.repo.GetSubscription(ctx, uid)
	if errors.Is(err, domain.ErrSubscriptionNotFound) {
		log.Warn("subscription vanished before charge, clearing retry state")
		_ = s.retries.Clear(ctx, uid)
		return outcomeSkipped
	}
	if err != nil {
		log.Error("failed to load subscription", zap.Error(err))
		return outcomeError
	}
	if sub.Status != domain.SubscriptionStatusActive || !sub.EndDate.Before(cutoff) {
		// Paid or state-changed since we last looked; nothing owed.
		if isRetry {
			_ = s.retries.Clear(ctx, uid)
		}
		log.Info("subscription no longer due, skipping",
			zap.String("status", string(sub.Status)),
			zap.Time("end_date", sub.EndDate),
		)
		return outcomeSkipped
	}

	outcome, orderID, reason := s.attemptCharge(ctx, log, sub, true)
	switch outcome {
	case outcomeSuccess:
		s.applySuccess(ctx, log, uid, orderID)
	case outcomeFailed, outcomeError:
		s.applyFailure(ctx, cfg, log, sub, outcome, orderID, reason)
	}
	return outcome
}

// attemptCharge validates the billing key, calls the gateway and writes the
// audit record. It does not mutate the subscription.
func (s *Scheduler) attemptCharge(ctx context.Context, log *zap.Logger, sub *domain.Subscription, isAuto bool) (attemptOutcome, string, string) {
	m := metrics.Settlement()
	now := s.clock.Now()
	orderID := gateway.NewOrderID(sub.UID)

	record := &domain.PaymentRecord{
		OrderID:       orderID,
		UID:           sub.UID,
		Amount:        s.gwCfg.ChargeAmount,
		GoodsName:     s.gwCfg.GoodsName,
		IsAutoPayment: isAuto,
		CreatedAt:     now,
	}

	key, err := s.repo.GetBillingKey(ctx, sub.UID)
	switch {
	case errors.Is(err, domain.ErrBillingKeyNotFound):
		reason := "no billing key registered"
		s.writeFailedRecord(ctx, log, record, reason, failureTypeMissingBillingKey)
		m.IncPaymentAttempt(metrics.AttemptResultFailed)
		return outcomeFailed, orderID, reason
	case err != nil:
		log.Error("failed to load billing key", zap.Error(err))
		return outcomeError, orderID, "billing key lookup failed"
	case key.Status != domain.BillingKeyStatusActive:
		reason := "billing key inactive"
		s.writeFailedRecord(ctx, log, record, reason, failureTypeInactiveBillingKey)
		m.IncPaymentAttempt(metrics.AttemptResultFailed)
		return outcomeFailed, orderID, reason
	}

	result, err := s.gateway.Charge(ctx, gateway.ChargeRequest{
		UID:        sub.UID,
		BillingKey: key.Key,
		OrderID:    orderID,
		Amount:     s.gwCfg.ChargeAmount,
		GoodsName:  s.gwCfg.GoodsName,
	})
	if err != nil {
		// Outcome unknown. Record it as ERROR and let the retry budget
		// decide; a double charge is prevented by the gateway's order-id
		// dedup on its side.
		log.Error("gateway charge errored", zap.String("order_id", orderID), zap.Error(err))
		reason := "payment gateway unreachable"
		record.Status = domain.PaymentStatusError
		msg := err.Error()
		record.ErrorMessage = &msg
		ft := failureTypeGatewayError
		record.FailureType = &ft
		failedAt := s.clock.Now()
		record.FailedAt = &failedAt
		if err := s.repo.CreatePaymentRecord(ctx, record); err != nil {
			log.Error("failed to write error payment record", zap.Error(err))
		}
		m.IncPaymentAttempt(metrics.AttemptResultError)
		return outcomeError, orderID, reason
	}

	if result.Success {
		record.Status = domain.PaymentStatusSuccess
		if result.TID != "" {
			tid := result.TID
			record.TID = &tid
		}
		completedAt := s.clock.Now()
		record.CompletedAt = &completedAt
		if err := s.repo.CreatePaymentRecord(ctx, record); err != nil {
			log.Error("failed to write success payment record", zap.Error(err))
		}

		if err := s.repo.Extend(ctx, domain.ExtendParams{
			UID:     sub.UID,
			OrderID: orderID,
			Amount:  s.gwCfg.ChargeAmount,
			PaidAt:  completedAt,
		}); err != nil {
			// The charge settled but the extension did not. Surface loudly;
			// the next run re-applies it idempotently via the order id.
			log.Error("charge succeeded but extend failed", zap.String("order_id", orderID), zap.Error(err))
			m.IncPaymentAttempt(metrics.AttemptResultError)
			return outcomeError, orderID, "extension failed after successful charge"
		}

		m.IncPaymentAttempt(metrics.AttemptResultSuccess)
		log.Info("charge succeeded", zap.String("order_id", orderID), zap.String("tid", result.TID))
		return outcomeSuccess, orderID, ""
	}

	reason := result.ResultMsg
	if reason == "" {
		reason = "declined with code " + result.ResultCode
	}
	s.writeFailedRecord(ctx, log, record, reason, failureTypeDeclined)
	m.IncPaymentAttempt(metrics.AttemptResultFailed)
	return outcomeFailed, orderID, reason
}

func (s *Scheduler) writeFailedRecord(ctx context.Context, log *zap.Logger, record *domain.PaymentRecord, reason, failureType string) {
	record.Status = domain.PaymentStatusFailed
	record.ErrorMessage = &reason
	record.FailureType = &failureType
	failedAt := s.clock.Now()
	record.FailedAt = &failedAt
	if err := s.repo.CreatePaymentRecord(ctx, record); err != nil {
		log.Error("failed to write failed payment record",
			zap.String("order_id", record.OrderID), zap.Error(err))
	}
}

func (s *Scheduler) applySuccess(ctx context.Context, log *zap.Logger, uid, orderID string) {
	if err := s.retries.Clear(ctx, uid); err != nil {
		log.Warn("failed to clear retry counter", zap.Error(err))
	}

	sub, err := s.repo.GetSubscription(ctx, uid)
	if err != nil {
		log.Warn("could not reload subscription for success notification", zap.Error(err))
		return
	}
	s.notify(ctx, log, func(c context.Context) error {
		return s.notifier.PaymentSuccess(c, sub, orderID, s.gwCfg.ChargeAmount)
	})
}

func (s *Scheduler) applyFailure(ctx context.Context, cfg runConfig, log *zap.Logger, sub *domain.Subscription, outcome attemptOutcome, orderID, reason string) {
	m := metrics.Settlement()
	now := s.clock.Now()

	if err := s.repo.MarkAttempt(ctx, sub.UID, now, reason); err != nil {
		log.Warn("failed to stamp attempt", zap.Error(err))
	}

	count, err := s.retries.Increment(ctx, sub.UID)
	if err != nil {
		log.Error("failed to increment retry counter", zap.Error(err))
		return
	}

	if count >= cfg.MaxRetries {
		// The terminal attempt already wrote its payment record, so the
		// expiry itself logs nothing to the payment history.
		expireErr := s.repo.Expire(ctx, sub.UID, domain.ExpireOptions{
			Reason:         fmt.Sprintf("payment failed %d times: %s", count, reason),
			SkipPaymentLog: true,
			OrderID:        orderID,
		})
		if expireErr != nil {
			log.Error("failed to expire after exhausted retries", zap.Error(expireErr))
			return
		}
		if err := s.retries.Clear(ctx, sub.UID); err != nil {
			log.Warn("failed to clear retry counter after expiry", zap.Error(err))
		}
		m.IncExpired(metrics.ExpiryReasonRetriesExhausted)
		log.Warn("subscription expired after exhausted retries",
			zap.Int("attempts", count), zap.String("reason", reason))
		s.notify(ctx, log, func(c context.Context) error {
			return s.notifier.SubscriptionExpired(c, sub)
		})
		return
	}

	log.Warn("charge failed, will retry",
		zap.Int("attempt", count),
		zap.Int("max_retries", cfg.MaxRetries),
		zap.String("reason", reason),
		zap.Bool("outcome_unknown", outcome == outcomeError),
	)
	s.notify(ctx, log, func(c context.Context) error {
		return s.notifier.PaymentFailure(c, sub, reason, true)
	})
}

// notify delivers one notification, logging and swallowing failures.
func (s *Scheduler) notify(ctx context.Context, log *zap.Logger, send func(context.Context) error) {
	if err := send(ctx); err != nil {
		metrics.Settlement().IncNotifierFailure()
		log.Warn("notification delivery failed", zap.Error(err))
	}
}

func (s *Scheduler) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
