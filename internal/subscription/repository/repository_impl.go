// Package repository implements the subscription persistence boundary on gorm.
package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/storeboost/autobill/internal/clock"
	"github.com/storeboost/autobill/internal/subscription/domain"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type repository struct {
	db           *gorm.DB
	clock        clock.Clock
	baselinePlan string
	log          *zap.Logger
}

// New constructs the gorm-backed subscription repository. baselinePlan is the
// tier subscriptions fall back to on expiry.
func New(db *gorm.DB, clk clock.Clock, baselinePlan string, log *zap.Logger) domain.Repository {
	return &repository{
		db:           db,
		clock:        clk,
		baselinePlan: baselinePlan,
		log:          log.Named("subscription.repository"),
	}
}

func (r *repository) FindDueActive(ctx context.Context, cutoff time.Time, after domain.Cursor, limit int) ([]domain.Subscription, error) {
	query := r.db.WithContext(ctx).
		Where("status = ? AND end_date < ?", domain.SubscriptionStatusActive, cutoff)
	if !after.IsZero() {
		query = query.Where("end_date > ? OR (end_date = ? AND uid > ?)",
			after.EndDate, after.EndDate, after.UID)
	}

	var subs []domain.Subscription
	err := query.
		Order("end_date ASC, uid ASC").
		Limit(limit).
		Find(&subs).Error
	if err != nil {
		return nil, err
	}
	return subs, nil
}

func (r *repository) FindLapsedCancelled(ctx context.Context, cutoff time.Time, limit int) ([]domain.Subscription, error) {
	var subs []domain.Subscription
	err := r.db.WithContext(ctx).
		Where("status = ? AND end_date <= ?", domain.SubscriptionStatusCancelled, cutoff).
		Order("end_date ASC, uid ASC").
		Limit(limit).
		Find(&subs).Error
	if err != nil {
		return nil, err
	}
	return subs, nil
}

func (r *repository) GetSubscription(ctx context.Context, uid string) (*domain.Subscription, error) {
	var sub domain.Subscription
	err := r.db.WithContext(ctx).Where("uid = ?", uid).First(&sub).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

func (r *repository) GetBillingKey(ctx context.Context, uid string) (*domain.BillingKey, error) {
	var key domain.BillingKey
	err := r.db.WithContext(ctx).Where("uid = ?", uid).First(&key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrBillingKeyNotFound
	}
	if err != nil {
		return nil, err
	}
	return &key, nil
}

func (r *repository) Extend(ctx context.Context, params domain.ExtendParams) error {
	now := r.clock.Now()
	today := domain.Midnight(now)

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var sub domain.Subscription
		err := tx.Where("uid = ?", params.UID).First(&sub).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			// A charge settled for a subscriber with no row; recover rather
			// than lose the payment.
			r.log.Warn("extend for missing subscription, creating row",
				zap.String("uid", params.UID),
				zap.String("order_id", params.OrderID),
			)
			sub = domain.Subscription{
				UID:       params.UID,
				Status:    domain.SubscriptionStatusActive,
				Plan:      r.baselinePlan,
				StartDate: today,
				EndDate:   today,
				CreatedAt: now,
			}
		case err != nil:
			return err
		}

		if sub.LastPaymentOrderID == params.OrderID && params.OrderID != "" {
			// Replayed settlement for an order already applied.
			return nil
		}

		// Periods are civil days anchored on local midnight; strip any
		// time-of-day an externally written endDate may carry before adding.
		base := domain.Midnight(sub.EndDate)
		if base.Before(today) {
			base = today
		}
		newEnd := domain.AddCivilDays(base, domain.BillingPeriodDays)

		paidAt := params.PaidAt
		if paidAt.IsZero() {
			paidAt = now
		}

		sub.Status = domain.SubscriptionStatusActive
		sub.EndDate = newEnd
		sub.LastPaymentDate = &paidAt
		sub.LastPaymentAmount = params.Amount
		sub.LastPaymentOrderID = params.OrderID
		sub.PaymentFailureReason = nil
		sub.UpdatedAt = now
		if err := sub.AppendHistory(domain.PaymentHistoryEntry{
			OrderID: params.OrderID,
			Amount:  params.Amount,
			Date:    paidAt,
			Status:  domain.PaymentStatusSuccess,
		}); err != nil {
			return err
		}

		return tx.Save(&sub).Error
	})
}

func (r *repository) Expire(ctx context.Context, uid string, opts domain.ExpireOptions) error {
	now := r.clock.Now()

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var sub domain.Subscription
		err := tx.Where("uid = ?", uid).First(&sub).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.ErrSubscriptionNotFound
		}
		if err != nil {
			return err
		}
		if sub.Status == domain.SubscriptionStatusExpired {
			return nil
		}

		sub.Status = domain.SubscriptionStatusExpired
		sub.Plan = r.baselinePlan
		sub.UpdatedAt = now
		if opts.Reason != "" {
			reason := opts.Reason
			sub.PaymentFailureReason = &reason
		}
		if !opts.SkipPaymentLog {
			if err := sub.AppendHistory(domain.PaymentHistoryEntry{
				OrderID: opts.OrderID,
				Amount:  0,
				Date:    now,
				Status:  domain.PaymentStatusFailed,
			}); err != nil {
				return err
			}
			// The caller did not log a payment record for this expiry, so
			// write one here under its own order id. opts.OrderID (the last
			// charge attempt, if any) already owns its record.
			record := domain.PaymentRecord{
				OrderID:       expiryOrderID(uid),
				UID:           uid,
				Amount:        0,
				Status:        domain.PaymentStatusFailed,
				IsAutoPayment: true,
				CreatedAt:     now,
				FailedAt:      &now,
			}
			ft := "expired"
			record.FailureType = &ft
			if opts.Reason != "" {
				reason := opts.Reason
				record.ErrorMessage = &reason
			}
			if err := tx.Create(&record).Error; err != nil {
				return err
			}
		}

		return tx.Save(&sub).Error
	})
}

// expiryOrderID names the audit record an expiry writes when no charge
// attempt logged one.
func expiryOrderID(uid string) string {
	return fmt.Sprintf("expire_%s_%s", strings.ReplaceAll(uuid.NewString(), "-", "")[:8], uid)
}

func (r *repository) MarkAttempt(ctx context.Context, uid string, at time.Time, failureReason string) error {
	updates := map[string]interface{}{
		"last_attempt_at": at,
		"updated_at":      r.clock.Now(),
	}
	if failureReason != "" {
		updates["payment_failure_reason"] = failureReason
	}
	return r.db.WithContext(ctx).
		Model(&domain.Subscription{}).
		Where("uid = ?", uid).
		Updates(updates).Error
}

func (r *repository) CreatePaymentRecord(ctx context.Context, record *domain.PaymentRecord) error {
	if record.CreatedAt.IsZero() {
		record.CreatedAt = r.clock.Now()
	}
	return r.db.WithContext(ctx).Create(record).Error
}

func (r *repository) UpdatePaymentRecord(ctx context.Context, record *domain.PaymentRecord) error {
	return r.db.WithContext(ctx).Save(record).Error
}
