package repository

import (
	"context"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/storeboost/autobill/internal/clock"
	"github.com/storeboost/autobill/internal/subscription/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&domain.Subscription{},
		&domain.BillingKey{},
		&domain.PaymentRecord{},
		&domain.RetryCounter{},
	))
	return db
}

func kst(year int, month time.Month, day, hour int) time.Time {
	return time.Date(year, month, day, hour, 0, 0, 0, domain.Location())
}

func newTestRepository(t *testing.T, now time.Time) (domain.Repository, *clock.FakeClock, *gorm.DB) {
	t.Helper()
	db := openTestDB(t)
	fake := clock.NewFakeClock(now)
	repo := New(db, fake, "basic", zap.NewNop())
	return repo, fake, db
}

func seedSubscription(t *testing.T, db *gorm.DB, sub domain.Subscription) {
	t.Helper()
	if sub.Plan == "" {
		sub.Plan = "pro"
	}
	if sub.StartDate.IsZero() {
		sub.StartDate = sub.EndDate.AddDate(0, 0, -domain.BillingPeriodDays)
	}
	require.NoError(t, db.Create(&sub).Error)
}

func TestFindDueActive(t *testing.T) {
	now := kst(2026, time.March, 10, 6)
	repo, _, db := newTestRepository(t, now)
	cutoff := domain.NextMidnight(now)

	seedSubscription(t, db, domain.Subscription{UID: "u-due-yesterday", Status: domain.SubscriptionStatusActive, EndDate: kst(2026, time.March, 9, 0)})
	seedSubscription(t, db, domain.Subscription{UID: "u-due-today", Status: domain.SubscriptionStatusActive, EndDate: kst(2026, time.March, 10, 15)})
	seedSubscription(t, db, domain.Subscription{UID: "u-due-tomorrow", Status: domain.SubscriptionStatusActive, EndDate: kst(2026, time.March, 11, 0)})
	seedSubscription(t, db, domain.Subscription{UID: "u-cancelled", Status: domain.SubscriptionStatusCancelled, EndDate: kst(2026, time.March, 1, 0)})
	seedSubscription(t, db, domain.Subscription{UID: "u-expired", Status: domain.SubscriptionStatusExpired, EndDate: kst(2026, time.March, 1, 0)})

	subs, err := repo.FindDueActive(context.Background(), cutoff, domain.Cursor{}, 100)
	require.NoError(t, err)
	require.Len(t, subs, 2)
	// Ordered by end date: due-today is due because 15:00 today is still
	// before tomorrow's midnight.
	assert.Equal(t, "u-due-yesterday", subs[0].UID)
	assert.Equal(t, "u-due-today", subs[1].UID)
}

func TestFindDueActiveKeysetPaging(t *testing.T) {
	now := kst(2026, time.March, 10, 6)
	repo, _, db := newTestRepository(t, now)
	sameDay := kst(2026, time.March, 1, 0)
	seedSubscription(t, db, domain.Subscription{UID: "u-a", Status: domain.SubscriptionStatusActive, EndDate: sameDay})
	seedSubscription(t, db, domain.Subscription{UID: "u-b", Status: domain.SubscriptionStatusActive, EndDate: sameDay})
	seedSubscription(t, db, domain.Subscription{UID: "u-c", Status: domain.SubscriptionStatusActive, EndDate: kst(2026, time.March, 2, 0)})

	cutoff := domain.NextMidnight(now)

	page, err := repo.FindDueActive(context.Background(), cutoff, domain.Cursor{}, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "u-a", page[0].UID)
	assert.Equal(t, "u-b", page[1].UID)

	// Second page resumes after the last row, including the same-end-date
	// tiebreak on uid.
	page, err = repo.FindDueActive(context.Background(), cutoff, domain.Cursor{}.After(page[1]), 2)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "u-c", page[0].UID)

	page, err = repo.FindDueActive(context.Background(), cutoff, domain.Cursor{}.After(page[0]), 2)
	require.NoError(t, err)
	assert.Empty(t, page)
}

func TestFindLapsedCancelled(t *testing.T) {
	now := kst(2026, time.March, 10, 6)
	repo, _, db := newTestRepository(t, now)

	seedSubscription(t, db, domain.Subscription{UID: "u-lapsed", Status: domain.SubscriptionStatusCancelled, EndDate: kst(2026, time.March, 1, 0)})
	seedSubscription(t, db, domain.Subscription{UID: "u-lapses-at-cutoff", Status: domain.SubscriptionStatusCancelled, EndDate: kst(2026, time.March, 10, 0)})
	seedSubscription(t, db, domain.Subscription{UID: "u-paid-through-today", Status: domain.SubscriptionStatusCancelled, EndDate: kst(2026, time.March, 10, 22)})
	seedSubscription(t, db, domain.Subscription{UID: "u-still-paid", Status: domain.SubscriptionStatusCancelled, EndDate: kst(2026, time.April, 1, 0)})
	seedSubscription(t, db, domain.Subscription{UID: "u-active", Status: domain.SubscriptionStatusActive, EndDate: kst(2026, time.March, 1, 0)})

	subs, err := repo.FindLapsedCancelled(context.Background(), domain.Midnight(now), 100)
	require.NoError(t, err)
	require.Len(t, subs, 2)
	assert.Equal(t, "u-lapsed", subs[0].UID)
	assert.Equal(t, "u-lapses-at-cutoff", subs[1].UID)
}

func TestExtendFromFutureEndDate(t *testing.T) {
	now := kst(2026, time.March, 10, 6)
	repo, _, db := newTestRepository(t, now)
	end := kst(2026, time.March, 15, 0)
	seedSubscription(t, db, domain.Subscription{UID: "u1", Status: domain.SubscriptionStatusActive, EndDate: end})

	require.NoError(t, repo.Extend(context.Background(), domain.ExtendParams{
		UID:     "u1",
		OrderID: "auto_deadbeef_u1",
		Amount:  9900,
		PaidAt:  now,
	}))

	sub, err := repo.GetSubscription(context.Background(), "u1")
	require.NoError(t, err)
	// Extension anchors on the later of end date and today.
	assert.True(t, sub.EndDate.Equal(end.AddDate(0, 0, domain.BillingPeriodDays)), "got %v", sub.EndDate)
	assert.Equal(t, domain.SubscriptionStatusActive, sub.Status)
	assert.Equal(t, int64(9900), sub.LastPaymentAmount)
	assert.Equal(t, "auto_deadbeef_u1", sub.LastPaymentOrderID)
	assert.Nil(t, sub.PaymentFailureReason)

	history, err := sub.History()
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, domain.PaymentStatusSuccess, history[0].Status)
}

func TestExtendNormalizesEndDateToMidnight(t *testing.T) {
	now := kst(2026, time.March, 10, 6)
	repo, _, db := newTestRepository(t, now)
	// A row written outside the scheduler may carry a time-of-day.
	seedSubscription(t, db, domain.Subscription{UID: "u1", Status: domain.SubscriptionStatusActive, EndDate: kst(2026, time.March, 15, 18)})

	require.NoError(t, repo.Extend(context.Background(), domain.ExtendParams{
		UID: "u1", OrderID: "auto_0badf00d_u1", Amount: 9900, PaidAt: now,
	}))

	sub, err := repo.GetSubscription(context.Background(), "u1")
	require.NoError(t, err)
	want := kst(2026, time.March, 15, 0).AddDate(0, 0, domain.BillingPeriodDays)
	assert.True(t, sub.EndDate.Equal(want), "got %v want %v", sub.EndDate, want)
}

func TestExtendFromPastEndDateAnchorsOnToday(t *testing.T) {
	now := kst(2026, time.March, 10, 6)
	repo, _, db := newTestRepository(t, now)
	seedSubscription(t, db, domain.Subscription{UID: "u1", Status: domain.SubscriptionStatusActive, EndDate: kst(2026, time.February, 1, 0)})

	require.NoError(t, repo.Extend(context.Background(), domain.ExtendParams{
		UID: "u1", OrderID: "auto_cafef00d_u1", Amount: 9900, PaidAt: now,
	}))

	sub, err := repo.GetSubscription(context.Background(), "u1")
	require.NoError(t, err)
	want := domain.Midnight(now).AddDate(0, 0, domain.BillingPeriodDays)
	assert.True(t, sub.EndDate.Equal(want), "got %v want %v", sub.EndDate, want)
}

func TestExtendIsIdempotentByOrderID(t *testing.T) {
	now := kst(2026, time.March, 10, 6)
	repo, _, db := newTestRepository(t, now)
	seedSubscription(t, db, domain.Subscription{UID: "u1", Status: domain.SubscriptionStatusActive, EndDate: kst(2026, time.March, 15, 0)})

	params := domain.ExtendParams{UID: "u1", OrderID: "auto_11112222_u1", Amount: 9900, PaidAt: now}
	require.NoError(t, repo.Extend(context.Background(), params))
	require.NoError(t, repo.Extend(context.Background(), params))

	sub, err := repo.GetSubscription(context.Background(), "u1")
	require.NoError(t, err)
	want := kst(2026, time.March, 15, 0).AddDate(0, 0, domain.BillingPeriodDays)
	assert.True(t, sub.EndDate.Equal(want), "second extend must be a no-op, got %v", sub.EndDate)

	history, err := sub.History()
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestExtendCreatesMissingSubscription(t *testing.T) {
	now := kst(2026, time.March, 10, 6)
	repo, _, _ := newTestRepository(t, now)

	require.NoError(t, repo.Extend(context.Background(), domain.ExtendParams{
		UID: "u-ghost", OrderID: "auto_00ff00ff_ughost", Amount: 9900, PaidAt: now,
	}))

	sub, err := repo.GetSubscription(context.Background(), "u-ghost")
	require.NoError(t, err)
	assert.Equal(t, domain.SubscriptionStatusActive, sub.Status)
	want := domain.Midnight(now).AddDate(0, 0, domain.BillingPeriodDays)
	assert.True(t, sub.EndDate.Equal(want))
}

func TestExpireResetsPlanToBaseline(t *testing.T) {
	now := kst(2026, time.March, 10, 13)
	repo, _, db := newTestRepository(t, now)
	seedSubscription(t, db, domain.Subscription{UID: "u1", Status: domain.SubscriptionStatusActive, Plan: "pro", EndDate: kst(2026, time.March, 1, 0)})

	require.NoError(t, repo.Expire(context.Background(), "u1", domain.ExpireOptions{
		Reason:  "retries exhausted",
		OrderID: "auto_aabbccdd_u1",
	}))

	sub, err := repo.GetSubscription(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, domain.SubscriptionStatusExpired, sub.Status)
	assert.Equal(t, "basic", sub.Plan)
	require.NotNil(t, sub.PaymentFailureReason)
	assert.Equal(t, "retries exhausted", *sub.PaymentFailureReason)

	history, err := sub.History()
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, domain.PaymentStatusFailed, history[0].Status)

	// Without SkipPaymentLog the expiry also leaves its own audit record.
	var records []domain.PaymentRecord
	require.NoError(t, db.Where("uid = ?", "u1").Find(&records).Error)
	require.Len(t, records, 1)
	assert.Equal(t, domain.PaymentStatusFailed, records[0].Status)
	assert.Contains(t, records[0].OrderID, "expire_")
	require.NotNil(t, records[0].ErrorMessage)
	assert.Equal(t, "retries exhausted", *records[0].ErrorMessage)
}

func TestExpireSkipPaymentLog(t *testing.T) {
	now := kst(2026, time.March, 10, 6)
	repo, _, db := newTestRepository(t, now)
	seedSubscription(t, db, domain.Subscription{UID: "u1", Status: domain.SubscriptionStatusCancelled, EndDate: kst(2026, time.March, 1, 0)})

	require.NoError(t, repo.Expire(context.Background(), "u1", domain.ExpireOptions{
		Reason:         "cancelled subscription lapsed",
		SkipPaymentLog: true,
	}))

	sub, err := repo.GetSubscription(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, domain.SubscriptionStatusExpired, sub.Status)
	history, err := sub.History()
	require.NoError(t, err)
	assert.Empty(t, history)

	var count int64
	require.NoError(t, db.Model(&domain.PaymentRecord{}).Where("uid = ?", "u1").Count(&count).Error)
	assert.Zero(t, count)
}

func TestExpireAlreadyExpiredIsNoop(t *testing.T) {
	now := kst(2026, time.March, 10, 6)
	repo, _, db := newTestRepository(t, now)
	reason := "original reason"
	seedSubscription(t, db, domain.Subscription{
		UID: "u1", Status: domain.SubscriptionStatusExpired, Plan: "basic",
		EndDate: kst(2026, time.March, 1, 0), PaymentFailureReason: &reason,
	})

	require.NoError(t, repo.Expire(context.Background(), "u1", domain.ExpireOptions{Reason: "second pass"}))

	sub, err := repo.GetSubscription(context.Background(), "u1")
	require.NoError(t, err)
	require.NotNil(t, sub.PaymentFailureReason)
	assert.Equal(t, "original reason", *sub.PaymentFailureReason)
}

func TestExpireMissingSubscription(t *testing.T) {
	now := kst(2026, time.March, 10, 6)
	repo, _, _ := newTestRepository(t, now)
	err := repo.Expire(context.Background(), "nope", domain.ExpireOptions{})
	assert.ErrorIs(t, err, domain.ErrSubscriptionNotFound)
}

func TestGetBillingKey(t *testing.T) {
	now := kst(2026, time.March, 10, 6)
	repo, _, db := newTestRepository(t, now)
	require.NoError(t, db.Create(&domain.BillingKey{
		UID: "u1", Key: "BIKY-test", Status: domain.BillingKeyStatusActive,
	}).Error)

	key, err := repo.GetBillingKey(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, "BIKY-test", key.Key)

	_, err = repo.GetBillingKey(context.Background(), "u2")
	assert.ErrorIs(t, err, domain.ErrBillingKeyNotFound)
}

func TestMarkAttempt(t *testing.T) {
	now := kst(2026, time.March, 10, 6)
	repo, _, db := newTestRepository(t, now)
	seedSubscription(t, db, domain.Subscription{UID: "u1", Status: domain.SubscriptionStatusActive, EndDate: kst(2026, time.March, 1, 0)})

	require.NoError(t, repo.MarkAttempt(context.Background(), "u1", now, "card declined"))

	sub, err := repo.GetSubscription(context.Background(), "u1")
	require.NoError(t, err)
	require.NotNil(t, sub.LastAttemptAt)
	assert.True(t, sub.LastAttemptAt.Equal(now))
	require.NotNil(t, sub.PaymentFailureReason)
	assert.Equal(t, "card declined", *sub.PaymentFailureReason)
}

func TestPaymentRecordRoundTrip(t *testing.T) {
	now := kst(2026, time.March, 10, 6)
	repo, _, _ := newTestRepository(t, now)

	record := &domain.PaymentRecord{
		OrderID:       "auto_12345678_u1",
		UID:           "u1",
		Amount:        9900,
		GoodsName:     "monthly",
		Status:        domain.PaymentStatusFailed,
		IsAutoPayment: true,
	}
	require.NoError(t, repo.CreatePaymentRecord(context.Background(), record))
	assert.False(t, record.CreatedAt.IsZero())

	tid := "nicepay-tid-1"
	record.Status = domain.PaymentStatusSuccess
	record.TID = &tid
	completed := now.Add(2 * time.Second)
	record.CompletedAt = &completed
	require.NoError(t, repo.UpdatePaymentRecord(context.Background(), record))
}
