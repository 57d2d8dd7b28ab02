package domain

import (
	"context"
	"time"
)

// BillingPeriodDays is the length of one paid period.
const BillingPeriodDays = 30

// Cursor is a keyset-pagination position over (end_date, uid). The zero
// value starts from the beginning. Keyset paging matters here because failed
// charges leave their rows due: offset paging would re-serve the same failing
// page forever and starve everyone behind it.
type Cursor struct {
	EndDate time.Time
	UID     string
}

// After positions the cursor just past sub.
func (c Cursor) After(sub Subscription) Cursor {
	return Cursor{EndDate: sub.EndDate, UID: sub.UID}
}

// IsZero reports whether the cursor is at the beginning.
func (c Cursor) IsZero() bool {
	return c.EndDate.IsZero() && c.UID == ""
}

// ExtendParams carries the successful-payment facts applied by Extend.
type ExtendParams struct {
	UID     string
	OrderID string
	Amount  int64
	PaidAt  time.Time
}

// ExpireOptions tunes how Expire records the transition.
type ExpireOptions struct {
	// Reason lands in payment_failure_reason for operator forensics.
	Reason string
	// SkipPaymentLog suppresses the FAILED history entry, for expiries where
	// the terminal attempt already wrote one (retry exhaustion) or where no
	// payment was attempted at all (cancelled subscriptions lapsing).
	SkipPaymentLog bool
	// OrderID ties the expiry to the attempt that caused it, when there was one.
	OrderID string
}

// Repository is the persistence boundary for the settlement scheduler.
//
// Extend and Expire are transactional state transitions; both are safe to call
// more than once for the same logical event.
type Repository interface {
	// FindDueActive returns up to limit ACTIVE subscriptions whose EndDate
	// falls before cutoff and whose (EndDate, uid) sorts after the cursor,
	// ordered by EndDate then uid.
	FindDueActive(ctx context.Context, cutoff time.Time, after Cursor, limit int) ([]Subscription, error)

	// FindLapsedCancelled returns CANCELLED subscriptions whose paid period
	// ended at or before cutoff. Callers pass today's midnight, not
	// tomorrow's: a cancelled subscription paid through later today keeps
	// its access until the day ends.
	FindLapsedCancelled(ctx context.Context, cutoff time.Time, limit int) ([]Subscription, error)

	// GetSubscription returns ErrSubscriptionNotFound when uid is unknown.
	GetSubscription(ctx context.Context, uid string) (*Subscription, error)

	// GetBillingKey returns ErrBillingKeyNotFound when the subscriber has no
	// stored key. Status checks are the caller's concern.
	GetBillingKey(ctx context.Context, uid string) (*BillingKey, error)

	// Extend advances the paid period after a successful charge: EndDate
	// becomes max(current EndDate, today's midnight) plus one billing period,
	// the subscription is forced ACTIVE, the failure reason is cleared, and a
	// SUCCESS history entry is appended. A missing subscription row is created
	// rather than losing a charge that already settled. Calling Extend twice
	// with the same OrderID applies the extension exactly once.
	Extend(ctx context.Context, params ExtendParams) error

	// Expire transitions the subscription to EXPIRED and resets its plan to
	// the baseline tier. Already-EXPIRED rows are left untouched.
	Expire(ctx context.Context, uid string, opts ExpireOptions) error

	// MarkAttempt stamps last_attempt_at and, on failure, the failure reason.
	// Best-effort bookkeeping; callers log and continue on error.
	MarkAttempt(ctx context.Context, uid string, at time.Time, failureReason string) error

	// CreatePaymentRecord inserts the audit row for one charge attempt.
	CreatePaymentRecord(ctx context.Context, record *PaymentRecord) error

	// UpdatePaymentRecord rewrites a record after the gateway round-trip.
	UpdatePaymentRecord(ctx context.Context, record *PaymentRecord) error
}
