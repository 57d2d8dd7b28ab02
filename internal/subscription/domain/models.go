// Package domain contains persistence models for subscriptions, billing keys
// and payment records.
package domain

import (
	"encoding/json"
	"errors"
	"time"

	"gorm.io/datatypes"
)

// SubscriptionStatus represents lifecycle states for a subscription.
type SubscriptionStatus string

const (
	SubscriptionStatusActive    SubscriptionStatus = "ACTIVE"
	SubscriptionStatusCancelled SubscriptionStatus = "CANCELLED"
	SubscriptionStatusExpired   SubscriptionStatus = "EXPIRED"
)

// BillingKeyStatus represents whether a tokenized card may be charged.
type BillingKeyStatus string

const (
	BillingKeyStatusActive   BillingKeyStatus = "ACTIVE"
	BillingKeyStatusInactive BillingKeyStatus = "INACTIVE"
)

// PaymentStatus classifies the outcome of a single charge attempt.
type PaymentStatus string

const (
	PaymentStatusSuccess PaymentStatus = "SUCCESS"
	PaymentStatusFailed  PaymentStatus = "FAILED"
	PaymentStatusError   PaymentStatus = "ERROR"
)

var (
	ErrSubscriptionNotFound = errors.New("subscription_not_found")
	ErrBillingKeyNotFound   = errors.New("billing_key_not_found")
	ErrBillingKeyInactive   = errors.New("billing_key_inactive")
	ErrMalformedHistory     = errors.New("payment_history_malformed")
)

// Subscription is one subscriber's billing agreement. EndDate is the next due
// date while ACTIVE, or the effective lapse date while CANCELLED.
type Subscription struct {
	UID                  string             `gorm:"primaryKey;column:uid"`
	Email                string             `gorm:"type:text"`
	Status               SubscriptionStatus `gorm:"type:text;not null"`
	Plan                 string             `gorm:"type:text;not null"`
	StartDate            time.Time          `gorm:"not null"`
	EndDate              time.Time          `gorm:"not null;index"`
	LastPaymentDate      *time.Time         `gorm:""`
	LastPaymentAmount    int64              `gorm:"not null;default:0"`
	LastPaymentOrderID   string             `gorm:"type:text"`
	PaymentHistory       datatypes.JSON     `gorm:"type:jsonb"`
	PaymentFailureReason *string            `gorm:"type:text"`
	LastAttemptAt        *time.Time         `gorm:""`
	CreatedAt            time.Time          `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt            time.Time          `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Subscription) TableName() string { return "subscriptions" }

// PaymentHistoryEntry is one element of the append-only payment history.
type PaymentHistoryEntry struct {
	OrderID string        `json:"orderId"`
	Amount  int64         `json:"amount"`
	Date    time.Time     `json:"date"`
	Status  PaymentStatus `json:"status"`
}

// History decodes the payment history column. Malformed documents are
// rejected here instead of leaking nil checks into business logic.
func (s *Subscription) History() ([]PaymentHistoryEntry, error) {
	if len(s.PaymentHistory) == 0 {
		return nil, nil
	}
	var entries []PaymentHistoryEntry
	if err := json.Unmarshal(s.PaymentHistory, &entries); err != nil {
		return nil, ErrMalformedHistory
	}
	return entries, nil
}

// AppendHistory appends one entry and re-encodes the column.
func (s *Subscription) AppendHistory(entry PaymentHistoryEntry) error {
	entries, err := s.History()
	if err != nil {
		return err
	}
	entries = append(entries, entry)
	raw, err := json.Marshal(entries)
	if err != nil {
		return err
	}
	s.PaymentHistory = raw
	return nil
}

// BillingKey is the tokenized card credential for one subscriber. The
// scheduler never deletes these; only the subscriber-facing card flow does.
type BillingKey struct {
	UID       string           `gorm:"primaryKey;column:uid"`
	Key       string           `gorm:"column:billing_key;type:text;not null"`
	CardName  string           `gorm:"type:text"`
	CardNo    string           `gorm:"type:text"` // masked
	Expiry    string           `gorm:"type:text"`
	Status    BillingKeyStatus `gorm:"type:text;not null"`
	CreatedAt time.Time        `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt time.Time        `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (BillingKey) TableName() string { return "billing_keys" }

// PaymentRecord is the immutable audit row for one charge attempt.
type PaymentRecord struct {
	OrderID       string        `gorm:"primaryKey;column:order_id"`
	UID           string        `gorm:"column:uid;not null;index"`
	Amount        int64         `gorm:"not null"`
	GoodsName     string        `gorm:"type:text"`
	Status        PaymentStatus `gorm:"type:text;not null"`
	TID           *string       `gorm:"column:tid;type:text"`
	ErrorMessage  *string       `gorm:"type:text"`
	FailureType   *string       `gorm:"type:text"`
	IsAutoPayment bool          `gorm:"not null;default:false"`
	CreatedAt     time.Time     `gorm:"not null"`
	CompletedAt   *time.Time    `gorm:""`
	FailedAt      *time.Time    `gorm:""`
}

// TableName sets the database table name.
func (PaymentRecord) TableName() string { return "payment_records" }

// RetryCounter backs the optional persistent retry tracker.
type RetryCounter struct {
	UID       string    `gorm:"primaryKey;column:uid"`
	Count     int       `gorm:"not null;default:0"`
	UpdatedAt time.Time `gorm:"not null"`
}

// TableName sets the database table name.
func (RetryCounter) TableName() string { return "retry_counters" }
