package db

import (
	"time"

	"github.com/google/uuid"
)

// Subscription represents a recurring subscription owned by a user.
//
// NextPaymentDate is carried as a plain "2006-01-02" string rather than a
// time.Time: the column is a DATE with no timezone, and round-tripping it
// through a UTC timestamp can shift the calendar day by one when the
// process runs in a non-UTC zone. Day arithmetic parses the y/m/d
// components directly (see internal/reminder).
type Subscription struct {
	ID                 uuid.UUID  `json:"id"`
	UserID             uuid.UUID  `json:"user_id"`
	ServiceName        string     `json:"service_name"`
	Cost               float64    `json:"cost"`
	Currency           string     `json:"currency"`
	BillingCycle       string     `json:"billing_cycle"`
	NextPaymentDate    string     `json:"next_payment_date"`
	ReminderDaysBefore int        `json:"reminder_days_before"`
	ReminderTime       string     `json:"reminder_time"`
	LastReminderSent   *time.Time `json:"last_reminder_sent,omitempty"`
	Status             string     `json:"status"`
	WhatsAppNumber     *string    `json:"whatsapp_number,omitempty"`
	BankID             *uuid.UUID `json:"bank_id,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// Subscription status constants
const (
	SubStatusActive    = "active"
	SubStatusPaused    = "paused"
	SubStatusCancelled = "cancelled"
	SubStatusInactive  = "inactive"
)

// Billing cycle constants
const (
	CycleWeekly  = "weekly"
	CycleMonthly = "monthly"
	CycleYearly  = "yearly"
	CycleCustom  = "custom"
)

// Defaults applied at the ingestion boundary when the client omits them.
const (
	DefaultReminderDaysBefore = 3
	DefaultReminderTime       = "09:00"
)

// Notification is the audit record written for every dispatch attempt.
type Notification struct {
	ID             uuid.UUID  `json:"id"`
	UserID         uuid.UUID  `json:"user_id"`
	SubscriptionID uuid.UUID  `json:"subscription_id"`
	Type           string     `json:"type"`
	Title          string     `json:"title"`
	Message        string     `json:"message"`
	Status         string     `json:"status"`
	SentAt         *time.Time `json:"sent_at,omitempty"`
	ReadAt         *time.Time `json:"read_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// Notification status constants
const (
	NotifStatusSent    = "sent"
	NotifStatusFailed  = "failed"
	NotifStatusPending = "pending"
	NotifStatusRead    = "read"
)

// NotifTypeReminder identifies payment-reminder notifications.
const NotifTypeReminder = "payment_reminder"

// Bank is a display-name lookup referenced by subscriptions.
type Bank struct {
	ID   uuid.UUID `json:"id"`
	Name string    `json:"name"`
}

// UserProfile holds the user-level fallback destination number.
type UserProfile struct {
	UserID         uuid.UUID `json:"user_id"`
	WhatsAppNumber *string   `json:"whatsapp_number,omitempty"`
}
