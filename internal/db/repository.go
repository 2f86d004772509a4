package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// ErrNotFound is returned when a row does not exist or is not owned by the caller.
var ErrNotFound = errors.New("not found")

// Repository handles database operations for subscriptions and notifications
type Repository struct {
	db     *DB
	logger *zap.Logger
}

// NewRepository creates a new repository
func NewRepository(db *DB, logger *zap.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

const subscriptionColumns = `
	id, user_id, service_name, cost, currency, billing_cycle,
	next_payment_date::text, reminder_days_before, reminder_time,
	last_reminder_sent, status, whatsapp_number, bank_id,
	created_at, updated_at
`

func scanSubscription(row pgx.Row, sub *Subscription) error {
	return row.Scan(
		&sub.ID,
		&sub.UserID,
		&sub.ServiceName,
		&sub.Cost,
		&sub.Currency,
		&sub.BillingCycle,
		&sub.NextPaymentDate,
		&sub.ReminderDaysBefore,
		&sub.ReminderTime,
		&sub.LastReminderSent,
		&sub.Status,
		&sub.WhatsAppNumber,
		&sub.BankID,
		&sub.CreatedAt,
		&sub.UpdatedAt,
	)
}

// CreateSubscription inserts a new subscription
func (r *Repository) CreateSubscription(ctx context.Context, sub *Subscription) error {
	query := `
		INSERT INTO subscriptions (
			id, user_id, service_name, cost, currency, billing_cycle,
			next_payment_date, reminder_days_before, reminder_time,
			status, whatsapp_number, bank_id
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7::date, $8, $9, $10, $11, $12
		)
		RETURNING created_at, updated_at
	`

	err := r.db.Pool().QueryRow(
		ctx,
		query,
		sub.ID,
		sub.UserID,
		sub.ServiceName,
		sub.Cost,
		sub.Currency,
		sub.BillingCycle,
		sub.NextPaymentDate,
		sub.ReminderDaysBefore,
		sub.ReminderTime,
		sub.Status,
		sub.WhatsAppNumber,
		sub.BankID,
	).Scan(&sub.CreatedAt, &sub.UpdatedAt)

	if err != nil {
		r.logger.Error("failed to create subscription",
			zap.Error(err),
			zap.String("subscription_id", sub.ID.String()),
		)
		return fmt.Errorf("insert subscription: %w", err)
	}

	r.logger.Info("subscription created",
		zap.String("subscription_id", sub.ID.String()),
		zap.String("user_id", sub.UserID.String()),
		zap.String("service_name", sub.ServiceName),
	)

	return nil
}

// GetSubscriptionForUser retrieves a subscription owned by the given user
func (r *Repository) GetSubscriptionForUser(ctx context.Context, id, userID uuid.UUID) (*Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE id = $1 AND user_id = $2`

	var sub Subscription
	err := scanSubscription(r.db.Pool().QueryRow(ctx, query, id, userID), &sub)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query subscription: %w", err)
	}

	return &sub, nil
}

// ListSubscriptionsByUser retrieves a user's subscriptions with pagination
func (r *Repository) ListSubscriptionsByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*Subscription, error) {
	query := `
		SELECT ` + subscriptionColumns + `
		FROM subscriptions
		WHERE user_id = $1
		ORDER BY next_payment_date ASC, created_at DESC
		LIMIT $2 OFFSET $3
	`

	rows, err := r.db.Pool().Query(ctx, query, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []*Subscription
	for rows.Next() {
		var sub Subscription
		if err := scanSubscription(rows, &sub); err != nil {
			return nil, fmt.Errorf("scan subscription: %w", err)
		}
		subs = append(subs, &sub)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return subs, nil
}

// UpdateSubscription updates a subscription's editable fields. When any
// schedule-relevant field changes (payment date, lead days, reminder time,
// status), last_reminder_sent is cleared so the new schedule becomes
// eligible again.
func (r *Repository) UpdateSubscription(ctx context.Context, sub *Subscription) error {
	query := `
		UPDATE subscriptions SET
			service_name = $1,
			cost = $2,
			currency = $3,
			billing_cycle = $4,
			last_reminder_sent = CASE
				WHEN next_payment_date IS DISTINCT FROM $5::date
					OR reminder_days_before IS DISTINCT FROM $6
					OR reminder_time IS DISTINCT FROM $7
					OR status IS DISTINCT FROM $8
				THEN NULL
				ELSE last_reminder_sent
			END,
			next_payment_date = $5::date,
			reminder_days_before = $6,
			reminder_time = $7,
			status = $8,
			whatsapp_number = $9,
			bank_id = $10,
			updated_at = NOW()
		WHERE id = $11 AND user_id = $12
		RETURNING last_reminder_sent, updated_at
	`

	err := r.db.Pool().QueryRow(ctx, query,
		sub.ServiceName,
		sub.Cost,
		sub.Currency,
		sub.BillingCycle,
		sub.NextPaymentDate,
		sub.ReminderDaysBefore,
		sub.ReminderTime,
		sub.Status,
		sub.WhatsAppNumber,
		sub.BankID,
		sub.ID,
		sub.UserID,
	).Scan(&sub.LastReminderSent, &sub.UpdatedAt)

	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		r.logger.Error("failed to update subscription",
			zap.Error(err),
			zap.String("subscription_id", sub.ID.String()),
		)
		return fmt.Errorf("update subscription: %w", err)
	}

	return nil
}

// DeleteSubscription removes a subscription owned by the given user
func (r *Repository) DeleteSubscription(ctx context.Context, id, userID uuid.UUID) error {
	result, err := r.db.Pool().Exec(ctx,
		`DELETE FROM subscriptions WHERE id = $1 AND user_id = $2`, id, userID)
	if err != nil {
		return fmt.Errorf("delete subscription: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}

	r.logger.Info("subscription deleted", zap.String("subscription_id", id.String()))
	return nil
}

// ListUpcoming retrieves all active subscriptions whose next payment date
// is today or later, across all users. today is a plain "2006-01-02" date.
func (r *Repository) ListUpcoming(ctx context.Context, today string) ([]*Subscription, error) {
	query := `
		SELECT ` + subscriptionColumns + `
		FROM subscriptions
		WHERE status = $1 AND next_payment_date >= $2::date
		ORDER BY next_payment_date ASC
	`

	rows, err := r.db.Pool().Query(ctx, query, SubStatusActive, today)
	if err != nil {
		return nil, fmt.Errorf("query upcoming subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []*Subscription
	for rows.Next() {
		var sub Subscription
		if err := scanSubscription(rows, &sub); err != nil {
			return nil, fmt.Errorf("scan subscription: %w", err)
		}
		subs = append(subs, &sub)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return subs, nil
}

// MarkReminderSent records the instant a reminder was dispatched for a subscription
func (r *Repository) MarkReminderSent(ctx context.Context, id uuid.UUID, at time.Time) error {
	result, err := r.db.Pool().Exec(ctx,
		`UPDATE subscriptions SET last_reminder_sent = $1, updated_at = NOW() WHERE id = $2`,
		at, id)
	if err != nil {
		return fmt.Errorf("mark reminder sent: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// CreateNotification inserts a notification audit record
func (r *Repository) CreateNotification(ctx context.Context, notif *Notification) error {
	query := `
		INSERT INTO notifications (
			id, user_id, subscription_id, type, title, message, status, sent_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at
	`

	err := r.db.Pool().QueryRow(ctx, query,
		notif.ID,
		notif.UserID,
		notif.SubscriptionID,
		notif.Type,
		notif.Title,
		notif.Message,
		notif.Status,
		notif.SentAt,
	).Scan(&notif.CreatedAt)

	if err != nil {
		r.logger.Error("failed to create notification",
			zap.Error(err),
			zap.String("notification_id", notif.ID.String()),
		)
		return fmt.Errorf("insert notification: %w", err)
	}

	return nil
}

// ListNotificationsByUser retrieves a user's notifications with pagination
func (r *Repository) ListNotificationsByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*Notification, error) {
	query := `
		SELECT id, user_id, subscription_id, type, title, message, status,
		       sent_at, read_at, created_at
		FROM notifications
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`

	rows, err := r.db.Pool().Query(ctx, query, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query notifications: %w", err)
	}
	defer rows.Close()

	var notifications []*Notification
	for rows.Next() {
		var n Notification
		err := rows.Scan(
			&n.ID,
			&n.UserID,
			&n.SubscriptionID,
			&n.Type,
			&n.Title,
			&n.Message,
			&n.Status,
			&n.SentAt,
			&n.ReadAt,
			&n.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		notifications = append(notifications, &n)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return notifications, nil
}

// MarkNotificationRead marks a notification read by its owner
func (r *Repository) MarkNotificationRead(ctx context.Context, id, userID uuid.UUID) error {
	result, err := r.db.Pool().Exec(ctx, `
		UPDATE notifications
		SET status = $1, read_at = NOW()
		WHERE id = $2 AND user_id = $3
	`, NotifStatusRead, id, userID)
	if err != nil {
		return fmt.Errorf("mark notification read: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// BankName resolves a bank's display name
func (r *Repository) BankName(ctx context.Context, id uuid.UUID) (string, error) {
	var name string
	err := r.db.Pool().QueryRow(ctx, `SELECT name FROM banks WHERE id = $1`, id).Scan(&name)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("query bank: %w", err)
	}
	return name, nil
}

// UserWhatsAppNumber returns the user-level fallback destination number,
// or nil when the user has no profile number set.
func (r *Repository) UserWhatsAppNumber(ctx context.Context, userID uuid.UUID) (*string, error) {
	var number *string
	err := r.db.Pool().QueryRow(ctx,
		`SELECT whatsapp_number FROM user_profiles WHERE user_id = $1`, userID).Scan(&number)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query user profile: %w", err)
	}
	return number, nil
}
