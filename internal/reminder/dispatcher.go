package reminder

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/subtrackhq/subtrack/internal/db"
	"github.com/subtrackhq/subtrack/internal/metrics"
)

// Store is the persistence surface the dispatcher needs.
type Store interface {
	MarkReminderSent(ctx context.Context, id uuid.UUID, at time.Time) error
	CreateNotification(ctx context.Context, notif *db.Notification) error
	BankName(ctx context.Context, id uuid.UUID) (string, error)
	UserWhatsAppNumber(ctx context.Context, userID uuid.UUID) (*string, error)
}

// Transport delivers a text message and returns the provider message id.
type Transport interface {
	SendText(ctx context.Context, to, body string) (string, error)
}

// Summary aggregates one batch run.
type Summary struct {
	Total   int            `json:"total"`
	Sent    int            `json:"sent"`
	Failed  int            `json:"failed"`
	Skipped int            `json:"skipped"`
	Reasons map[string]int `json:"reasons,omitempty"`
}

// Dispatcher evaluates subscriptions and sends reminders for eligible ones.
type Dispatcher struct {
	store     Store
	transport Transport
	logger    *zap.Logger
	clock     func() time.Time
}

// New creates a dispatcher. clock may be nil, in which case time.Now is used.
func New(store Store, transport Transport, logger *zap.Logger, clock func() time.Time) *Dispatcher {
	if clock == nil {
		clock = time.Now
	}
	return &Dispatcher{
		store:     store,
		transport: transport,
		logger:    logger,
		clock:     clock,
	}
}

// RunBatch evaluates and dispatches a batch of subscriptions sequentially.
// A single subscription's failure never aborts the batch: transport and
// persistence errors are logged, counted, and the loop moves on.
func (d *Dispatcher) RunBatch(ctx context.Context, subs []*db.Subscription) Summary {
	now := d.clock()
	summary := Summary{Total: len(subs), Reasons: map[string]int{}}

	for _, sub := range subs {
		outcome := d.processSubscription(ctx, sub, now)
		switch outcome.class {
		case Eligible:
			if outcome.err != nil {
				summary.Failed++
				metrics.RecordReminder("failed", "")
			} else {
				summary.Sent++
				metrics.RecordReminder("sent", "")
			}
		default:
			summary.Skipped++
			summary.Reasons[outcome.reason]++
			metrics.RecordReminder("skipped", outcome.reason)
		}
	}

	d.logger.Info("reminder batch complete",
		zap.Int("total", summary.Total),
		zap.Int("sent", summary.Sent),
		zap.Int("failed", summary.Failed),
		zap.Int("skipped", summary.Skipped),
	)

	return summary
}

type outcome struct {
	class  Classification
	reason string
	err    error
}

func (d *Dispatcher) processSubscription(ctx context.Context, sub *db.Subscription, now time.Time) outcome {
	fallback, err := d.fallbackNumber(ctx, sub)
	if err != nil {
		d.logger.Error("failed to resolve fallback number",
			zap.Error(err),
			zap.String("subscription_id", sub.ID.String()),
		)
		// Treated as a skip, not a hard failure: the subscription may still
		// carry its own number, so only the fallback path is lost.
		fallback = nil
	}

	eval, err := Evaluate(sub, fallback, now)
	if err != nil {
		d.logger.Warn("skipping unevaluable subscription", zap.Error(err))
		return outcome{class: NotDueThisCycle, reason: "data_error"}
	}

	if eval.Class != Eligible {
		return outcome{class: eval.Class, reason: eval.Class.String()}
	}

	if err := d.dispatch(ctx, sub, eval.Destination, eval.DaysUntil, now); err != nil {
		return outcome{class: Eligible, err: err}
	}
	return outcome{class: Eligible}
}

// dispatch composes the message, sends it, and persists the result.
// last_reminder_sent is only written after the transport reports success.
func (d *Dispatcher) dispatch(ctx context.Context, sub *db.Subscription, dest string, daysUntil int, now time.Time) error {
	body := ComposeReminder(sub.ServiceName, d.bankName(ctx, sub), daysUntil)

	msgID, err := d.transport.SendText(ctx, dest, body)
	if err != nil {
		d.logger.Error("reminder send failed",
			zap.Error(err),
			zap.String("subscription_id", sub.ID.String()),
		)
		d.recordNotification(ctx, sub, body, db.NotifStatusFailed, nil)
		return err
	}

	if err := d.store.MarkReminderSent(ctx, sub.ID, now); err != nil {
		// The message left; the worst case of failing to record that is one
		// duplicate tomorrow, so log and keep the sent outcome.
		d.logger.Error("failed to mark reminder sent",
			zap.Error(err),
			zap.String("subscription_id", sub.ID.String()),
		)
	}
	sentAt := now
	d.recordNotification(ctx, sub, body, db.NotifStatusSent, &sentAt)

	d.logger.Info("reminder sent",
		zap.String("subscription_id", sub.ID.String()),
		zap.String("service_name", sub.ServiceName),
		zap.Int("days_until", daysUntil),
		zap.String("message_id", msgID),
	)

	return nil
}

// SendManual dispatches a reminder for one subscription on demand,
// bypassing the day-offset, sent-today, and clock gates. The subscription
// must still be active and have a resolvable destination. Returns the
// provider message id.
func (d *Dispatcher) SendManual(ctx context.Context, sub *db.Subscription) (string, error) {
	now := d.clock()

	if sub.Status != db.SubStatusActive {
		return "", fmt.Errorf("subscription is %s, not active", sub.Status)
	}

	fallback, err := d.fallbackNumber(ctx, sub)
	if err != nil {
		return "", fmt.Errorf("resolve fallback number: %w", err)
	}
	dest := resolveDestination(sub, fallback)
	if dest == "" {
		return "", fmt.Errorf("no destination number for subscription %s", sub.ID)
	}

	daysUntil, err := DaysUntil(sub.NextPaymentDate, now)
	if err != nil {
		return "", err
	}

	body := ComposeReminder(sub.ServiceName, d.bankName(ctx, sub), daysUntil)

	msgID, err := d.transport.SendText(ctx, dest, body)
	if err != nil {
		d.recordNotification(ctx, sub, body, db.NotifStatusFailed, nil)
		metrics.RecordReminder("failed", "")
		return "", err
	}

	if err := d.store.MarkReminderSent(ctx, sub.ID, now); err != nil {
		d.logger.Error("failed to mark reminder sent",
			zap.Error(err),
			zap.String("subscription_id", sub.ID.String()),
		)
	}
	sentAt := now
	d.recordNotification(ctx, sub, body, db.NotifStatusSent, &sentAt)
	metrics.RecordReminder("sent", "")

	return msgID, nil
}

// SendTest sends the fixed test message to an arbitrary number. No
// persistence side effects beyond the send itself.
func (d *Dispatcher) SendTest(ctx context.Context, to string) (string, error) {
	return d.transport.SendText(ctx, to, TestMessage)
}

func (d *Dispatcher) fallbackNumber(ctx context.Context, sub *db.Subscription) (*string, error) {
	if sub.WhatsAppNumber != nil && *sub.WhatsAppNumber != "" {
		return nil, nil // subscription-level number wins, no lookup needed
	}
	return d.store.UserWhatsAppNumber(ctx, sub.UserID)
}

func (d *Dispatcher) bankName(ctx context.Context, sub *db.Subscription) string {
	if sub.BankID == nil {
		return ""
	}
	name, err := d.store.BankName(ctx, *sub.BankID)
	if err != nil {
		d.logger.Warn("bank lookup failed, composing without bank name",
			zap.Error(err),
			zap.String("bank_id", sub.BankID.String()),
		)
		return ""
	}
	return name
}

func (d *Dispatcher) recordNotification(ctx context.Context, sub *db.Subscription, body, status string, sentAt *time.Time) {
	notif := &db.Notification{
		ID:             uuid.New(),
		UserID:         sub.UserID,
		SubscriptionID: sub.ID,
		Type:           db.NotifTypeReminder,
		Title:          ComposeTitle(sub.ServiceName),
		Message:        body,
		Status:         status,
		SentAt:         sentAt,
	}
	if err := d.store.CreateNotification(ctx, notif); err != nil {
		d.logger.Error("failed to write notification record",
			zap.Error(err),
			zap.String("subscription_id", sub.ID.String()),
		)
	}
}
