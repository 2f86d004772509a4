package reminder

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/subtrackhq/subtrack/internal/db"
)

type fakeStore struct {
	marked        map[uuid.UUID]time.Time
	notifications []*db.Notification
	banks         map[uuid.UUID]string
	fallbacks     map[uuid.UUID]*string
	markErr       error
	fallbackErr   error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		marked:    map[uuid.UUID]time.Time{},
		banks:     map[uuid.UUID]string{},
		fallbacks: map[uuid.UUID]*string{},
	}
}

func (s *fakeStore) MarkReminderSent(_ context.Context, id uuid.UUID, at time.Time) error {
	if s.markErr != nil {
		return s.markErr
	}
	s.marked[id] = at
	return nil
}

func (s *fakeStore) CreateNotification(_ context.Context, notif *db.Notification) error {
	s.notifications = append(s.notifications, notif)
	return nil
}

func (s *fakeStore) BankName(_ context.Context, id uuid.UUID) (string, error) {
	name, ok := s.banks[id]
	if !ok {
		return "", errors.New("bank not found")
	}
	return name, nil
}

func (s *fakeStore) UserWhatsAppNumber(_ context.Context, userID uuid.UUID) (*string, error) {
	if s.fallbackErr != nil {
		return nil, s.fallbackErr
	}
	return s.fallbacks[userID], nil
}

type fakeTransport struct {
	sent    []string // destination numbers in send order
	bodies  []string
	failFor map[string]bool // destinations that should fail
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{failFor: map[string]bool{}}
}

func (t *fakeTransport) SendText(_ context.Context, to, body string) (string, error) {
	if t.failFor[to] {
		return "", errors.New("provider rejected message")
	}
	t.sent = append(t.sent, to)
	t.bodies = append(t.bodies, body)
	return fmt.Sprintf("wamid.%d", len(t.sent)), nil
}

func fixedClock() time.Time {
	return time.Date(2026, 1, 8, 9, 0, 12, 0, time.UTC)
}

func eligibleSub(number string) *db.Subscription {
	return &db.Subscription{
		ID:                 uuid.New(),
		UserID:             uuid.New(),
		ServiceName:        "Spotify",
		Status:             db.SubStatusActive,
		NextPaymentDate:    "2026-01-10",
		ReminderDaysBefore: 2,
		ReminderTime:       "09:00",
		WhatsAppNumber:     &number,
	}
}

func TestRunBatchCountsOutcomes(t *testing.T) {
	store := newFakeStore()
	transport := newFakeTransport()
	d := New(store, transport, zap.NewNop(), fixedClock)

	paused := eligibleSub("+15550000001")
	paused.Status = db.SubStatusPaused
	notDue := eligibleSub("+15550000002")
	notDue.NextPaymentDate = "2026-01-20"

	subs := []*db.Subscription{
		eligibleSub("+15550000003"),
		eligibleSub("+15550000004"),
		paused,
		notDue,
	}

	summary := d.RunBatch(context.Background(), subs)

	if summary.Total != 4 {
		t.Errorf("expected total 4, got %d", summary.Total)
	}
	if summary.Sent != 2 {
		t.Errorf("expected 2 sent, got %d", summary.Sent)
	}
	if summary.Skipped != 2 {
		t.Errorf("expected 2 skipped, got %d", summary.Skipped)
	}
	if summary.Failed != 0 {
		t.Errorf("expected 0 failed, got %d", summary.Failed)
	}
	if summary.Reasons["inactive"] != 1 || summary.Reasons["not_due_this_cycle"] != 1 {
		t.Errorf("unexpected skip reasons: %v", summary.Reasons)
	}
	if len(transport.sent) != 2 {
		t.Errorf("expected 2 transport sends, got %d", len(transport.sent))
	}
}

func TestRunBatchFailureDoesNotAbort(t *testing.T) {
	store := newFakeStore()
	transport := newFakeTransport()
	transport.failFor["+15550000002"] = true
	d := New(store, transport, zap.NewNop(), fixedClock)

	subs := []*db.Subscription{
		eligibleSub("+15550000001"),
		eligibleSub("+15550000002"),
		eligibleSub("+15550000003"),
		eligibleSub("+15550000004"),
		eligibleSub("+15550000005"),
	}

	summary := d.RunBatch(context.Background(), subs)

	if summary.Sent != 4 {
		t.Errorf("expected 4 sent, got %d", summary.Sent)
	}
	if summary.Failed != 1 {
		t.Errorf("expected 1 failed, got %d", summary.Failed)
	}
	if summary.Skipped != 0 {
		t.Errorf("expected 0 skipped, got %d", summary.Skipped)
	}

	// The failed subscription must not be marked and gets a failed record.
	failed := subs[1]
	if _, ok := store.marked[failed.ID]; ok {
		t.Error("failed send should not mark last_reminder_sent")
	}
	var failedNotifs int
	for _, n := range store.notifications {
		if n.SubscriptionID == failed.ID && n.Status == db.NotifStatusFailed {
			failedNotifs++
		}
	}
	if failedNotifs != 1 {
		t.Errorf("expected 1 failed notification record, got %d", failedNotifs)
	}
}

func TestRunBatchSecondRunIsIdempotent(t *testing.T) {
	store := newFakeStore()
	transport := newFakeTransport()
	d := New(store, transport, zap.NewNop(), fixedClock)

	sub := eligibleSub("+15550000001")
	first := d.RunBatch(context.Background(), []*db.Subscription{sub})
	if first.Sent != 1 {
		t.Fatalf("expected first run to send, got %+v", first)
	}

	// Simulate re-reading the row after the first run wrote the marker.
	sentAt := store.marked[sub.ID]
	sub.LastReminderSent = &sentAt

	second := d.RunBatch(context.Background(), []*db.Subscription{sub})
	if second.Sent != 0 {
		t.Errorf("expected second run to send nothing, got %d", second.Sent)
	}
	if second.Reasons["already_sent_today"] != 1 {
		t.Errorf("expected already_sent_today skip, got %v", second.Reasons)
	}
	if len(transport.sent) != 1 {
		t.Errorf("expected exactly one send across both runs, got %d", len(transport.sent))
	}
}

func TestRunBatchUsesFallbackNumber(t *testing.T) {
	store := newFakeStore()
	transport := newFakeTransport()
	d := New(store, transport, zap.NewNop(), fixedClock)

	sub := eligibleSub("")
	sub.WhatsAppNumber = nil
	fallback := "+447700900123"
	store.fallbacks[sub.UserID] = &fallback

	summary := d.RunBatch(context.Background(), []*db.Subscription{sub})
	if summary.Sent != 1 {
		t.Fatalf("expected send via fallback number, got %+v", summary)
	}
	if transport.sent[0] != fallback {
		t.Errorf("expected send to fallback %q, got %q", fallback, transport.sent[0])
	}
}

func TestRunBatchFallbackLookupErrorSkips(t *testing.T) {
	store := newFakeStore()
	store.fallbackErr = errors.New("db down")
	transport := newFakeTransport()
	d := New(store, transport, zap.NewNop(), fixedClock)

	sub := eligibleSub("")
	sub.WhatsAppNumber = nil

	summary := d.RunBatch(context.Background(), []*db.Subscription{sub})
	if summary.Skipped != 1 {
		t.Errorf("expected skip when fallback lookup fails, got %+v", summary)
	}
	if summary.Reasons["no_destination"] != 1 {
		t.Errorf("expected no_destination reason, got %v", summary.Reasons)
	}
}

func TestRunBatchBankNameInMessage(t *testing.T) {
	store := newFakeStore()
	transport := newFakeTransport()
	d := New(store, transport, zap.NewNop(), fixedClock)

	bankID := uuid.New()
	store.banks[bankID] = "Monzo"
	sub := eligibleSub("+15550000001")
	sub.BankID = &bankID

	d.RunBatch(context.Background(), []*db.Subscription{sub})

	if len(transport.bodies) != 1 {
		t.Fatalf("expected one send, got %d", len(transport.bodies))
	}
	if !strings.Contains(transport.bodies[0], "Spotify (Monzo)") {
		t.Errorf("expected bank name in body, got %q", transport.bodies[0])
	}
}

func TestRunBatchBankLookupFailureStillSends(t *testing.T) {
	store := newFakeStore()
	transport := newFakeTransport()
	d := New(store, transport, zap.NewNop(), fixedClock)

	unknown := uuid.New()
	sub := eligibleSub("+15550000001")
	sub.BankID = &unknown

	summary := d.RunBatch(context.Background(), []*db.Subscription{sub})
	if summary.Sent != 1 {
		t.Fatalf("bank lookup failure must not block the send, got %+v", summary)
	}
	if strings.Contains(transport.bodies[0], "(") {
		t.Errorf("expected no bank suffix, got %q", transport.bodies[0])
	}
}

func TestRunBatchWritesSentNotification(t *testing.T) {
	store := newFakeStore()
	transport := newFakeTransport()
	d := New(store, transport, zap.NewNop(), fixedClock)

	sub := eligibleSub("+15550000001")
	d.RunBatch(context.Background(), []*db.Subscription{sub})

	if len(store.notifications) != 1 {
		t.Fatalf("expected 1 notification record, got %d", len(store.notifications))
	}
	n := store.notifications[0]
	if n.Status != db.NotifStatusSent {
		t.Errorf("expected sent status, got %q", n.Status)
	}
	if n.Type != db.NotifTypeReminder {
		t.Errorf("expected payment_reminder type, got %q", n.Type)
	}
	if n.SentAt == nil || !n.SentAt.Equal(fixedClock()) {
		t.Errorf("expected sent_at = clock time, got %v", n.SentAt)
	}
	if got := store.marked[sub.ID]; !got.Equal(fixedClock()) {
		t.Errorf("expected mark at clock time, got %v", got)
	}
}

func TestSendManualBypassesGates(t *testing.T) {
	store := newFakeStore()
	transport := newFakeTransport()
	d := New(store, transport, zap.NewNop(), fixedClock)

	// Wrong day, wrong minute, already sent today: manual still sends.
	sent := fixedClock().Add(-time.Hour)
	sub := eligibleSub("+15550000001")
	sub.NextPaymentDate = "2026-01-20"
	sub.ReminderTime = "18:30"
	sub.LastReminderSent = &sent

	msgID, err := d.SendManual(context.Background(), sub)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgID == "" {
		t.Error("expected provider message id")
	}
	if len(transport.sent) != 1 {
		t.Fatalf("expected one send, got %d", len(transport.sent))
	}
	if !strings.Contains(transport.bodies[0], "in 12 days") {
		t.Errorf("expected real day gap in body, got %q", transport.bodies[0])
	}
	if _, ok := store.marked[sub.ID]; !ok {
		t.Error("manual send should mark last_reminder_sent")
	}
}

func TestSendManualRejectsInactive(t *testing.T) {
	d := New(newFakeStore(), newFakeTransport(), zap.NewNop(), fixedClock)

	sub := eligibleSub("+15550000001")
	sub.Status = db.SubStatusCancelled

	if _, err := d.SendManual(context.Background(), sub); err == nil {
		t.Fatal("expected error for cancelled subscription")
	}
}

func TestSendManualRejectsWithoutDestination(t *testing.T) {
	d := New(newFakeStore(), newFakeTransport(), zap.NewNop(), fixedClock)

	sub := eligibleSub("")
	sub.WhatsAppNumber = nil

	if _, err := d.SendManual(context.Background(), sub); err == nil {
		t.Fatal("expected error when no destination resolves")
	}
}

func TestSendManualTransportFailure(t *testing.T) {
	store := newFakeStore()
	transport := newFakeTransport()
	transport.failFor["+15550000001"] = true
	d := New(store, transport, zap.NewNop(), fixedClock)

	sub := eligibleSub("+15550000001")
	if _, err := d.SendManual(context.Background(), sub); err == nil {
		t.Fatal("expected transport error to surface")
	}
	if _, ok := store.marked[sub.ID]; ok {
		t.Error("failed manual send should not mark last_reminder_sent")
	}
	if len(store.notifications) != 1 || store.notifications[0].Status != db.NotifStatusFailed {
		t.Errorf("expected a failed notification record, got %+v", store.notifications)
	}
}

func TestSendTestNoPersistence(t *testing.T) {
	store := newFakeStore()
	transport := newFakeTransport()
	d := New(store, transport, zap.NewNop(), fixedClock)

	msgID, err := d.SendTest(context.Background(), "+15550000009")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgID == "" {
		t.Error("expected provider message id")
	}
	if transport.bodies[0] != TestMessage {
		t.Errorf("expected fixed test body, got %q", transport.bodies[0])
	}
	if len(store.notifications) != 0 || len(store.marked) != 0 {
		t.Error("test send must not touch the store")
	}
}
