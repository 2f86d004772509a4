package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/subtrackhq/subtrack/internal/db"
	"github.com/subtrackhq/subtrack/internal/reminder"
)

type fakeRepo struct {
	subs          map[uuid.UUID]*db.Subscription
	notifications []*db.Notification
	upcoming      []*db.Subscription
	createErr     error
	listErr       error
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{subs: map[uuid.UUID]*db.Subscription{}}
}

func (r *fakeRepo) CreateSubscription(_ context.Context, sub *db.Subscription) error {
	if r.createErr != nil {
		return r.createErr
	}
	r.subs[sub.ID] = sub
	return nil
}

func (r *fakeRepo) GetSubscriptionForUser(_ context.Context, id, userID uuid.UUID) (*db.Subscription, error) {
	sub, ok := r.subs[id]
	if !ok || sub.UserID != userID {
		return nil, db.ErrNotFound
	}
	return sub, nil
}

func (r *fakeRepo) ListSubscriptionsByUser(_ context.Context, userID uuid.UUID, limit, offset int) ([]*db.Subscription, error) {
	if r.listErr != nil {
		return nil, r.listErr
	}
	var out []*db.Subscription
	for _, sub := range r.subs {
		if sub.UserID == userID {
			out = append(out, sub)
		}
	}
	return out, nil
}

func (r *fakeRepo) UpdateSubscription(_ context.Context, sub *db.Subscription) error {
	existing, ok := r.subs[sub.ID]
	if !ok || existing.UserID != sub.UserID {
		return db.ErrNotFound
	}
	r.subs[sub.ID] = sub
	return nil
}

func (r *fakeRepo) DeleteSubscription(_ context.Context, id, userID uuid.UUID) error {
	sub, ok := r.subs[id]
	if !ok || sub.UserID != userID {
		return db.ErrNotFound
	}
	delete(r.subs, id)
	return nil
}

func (r *fakeRepo) ListUpcoming(_ context.Context, _ string) ([]*db.Subscription, error) {
	if r.listErr != nil {
		return nil, r.listErr
	}
	return r.upcoming, nil
}

func (r *fakeRepo) ListNotificationsByUser(_ context.Context, userID uuid.UUID, limit, offset int) ([]*db.Notification, error) {
	var out []*db.Notification
	for _, n := range r.notifications {
		if n.UserID == userID {
			out = append(out, n)
		}
	}
	return out, nil
}

func (r *fakeRepo) MarkNotificationRead(_ context.Context, id, userID uuid.UUID) error {
	for _, n := range r.notifications {
		if n.ID == id && n.UserID == userID {
			n.Status = db.NotifStatusRead
			return nil
		}
	}
	return db.ErrNotFound
}

type fakeReminders struct {
	batchSummary reminder.Summary
	batchSubs    []*db.Subscription
	manualErr    error
	manualSubs   []*db.Subscription
	testTo       string
	testErr      error
}

func (f *fakeReminders) RunBatch(_ context.Context, subs []*db.Subscription) reminder.Summary {
	f.batchSubs = subs
	return f.batchSummary
}

func (f *fakeReminders) SendManual(_ context.Context, sub *db.Subscription) (string, error) {
	if f.manualErr != nil {
		return "", f.manualErr
	}
	f.manualSubs = append(f.manualSubs, sub)
	return "wamid.manual", nil
}

func (f *fakeReminders) SendTest(_ context.Context, to string) (string, error) {
	if f.testErr != nil {
		return "", f.testErr
	}
	f.testTo = to
	return "wamid.test", nil
}

func testClock() time.Time {
	return time.Date(2026, 1, 8, 9, 0, 0, 0, time.UTC)
}

func newTestRouter(repo *fakeRepo, rem *fakeReminders) chi.Router {
	h := NewHandler(zap.NewNop(), repo, rem, nil, testClock)
	r := chi.NewRouter()
	r.Post("/v1/subscriptions", h.CreateSubscription)
	r.Get("/v1/subscriptions", h.ListSubscriptions)
	r.Get("/v1/subscriptions/{id}", h.GetSubscription)
	r.Put("/v1/subscriptions/{id}", h.UpdateSubscription)
	r.Delete("/v1/subscriptions/{id}", h.DeleteSubscription)
	r.Post("/v1/subscriptions/{id}/remind", h.RemindSubscription)
	r.Post("/v1/reminders/run", h.RunReminders)
	r.Post("/v1/reminders/test", h.TestReminder)
	r.Get("/v1/notifications", h.ListNotifications)
	r.Post("/v1/notifications/{id}/read", h.MarkNotificationRead)
	return r
}

func authedRequest(method, target string, body []byte, userID uuid.UUID) *http.Request {
	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	return req.WithContext(withUserID(req.Context(), userID))
}

func validBody(t *testing.T, overrides map[string]any) []byte {
	t.Helper()
	body := map[string]any{
		"service_name":      "Netflix",
		"cost":              15.99,
		"next_payment_date": "2026-01-15",
	}
	for k, v := range overrides {
		body[k] = v
	}
	b, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	return b
}

func TestCreateSubscriptionDefaults(t *testing.T) {
	repo := newFakeRepo()
	router := newTestRouter(repo, &fakeReminders{})
	userID := uuid.New()

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, authedRequest(http.MethodPost, "/v1/subscriptions", validBody(t, nil), userID))

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	var got db.Subscription
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if got.BillingCycle != db.CycleMonthly {
		t.Errorf("expected monthly default, got %q", got.BillingCycle)
	}
	if got.Status != db.SubStatusActive {
		t.Errorf("expected active default, got %q", got.Status)
	}
	if got.ReminderDaysBefore != db.DefaultReminderDaysBefore {
		t.Errorf("expected default reminder_days_before, got %d", got.ReminderDaysBefore)
	}
	if got.ReminderTime != db.DefaultReminderTime {
		t.Errorf("expected default reminder_time, got %q", got.ReminderTime)
	}
	if got.Currency != "USD" {
		t.Errorf("expected USD default, got %q", got.Currency)
	}
	if got.UserID != userID {
		t.Errorf("expected subscription owned by caller")
	}
	if len(repo.subs) != 1 {
		t.Errorf("expected row persisted, got %d", len(repo.subs))
	}
}

func TestCreateSubscriptionValidation(t *testing.T) {
	tests := []struct {
		name      string
		overrides map[string]any
	}{
		{"missing service_name", map[string]any{"service_name": ""}},
		{"negative cost", map[string]any{"cost": -1}},
		{"bad date", map[string]any{"next_payment_date": "15/01/2026"}},
		{"bad cycle", map[string]any{"billing_cycle": "fortnightly"}},
		{"bad status", map[string]any{"status": "archived"}},
		{"negative reminder days", map[string]any{"reminder_days_before": -2}},
		{"bad reminder time", map[string]any{"reminder_time": "9am"}},
		{"bad bank id", map[string]any{"bank_id": "not-a-uuid"}},
	}

	router := newTestRouter(newFakeRepo(), &fakeReminders{})
	userID := uuid.New()

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, authedRequest(http.MethodPost, "/v1/subscriptions", validBody(t, tt.overrides), userID))
			if rec.Code != http.StatusBadRequest {
				t.Errorf("expected 400, got %d: %s", rec.Code, rec.Body.String())
			}
			if ct := rec.Header().Get("Content-Type"); ct != "application/problem+json" {
				t.Errorf("expected problem+json, got %q", ct)
			}
		})
	}
}

func TestCreateSubscriptionRequiresAuth(t *testing.T) {
	router := newTestRouter(newFakeRepo(), &fakeReminders{})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/subscriptions", bytes.NewReader(validBody(t, nil)))
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", rec.Code)
	}
}

func TestGetSubscriptionOwnership(t *testing.T) {
	repo := newFakeRepo()
	router := newTestRouter(repo, &fakeReminders{})

	owner := uuid.New()
	sub := &db.Subscription{ID: uuid.New(), UserID: owner, ServiceName: "Netflix"}
	repo.subs[sub.ID] = sub

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, authedRequest(http.MethodGet, "/v1/subscriptions/"+sub.ID.String(), nil, owner))
	if rec.Code != http.StatusOK {
		t.Errorf("owner should see the subscription, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, authedRequest(http.MethodGet, "/v1/subscriptions/"+sub.ID.String(), nil, uuid.New()))
	if rec.Code != http.StatusNotFound {
		t.Errorf("other users should get 404, got %d", rec.Code)
	}
}

func TestGetSubscriptionBadID(t *testing.T) {
	router := newTestRouter(newFakeRepo(), &fakeReminders{})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, authedRequest(http.MethodGet, "/v1/subscriptions/abc", nil, uuid.New()))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for malformed id, got %d", rec.Code)
	}
}

func TestUpdateSubscription(t *testing.T) {
	repo := newFakeRepo()
	router := newTestRouter(repo, &fakeReminders{})

	owner := uuid.New()
	sub := &db.Subscription{ID: uuid.New(), UserID: owner, ServiceName: "Netflix"}
	repo.subs[sub.ID] = sub

	body := validBody(t, map[string]any{"service_name": "Netflix Premium", "reminder_days_before": 5})
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, authedRequest(http.MethodPut, "/v1/subscriptions/"+sub.ID.String(), body, owner))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	updated := repo.subs[sub.ID]
	if updated.ServiceName != "Netflix Premium" {
		t.Errorf("expected updated name, got %q", updated.ServiceName)
	}
	if updated.ReminderDaysBefore != 5 {
		t.Errorf("expected reminder_days_before 5, got %d", updated.ReminderDaysBefore)
	}
}

func TestUpdateSubscriptionNotFound(t *testing.T) {
	router := newTestRouter(newFakeRepo(), &fakeReminders{})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, authedRequest(http.MethodPut, "/v1/subscriptions/"+uuid.NewString(), validBody(t, nil), uuid.New()))
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

func TestDeleteSubscription(t *testing.T) {
	repo := newFakeRepo()
	router := newTestRouter(repo, &fakeReminders{})

	owner := uuid.New()
	sub := &db.Subscription{ID: uuid.New(), UserID: owner}
	repo.subs[sub.ID] = sub

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, authedRequest(http.MethodDelete, "/v1/subscriptions/"+sub.ID.String(), nil, owner))

	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if len(repo.subs) != 0 {
		t.Error("expected row deleted")
	}
}

func TestRemindSubscription(t *testing.T) {
	repo := newFakeRepo()
	rem := &fakeReminders{}
	router := newTestRouter(repo, rem)

	owner := uuid.New()
	sub := &db.Subscription{ID: uuid.New(), UserID: owner, Status: db.SubStatusActive}
	repo.subs[sub.ID] = sub

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, authedRequest(http.MethodPost, "/v1/subscriptions/"+sub.ID.String()+"/remind", nil, owner))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp["message_id"] != "wamid.manual" {
		t.Errorf("expected message id in response, got %v", resp)
	}
	if len(rem.manualSubs) != 1 || rem.manualSubs[0].ID != sub.ID {
		t.Error("expected SendManual called with the fetched subscription")
	}
}

func TestRemindSubscriptionNotOwned(t *testing.T) {
	repo := newFakeRepo()
	router := newTestRouter(repo, &fakeReminders{})

	sub := &db.Subscription{ID: uuid.New(), UserID: uuid.New()}
	repo.subs[sub.ID] = sub

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, authedRequest(http.MethodPost, "/v1/subscriptions/"+sub.ID.String()+"/remind", nil, uuid.New()))
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 for foreign subscription, got %d", rec.Code)
	}
}

func TestRemindSubscriptionSendFailure(t *testing.T) {
	repo := newFakeRepo()
	rem := &fakeReminders{manualErr: errors.New("no destination number for subscription")}
	router := newTestRouter(repo, rem)

	owner := uuid.New()
	sub := &db.Subscription{ID: uuid.New(), UserID: owner}
	repo.subs[sub.ID] = sub

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, authedRequest(http.MethodPost, "/v1/subscriptions/"+sub.ID.String()+"/remind", nil, owner))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	var resp ErrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Detail == "" {
		t.Error("expected send error detail surfaced to caller")
	}
}

func TestRunReminders(t *testing.T) {
	repo := newFakeRepo()
	repo.upcoming = []*db.Subscription{
		{ID: uuid.New()},
		{ID: uuid.New()},
	}
	rem := &fakeReminders{batchSummary: reminder.Summary{Total: 2, Sent: 1, Skipped: 1}}
	router := newTestRouter(repo, rem)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/reminders/run", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var summary reminder.Summary
	if err := json.Unmarshal(rec.Body.Bytes(), &summary); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if summary.Total != 2 || summary.Sent != 1 {
		t.Errorf("unexpected summary: %+v", summary)
	}
	if len(rem.batchSubs) != 2 {
		t.Errorf("expected batch of 2, got %d", len(rem.batchSubs))
	}
}

func TestRunRemindersFetchFailure(t *testing.T) {
	repo := newFakeRepo()
	repo.listErr = errors.New("db down")
	router := newTestRouter(repo, &fakeReminders{})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/reminders/run", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", rec.Code)
	}
}

func TestTestReminder(t *testing.T) {
	rem := &fakeReminders{}
	router := newTestRouter(newFakeRepo(), rem)

	body := []byte(`{"to":"+15551234567"}`)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, authedRequest(http.MethodPost, "/v1/reminders/test", body, uuid.New()))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if rem.testTo != "+15551234567" {
		t.Errorf("expected test send to request number, got %q", rem.testTo)
	}
}

func TestTestReminderRequiresTo(t *testing.T) {
	router := newTestRouter(newFakeRepo(), &fakeReminders{})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, authedRequest(http.MethodPost, "/v1/reminders/test", []byte(`{}`), uuid.New()))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 without to, got %d", rec.Code)
	}
}

func TestListNotifications(t *testing.T) {
	repo := newFakeRepo()
	userID := uuid.New()
	repo.notifications = []*db.Notification{
		{ID: uuid.New(), UserID: userID, Status: db.NotifStatusSent},
		{ID: uuid.New(), UserID: uuid.New(), Status: db.NotifStatusSent},
	}
	router := newTestRouter(repo, &fakeReminders{})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, authedRequest(http.MethodGet, "/v1/notifications", nil, userID))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp struct {
		Count int `json:"count"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Count != 1 {
		t.Errorf("expected only the caller's notifications, got %d", resp.Count)
	}
}

func TestMarkNotificationRead(t *testing.T) {
	repo := newFakeRepo()
	userID := uuid.New()
	notif := &db.Notification{ID: uuid.New(), UserID: userID, Status: db.NotifStatusSent}
	repo.notifications = []*db.Notification{notif}
	router := newTestRouter(repo, &fakeReminders{})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, authedRequest(http.MethodPost, "/v1/notifications/"+notif.ID.String()+"/read", nil, userID))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if notif.Status != db.NotifStatusRead {
		t.Errorf("expected status read, got %q", notif.Status)
	}
}

func TestParsePagination(t *testing.T) {
	tests := []struct {
		name       string
		query      string
		wantLimit  int
		wantOffset int
	}{
		{"defaults", "", 20, 0},
		{"explicit", "?limit=50&offset=10", 50, 10},
		{"over max limit ignored", "?limit=500", 20, 0},
		{"negative values ignored", "?limit=-1&offset=-5", 20, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/v1/subscriptions"+tt.query, nil)
			limit, offset := parsePagination(req)
			if limit != tt.wantLimit || offset != tt.wantOffset {
				t.Errorf("got limit=%d offset=%d, want %d/%d", limit, offset, tt.wantLimit, tt.wantOffset)
			}
		})
	}
}
