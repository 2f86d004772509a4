package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/subtrackhq/subtrack/internal/db"
	"github.com/subtrackhq/subtrack/internal/metrics"
	"github.com/subtrackhq/subtrack/internal/redis"
	"github.com/subtrackhq/subtrack/internal/reminder"
)

// Repository defines the database operations the API needs
type Repository interface {
	CreateSubscription(ctx context.Context, sub *db.Subscription) error
	GetSubscriptionForUser(ctx context.Context, id, userID uuid.UUID) (*db.Subscription, error)
	ListSubscriptionsByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*db.Subscription, error)
	UpdateSubscription(ctx context.Context, sub *db.Subscription) error
	DeleteSubscription(ctx context.Context, id, userID uuid.UUID) error
	ListUpcoming(ctx context.Context, today string) ([]*db.Subscription, error)
	ListNotificationsByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*db.Notification, error)
	MarkNotificationRead(ctx context.Context, id, userID uuid.UUID) error
}

// ReminderService is the dispatch surface the API needs
type ReminderService interface {
	RunBatch(ctx context.Context, subs []*db.Subscription) reminder.Summary
	SendManual(ctx context.Context, sub *db.Subscription) (string, error)
	SendTest(ctx context.Context, to string) (string, error)
}

// SubscriptionRequest represents the incoming create/update body
type SubscriptionRequest struct {
	ServiceName        string  `json:"service_name"`
	Cost               float64 `json:"cost"`
	Currency           string  `json:"currency"`
	BillingCycle       string  `json:"billing_cycle"`
	NextPaymentDate    string  `json:"next_payment_date"`
	ReminderDaysBefore *int    `json:"reminder_days_before,omitempty"`
	ReminderTime       string  `json:"reminder_time,omitempty"`
	Status             string  `json:"status,omitempty"`
	WhatsAppNumber     *string `json:"whatsapp_number,omitempty"`
	BankID             *string `json:"bank_id,omitempty"`
}

// ErrorResponse represents an error in problem+json format
type ErrorResponse struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Handler holds dependencies for API handlers
type Handler struct {
	logger    *zap.Logger
	repo      Repository
	reminders ReminderService
	runLock   *redis.RunLock // nil if Redis not configured
	clock     func() time.Time
}

// NewHandler creates a new API handler. runLock may be nil; clock may be
// nil, in which case time.Now is used.
func NewHandler(logger *zap.Logger, repo Repository, reminders ReminderService, runLock *redis.RunLock, clock func() time.Time) *Handler {
	if clock == nil {
		clock = time.Now
	}
	return &Handler{
		logger:    logger,
		repo:      repo,
		reminders: reminders,
		runLock:   runLock,
		clock:     clock,
	}
}

var validCycles = map[string]bool{
	db.CycleWeekly:  true,
	db.CycleMonthly: true,
	db.CycleYearly:  true,
	db.CycleCustom:  true,
}

var validStatuses = map[string]bool{
	db.SubStatusActive:    true,
	db.SubStatusPaused:    true,
	db.SubStatusCancelled: true,
	db.SubStatusInactive:  true,
}

// applyRequest validates the request body and writes it onto sub,
// applying the documented defaults for omitted optional fields. All
// defaulting happens here, at the ingestion boundary.
func (h *Handler) applyRequest(req *SubscriptionRequest, sub *db.Subscription) (string, string) {
	if req.ServiceName == "" {
		return "Missing service_name", "service_name is required"
	}
	if req.Cost < 0 {
		return "Invalid cost", "cost must be >= 0"
	}

	if _, err := time.Parse("2006-01-02", req.NextPaymentDate); err != nil {
		return "Invalid next_payment_date", "next_payment_date must be a YYYY-MM-DD date"
	}

	cycle := req.BillingCycle
	if cycle == "" {
		cycle = db.CycleMonthly
	}
	if !validCycles[cycle] {
		return "Invalid billing_cycle", "billing_cycle must be weekly, monthly, yearly, or custom"
	}

	status := req.Status
	if status == "" {
		status = db.SubStatusActive
	}
	if !validStatuses[status] {
		return "Invalid status", "status must be active, paused, cancelled, or inactive"
	}

	days := db.DefaultReminderDaysBefore
	if req.ReminderDaysBefore != nil {
		if *req.ReminderDaysBefore < 0 {
			return "Invalid reminder_days_before", "reminder_days_before must be >= 0"
		}
		days = *req.ReminderDaysBefore
	}

	remTime := req.ReminderTime
	if remTime == "" {
		remTime = db.DefaultReminderTime
	}
	if _, err := time.Parse("15:04", remTime); err != nil {
		return "Invalid reminder_time", "reminder_time must be an HH:MM clock time"
	}

	var bankID *uuid.UUID
	if req.BankID != nil && *req.BankID != "" {
		id, err := uuid.Parse(*req.BankID)
		if err != nil {
			return "Invalid bank_id", "bank_id must be a valid UUID"
		}
		bankID = &id
	}

	currency := req.Currency
	if currency == "" {
		currency = "USD"
	}

	sub.ServiceName = req.ServiceName
	sub.Cost = req.Cost
	sub.Currency = currency
	sub.BillingCycle = cycle
	sub.NextPaymentDate = req.NextPaymentDate
	sub.ReminderDaysBefore = days
	sub.ReminderTime = remTime
	sub.Status = status
	sub.WhatsAppNumber = req.WhatsAppNumber
	sub.BankID = bankID

	return "", ""
}

// CreateSubscription handles POST /v1/subscriptions
func (h *Handler) CreateSubscription(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, ok := UserIDFromContext(ctx)
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "unauthorized", "Missing authentication", "")
		return
	}

	var req SubscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	sub := &db.Subscription{
		ID:     uuid.New(),
		UserID: userID,
	}
	if title, detail := h.applyRequest(&req, sub); title != "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", title, detail)
		return
	}

	if err := h.repo.CreateSubscription(ctx, sub); err != nil {
		h.logger.Error("failed to create subscription",
			zap.Error(err),
			zap.String("user_id", userID.String()),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to create subscription", "")
		return
	}

	h.writeJSON(w, http.StatusCreated, sub)
}

// GetSubscription handles GET /v1/subscriptions/{id}
func (h *Handler) GetSubscription(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, ok := UserIDFromContext(ctx)
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "unauthorized", "Missing authentication", "")
		return
	}

	subID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid subscription ID", "ID must be a valid UUID")
		return
	}

	sub, err := h.repo.GetSubscriptionForUser(ctx, subID, userID)
	if errors.Is(err, db.ErrNotFound) {
		h.writeError(w, http.StatusNotFound, "not_found", "Subscription not found", "")
		return
	}
	if err != nil {
		h.logger.Error("failed to get subscription", zap.Error(err), zap.String("id", subID.String()))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to get subscription", "")
		return
	}

	h.writeJSON(w, http.StatusOK, sub)
}

// ListSubscriptions handles GET /v1/subscriptions?limit=20&offset=0
func (h *Handler) ListSubscriptions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, ok := UserIDFromContext(ctx)
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "unauthorized", "Missing authentication", "")
		return
	}

	limit, offset := parsePagination(r)

	subs, err := h.repo.ListSubscriptionsByUser(ctx, userID, limit, offset)
	if err != nil {
		h.logger.Error("failed to list subscriptions", zap.Error(err), zap.String("user_id", userID.String()))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to list subscriptions", "")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data":   subs,
		"limit":  limit,
		"offset": offset,
		"count":  len(subs),
	})
}

// UpdateSubscription handles PUT /v1/subscriptions/{id}
func (h *Handler) UpdateSubscription(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, ok := UserIDFromContext(ctx)
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "unauthorized", "Missing authentication", "")
		return
	}

	subID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid subscription ID", "ID must be a valid UUID")
		return
	}

	var req SubscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	sub := &db.Subscription{
		ID:     subID,
		UserID: userID,
	}
	if title, detail := h.applyRequest(&req, sub); title != "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", title, detail)
		return
	}

	err = h.repo.UpdateSubscription(ctx, sub)
	if errors.Is(err, db.ErrNotFound) {
		h.writeError(w, http.StatusNotFound, "not_found", "Subscription not found", "")
		return
	}
	if err != nil {
		h.logger.Error("failed to update subscription", zap.Error(err), zap.String("id", subID.String()))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to update subscription", "")
		return
	}

	h.writeJSON(w, http.StatusOK, sub)
}

// DeleteSubscription handles DELETE /v1/subscriptions/{id}
func (h *Handler) DeleteSubscription(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, ok := UserIDFromContext(ctx)
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "unauthorized", "Missing authentication", "")
		return
	}

	subID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid subscription ID", "ID must be a valid UUID")
		return
	}

	err = h.repo.DeleteSubscription(ctx, subID, userID)
	if errors.Is(err, db.ErrNotFound) {
		h.writeError(w, http.StatusNotFound, "not_found", "Subscription not found", "")
		return
	}
	if err != nil {
		h.logger.Error("failed to delete subscription", zap.Error(err), zap.String("id", subID.String()))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to delete subscription", "")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// RemindSubscription handles POST /v1/subscriptions/{id}/remind — the
// manual trigger. Bypasses the batch eligibility gates but still requires
// ownership; the transport error detail is surfaced to the caller.
func (h *Handler) RemindSubscription(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, ok := UserIDFromContext(ctx)
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "unauthorized", "Missing authentication", "")
		return
	}

	subID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid subscription ID", "ID must be a valid UUID")
		return
	}

	sub, err := h.repo.GetSubscriptionForUser(ctx, subID, userID)
	if errors.Is(err, db.ErrNotFound) {
		h.writeError(w, http.StatusNotFound, "not_found", "Subscription not found", "")
		return
	}
	if err != nil {
		h.logger.Error("failed to get subscription", zap.Error(err), zap.String("id", subID.String()))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to get subscription", "")
		return
	}

	msgID, err := h.reminders.SendManual(ctx, sub)
	if err != nil {
		h.logger.Error("manual reminder failed",
			zap.Error(err),
			zap.String("subscription_id", subID.String()),
		)
		h.writeError(w, http.StatusInternalServerError, "send_failed", "Failed to send reminder", err.Error())
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]string{
		"subscription_id": subID.String(),
		"message_id":      msgID,
		"status":          "sent",
	})
}

// RunReminders handles POST /v1/reminders/run — the batch trigger.
// Returns 200 with the summary even when individual subscriptions failed.
func (h *Handler) RunReminders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if h.runLock != nil {
		if err := h.runLock.Acquire(ctx); err != nil {
			if errors.Is(err, redis.ErrRunInProgress) {
				h.writeError(w, http.StatusConflict, "run_in_progress", "A reminder run is already in progress", "")
				return
			}
			h.logger.Warn("run lock unavailable, proceeding", zap.Error(err))
		} else {
			defer h.runLock.Release(ctx)
		}
	}

	today := h.clock().Format("2006-01-02")
	subs, err := h.repo.ListUpcoming(ctx, today)
	if err != nil {
		h.logger.Error("failed to fetch upcoming subscriptions", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to fetch subscriptions", "")
		return
	}

	summary := h.reminders.RunBatch(ctx, subs)
	metrics.RecordBatchRun()

	h.writeJSON(w, http.StatusOK, summary)
}

// TestReminder handles POST /v1/reminders/test
func (h *Handler) TestReminder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if _, ok := UserIDFromContext(ctx); !ok {
		h.writeError(w, http.StatusUnauthorized, "unauthorized", "Missing authentication", "")
		return
	}

	var req struct {
		To string `json:"to"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}
	if req.To == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing to", "to is required")
		return
	}

	msgID, err := h.reminders.SendTest(ctx, req.To)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "send_failed", "Failed to send test message", err.Error())
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]string{
		"message_id": msgID,
		"status":     "sent",
	})
}

// ListNotifications handles GET /v1/notifications
func (h *Handler) ListNotifications(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, ok := UserIDFromContext(ctx)
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "unauthorized", "Missing authentication", "")
		return
	}

	limit, offset := parsePagination(r)

	notifications, err := h.repo.ListNotificationsByUser(ctx, userID, limit, offset)
	if err != nil {
		h.logger.Error("failed to list notifications", zap.Error(err), zap.String("user_id", userID.String()))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to list notifications", "")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data":   notifications,
		"limit":  limit,
		"offset": offset,
		"count":  len(notifications),
	})
}

// MarkNotificationRead handles POST /v1/notifications/{id}/read
func (h *Handler) MarkNotificationRead(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, ok := UserIDFromContext(ctx)
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "unauthorized", "Missing authentication", "")
		return
	}

	notifID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid notification ID", "ID must be a valid UUID")
		return
	}

	err = h.repo.MarkNotificationRead(ctx, notifID, userID)
	if errors.Is(err, db.ErrNotFound) {
		h.writeError(w, http.StatusNotFound, "not_found", "Notification not found", "")
		return
	}
	if err != nil {
		h.logger.Error("failed to mark notification read", zap.Error(err), zap.String("id", notifID.String()))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to update notification", "")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]string{
		"id":     notifID.String(),
		"status": db.NotifStatusRead,
	})
}

func parsePagination(r *http.Request) (int, int) {
	limit := 20
	offset := 0

	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 && l <= 100 {
			limit = l
		}
	}
	if offsetStr := r.URL.Query().Get("offset"); offsetStr != "" {
		if o, err := strconv.Atoi(offsetStr); err == nil && o >= 0 {
			offset = o
		}
	}

	return limit, offset
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, errType, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Type:   errType,
		Title:  title,
		Status: status,
		Detail: detail,
	})
}
