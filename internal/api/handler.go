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

	"github.com/campusone/beacon/internal/db"
	"github.com/campusone/beacon/internal/metrics"
	"github.com/campusone/beacon/internal/redis"
	"github.com/campusone/beacon/internal/scheduler"
	"github.com/campusone/beacon/internal/sqs"
)

// NotificationRepository defines the interface for notification database operations
type NotificationRepository interface {
	GetNotification(ctx context.Context, id uuid.UUID) (*db.Notification, error)
	DeleteNotification(ctx context.Context, id uuid.UUID) error
	ListNotifications(ctx context.Context, filter db.ListFilter) ([]*db.Notification, error)
	ListUserNotifications(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*db.UserNotification, error)
	UnreadCount(ctx context.Context, userID uuid.UUID) (int, error)
	MarkRead(ctx context.Context, notificationID, userID uuid.UUID) error
	MarkDismissed(ctx context.Context, notificationID, userID uuid.UUID) error
}

// Publisher is the engine surface the API publishes through.
type Publisher interface {
	Publish(ctx context.Context, notif *db.Notification) (int, error)
	Resume(ctx context.Context, notificationID uuid.UUID) (int, error)
}

// EventSink handles a domain event inline, used as the fallback when no
// queue is configured.
type EventSink interface {
	HandleEvent(ctx context.Context, event *sqs.DomainEvent) error
}

// SweepRunner triggers an exam reminder sweep on demand.
type SweepRunner interface {
	RunOnce(ctx context.Context, now time.Time) (scheduler.Result, error)
}

// NotificationRequest represents the incoming create request body
type NotificationRequest struct {
	Type         string        `json:"type"`
	Priority     string        `json:"priority"`
	Title        string        `json:"title"`
	Body         string        `json:"body"`
	Target       db.TargetSpec `json:"target"`
	ScheduledFor *time.Time    `json:"scheduled_for,omitempty"`
	ExpiresAt    *time.Time    `json:"expires_at,omitempty"`
	CreatedBy    *uuid.UUID    `json:"created_by,omitempty"`
}

// NotificationResponse is returned after creating a notification
type NotificationResponse struct {
	ID        string `json:"id"`
	SentCount int    `json:"sent_count"`
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
	logger      *zap.Logger
	repo        NotificationRepository
	publisher   Publisher
	sweep       SweepRunner
	idempotency *redis.IdempotencyService // nil if Redis not configured
	counts      *redis.CountCache         // nil if Redis not configured
	producer    *sqs.Producer             // nil if SQS not configured
	events      EventSink                 // inline fallback when producer is nil
}

// NewHandler creates a new API handler without redis or queue support.
func NewHandler(logger *zap.Logger, repo NotificationRepository, publisher Publisher, sweep SweepRunner) *Handler {
	return &Handler{
		logger:    logger,
		repo:      repo,
		publisher: publisher,
		sweep:     sweep,
	}
}

// NewHandlerWithServices creates a handler with idempotency, unread-count
// caching, and the domain-event ingress wired in. Any of the extras may be
// nil; the handler degrades to the direct path.
func NewHandlerWithServices(
	logger *zap.Logger,
	repo NotificationRepository,
	publisher Publisher,
	sweep SweepRunner,
	idempotency *redis.IdempotencyService,
	counts *redis.CountCache,
	producer *sqs.Producer,
	events EventSink,
) *Handler {
	return &Handler{
		logger:      logger,
		repo:        repo,
		publisher:   publisher,
		sweep:       sweep,
		idempotency: idempotency,
		counts:      counts,
		producer:    producer,
		events:      events,
	}
}

// CreateNotification handles POST /v1/notifications
// Supports idempotency via the Idempotency-Key header.
func (h *Handler) CreateNotification(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	idempotencyKey := r.Header.Get("Idempotency-Key")

	var req NotificationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	if req.Title == "" || req.Body == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing required fields", "title and body are required")
		return
	}

	if req.Type == "" {
		req.Type = db.TypeCustom
	}
	if !db.ValidType(req.Type) {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid type", "type must be one of: custom, announcement, exam_reminder, event, opportunity, timetable_update")
		return
	}

	if req.Priority == "" {
		req.Priority = db.PriorityNormal
	}
	if !db.ValidPriority(req.Priority) {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid priority", "priority must be one of: low, normal, high, urgent")
		return
	}

	// Reject the empty audience before any write happens.
	if err := req.Target.Validate(); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_target", "Invalid targeting", "select all_users, a filter set, or explicit user_ids")
		return
	}

	// Check idempotency if key provided
	if idempotencyKey != "" && h.idempotency != nil {
		cachedResult, err := h.idempotency.CheckOrReserve(ctx, "admin", idempotencyKey)

		if err != nil {
			if errors.Is(err, redis.ErrDuplicateRequest) {
				h.writeError(w, http.StatusConflict, "duplicate_request",
					"Request is already being processed",
					"Another request with this idempotency key is in progress")
				return
			}
			h.logger.Warn("idempotency check failed, proceeding",
				zap.Error(err),
				zap.String("idempotency_key", idempotencyKey),
			)
		} else if cachedResult != nil {
			metrics.RecordIdempotencyHit()
			resp := NotificationResponse{ID: cachedResult.NotificationID}
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("X-Idempotency-Replayed", "true")
			w.WriteHeader(cachedResult.StatusCode)
			_ = json.NewEncoder(w).Encode(resp)
			return
		}
	}

	notif := &db.Notification{
		ID:        uuid.New(),
		Type:      req.Type,
		Priority:  req.Priority,
		Title:     req.Title,
		Body:      req.Body,
		Target:    req.Target,
		ExpiresAt: req.ExpiresAt,
		CreatedBy: req.CreatedBy,
	}
	if req.ScheduledFor != nil {
		notif.ScheduledFor = *req.ScheduledFor
	}

	sentCount, err := h.publisher.Publish(ctx, notif)
	if err != nil {
		switch {
		case errors.Is(err, db.ErrInvalidTarget):
			h.writeError(w, http.StatusBadRequest, "invalid_target", "Invalid targeting", "select all_users, a filter set, or explicit user_ids")
		case errors.Is(err, db.ErrDuplicateReminder):
			h.writeError(w, http.StatusConflict, "duplicate_reminder", "Reminder already exists", "an exam reminder for this exam and offset already exists")
		default:
			h.logger.Error("failed to publish notification",
				zap.Error(err),
				zap.String("type", req.Type),
			)
			h.writeError(w, http.StatusInternalServerError, "publish_error", "Failed to publish notification", "")
		}
		return
	}

	// Store idempotency result
	if idempotencyKey != "" && h.idempotency != nil {
		result := &redis.IdempotencyResult{
			NotificationID: notif.ID.String(),
			StatusCode:     http.StatusCreated,
		}
		if err := h.idempotency.Store(ctx, "admin", idempotencyKey, result, redis.IdempotencyTTL); err != nil {
			h.logger.Warn("failed to store idempotency result",
				zap.Error(err),
				zap.String("idempotency_key", idempotencyKey),
			)
		}
	}

	resp := NotificationResponse{
		ID:        notif.ID.String(),
		SentCount: sentCount,
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(resp)
}

// GetNotification handles GET /v1/notifications/{id}
func (h *Handler) GetNotification(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	idStr := chi.URLParam(r, "id")
	notifID, err := uuid.Parse(idStr)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid notification ID", "ID must be a valid UUID")
		return
	}

	notif, err := h.repo.GetNotification(ctx, notifID)
	if err != nil {
		if errors.Is(err, db.ErrNotificationNotFound) {
			h.writeError(w, http.StatusNotFound, "not_found", "Notification not found", "")
			return
		}
		h.logger.Error("failed to get notification",
			zap.Error(err),
			zap.String("id", idStr),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to get notification", "")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(notif)
}

// DeleteNotification handles DELETE /v1/notifications/{id}.
// Delivery rows cascade, so the notification disappears from every
// recipient's feed.
func (h *Handler) DeleteNotification(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	idStr := chi.URLParam(r, "id")
	notifID, err := uuid.Parse(idStr)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid notification ID", "ID must be a valid UUID")
		return
	}

	if err := h.repo.DeleteNotification(ctx, notifID); err != nil {
		if errors.Is(err, db.ErrNotificationNotFound) {
			h.writeError(w, http.StatusNotFound, "not_found", "Notification not found", "")
			return
		}
		h.logger.Error("failed to delete notification",
			zap.Error(err),
			zap.String("id", idStr),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to delete notification", "")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// ListNotifications handles GET /v1/notifications?type=xxx&priority=xxx&search=xxx&limit=20&offset=0
func (h *Handler) ListNotifications(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	filter := db.ListFilter{
		Type:     r.URL.Query().Get("type"),
		Priority: r.URL.Query().Get("priority"),
		Search:   r.URL.Query().Get("search"),
		Limit:    20,
	}

	if filter.Type != "" && !db.ValidType(filter.Type) {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid type", "unknown notification type")
		return
	}
	if filter.Priority != "" && !db.ValidPriority(filter.Priority) {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid priority", "unknown priority")
		return
	}

	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 && l <= 100 {
			filter.Limit = l
		}
	}
	if offsetStr := r.URL.Query().Get("offset"); offsetStr != "" {
		if o, err := strconv.Atoi(offsetStr); err == nil && o >= 0 {
			filter.Offset = o
		}
	}

	notifications, err := h.repo.ListNotifications(ctx, filter)
	if err != nil {
		h.logger.Error("failed to list notifications", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to list notifications", "")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"data":   notifications,
		"limit":  filter.Limit,
		"offset": filter.Offset,
		"count":  len(notifications),
	})
}

// ResendNotification handles POST /v1/notifications/{id}/resend.
// Recovery-only: completes a fan-out that crashed partway. A notification
// whose fan-out already finished is refused, because its delivery set is
// a frozen snapshot of the directory at publish time.
func (h *Handler) ResendNotification(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	idStr := chi.URLParam(r, "id")
	notifID, err := uuid.Parse(idStr)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid notification ID", "ID must be a valid UUID")
		return
	}

	sentCount, err := h.publisher.Resume(ctx, notifID)
	if err != nil {
		if errors.Is(err, db.ErrNotificationNotFound) {
			h.writeError(w, http.StatusNotFound, "not_found", "Notification not found", "")
			return
		}
		if errors.Is(err, db.ErrAlreadySent) {
			h.writeError(w, http.StatusConflict, "already_sent", "Notification already sent", "the fan-out for this notification completed; its recipient set is final")
			return
		}
		h.logger.Error("failed to resend notification",
			zap.Error(err),
			zap.String("id", idStr),
		)
		h.writeError(w, http.StatusInternalServerError, "publish_error", "Failed to resend notification", "")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(NotificationResponse{ID: idStr, SentCount: sentCount})
}

// ListUserNotifications handles GET /v1/users/{userID}/notifications
func (h *Handler) ListUserNotifications(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	userID, err := uuid.Parse(chi.URLParam(r, "userID"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid user ID", "userID must be a valid UUID")
		return
	}

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

	items, err := h.repo.ListUserNotifications(ctx, userID, limit, offset)
	if err != nil {
		h.logger.Error("failed to list user notifications",
			zap.Error(err),
			zap.String("user_id", userID.String()),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to list notifications", "")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"data":   items,
		"limit":  limit,
		"offset": offset,
		"count":  len(items),
	})
}

// UnreadCount handles GET /v1/users/{userID}/notifications/unread-count.
// Reads through the redis count cache; postgres is the source of truth.
func (h *Handler) UnreadCount(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	userID, err := uuid.Parse(chi.URLParam(r, "userID"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid user ID", "userID must be a valid UUID")
		return
	}

	if h.counts != nil {
		if count, err := h.counts.Get(ctx, userID); err == nil {
			metrics.RecordUnreadCache("hit")
			h.writeUnreadCount(w, count)
			return
		} else if !errors.Is(err, redis.ErrCountMiss) {
			h.logger.Warn("unread count cache read failed", zap.Error(err))
		}
		metrics.RecordUnreadCache("miss")
	}

	count, err := h.repo.UnreadCount(ctx, userID)
	if err != nil {
		h.logger.Error("failed to count unread notifications",
			zap.Error(err),
			zap.String("user_id", userID.String()),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to count unread notifications", "")
		return
	}

	if h.counts != nil {
		if err := h.counts.Set(ctx, userID, count); err != nil {
			h.logger.Warn("unread count cache write failed", zap.Error(err))
		}
	}

	h.writeUnreadCount(w, count)
}

// MarkRead handles POST /v1/users/{userID}/notifications/{id}/read.
// Marking an already-read notification, or one the user never received,
// is a silent no-op.
func (h *Handler) MarkRead(w http.ResponseWriter, r *http.Request) {
	h.markDelivery(w, r, "read", h.repo.MarkRead)
}

// MarkDismissed handles POST /v1/users/{userID}/notifications/{id}/dismiss.
func (h *Handler) MarkDismissed(w http.ResponseWriter, r *http.Request) {
	h.markDelivery(w, r, "dismissed", h.repo.MarkDismissed)
}

func (h *Handler) markDelivery(w http.ResponseWriter, r *http.Request, status string, mark func(context.Context, uuid.UUID, uuid.UUID) error) {
	ctx := r.Context()

	userID, err := uuid.Parse(chi.URLParam(r, "userID"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid user ID", "userID must be a valid UUID")
		return
	}

	notifID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid notification ID", "ID must be a valid UUID")
		return
	}

	if err := mark(ctx, notifID, userID); err != nil {
		h.logger.Error("failed to update delivery state",
			zap.Error(err),
			zap.String("notification_id", notifID.String()),
			zap.String("user_id", userID.String()),
			zap.String("status", status),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to update notification state", "")
		return
	}

	if h.counts != nil {
		if err := h.counts.Invalidate(ctx, userID); err != nil {
			h.logger.Warn("failed to invalidate unread count", zap.Error(err))
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"id":     notifID.String(),
		"status": status,
	})
}

// IngestEvent handles POST /v1/events. The CRUD layer posts a domain event
// here; it is enqueued to SQS when configured, otherwise handled inline.
func (h *Handler) IngestEvent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var event sqs.DomainEvent
	if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	if event.Type == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing event type", "type is required")
		return
	}
	if event.ID == "" {
		event.ID = uuid.New().String()
	}

	if h.producer != nil {
		msgID, err := h.producer.Enqueue(ctx, &event)
		if err != nil {
			h.logger.Error("failed to enqueue domain event",
				zap.Error(err),
				zap.String("event_type", event.Type),
			)
			h.writeError(w, http.StatusInternalServerError, "enqueue_error", "Failed to enqueue event", "")
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"event_id":   event.ID,
			"message_id": msgID,
			"status":     "enqueued",
		})
		return
	}

	if h.events == nil {
		h.writeError(w, http.StatusServiceUnavailable, "no_event_sink", "Event ingress not configured", "")
		return
	}

	if err := h.events.HandleEvent(ctx, &event); err != nil {
		h.logger.Error("failed to handle domain event inline",
			zap.Error(err),
			zap.String("event_type", event.Type),
		)
		h.writeError(w, http.StatusBadRequest, "event_error", "Failed to handle event", err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"event_id": event.ID,
		"status":   "processed",
	})
}

// RunScheduler handles POST /v1/scheduler/run, triggering an exam reminder
// sweep outside the cron cadence. Safe to call repeatedly.
func (h *Handler) RunScheduler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	result, err := h.sweep.RunOnce(ctx, time.Now())
	if err != nil {
		h.logger.Error("manual reminder sweep failed", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "scheduler_error", "Reminder sweep failed", "")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(result)
}

// Health handles GET /health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (h *Handler) writeUnreadCount(w http.ResponseWriter, count int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]int{"unread": count})
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
