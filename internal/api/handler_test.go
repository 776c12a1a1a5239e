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

	"github.com/campusone/beacon/internal/db"
	"github.com/campusone/beacon/internal/scheduler"
	"github.com/campusone/beacon/internal/sqs"
)

// Common test errors
var ErrDatabaseError = errors.New("database error")

// MockRepository is a fake database for testing
type MockRepository struct {
	notifications map[string]*db.Notification
	deliveries    map[string]map[string]*db.Delivery // notification -> user -> row
	unreadCounts  map[string]int

	getCalled     bool
	deleteCalled  bool
	listCalled    bool
	markCalled    bool
	dismissCalled bool

	shouldFail bool
}

// NewMockRepository creates a new mock repository
func NewMockRepository() *MockRepository {
	return &MockRepository{
		notifications: make(map[string]*db.Notification),
		deliveries:    make(map[string]map[string]*db.Delivery),
		unreadCounts:  make(map[string]int),
	}
}

func (m *MockRepository) GetNotification(ctx context.Context, id uuid.UUID) (*db.Notification, error) {
	m.getCalled = true

	if m.shouldFail {
		return nil, ErrDatabaseError
	}

	notif, exists := m.notifications[id.String()]
	if !exists {
		return nil, db.ErrNotificationNotFound
	}

	return notif, nil
}

func (m *MockRepository) DeleteNotification(ctx context.Context, id uuid.UUID) error {
	m.deleteCalled = true

	if m.shouldFail {
		return ErrDatabaseError
	}

	if _, exists := m.notifications[id.String()]; !exists {
		return db.ErrNotificationNotFound
	}

	delete(m.notifications, id.String())
	delete(m.deliveries, id.String())
	return nil
}

func (m *MockRepository) ListNotifications(ctx context.Context, filter db.ListFilter) ([]*db.Notification, error) {
	m.listCalled = true

	if m.shouldFail {
		return nil, ErrDatabaseError
	}

	var result []*db.Notification
	for _, notif := range m.notifications {
		if filter.Type != "" && notif.Type != filter.Type {
			continue
		}
		if filter.Priority != "" && notif.Priority != filter.Priority {
			continue
		}
		result = append(result, notif)
	}

	return result, nil
}

func (m *MockRepository) ListUserNotifications(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*db.UserNotification, error) {
	if m.shouldFail {
		return nil, ErrDatabaseError
	}

	var result []*db.UserNotification
	for notifID, users := range m.deliveries {
		row, ok := users[userID.String()]
		if !ok || row.Dismissed {
			continue
		}
		notif := m.notifications[notifID]
		if notif == nil {
			continue
		}
		result = append(result, &db.UserNotification{
			Notification: *notif,
			Read:         row.Read,
			ReadAt:       row.ReadAt,
		})
	}

	return result, nil
}

func (m *MockRepository) UnreadCount(ctx context.Context, userID uuid.UUID) (int, error) {
	if m.shouldFail {
		return 0, ErrDatabaseError
	}
	return m.unreadCounts[userID.String()], nil
}

func (m *MockRepository) MarkRead(ctx context.Context, notificationID, userID uuid.UUID) error {
	m.markCalled = true

	if m.shouldFail {
		return ErrDatabaseError
	}

	// Same no-op semantics as the real repository: unknown pairs do nothing
	if users, ok := m.deliveries[notificationID.String()]; ok {
		if row, ok := users[userID.String()]; ok && !row.Read {
			now := time.Now()
			row.Read = true
			row.ReadAt = &now
		}
	}
	return nil
}

func (m *MockRepository) MarkDismissed(ctx context.Context, notificationID, userID uuid.UUID) error {
	m.dismissCalled = true

	if m.shouldFail {
		return ErrDatabaseError
	}

	if users, ok := m.deliveries[notificationID.String()]; ok {
		if row, ok := users[userID.String()]; ok && !row.Dismissed {
			now := time.Now()
			row.Dismissed = true
			row.DismissedAt = &now
		}
	}
	return nil
}

// MockPublisher is a fake engine for testing
type MockPublisher struct {
	published  []*db.Notification
	sentCount  int
	publishErr error
	resumeErr  error
}

func (m *MockPublisher) Publish(ctx context.Context, notif *db.Notification) (int, error) {
	if m.publishErr != nil {
		return 0, m.publishErr
	}
	m.published = append(m.published, notif)
	return m.sentCount, nil
}

func (m *MockPublisher) Resume(ctx context.Context, notificationID uuid.UUID) (int, error) {
	if m.resumeErr != nil {
		return 0, m.resumeErr
	}
	return m.sentCount, nil
}

// MockSweep is a fake reminder sweep for testing
type MockSweep struct {
	result scheduler.Result
	err    error
	called bool
}

func (m *MockSweep) RunOnce(ctx context.Context, now time.Time) (scheduler.Result, error) {
	m.called = true
	return m.result, m.err
}

// MockEventSink records inline-handled events
type MockEventSink struct {
	events []*sqs.DomainEvent
	err    error
}

func (m *MockEventSink) HandleEvent(ctx context.Context, event *sqs.DomainEvent) error {
	if m.err != nil {
		return m.err
	}
	m.events = append(m.events, event)
	return nil
}

func TestCreateNotification(t *testing.T) {
	tests := []struct {
		checkResponse  func(*testing.T, *httptest.ResponseRecorder)
		setupPublisher func(*MockPublisher)
		requestBody    interface{}
		name           string
		expectedStatus int
	}{
		{
			name: "valid announcement to all users",
			requestBody: NotificationRequest{
				Type:     db.TypeAnnouncement,
				Priority: db.PriorityHigh,
				Title:    "Campus closed tomorrow",
				Body:     "All classes are suspended due to maintenance work.",
				Target:   db.TargetSpec{AllUsers: true},
			},
			setupPublisher: func(p *MockPublisher) { p.sentCount = 42 },
			expectedStatus: http.StatusCreated,
			checkResponse: func(t *testing.T, rec *httptest.ResponseRecorder) {
				var resp NotificationResponse
				if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
					t.Fatalf("failed to decode response: %v", err)
				}
				if _, err := uuid.Parse(resp.ID); err != nil {
					t.Errorf("expected valid UUID, got: %s", resp.ID)
				}
				if resp.SentCount != 42 {
					t.Errorf("expected sent_count 42, got %d", resp.SentCount)
				}
			},
		},
		{
			name: "defaults applied for type and priority",
			requestBody: NotificationRequest{
				Title:  "Library timings",
				Body:   "The library stays open till midnight during exams.",
				Target: db.TargetSpec{Semesters: []int{5, 6}},
			},
			setupPublisher: func(p *MockPublisher) {},
			expectedStatus: http.StatusCreated,
			checkResponse:  func(t *testing.T, rec *httptest.ResponseRecorder) {},
		},
		{
			name: "empty targeting rejected",
			requestBody: NotificationRequest{
				Type:   db.TypeCustom,
				Title:  "Hello",
				Body:   "World",
				Target: db.TargetSpec{},
			},
			setupPublisher: func(p *MockPublisher) {},
			expectedStatus: http.StatusBadRequest,
			checkResponse: func(t *testing.T, rec *httptest.ResponseRecorder) {
				var errResp ErrorResponse
				if err := json.NewDecoder(rec.Body).Decode(&errResp); err != nil {
					t.Fatalf("failed to decode error response: %v", err)
				}
				if errResp.Type != "invalid_target" {
					t.Errorf("expected error type 'invalid_target', got '%s'", errResp.Type)
				}
			},
		},
		{
			name: "explicit user ids only is valid",
			requestBody: NotificationRequest{
				Title: "You have been selected",
				Body:  "Congratulations, see the office for details.",
				Target: db.TargetSpec{
					UserIDs: []uuid.UUID{uuid.New()},
				},
			},
			setupPublisher: func(p *MockPublisher) { p.sentCount = 1 },
			expectedStatus: http.StatusCreated,
			checkResponse:  func(t *testing.T, rec *httptest.ResponseRecorder) {},
		},
		{
			name: "invalid type",
			requestBody: NotificationRequest{
				Type:   "newsletter",
				Title:  "Hello",
				Body:   "World",
				Target: db.TargetSpec{AllUsers: true},
			},
			setupPublisher: func(p *MockPublisher) {},
			expectedStatus: http.StatusBadRequest,
			checkResponse:  func(t *testing.T, rec *httptest.ResponseRecorder) {},
		},
		{
			name: "invalid priority",
			requestBody: NotificationRequest{
				Priority: "asap",
				Title:    "Hello",
				Body:     "World",
				Target:   db.TargetSpec{AllUsers: true},
			},
			setupPublisher: func(p *MockPublisher) {},
			expectedStatus: http.StatusBadRequest,
			checkResponse:  func(t *testing.T, rec *httptest.ResponseRecorder) {},
		},
		{
			name: "missing title",
			requestBody: NotificationRequest{
				Body:   "World",
				Target: db.TargetSpec{AllUsers: true},
			},
			setupPublisher: func(p *MockPublisher) {},
			expectedStatus: http.StatusBadRequest,
			checkResponse:  func(t *testing.T, rec *httptest.ResponseRecorder) {},
		},
		{
			name:           "invalid JSON body",
			requestBody:    "not valid json",
			setupPublisher: func(p *MockPublisher) {},
			expectedStatus: http.StatusBadRequest,
			checkResponse:  func(t *testing.T, rec *httptest.ResponseRecorder) {},
		},
		{
			name: "duplicate exam reminder maps to conflict",
			requestBody: NotificationRequest{
				Type:   db.TypeExamReminder,
				Title:  "Exam reminder: Algorithms",
				Body:   "Your exam is tomorrow.",
				Target: db.TargetSpec{BranchIDs: []string{"cse"}},
			},
			setupPublisher: func(p *MockPublisher) { p.publishErr = db.ErrDuplicateReminder },
			expectedStatus: http.StatusConflict,
			checkResponse: func(t *testing.T, rec *httptest.ResponseRecorder) {
				var errResp ErrorResponse
				if err := json.NewDecoder(rec.Body).Decode(&errResp); err != nil {
					t.Fatalf("failed to decode error response: %v", err)
				}
				if errResp.Type != "duplicate_reminder" {
					t.Errorf("expected error type 'duplicate_reminder', got '%s'", errResp.Type)
				}
			},
		},
		{
			name: "publish failure",
			requestBody: NotificationRequest{
				Title:  "Hello",
				Body:   "World",
				Target: db.TargetSpec{AllUsers: true},
			},
			setupPublisher: func(p *MockPublisher) { p.publishErr = ErrDatabaseError },
			expectedStatus: http.StatusInternalServerError,
			checkResponse:  func(t *testing.T, rec *httptest.ResponseRecorder) {},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := zap.NewNop()
			mockRepo := NewMockRepository()
			mockPub := &MockPublisher{}
			tt.setupPublisher(mockPub)
			handler := NewHandler(logger, mockRepo, mockPub, &MockSweep{})

			var body []byte
			var err error

			if str, ok := tt.requestBody.(string); ok {
				body = []byte(str)
			} else {
				body, err = json.Marshal(tt.requestBody)
				if err != nil {
					t.Fatalf("failed to marshal request: %v", err)
				}
			}

			req := httptest.NewRequest(http.MethodPost, "/v1/notifications", bytes.NewReader(body))
			req.Header.Set("Content-Type", "application/json")

			rec := httptest.NewRecorder()

			handler.CreateNotification(rec, req)

			if rec.Code != tt.expectedStatus {
				t.Errorf("expected status %d, got %d", tt.expectedStatus, rec.Code)
				t.Logf("Response body: %s", rec.Body.String())
			}

			tt.checkResponse(t, rec)

			if tt.expectedStatus == http.StatusCreated && len(mockPub.published) == 0 {
				t.Error("expected Publish to be called on engine")
			}
			if tt.expectedStatus == http.StatusBadRequest && len(mockPub.published) != 0 {
				t.Error("expected no publish on validation failure")
			}
		})
	}
}

func TestCreateNotificationDefaults(t *testing.T) {
	logger := zap.NewNop()
	mockPub := &MockPublisher{}
	handler := NewHandler(logger, NewMockRepository(), mockPub, &MockSweep{})

	body, _ := json.Marshal(NotificationRequest{
		Title:  "Hello",
		Body:   "World",
		Target: db.TargetSpec{AllUsers: true},
	})

	req := httptest.NewRequest(http.MethodPost, "/v1/notifications", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	handler.CreateNotification(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	if len(mockPub.published) != 1 {
		t.Fatalf("expected 1 published notification, got %d", len(mockPub.published))
	}

	notif := mockPub.published[0]
	if notif.Type != db.TypeCustom {
		t.Errorf("expected default type 'custom', got '%s'", notif.Type)
	}
	if notif.Priority != db.PriorityNormal {
		t.Errorf("expected default priority 'normal', got '%s'", notif.Priority)
	}
}

// TestGetNotification tests the GetNotification handler
func TestGetNotification(t *testing.T) {
	tests := []struct {
		setupMock      func(*MockRepository)
		checkResponse  func(*testing.T, *httptest.ResponseRecorder)
		name           string
		notificationID string
		expectedStatus int
	}{
		{
			name:           "valid notification exists",
			notificationID: "a1b2c3d4-e5f6-4a5b-8c9d-0e1f2a3b4c5d",
			setupMock: func(m *MockRepository) {
				id := uuid.MustParse("a1b2c3d4-e5f6-4a5b-8c9d-0e1f2a3b4c5d")
				m.notifications[id.String()] = &db.Notification{
					ID:       id,
					Type:     db.TypeAnnouncement,
					Priority: db.PriorityNormal,
					Title:    "Holiday notice",
					Body:     "Campus closed on Friday.",
					Target:   db.TargetSpec{AllUsers: true},
				}
			},
			expectedStatus: http.StatusOK,
			checkResponse: func(t *testing.T, rec *httptest.ResponseRecorder) {
				var notif db.Notification
				if err := json.NewDecoder(rec.Body).Decode(&notif); err != nil {
					t.Fatalf("failed to decode response: %v", err)
				}
				if notif.Type != db.TypeAnnouncement {
					t.Errorf("expected type 'announcement', got '%s'", notif.Type)
				}
				if !notif.Target.AllUsers {
					t.Error("expected all_users target")
				}
			},
		},
		{
			name:           "notification not found",
			notificationID: "99999999-9999-9999-9999-999999999999",
			setupMock:      func(m *MockRepository) {},
			expectedStatus: http.StatusNotFound,
			checkResponse: func(t *testing.T, rec *httptest.ResponseRecorder) {
				var errResp ErrorResponse
				if err := json.NewDecoder(rec.Body).Decode(&errResp); err != nil {
					t.Fatalf("failed to decode error response: %v", err)
				}
				if errResp.Title != "Notification not found" {
					t.Errorf("expected title 'Notification not found', got '%s'", errResp.Title)
				}
			},
		},
		{
			name:           "invalid UUID format",
			notificationID: "not-a-valid-uuid",
			setupMock:      func(m *MockRepository) {},
			expectedStatus: http.StatusBadRequest,
			checkResponse:  func(t *testing.T, rec *httptest.ResponseRecorder) {},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := zap.NewNop()
			mockRepo := NewMockRepository()
			tt.setupMock(mockRepo)
			handler := NewHandler(logger, mockRepo, &MockPublisher{}, &MockSweep{})

			req := httptest.NewRequest(http.MethodGet, "/v1/notifications/"+tt.notificationID, nil)

			rctx := chi.NewRouteContext()
			rctx.URLParams.Add("id", tt.notificationID)
			req = req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))

			rec := httptest.NewRecorder()

			handler.GetNotification(rec, req)

			if rec.Code != tt.expectedStatus {
				t.Errorf("expected status %d, got %d", tt.expectedStatus, rec.Code)
				t.Logf("Response body: %s", rec.Body.String())
			}

			tt.checkResponse(t, rec)
		})
	}
}

func TestDeleteNotification(t *testing.T) {
	logger := zap.NewNop()
	mockRepo := NewMockRepository()
	id := uuid.New()
	mockRepo.notifications[id.String()] = &db.Notification{ID: id, Title: "x", Body: "y"}

	handler := NewHandler(logger, mockRepo, &MockPublisher{}, &MockSweep{})

	req := httptest.NewRequest(http.MethodDelete, "/v1/notifications/"+id.String(), nil)
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add("id", id.String())
	req = req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))

	rec := httptest.NewRecorder()
	handler.DeleteNotification(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if _, exists := mockRepo.notifications[id.String()]; exists {
		t.Error("expected notification to be deleted")
	}

	// Deleting again is a 404
	rec = httptest.NewRecorder()
	handler.DeleteNotification(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 on second delete, got %d", rec.Code)
	}
}

func TestResendNotification(t *testing.T) {
	tests := []struct {
		resumeErr      error
		name           string
		notificationID string
		expectedStatus int
	}{
		{nil, "incomplete fan-out resumed", uuid.New().String(), http.StatusOK},
		{db.ErrAlreadySent, "completed fan-out refused", uuid.New().String(), http.StatusConflict},
		{db.ErrNotificationNotFound, "unknown notification", uuid.New().String(), http.StatusNotFound},
		{nil, "invalid UUID", "not-a-uuid", http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := NewHandler(zap.NewNop(), NewMockRepository(), &MockPublisher{sentCount: 3, resumeErr: tt.resumeErr}, &MockSweep{})

			req := httptest.NewRequest(http.MethodPost, "/v1/notifications/"+tt.notificationID+"/resend", nil)
			rctx := chi.NewRouteContext()
			rctx.URLParams.Add("id", tt.notificationID)
			req = req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))

			rec := httptest.NewRecorder()
			handler.ResendNotification(rec, req)

			if rec.Code != tt.expectedStatus {
				t.Errorf("expected status %d, got %d", tt.expectedStatus, rec.Code)
				t.Logf("Response body: %s", rec.Body.String())
			}

			if tt.expectedStatus == http.StatusConflict {
				var errResp ErrorResponse
				if err := json.NewDecoder(rec.Body).Decode(&errResp); err != nil {
					t.Fatalf("failed to decode error response: %v", err)
				}
				if errResp.Type != "already_sent" {
					t.Errorf("expected error type 'already_sent', got '%s'", errResp.Type)
				}
			}
		})
	}
}

func TestMarkRead(t *testing.T) {
	logger := zap.NewNop()
	mockRepo := NewMockRepository()

	notifID := uuid.New()
	userID := uuid.New()
	mockRepo.notifications[notifID.String()] = &db.Notification{ID: notifID, Title: "x", Body: "y"}
	mockRepo.deliveries[notifID.String()] = map[string]*db.Delivery{
		userID.String(): {NotificationID: notifID, UserID: userID},
	}

	handler := NewHandler(logger, mockRepo, &MockPublisher{}, &MockSweep{})

	markRead := func(nID, uID string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/v1/users/"+uID+"/notifications/"+nID+"/read", nil)
		rctx := chi.NewRouteContext()
		rctx.URLParams.Add("userID", uID)
		rctx.URLParams.Add("id", nID)
		req = req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))

		rec := httptest.NewRecorder()
		handler.MarkRead(rec, req)
		return rec
	}

	rec := markRead(notifID.String(), userID.String())
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if row := mockRepo.deliveries[notifID.String()][userID.String()]; !row.Read {
		t.Error("expected delivery to be marked read")
	}

	// Marking again is a silent no-op
	rec = markRead(notifID.String(), userID.String())
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200 on repeat read, got %d", rec.Code)
	}

	// A user who never received the notification also gets 200
	rec = markRead(notifID.String(), uuid.New().String())
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200 for non-recipient, got %d", rec.Code)
	}

	rec = markRead("not-a-uuid", userID.String())
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for bad notification id, got %d", rec.Code)
	}
}

func TestUnreadCount(t *testing.T) {
	logger := zap.NewNop()
	mockRepo := NewMockRepository()
	userID := uuid.New()
	mockRepo.unreadCounts[userID.String()] = 7

	handler := NewHandler(logger, mockRepo, &MockPublisher{}, &MockSweep{})

	req := httptest.NewRequest(http.MethodGet, "/v1/users/"+userID.String()+"/notifications/unread-count", nil)
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add("userID", userID.String())
	req = req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))

	rec := httptest.NewRecorder()
	handler.UnreadCount(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var resp map[string]int
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp["unread"] != 7 {
		t.Errorf("expected unread 7, got %d", resp["unread"])
	}
}

func TestIngestEvent(t *testing.T) {
	tests := []struct {
		setupSink      func(*MockEventSink)
		requestBody    interface{}
		name           string
		expectedStatus int
	}{
		{
			name: "user registered handled inline",
			requestBody: sqs.DomainEvent{
				Type:   sqs.EventUserRegistered,
				UserID: uuid.New().String(),
			},
			setupSink:      func(s *MockEventSink) {},
			expectedStatus: http.StatusAccepted,
		},
		{
			name:           "missing event type",
			requestBody:    sqs.DomainEvent{EntityID: "abc"},
			setupSink:      func(s *MockEventSink) {},
			expectedStatus: http.StatusBadRequest,
		},
		{
			name:           "malformed body",
			requestBody:    "nope",
			setupSink:      func(s *MockEventSink) {},
			expectedStatus: http.StatusBadRequest,
		},
		{
			name: "sink failure",
			requestBody: sqs.DomainEvent{
				Type: "mystery_event",
			},
			setupSink:      func(s *MockEventSink) { s.err = errors.New("unknown domain event type") },
			expectedStatus: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := zap.NewNop()
			sink := &MockEventSink{}
			tt.setupSink(sink)
			handler := NewHandlerWithServices(logger, NewMockRepository(), &MockPublisher{}, &MockSweep{},
				nil, nil, nil, sink)

			var body []byte
			if str, ok := tt.requestBody.(string); ok {
				body = []byte(str)
			} else {
				body, _ = json.Marshal(tt.requestBody)
			}

			req := httptest.NewRequest(http.MethodPost, "/v1/events", bytes.NewReader(body))
			rec := httptest.NewRecorder()

			handler.IngestEvent(rec, req)

			if rec.Code != tt.expectedStatus {
				t.Errorf("expected status %d, got %d", tt.expectedStatus, rec.Code)
				t.Logf("Response body: %s", rec.Body.String())
			}

			if tt.expectedStatus == http.StatusAccepted {
				if len(sink.events) != 1 {
					t.Fatalf("expected 1 handled event, got %d", len(sink.events))
				}
				if sink.events[0].ID == "" {
					t.Error("expected an event ID to be assigned")
				}
			}
		})
	}
}

func TestIngestEventNoSink(t *testing.T) {
	logger := zap.NewNop()
	handler := NewHandler(logger, NewMockRepository(), &MockPublisher{}, &MockSweep{})

	body, _ := json.Marshal(sqs.DomainEvent{Type: sqs.EventUserRegistered, UserID: uuid.New().String()})
	req := httptest.NewRequest(http.MethodPost, "/v1/events", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	handler.IngestEvent(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503 without producer or sink, got %d", rec.Code)
	}
}

func TestRunScheduler(t *testing.T) {
	logger := zap.NewNop()
	sweep := &MockSweep{result: scheduler.Result{ExamsScanned: 3, Created: 2, Skipped: 1}}
	handler := NewHandler(logger, NewMockRepository(), &MockPublisher{}, sweep)

	req := httptest.NewRequest(http.MethodPost, "/v1/scheduler/run", nil)
	rec := httptest.NewRecorder()

	handler.RunScheduler(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !sweep.called {
		t.Error("expected RunOnce to be called")
	}

	var result scheduler.Result
	if err := json.NewDecoder(rec.Body).Decode(&result); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if result.Created != 2 || result.Skipped != 1 {
		t.Errorf("unexpected result: %+v", result)
	}
}
