package db

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// Notification is the immutable content record. Targeting is embedded;
// sent_count/is_sent are derived from delivery rows and never set directly.
type Notification struct {
	ID                 uuid.UUID  `json:"id"`
	Type               string     `json:"type"`
	Priority           string     `json:"priority"`
	Title              string     `json:"title"`
	Body               string     `json:"body"`
	Target             TargetSpec `json:"target"`
	RelatedType        *string    `json:"related_type,omitempty"`
	RelatedID          *string    `json:"related_id,omitempty"`
	ReminderOffsetDays *int       `json:"reminder_offset_days,omitempty"`
	ScheduledFor       time.Time  `json:"scheduled_for"`
	ExpiresAt          *time.Time `json:"expires_at,omitempty"`
	CreatedBy          *uuid.UUID `json:"created_by,omitempty"`
	IsSent             bool       `json:"is_sent"`
	SentCount          int        `json:"sent_count"`
	CreatedAt          time.Time  `json:"created_at"`
}

// TargetSpec describes the audience of a notification. Either AllUsers is
// set, or at least one of the filter sets must be non-empty. Explicit
// UserIDs are always included, even when they match no other filter.
type TargetSpec struct {
	AllUsers  bool        `json:"all_users"`
	BranchIDs []string    `json:"branch_ids,omitempty"`
	Semesters []int       `json:"semesters,omitempty"`
	Years     []int       `json:"years,omitempty"`
	UserIDs   []uuid.UUID `json:"user_ids,omitempty"`
}

// Delivery is the per-recipient row. The (NotificationID, UserID) pair is
// unique; read and dismissed are independent flags owned by the recipient.
type Delivery struct {
	NotificationID uuid.UUID  `json:"notification_id"`
	UserID         uuid.UUID  `json:"user_id"`
	Read           bool       `json:"read"`
	ReadAt         *time.Time `json:"read_at,omitempty"`
	Dismissed      bool       `json:"dismissed"`
	DismissedAt    *time.Time `json:"dismissed_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// UserNotification is a delivery joined with its notification content,
// as returned to a recipient's client.
type UserNotification struct {
	Notification
	Read        bool       `json:"read"`
	ReadAt      *time.Time `json:"read_at,omitempty"`
	Dismissed   bool       `json:"dismissed"`
	DismissedAt *time.Time `json:"dismissed_at,omitempty"`
}

// ListFilter narrows the admin notification listing.
type ListFilter struct {
	Type     string
	Priority string
	Search   string
	Limit    int
	Offset   int
}

// Notification type constants
const (
	TypeCustom          = "custom"
	TypeAnnouncement    = "announcement"
	TypeExamReminder    = "exam_reminder"
	TypeEvent           = "event"
	TypeOpportunity     = "opportunity"
	TypeTimetableUpdate = "timetable_update"
)

// Priority constants
const (
	PriorityLow    = "low"
	PriorityNormal = "normal"
	PriorityHigh   = "high"
	PriorityUrgent = "urgent"
)

var (
	// ErrInvalidTarget is returned for the empty spec: all_users false and
	// every filter set empty. Rejected before any write so it cannot
	// silently resolve to "all users".
	ErrInvalidTarget = errors.New("invalid target: no audience selected")

	// ErrDuplicateReminder is returned when an exam reminder for the same
	// (exam, offset) pair already exists.
	ErrDuplicateReminder = errors.New("exam reminder already exists for this exam and offset")

	// ErrNotificationNotFound is returned when a notification does not
	// exist, including when it was deleted while a fan-out was in flight.
	ErrNotificationNotFound = errors.New("notification not found")

	// ErrAlreadySent is returned when resuming a notification whose
	// fan-out already completed. The delivery set is frozen at that point;
	// later directory changes must not grow it.
	ErrAlreadySent = errors.New("notification already sent")
)

// ValidType reports whether t is a known notification type.
func ValidType(t string) bool {
	switch t {
	case TypeCustom, TypeAnnouncement, TypeExamReminder, TypeEvent, TypeOpportunity, TypeTimetableUpdate:
		return true
	}
	return false
}

// ValidPriority reports whether p is a known priority.
func ValidPriority(p string) bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

// Validate rejects the empty spec. A spec with only explicit user IDs is
// valid; a spec with all_users set ignores the filter fields entirely.
func (t TargetSpec) Validate() error {
	if t.AllUsers {
		return nil
	}
	if len(t.BranchIDs) == 0 && len(t.Semesters) == 0 && len(t.Years) == 0 && len(t.UserIDs) == 0 {
		return ErrInvalidTarget
	}
	return nil
}

// HasFilters reports whether any narrowing filter set is present,
// ignoring explicit user IDs.
func (t TargetSpec) HasFilters() bool {
	return len(t.BranchIDs) > 0 || len(t.Semesters) > 0 || len(t.Years) > 0
}
