package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
)

// reminderIndexName is the partial unique index that keys exam reminders
// by (related_id, reminder_offset_days).
const reminderIndexName = "notifications_exam_reminder_key"

// Repository handles database operations for notifications and deliveries
type Repository struct {
	db     *DB
	logger *zap.Logger
}

// NewRepository creates a new notification repository
func NewRepository(db *DB, logger *zap.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

const notificationColumns = `
	id, type, priority, title, body,
	all_users, branch_ids, semesters, years, user_ids,
	related_type, related_id, reminder_offset_days,
	scheduled_for, expires_at, created_by,
	is_sent, sent_count, created_at
`

// CreateNotification persists a new notification. The targeting spec is
// validated first; for exam reminders a duplicate (exam, offset) pair maps
// the unique violation to ErrDuplicateReminder.
func (r *Repository) CreateNotification(ctx context.Context, notif *Notification) error {
	if err := notif.Target.Validate(); err != nil {
		return err
	}

	query := `
		INSERT INTO notifications (
			id, type, priority, title, body,
			all_users, branch_ids, semesters, years, user_ids,
			related_type, related_id, reminder_offset_days,
			scheduled_for, expires_at, created_by
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7::text[], $8::int[], $9::int[], $10::uuid[],
			$11, $12, $13,
			$14, $15, $16
		)
		RETURNING created_at
	`

	err := r.db.Pool().QueryRow(
		ctx,
		query,
		notif.ID,
		notif.Type,
		notif.Priority,
		notif.Title,
		notif.Body,
		notif.Target.AllUsers,
		nonNilStrings(notif.Target.BranchIDs),
		nonNilInts(notif.Target.Semesters),
		nonNilInts(notif.Target.Years),
		uuidsToStrings(notif.Target.UserIDs),
		notif.RelatedType,
		notif.RelatedID,
		notif.ReminderOffsetDays,
		notif.ScheduledFor,
		notif.ExpiresAt,
		notif.CreatedBy,
	).Scan(&notif.CreatedAt)

	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" && pgErr.ConstraintName == reminderIndexName {
			return ErrDuplicateReminder
		}
		r.logger.Error("failed to create notification",
			zap.Error(err),
			zap.String("notification_id", notif.ID.String()),
			zap.String("type", notif.Type),
		)
		return fmt.Errorf("insert notification: %w", err)
	}

	r.logger.Info("notification created",
		zap.String("notification_id", notif.ID.String()),
		zap.String("type", notif.Type),
		zap.String("priority", notif.Priority),
	)

	return nil
}

// GetNotification retrieves a notification by ID
func (r *Repository) GetNotification(ctx context.Context, id uuid.UUID) (*Notification, error) {
	query := `SELECT ` + notificationColumns + ` FROM notifications WHERE id = $1`

	notif, err := scanNotification(r.db.Pool().QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotificationNotFound
	}
	if err != nil {
		r.logger.Error("failed to get notification",
			zap.Error(err),
			zap.String("notification_id", id.String()),
		)
		return nil, fmt.Errorf("query notification: %w", err)
	}

	return notif, nil
}

// DeleteNotification removes a notification; delivery rows cascade.
func (r *Repository) DeleteNotification(ctx context.Context, id uuid.UUID) error {
	result, err := r.db.Pool().Exec(ctx, `DELETE FROM notifications WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete notification: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotificationNotFound
	}

	r.logger.Info("notification deleted", zap.String("notification_id", id.String()))
	return nil
}

// ListNotifications retrieves notifications for the admin view, newest
// first, optionally narrowed by type, priority, and a title/body search.
func (r *Repository) ListNotifications(ctx context.Context, filter ListFilter) ([]*Notification, error) {
	query := `SELECT ` + notificationColumns + ` FROM notifications WHERE 1=1`
	args := []any{}

	if filter.Type != "" {
		args = append(args, filter.Type)
		query += fmt.Sprintf(" AND type = $%d", len(args))
	}
	if filter.Priority != "" {
		args = append(args, filter.Priority)
		query += fmt.Sprintf(" AND priority = $%d", len(args))
	}
	if filter.Search != "" {
		args = append(args, "%"+filter.Search+"%")
		query += fmt.Sprintf(" AND (title ILIKE $%d OR body ILIKE $%d)", len(args), len(args))
	}

	args = append(args, filter.Limit)
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", len(args))
	args = append(args, filter.Offset)
	query += fmt.Sprintf(" OFFSET $%d", len(args))

	rows, err := r.db.Pool().Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query notifications: %w", err)
	}
	defer rows.Close()

	var notifications []*Notification
	for rows.Next() {
		notif, err := scanNotification(rows)
		if err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		notifications = append(notifications, notif)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return notifications, nil
}

// InsertDeliveries materializes delivery rows for a batch of recipients.
// The insert ignores (notification_id, user_id) pairs that already exist,
// so re-invoking a partially completed fan-out is safe. Returns the number
// of rows actually inserted. A missing parent notification (deleted while
// the fan-out was in flight) maps to ErrNotificationNotFound.
func (r *Repository) InsertDeliveries(ctx context.Context, notificationID uuid.UUID, recipients []uuid.UUID) (int, error) {
	if len(recipients) == 0 {
		return 0, nil
	}

	query := `
		INSERT INTO notification_deliveries (notification_id, user_id)
		SELECT $1, unnest($2::uuid[])
		ON CONFLICT (notification_id, user_id) DO NOTHING
	`

	result, err := r.db.Pool().Exec(ctx, query, notificationID, uuidsToStrings(recipients))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23503" {
			return 0, ErrNotificationNotFound
		}
		return 0, fmt.Errorf("insert deliveries: %w", err)
	}

	return int(result.RowsAffected()), nil
}

// RefreshSendCount recomputes sent_count and is_sent from the delivery
// rows. These fields are only ever written here, so they always equal the
// actual delivery count.
func (r *Repository) RefreshSendCount(ctx context.Context, notificationID uuid.UUID) (int, error) {
	query := `
		UPDATE notifications
		SET sent_count = d.cnt, is_sent = d.cnt > 0
		FROM (
			SELECT COUNT(*) AS cnt
			FROM notification_deliveries
			WHERE notification_id = $1
		) d
		WHERE id = $1
		RETURNING sent_count
	`

	var count int
	err := r.db.Pool().QueryRow(ctx, query, notificationID).Scan(&count)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrNotificationNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("refresh send count: %w", err)
	}

	return count, nil
}

// MarkRead sets the read flag on a recipient's delivery row. Already-read
// rows and rows that do not exist are both silent no-ops: a caller who is
// not a recipient learns nothing.
func (r *Repository) MarkRead(ctx context.Context, notificationID, userID uuid.UUID) error {
	query := `
		UPDATE notification_deliveries
		SET read = true, read_at = NOW()
		WHERE notification_id = $1 AND user_id = $2 AND read = false
	`

	if _, err := r.db.Pool().Exec(ctx, query, notificationID, userID); err != nil {
		return fmt.Errorf("mark read: %w", err)
	}
	return nil
}

// MarkDismissed sets the dismissed flag. Independent of read: dismissing
// does not imply reading. Same no-op semantics as MarkRead.
func (r *Repository) MarkDismissed(ctx context.Context, notificationID, userID uuid.UUID) error {
	query := `
		UPDATE notification_deliveries
		SET dismissed = true, dismissed_at = NOW()
		WHERE notification_id = $1 AND user_id = $2 AND dismissed = false
	`

	if _, err := r.db.Pool().Exec(ctx, query, notificationID, userID); err != nil {
		return fmt.Errorf("mark dismissed: %w", err)
	}
	return nil
}

// UnreadCount returns the number of unread, unexpired deliveries for a user.
func (r *Repository) UnreadCount(ctx context.Context, userID uuid.UUID) (int, error) {
	query := `
		SELECT COUNT(*)
		FROM notification_deliveries d
		JOIN notifications n ON n.id = d.notification_id
		WHERE d.user_id = $1
		  AND d.read = false
		  AND (n.expires_at IS NULL OR n.expires_at > NOW())
	`

	var count int
	if err := r.db.Pool().QueryRow(ctx, query, userID).Scan(&count); err != nil {
		return 0, fmt.Errorf("count unread: %w", err)
	}
	return count, nil
}

// ListUserNotifications returns a recipient's notifications with their
// read state, newest first. Dismissed and expired notifications are
// excluded from the feed.
func (r *Repository) ListUserNotifications(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*UserNotification, error) {
	query := `
		SELECT n.id, n.type, n.priority, n.title, n.body,
		       n.all_users, n.branch_ids, n.semesters, n.years, n.user_ids,
		       n.related_type, n.related_id, n.reminder_offset_days,
		       n.scheduled_for, n.expires_at, n.created_by,
		       n.is_sent, n.sent_count, n.created_at,
		       d.read, d.read_at, d.dismissed, d.dismissed_at
		FROM notification_deliveries d
		JOIN notifications n ON n.id = d.notification_id
		WHERE d.user_id = $1
		  AND d.dismissed = false
		  AND (n.expires_at IS NULL OR n.expires_at > NOW())
		ORDER BY n.created_at DESC
		LIMIT $2 OFFSET $3
	`

	rows, err := r.db.Pool().Query(ctx, query, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query user notifications: %w", err)
	}
	defer rows.Close()

	var items []*UserNotification
	for rows.Next() {
		var un UserNotification
		var userIDs []string
		err := rows.Scan(
			&un.ID, &un.Type, &un.Priority, &un.Title, &un.Body,
			&un.Target.AllUsers, &un.Target.BranchIDs, &un.Target.Semesters, &un.Target.Years, &userIDs,
			&un.RelatedType, &un.RelatedID, &un.ReminderOffsetDays,
			&un.ScheduledFor, &un.ExpiresAt, &un.CreatedBy,
			&un.IsSent, &un.SentCount, &un.CreatedAt,
			&un.Read, &un.ReadAt, &un.Dismissed, &un.DismissedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan user notification: %w", err)
		}
		un.Target.UserIDs, err = stringsToUUIDs(userIDs)
		if err != nil {
			return nil, fmt.Errorf("parse user_ids: %w", err)
		}
		items = append(items, &un)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return items, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanNotification(row rowScanner) (*Notification, error) {
	var n Notification
	var userIDs []string
	err := row.Scan(
		&n.ID, &n.Type, &n.Priority, &n.Title, &n.Body,
		&n.Target.AllUsers, &n.Target.BranchIDs, &n.Target.Semesters, &n.Target.Years, &userIDs,
		&n.RelatedType, &n.RelatedID, &n.ReminderOffsetDays,
		&n.ScheduledFor, &n.ExpiresAt, &n.CreatedBy,
		&n.IsSent, &n.SentCount, &n.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	n.Target.UserIDs, err = stringsToUUIDs(userIDs)
	if err != nil {
		return nil, fmt.Errorf("parse user_ids: %w", err)
	}
	return &n, nil
}

// pgx encodes a nil Go slice as SQL NULL, but the filter columns are
// NOT NULL: an absent filter kind must bind as an empty array.
func nonNilStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func nonNilInts(s []int) []int {
	if s == nil {
		return []int{}
	}
	return s
}

func uuidsToStrings(ids []uuid.UUID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}

func stringsToUUIDs(raw []string) ([]uuid.UUID, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	out := make([]uuid.UUID, len(raw))
	for i, s := range raw {
		id, err := uuid.Parse(s)
		if err != nil {
			return nil, err
		}
		out[i] = id
	}
	return out, nil
}
