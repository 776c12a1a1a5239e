// Package engine ties the notification store, the audience resolver, and
// the delivery fan-out together. Everything that creates a notification
// (the admin API, the domain-event bridge, the exam reminder sweep) goes
// through Publish.
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/campusone/beacon/internal/db"
	"github.com/campusone/beacon/internal/directory"
	"github.com/campusone/beacon/internal/metrics"
)

// Store is the subset of the repository the engine needs.
type Store interface {
	CreateNotification(ctx context.Context, notif *db.Notification) error
	GetNotification(ctx context.Context, id uuid.UUID) (*db.Notification, error)
	InsertDeliveries(ctx context.Context, notificationID uuid.UUID, recipients []uuid.UUID) (int, error)
	RefreshSendCount(ctx context.Context, notificationID uuid.UUID) (int, error)
}

// CountInvalidator drops cached unread counts for an audience. Optional.
type CountInvalidator interface {
	InvalidateMany(ctx context.Context, userIDs []uuid.UUID)
}

// Config holds engine tunables.
type Config struct {
	// ChunkSize bounds the recipients per delivery insert so a caller-side
	// timeout cannot leave one giant statement half-applied. Fan-out stays
	// idempotent either way; chunking just keeps each statement small.
	ChunkSize int
}

// Engine orchestrates notification publishing.
type Engine struct {
	store    Store
	resolver directory.Resolver
	counts   CountInvalidator // nil if redis unavailable
	config   Config
	logger   *zap.Logger
}

// New creates an Engine. counts may be nil.
func New(store Store, resolver directory.Resolver, counts CountInvalidator, cfg Config, logger *zap.Logger) *Engine {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 500
	}

	return &Engine{
		store:    store,
		resolver: resolver,
		counts:   counts,
		config:   cfg,
		logger:   logger,
	}
}

// Publish creates the notification record and fans it out. The targeting
// snapshot is taken here: later directory changes do not alter the
// delivery set. Returns the created count.
func (e *Engine) Publish(ctx context.Context, notif *db.Notification) (int, error) {
	if notif.ID == uuid.Nil {
		notif.ID = uuid.New()
	}
	if notif.ScheduledFor.IsZero() {
		notif.ScheduledFor = time.Now()
	}

	if err := e.store.CreateNotification(ctx, notif); err != nil {
		return 0, err
	}
	metrics.RecordNotificationCreated(notif.Type, notif.Priority)

	return e.FanOut(ctx, notif)
}

// FanOut resolves the audience and materializes one delivery row per
// recipient. Re-invoking with the same notification is safe: existing
// rows are skipped and only the remainder is inserted. Returns the total
// delivery count after completion.
func (e *Engine) FanOut(ctx context.Context, notif *db.Notification) (int, error) {
	recipients, err := e.resolver.Resolve(ctx, notif.Target)
	if err != nil {
		return 0, fmt.Errorf("resolve audience: %w", err)
	}
	metrics.RecordAudienceSize(len(recipients))

	inserted := 0
	for start := 0; start < len(recipients); start += e.config.ChunkSize {
		end := min(start+e.config.ChunkSize, len(recipients))

		n, err := e.store.InsertDeliveries(ctx, notif.ID, recipients[start:end])
		if err != nil {
			return inserted, fmt.Errorf("fan out chunk: %w", err)
		}
		inserted += n
	}

	total, err := e.store.RefreshSendCount(ctx, notif.ID)
	if err != nil {
		return inserted, fmt.Errorf("refresh send count: %w", err)
	}
	notif.SentCount = total
	notif.IsSent = total > 0

	metrics.RecordFanOut(notif.Type, inserted)
	if e.counts != nil {
		e.counts.InvalidateMany(ctx, recipients)
	}

	e.logger.Info("fan-out complete",
		zap.String("notification_id", notif.ID.String()),
		zap.String("type", notif.Type),
		zap.Int("audience", len(recipients)),
		zap.Int("inserted", inserted),
		zap.Int("total", total),
	)

	return total, nil
}

// Resume re-runs fan-out for a notification whose original fan-out never
// completed, e.g. a crash or timeout mid-insert. It is strictly crash
// recovery: once a fan-out has completed the delivery set is a frozen
// snapshot, so a resume would re-resolve against the live directory and
// grow it. That case returns ErrAlreadySent.
func (e *Engine) Resume(ctx context.Context, notificationID uuid.UUID) (int, error) {
	notif, err := e.store.GetNotification(ctx, notificationID)
	if err != nil {
		return 0, err
	}
	if notif.IsSent {
		return notif.SentCount, db.ErrAlreadySent
	}
	return e.FanOut(ctx, notif)
}
