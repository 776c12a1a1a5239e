// Package bridge translates domain events from the CRUD layer into
// notifications. Failures never propagate back to the caller that changed
// the entity: an event that can never map to a notification is logged and
// dropped, while a transient failure (store or directory down) leaves the
// message on the queue so visibility-timeout redelivery retries it.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/campusone/beacon/internal/db"
	"github.com/campusone/beacon/internal/metrics"
	"github.com/campusone/beacon/internal/redis"
	"github.com/campusone/beacon/internal/sqs"
)

// Publisher is the engine entry point the bridge feeds into.
type Publisher interface {
	Publish(ctx context.Context, notif *db.Notification) (int, error)
}

// EventSource is the queue side of the bridge, satisfied by sqs.Consumer.
type EventSource interface {
	ReceiveEvent(ctx context.Context) (*sqs.DomainEvent, string, error)
	DeleteMessage(ctx context.Context, receiptHandle string) error
}

// ErrUnmappableEvent marks events that can never become a notification.
// Redelivery cannot fix them, so the consumer drops the message.
var ErrUnmappableEvent = errors.New("unmappable domain event")

// ErrUnknownEvent is returned for event types the bridge has no mapping for.
var ErrUnknownEvent = fmt.Errorf("%w: unknown type", ErrUnmappableEvent)

// Bridge consumes domain events and publishes the derived notifications.
type Bridge struct {
	source      EventSource
	publisher   Publisher
	idempotency *redis.IdempotencyService // nil if redis unavailable
	logger      *zap.Logger
}

// New creates a Bridge. idempotency may be nil; without it a queue
// redelivery can produce a duplicate automatic notification, which is
// preferable to missing one.
func New(source EventSource, publisher Publisher, idempotency *redis.IdempotencyService, logger *zap.Logger) *Bridge {
	return &Bridge{
		source:      source,
		publisher:   publisher,
		idempotency: idempotency,
		logger:      logger,
	}
}

// Run consumes events until the context is cancelled.
func (b *Bridge) Run(ctx context.Context) {
	b.logger.Info("domain event bridge started")

	for {
		select {
		case <-ctx.Done():
			b.logger.Info("domain event bridge stopping")
			return
		default:
		}

		event, receipt, err := b.source.ReceiveEvent(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			b.logger.Error("failed to receive domain event", zap.Error(err))
			time.Sleep(5 * time.Second)
			continue
		}
		if event == nil {
			continue
		}

		switch err := b.HandleEvent(ctx, event); {
		case err == nil:
			metrics.RecordDomainEvent(event.Type, "ok")
		case errors.Is(err, ErrUnmappableEvent):
			// Nothing a redelivery can fix; drop the message.
			b.logger.Error("dropping unmappable domain event",
				zap.Error(err),
				zap.String("event_id", event.ID),
				zap.String("event_type", event.Type),
			)
			metrics.RecordDomainEvent(event.Type, "dropped")
		default:
			// Transient. Leave the message on the queue: SQS redelivers it
			// after the visibility timeout and the attempt is retried.
			b.logger.Error("failed to handle domain event, leaving for redelivery",
				zap.Error(err),
				zap.String("event_id", event.ID),
				zap.String("event_type", event.Type),
			)
			metrics.RecordDomainEvent(event.Type, "failed")
			continue
		}

		if err := b.source.DeleteMessage(ctx, receipt); err != nil {
			b.logger.Warn("failed to delete event message", zap.Error(err))
		}
	}
}

// HandleEvent maps one domain event to a notification and publishes it.
// A redelivered event (same ID) is fenced via redis and skipped.
func (b *Bridge) HandleEvent(ctx context.Context, event *sqs.DomainEvent) error {
	if b.idempotency != nil && event.ID != "" {
		reserved, err := b.idempotency.Reserve(ctx, "event", event.ID)
		if err != nil {
			b.logger.Warn("event dedup check failed, proceeding", zap.Error(err))
		} else if !reserved {
			b.logger.Debug("duplicate domain event skipped", zap.String("event_id", event.ID))
			metrics.RecordDomainEvent(event.Type, "duplicate")
			return nil
		}
	}

	notif, err := MapEvent(event)
	if err != nil {
		return err
	}

	if _, err := b.publisher.Publish(ctx, notif); err != nil {
		// Release the reservation so the redelivered message is not
		// mistaken for a duplicate of this failed attempt.
		if b.idempotency != nil && event.ID != "" {
			if relErr := b.idempotency.Release(ctx, "event", event.ID); relErr != nil {
				b.logger.Warn("failed to release event reservation", zap.Error(relErr))
			}
		}
		return fmt.Errorf("publish notification: %w", err)
	}

	// Extend the fence from the short processing reservation to the full
	// dedup window now that the event is fully handled.
	if b.idempotency != nil && event.ID != "" {
		result := &redis.IdempotencyResult{NotificationID: notif.ID.String()}
		if err := b.idempotency.Store(ctx, "event", event.ID, result, redis.EventDedupTTL); err != nil {
			b.logger.Warn("failed to record event dedup entry", zap.Error(err))
		}
	}

	return nil
}

// MapEvent is the pure payload-to-notification mapping for each event
// type. No I/O happens here.
func MapEvent(event *sqs.DomainEvent) (*db.Notification, error) {
	switch event.Type {
	case sqs.EventEventPublished:
		return entityNotification(event, db.TypeEvent, "event",
			"New event: "+event.Title,
			fmt.Sprintf("A new event %q has been published. Check it out!", event.Title),
		), nil

	case sqs.EventOpportunityPublished:
		return entityNotification(event, db.TypeOpportunity, "opportunity",
			"New opportunity: "+event.Title,
			fmt.Sprintf("A new opportunity %q is open. See if you're eligible.", event.Title),
		), nil

	case sqs.EventTimetableUpdated:
		// Timetable changes are always narrow: exactly the branch and
		// semester of the changed entry, never the whole directory.
		if len(event.BranchIDs) == 0 || len(event.Semesters) == 0 {
			return nil, fmt.Errorf("%w: timetable event %s missing branch/semester", ErrUnmappableEvent, event.ID)
		}
		relatedType := "timetable"
		relatedID := event.EntityID
		return &db.Notification{
			Type:     db.TypeTimetableUpdate,
			Priority: db.PriorityNormal,
			Title:    "Timetable updated",
			Body:     fmt.Sprintf("The timetable for %s has changed. Review your schedule.", event.Title),
			Target: db.TargetSpec{
				BranchIDs: event.BranchIDs,
				Semesters: event.Semesters,
			},
			RelatedType: &relatedType,
			RelatedID:   &relatedID,
		}, nil

	case sqs.EventUserRegistered:
		userID, err := uuid.Parse(event.UserID)
		if err != nil {
			return nil, fmt.Errorf("%w: user_registered event %s: invalid user_id: %v", ErrUnmappableEvent, event.ID, err)
		}
		name := event.UserName
		if name == "" {
			name = "there"
		}
		return &db.Notification{
			Type:     db.TypeCustom,
			Priority: db.PriorityNormal,
			Title:    "Welcome aboard!",
			Body:     fmt.Sprintf("Hi %s, welcome! Browse events, notes and opportunities to get started.", name),
			Target: db.TargetSpec{
				UserIDs: []uuid.UUID{userID},
			},
		}, nil

	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownEvent, event.Type)
	}
}

// entityNotification derives the targeting from the entity's own audience
// fields; an entity with no restriction goes to everyone.
func entityNotification(event *sqs.DomainEvent, notifType, relatedType, title, body string) *db.Notification {
	target := db.TargetSpec{
		BranchIDs: event.BranchIDs,
		Semesters: event.Semesters,
		Years:     event.Years,
	}
	if !target.HasFilters() {
		target = db.TargetSpec{AllUsers: true}
	}

	relatedID := event.EntityID
	rt := relatedType
	return &db.Notification{
		Type:        notifType,
		Priority:    db.PriorityNormal,
		Title:       title,
		Body:        body,
		Target:      target,
		RelatedType: &rt,
		RelatedID:   &relatedID,
	}
}
