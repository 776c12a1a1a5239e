// Package scheduler implements the exam reminder sweep. It has no timer
// of its own: RunOnce answers "given now, what is due" and the caller
// (a cron entry in the gateway, or the manual trigger endpoint) supplies
// the cadence.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/campusone/beacon/internal/db"
	"github.com/campusone/beacon/internal/directory"
	"github.com/campusone/beacon/internal/metrics"
)

// Publisher is the engine entry point the sweep feeds into.
type Publisher interface {
	Publish(ctx context.Context, notif *db.Notification) (int, error)
}

// ReminderOffset pairs a days-before-exam offset with the priority of the
// reminder it produces. Priority rises as the exam gets closer.
type ReminderOffset struct {
	Days     int
	Priority string
}

// DefaultOffsets are the configured reminder points: one week before,
// the day before, and the day of the exam.
var DefaultOffsets = []ReminderOffset{
	{Days: 7, Priority: db.PriorityLow},
	{Days: 1, Priority: db.PriorityNormal},
	{Days: 0, Priority: db.PriorityHigh},
}

// Result summarizes one sweep invocation.
type Result struct {
	ExamsScanned int `json:"exams_scanned"`
	Created      int `json:"created"`
	Skipped      int `json:"skipped"`
	Failed       int `json:"failed"`
}

// Scheduler scans the exam schedule and emits due reminders. Idempotence
// comes from the store's (exam, offset) key, not from run history: the
// sweep can run any number of times a day without duplicating reminders.
type Scheduler struct {
	exams     directory.ExamSource
	publisher Publisher
	offsets   []ReminderOffset
	logger    *zap.Logger
}

// New creates a Scheduler. Passing no offsets selects DefaultOffsets.
func New(exams directory.ExamSource, publisher Publisher, offsets []ReminderOffset, logger *zap.Logger) *Scheduler {
	if len(offsets) == 0 {
		offsets = DefaultOffsets
	}

	return &Scheduler{
		exams:     exams,
		publisher: publisher,
		offsets:   offsets,
		logger:    logger,
	}
}

// RunOnce performs a single sweep: for every upcoming exam and every
// configured offset, if exam_date minus offset lands on now's calendar
// day, publish a reminder. An already-existing (exam, offset) reminder is
// a skip, not an error.
func (s *Scheduler) RunOnce(ctx context.Context, now time.Time) (Result, error) {
	metrics.RecordSchedulerRun()

	maxDays := 0
	for _, off := range s.offsets {
		if off.Days > maxDays {
			maxDays = off.Days
		}
	}

	from := now.AddDate(0, 0, -1) // tolerate timezone skew around day-of
	to := now.AddDate(0, 0, maxDays+1)

	exams, err := s.exams.UpcomingExams(ctx, from, to)
	if err != nil {
		return Result{}, fmt.Errorf("list upcoming exams: %w", err)
	}

	res := Result{ExamsScanned: len(exams)}
	for _, exam := range exams {
		for _, off := range s.offsets {
			due := exam.ExamDate.AddDate(0, 0, -off.Days)
			if !sameDay(due, now) {
				continue
			}

			switch err := s.publishReminder(ctx, exam, off); {
			case err == nil:
				res.Created++
				metrics.RecordExamReminder(off.Days)
			case errors.Is(err, db.ErrDuplicateReminder):
				res.Skipped++
			default:
				// Best-effort: a missed reminder has no other symptom, so
				// the failure must at least be visible in the logs.
				res.Failed++
				s.logger.Error("failed to publish exam reminder",
					zap.Error(err),
					zap.String("exam_id", exam.ID.String()),
					zap.Int("offset_days", off.Days),
				)
			}
		}
	}

	s.logger.Info("exam reminder sweep complete",
		zap.Int("exams_scanned", res.ExamsScanned),
		zap.Int("created", res.Created),
		zap.Int("skipped", res.Skipped),
		zap.Int("failed", res.Failed),
	)

	return res, nil
}

func (s *Scheduler) publishReminder(ctx context.Context, exam directory.Exam, off ReminderOffset) error {
	relatedType := "exam"
	relatedID := exam.ID.String()
	offsetDays := off.Days
	expires := endOfDay(exam.ExamDate)

	notif := &db.Notification{
		Type:     db.TypeExamReminder,
		Priority: off.Priority,
		Title:    fmt.Sprintf("Exam reminder: %s", exam.Subject),
		Body:     reminderBody(exam, off.Days),
		Target: db.TargetSpec{
			BranchIDs: []string{exam.BranchID},
			Semesters: []int{exam.Semester},
		},
		RelatedType:        &relatedType,
		RelatedID:          &relatedID,
		ReminderOffsetDays: &offsetDays,
		ExpiresAt:          &expires,
	}

	_, err := s.publisher.Publish(ctx, notif)
	return err
}

func reminderBody(exam directory.Exam, offsetDays int) string {
	date := exam.ExamDate.Format("Monday, 2 January 2006")
	switch offsetDays {
	case 0:
		return fmt.Sprintf("Your %s exam is today, %s. Good luck!", exam.Subject, date)
	case 1:
		return fmt.Sprintf("Your %s exam is tomorrow, %s.", exam.Subject, date)
	default:
		return fmt.Sprintf("Your %s exam is in %d days, on %s.", exam.Subject, offsetDays, date)
	}
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.UTC().Date()
	by, bm, bd := b.UTC().Date()
	return ay == by && am == bm && ad == bd
}

func endOfDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 23, 59, 59, 0, time.UTC)
}
