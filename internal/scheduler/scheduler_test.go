package scheduler

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/campusone/beacon/internal/db"
	"github.com/campusone/beacon/internal/directory"
)

type fakeExamSource struct {
	exams []directory.Exam
	err   error
}

func (f *fakeExamSource) UpcomingExams(ctx context.Context, from, to time.Time) ([]directory.Exam, error) {
	if f.err != nil {
		return nil, f.err
	}
	var out []directory.Exam
	for _, e := range f.exams {
		if !e.ExamDate.Before(from) && !e.ExamDate.After(to) {
			out = append(out, e)
		}
	}
	return out, nil
}

// fakePublisher enforces the same (exam, offset) uniqueness as the store.
type fakePublisher struct {
	published  []*db.Notification
	seen       map[string]bool
	publishErr error
}

func newFakePublisher() *fakePublisher {
	return &fakePublisher{seen: make(map[string]bool)}
}

func (f *fakePublisher) Publish(ctx context.Context, notif *db.Notification) (int, error) {
	if f.publishErr != nil {
		return 0, f.publishErr
	}
	if notif.Type == db.TypeExamReminder && notif.RelatedID != nil && notif.ReminderOffsetDays != nil {
		key := fmt.Sprintf("%s/%d", *notif.RelatedID, *notif.ReminderOffsetDays)
		if f.seen[key] {
			return 0, db.ErrDuplicateReminder
		}
		f.seen[key] = true
	}
	f.published = append(f.published, notif)
	return 1, nil
}

func examOn(date time.Time) directory.Exam {
	return directory.Exam{
		ID:       uuid.New(),
		Subject:  "Algorithms",
		BranchID: "cse",
		Semester: 5,
		ExamDate: date,
	}
}

func TestRunOnce_SevenDayReminder(t *testing.T) {
	now := time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)
	exam := examOn(now.AddDate(0, 0, 7))

	pub := newFakePublisher()
	s := New(&fakeExamSource{exams: []directory.Exam{exam}}, pub, nil, zap.NewNop())

	res, err := s.RunOnce(context.Background(), now)
	if err != nil {
		t.Fatalf("sweep failed: %v", err)
	}

	if res.Created != 1 {
		t.Fatalf("expected 1 created, got %+v", res)
	}

	notif := pub.published[0]
	if notif.Type != db.TypeExamReminder {
		t.Errorf("type = %s", notif.Type)
	}
	if notif.Priority != db.PriorityLow {
		t.Errorf("expected low priority a week out, got %s", notif.Priority)
	}
	if notif.ReminderOffsetDays == nil || *notif.ReminderOffsetDays != 7 {
		t.Error("expected offset 7")
	}
	if notif.RelatedID == nil || *notif.RelatedID != exam.ID.String() {
		t.Error("expected related_id to reference the exam")
	}
	if len(notif.Target.BranchIDs) != 1 || notif.Target.BranchIDs[0] != "cse" {
		t.Errorf("unexpected branch target: %v", notif.Target.BranchIDs)
	}
	if len(notif.Target.Semesters) != 1 || notif.Target.Semesters[0] != 5 {
		t.Errorf("unexpected semester target: %v", notif.Target.Semesters)
	}
	if notif.ExpiresAt == nil {
		t.Error("expected reminder to expire")
	}
}

func TestRunOnce_RerunSkipsExisting(t *testing.T) {
	now := time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)
	exam := examOn(now.AddDate(0, 0, 1))

	pub := newFakePublisher()
	s := New(&fakeExamSource{exams: []directory.Exam{exam}}, pub, nil, zap.NewNop())

	res, err := s.RunOnce(context.Background(), now)
	if err != nil {
		t.Fatalf("first sweep failed: %v", err)
	}
	if res.Created != 1 || res.Skipped != 0 {
		t.Fatalf("first sweep: %+v", res)
	}

	// Same day again: the existing reminder is a skip, not an error
	res, err = s.RunOnce(context.Background(), now.Add(6*time.Hour))
	if err != nil {
		t.Fatalf("second sweep failed: %v", err)
	}
	if res.Created != 0 || res.Skipped != 1 {
		t.Fatalf("second sweep: %+v", res)
	}
	if len(pub.published) != 1 {
		t.Errorf("expected exactly one reminder, got %d", len(pub.published))
	}
}

func TestRunOnce_PriorityRisesCloserToExam(t *testing.T) {
	tests := []struct {
		name         string
		daysOut      int
		wantPriority string
	}{
		{"week before", 7, db.PriorityLow},
		{"day before", 1, db.PriorityNormal},
		{"day of", 0, db.PriorityHigh},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			now := time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)
			exam := examOn(now.AddDate(0, 0, tt.daysOut))

			pub := newFakePublisher()
			s := New(&fakeExamSource{exams: []directory.Exam{exam}}, pub, nil, zap.NewNop())

			res, err := s.RunOnce(context.Background(), now)
			if err != nil {
				t.Fatalf("sweep failed: %v", err)
			}
			if res.Created != 1 {
				t.Fatalf("expected 1 created, got %+v", res)
			}
			if pub.published[0].Priority != tt.wantPriority {
				t.Errorf("priority = %s, want %s", pub.published[0].Priority, tt.wantPriority)
			}
		})
	}
}

func TestRunOnce_NoOffsetDue(t *testing.T) {
	now := time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)
	exam := examOn(now.AddDate(0, 0, 4)) // 4 days out matches no offset

	pub := newFakePublisher()
	s := New(&fakeExamSource{exams: []directory.Exam{exam}}, pub, nil, zap.NewNop())

	res, err := s.RunOnce(context.Background(), now)
	if err != nil {
		t.Fatalf("sweep failed: %v", err)
	}
	if res.Created != 0 || res.Skipped != 0 || res.Failed != 0 {
		t.Fatalf("expected nothing due, got %+v", res)
	}
	if res.ExamsScanned != 1 {
		t.Errorf("expected 1 exam scanned, got %d", res.ExamsScanned)
	}
}

func TestRunOnce_PublishFailureIsCountedNotFatal(t *testing.T) {
	now := time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)
	exam := examOn(now.AddDate(0, 0, 1))

	pub := newFakePublisher()
	pub.publishErr = errors.New("directory down")
	s := New(&fakeExamSource{exams: []directory.Exam{exam}}, pub, nil, zap.NewNop())

	res, err := s.RunOnce(context.Background(), now)
	if err != nil {
		t.Fatalf("sweep should not fail outright: %v", err)
	}
	if res.Failed != 1 {
		t.Fatalf("expected 1 failed, got %+v", res)
	}
}

func TestRunOnce_ExamSourceError(t *testing.T) {
	s := New(&fakeExamSource{err: errors.New("db down")}, newFakePublisher(), nil, zap.NewNop())

	if _, err := s.RunOnce(context.Background(), time.Now()); err == nil {
		t.Fatal("expected error when the exam schedule is unreadable")
	}
}

func TestRunOnce_MultipleExamsSameDay(t *testing.T) {
	now := time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)
	examA := examOn(now.AddDate(0, 0, 1))
	examB := examOn(now.AddDate(0, 0, 1))
	examB.Subject = "Operating Systems"

	pub := newFakePublisher()
	s := New(&fakeExamSource{exams: []directory.Exam{examA, examB}}, pub, nil, zap.NewNop())

	res, err := s.RunOnce(context.Background(), now)
	if err != nil {
		t.Fatalf("sweep failed: %v", err)
	}
	if res.Created != 2 {
		t.Fatalf("expected 2 created, got %+v", res)
	}
}

func TestReminderBody(t *testing.T) {
	exam := directory.Exam{
		Subject:  "Databases",
		ExamDate: time.Date(2026, 3, 17, 0, 0, 0, 0, time.UTC),
	}

	if body := reminderBody(exam, 0); body != "Your Databases exam is today, Tuesday, 17 March 2026. Good luck!" {
		t.Errorf("day-of body: %s", body)
	}
	if body := reminderBody(exam, 1); body != "Your Databases exam is tomorrow, Tuesday, 17 March 2026." {
		t.Errorf("day-before body: %s", body)
	}
	if body := reminderBody(exam, 7); body != "Your Databases exam is in 7 days, on Tuesday, 17 March 2026." {
		t.Errorf("week-out body: %s", body)
	}
}
