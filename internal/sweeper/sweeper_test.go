package sweeper

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pavelanni/examd/internal/model"
	"github.com/pavelanni/examd/internal/store"
)

type countingTerminator struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (c *countingTerminator) TerminateOverdue(time.Time, time.Duration) ([]int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	return nil, c.err
}

func (c *countingTerminator) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func TestNewRejectsBadSchedule(t *testing.T) {
	if _, err := New(&countingTerminator{}, "every now and then", 0); err == nil {
		t.Error("expected error for invalid schedule")
	}
}

func TestSweepReportsError(t *testing.T) {
	term := &countingTerminator{err: errors.New("db locked")}
	sw, err := New(term, "", 0)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := sw.Sweep(); err == nil {
		t.Error("expected sweep error")
	}
	if term.count() != 1 {
		t.Errorf("expected 1 call, got %d", term.count())
	}
}

func TestScheduleRuns(t *testing.T) {
	term := &countingTerminator{}
	sw, err := New(term, "@every 1s", 0)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	sw.Start()
	deadline := time.Now().Add(5 * time.Second)
	for term.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
	sw.Stop()
	if term.count() == 0 {
		t.Error("expected the scheduled sweep to run")
	}
}

func TestSweepTerminatesOverdueSessions(t *testing.T) {
	s, err := store.New(":memory:")
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	defer s.Close()

	userID, err := s.CreateUser(model.User{Username: "alice", Email: "alice@example.com", PasswordHash: "x", Role: model.UserRoleStudent})
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	examID, err := s.CreateExam(model.Exam{Title: "T", DurationMinutes: 10})
	if err != nil {
		t.Fatalf("CreateExam: %v", err)
	}
	sess, _, err := s.StartSession(examID, userID)
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}

	sw, err := New(s, "", time.Minute)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	sw.now = func() time.Time { return time.Now().Add(5 * time.Minute) }
	if err := sw.Sweep(); err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	got, _ := s.GetSession(sess.ID)
	if got.Status != model.StatusInProgress {
		t.Fatalf("expected session still in progress, got %s", got.Status)
	}

	sw.now = func() time.Time { return time.Now().Add(12 * time.Minute) }
	if err := sw.Sweep(); err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	got, _ = s.GetSession(sess.ID)
	if got.Status != model.StatusTerminated || got.EndTime == nil {
		t.Errorf("expected terminated session with end time, got %+v", got)
	}
}
