// Package sweeper periodically terminates exam sessions that ran past their
// time limit without being submitted.
package sweeper

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultSchedule runs the sweep once a minute.
const DefaultSchedule = "@every 1m"

// Terminator closes overdue sessions and returns their IDs.
type Terminator interface {
	TerminateOverdue(now time.Time, grace time.Duration) ([]int64, error)
}

// Sweeper runs Terminator on a cron schedule.
type Sweeper struct {
	cron  *cron.Cron
	store Terminator
	grace time.Duration
	now   func() time.Time
}

// New creates a sweeper for the given cron spec. An empty spec uses
// DefaultSchedule.
func New(store Terminator, spec string, grace time.Duration) (*Sweeper, error) {
	if spec == "" {
		spec = DefaultSchedule
	}
	sw := &Sweeper{
		cron:  cron.New(),
		store: store,
		grace: grace,
		now:   time.Now,
	}
	if _, err := sw.cron.AddFunc(spec, func() { _ = sw.Sweep() }); err != nil {
		return nil, fmt.Errorf("schedule %q: %w", spec, err)
	}
	return sw, nil
}

// Start runs the schedule in the background.
func (sw *Sweeper) Start() {
	sw.cron.Start()
	slog.Info("session sweeper started", "grace", sw.grace)
}

// Stop halts the schedule and waits for a running sweep to finish.
func (sw *Sweeper) Stop() {
	<-sw.cron.Stop().Done()
}

// Sweep terminates overdue sessions once.
func (sw *Sweeper) Sweep() error {
	ids, err := sw.store.TerminateOverdue(sw.now(), sw.grace)
	if err != nil {
		slog.Error("session sweep failed", "error", err)
		return err
	}
	if len(ids) > 0 {
		slog.Info("terminated overdue sessions", "session_ids", ids)
	}
	return nil
}
