// Package scheduler runs named periodic actions from the gateway tick.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"k8s.io/utils/clock"
)

// Task names used by the gateway.
const (
	TaskTelemetryPoll = "telemetry-poll"
	TaskTimeSync      = "time-sync"
	TaskLinkHealth    = "link-health"
	TaskWebhook       = "webhook"
)

// Task is one cadence. Interval and Enabled are evaluated on every tick so
// settings changes apply at the next comparison.
type Task struct {
	Name     string
	Interval func() time.Duration
	Enabled  func() bool
	Run      func(ctx context.Context)

	last time.Time
}

// Every returns an interval func for a fixed cadence.
func Every(d time.Duration) func() time.Duration {
	return func() time.Duration { return d }
}

// Scheduler holds tasks in registration order. It is not safe for
// concurrent use; the gateway run loop owns it.
type Scheduler struct {
	clock  clock.PassiveClock
	logger *slog.Logger
	tasks  []*Task
}

func New(clk clock.PassiveClock, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		clock:  clk,
		logger: logger.With("component", "scheduler"),
	}
}

// Add registers a task. Its first run is one interval after registration.
func (s *Scheduler) Add(t Task) {
	t.last = s.clock.Now()
	s.tasks = append(s.tasks, &t)
}

// Tick runs every enabled task whose interval has elapsed since its last run.
func (s *Scheduler) Tick(ctx context.Context) {
	now := s.clock.Now()
	for _, t := range s.tasks {
		if t.Enabled != nil && !t.Enabled() {
			continue
		}
		if now.Sub(t.last) < t.Interval() {
			continue
		}
		t.last = now
		s.logger.Debug("task due", "task", t.Name)
		t.Run(ctx)
	}
}

// Reset re-arms the named task so its next run is one full interval away.
// It reports whether the task exists.
func (s *Scheduler) Reset(name string) bool {
	for _, t := range s.tasks {
		if t.Name == name {
			t.last = s.clock.Now()
			return true
		}
	}
	return false
}

// LastRun returns when the named task last ran or was armed.
func (s *Scheduler) LastRun(name string) (time.Time, bool) {
	for _, t := range s.tasks {
		if t.Name == name {
			return t.last, true
		}
	}
	return time.Time{}, false
}
