package scheduler

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	clocktesting "k8s.io/utils/clock/testing"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestScheduler() (*Scheduler, *clocktesting.FakeClock) {
	clk := clocktesting.NewFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	return New(clk, newTestLogger()), clk
}

func TestMillisecondTicksRespectInterval(t *testing.T) {
	s, clk := newTestScheduler()
	var runs []time.Time
	s.Add(Task{
		Name:     TaskTelemetryPoll,
		Interval: Every(20 * time.Second),
		Run:      func(context.Context) { runs = append(runs, clk.Now()) },
	})

	// 65 seconds of 1 ms ticks.
	for i := 0; i < 65000; i++ {
		clk.Step(time.Millisecond)
		s.Tick(context.Background())
	}

	if len(runs) != 3 {
		t.Fatalf("runs = %d, want 3", len(runs))
	}
	for i := 1; i < len(runs); i++ {
		if gap := runs[i].Sub(runs[i-1]); gap < 20*time.Second {
			t.Errorf("gap %d = %v, want >= 20s", i, gap)
		}
	}
}

func TestIntervalChangeAppliesNextComparison(t *testing.T) {
	s, clk := newTestScheduler()
	interval := 60 * time.Second
	var runs int
	s.Add(Task{
		Name:     TaskWebhook,
		Interval: func() time.Duration { return interval },
		Run:      func(context.Context) { runs++ },
	})

	clk.Step(15 * time.Second)
	s.Tick(context.Background())
	if runs != 0 {
		t.Fatalf("ran early")
	}

	interval = 10 * time.Second
	s.Tick(context.Background())
	if runs != 1 {
		t.Fatalf("runs = %d after shortening interval, want 1", runs)
	}
}

func TestDisabledTaskDoesNotRun(t *testing.T) {
	s, clk := newTestScheduler()
	enabled := false
	var runs int
	s.Add(Task{
		Name:     TaskTimeSync,
		Interval: Every(time.Hour),
		Enabled:  func() bool { return enabled },
		Run:      func(context.Context) { runs++ },
	})

	clk.Step(2 * time.Hour)
	s.Tick(context.Background())
	if runs != 0 {
		t.Fatalf("disabled task ran")
	}

	enabled = true
	s.Tick(context.Background())
	if runs != 1 {
		t.Fatalf("runs = %d, want 1", runs)
	}
}

func TestResetRearmsTask(t *testing.T) {
	s, clk := newTestScheduler()
	var runs int
	s.Add(Task{
		Name:     TaskTelemetryPoll,
		Interval: Every(20 * time.Second),
		Run:      func(context.Context) { runs++ },
	})

	clk.Step(19 * time.Second)
	if !s.Reset(TaskTelemetryPoll) {
		t.Fatal("Reset reported unknown task")
	}
	clk.Step(2 * time.Second)
	s.Tick(context.Background())
	if runs != 0 {
		t.Fatal("task ran before a full interval after reset")
	}
	clk.Step(18 * time.Second)
	s.Tick(context.Background())
	if runs != 1 {
		t.Fatalf("runs = %d, want 1", runs)
	}
	if s.Reset("missing") {
		t.Error("Reset of unknown task reported true")
	}
}

func TestTasksRunInRegistrationOrder(t *testing.T) {
	s, clk := newTestScheduler()
	var order []string
	for _, name := range []string{TaskTelemetryPoll, TaskLinkHealth, TaskWebhook} {
		name := name
		s.Add(Task{
			Name:     name,
			Interval: Every(time.Second),
			Run:      func(context.Context) { order = append(order, name) },
		})
	}
	clk.Step(time.Second)
	s.Tick(context.Background())
	if len(order) != 3 || order[0] != TaskTelemetryPoll || order[2] != TaskWebhook {
		t.Errorf("order = %v", order)
	}
}
