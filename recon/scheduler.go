package recon

import (
	"context"
	"log/slog"
	"time"
)

// SchedulerConfig configures the daily reporting scheduler.
type SchedulerConfig struct {
	Reporter  *Reporter
	Window    time.Duration
	RunHour   int
	RunMinute int
	Location  *time.Location
	Log       *slog.Logger
}

// Scheduler executes the reporter on a fixed daily cadence.
type Scheduler struct {
	reporter  *Reporter
	window    time.Duration
	runHour   int
	runMinute int
	location  *time.Location
	log       *slog.Logger
}

// NewScheduler constructs a scheduler with sane defaults.
func NewScheduler(cfg SchedulerConfig) *Scheduler {
	window := cfg.Window
	if window <= 0 {
		window = 24 * time.Hour
	}
	loc := cfg.Location
	if loc == nil {
		loc = time.UTC
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{
		reporter:  cfg.Reporter,
		window:    window,
		runHour:   clampHour(cfg.RunHour),
		runMinute: clampMinute(cfg.RunMinute),
		location:  loc,
		log:       log.With("component", "recon-scheduler"),
	}
}

// Start begins the scheduling loop until the context is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	if s == nil || s.reporter == nil {
		return
	}
	for {
		now := time.Now().In(s.location)
		next := s.nextRun(now)
		timer := time.NewTimer(next.Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			opts := RunOptions{Start: next.Add(-s.window), End: next}
			if _, err := s.reporter.Run(ctx, opts); err != nil {
				s.log.Error("scheduled run failed", "error", err.Error())
			}
		}
	}
}

func (s *Scheduler) nextRun(after time.Time) time.Time {
	target := time.Date(after.Year(), after.Month(), after.Day(), s.runHour, s.runMinute, 0, 0, s.location)
	if !target.After(after) {
		target = target.Add(24 * time.Hour)
	}
	return target
}

func clampHour(hour int) int {
	if hour < 0 {
		return 0
	}
	if hour > 23 {
		return 23
	}
	return hour
}

func clampMinute(minute int) int {
	if minute < 0 {
		return 0
	}
	if minute > 59 {
		return 59
	}
	return minute
}
