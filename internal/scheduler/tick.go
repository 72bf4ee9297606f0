package scheduler

import (
	"context"
	"fmt"
	"time"

	"catalogsyncd/internal/logger"
	"catalogsyncd/internal/store"
)

// dayOfWeekIndex maps the schedule table's MON..SUN strings onto a
// Monday-first index.
var dayOfWeekIndex = map[string]int{
	"MON": 0, "TUE": 1, "WED": 2, "THU": 3, "FRI": 4, "SAT": 5, "SUN": 6,
}

func weekdayIndex(t time.Time) int {
	wd := int(t.Weekday())
	// time.Weekday is Sunday=0..Saturday=6; rotate to Monday=0..Sunday=6.
	return (wd + 6) % 7
}

// triggerWindow is how long past a schedule's exact minute the tick still
// considers it due — covers a tick loop that wakes up a few minutes
// late.
const triggerWindow = 10 * time.Minute

// isoWeekParity reports whether t's ISO week number is even.
func isoWeekParity(t time.Time) bool {
	_, week := t.ISOWeek()
	return week%2 == 0
}

// passBiweeklyGate: nil last_run_at always passes (never run before), a
// differing ISO year always passes (cross-year parity is not comparable),
// and otherwise the gate passes only when now's ISO-week parity differs
// from last_run_at's — a relative comparison against the last dispatch,
// not an absolute "is the current week even" check.
func passBiweeklyGate(now time.Time, lastRunAt *time.Time) bool {
	if lastRunAt == nil {
		return true
	}
	nowYear, nowWeek := now.ISOWeek()
	lastYear, lastWeek := lastRunAt.In(now.Location()).ISOWeek()
	if nowYear != lastYear {
		return true
	}
	return nowWeek%2 != lastWeek%2
}

// due reports whether schedule e should fire given now (already converted
// to e's own timezone by the caller), applying the day-of-week match, the
// [trigger time, trigger time + triggerWindow) window, and the biweekly
// ISO-week-parity gate when enabled.
func due(e store.ScheduleEntry, now time.Time) bool {
	if !e.Enabled {
		return false
	}
	wantDow, ok := dayOfWeekIndex[e.DayOfWeek]
	if !ok || weekdayIndex(now) != wantDow {
		return false
	}

	// Window is [trigger, trigger+triggerWindow): the target minute itself
	// fires, the instant exactly ten minutes past it does not.
	trigger := time.Date(now.Year(), now.Month(), now.Day(), e.Hour, e.Minute, 0, 0, now.Location())
	if now.Before(trigger) || !now.Before(trigger.Add(triggerWindow)) {
		return false
	}

	if e.Every2Weeks && !passBiweeklyGate(now, e.LastRunAt) {
		return false
	}

	if e.LastRunAt != nil && e.LastRunAt.After(trigger.Add(-triggerWindow)) {
		// Already dispatched for this trigger window.
		return false
	}
	return true
}

// Tick checks every enabled schedule against the current instant and
// invokes the matching job callback from jobs (keyed by schedule key),
// stamping last_run_at on a successful dispatch. Job callbacks live in
// their own packages (internal/freightrun, internal/priceresetrun) and
// are wired in by main.go, keeping this package
// free of import cycles onto them.
func (o *Orchestrator) Tick(ctx context.Context, jobs map[string]func(context.Context) error) error {
	schedules, err := o.Store.ListEnabledSchedules(ctx)
	if err != nil {
		return fmt.Errorf("scheduler: list enabled schedules: %w", err)
	}

	for _, e := range schedules {
		loc, err := time.LoadLocation(e.Timezone)
		if err != nil {
			logger.Warn(logTag, fmt.Sprintf("schedule %s: bad timezone %q: %v", e.Key, e.Timezone, err))
			continue
		}
		now := time.Now().In(loc)
		if !due(e, now) {
			continue
		}

		job, ok := jobs[e.Key]
		if !ok {
			logger.Warn(logTag, fmt.Sprintf("schedule %s is due but no job is registered", e.Key))
			continue
		}

		logger.Info(logTag, fmt.Sprintf("dispatching schedule %s", e.Key))
		if err := job(ctx); err != nil {
			logger.Error(logTag, fmt.Sprintf("schedule %s job failed: %v", e.Key, err))
			continue
		}
		if err := o.Store.MarkScheduleRun(ctx, e.Key, time.Now().UTC()); err != nil {
			logger.Error(logTag, fmt.Sprintf("schedule %s: mark run failed: %v", e.Key, err))
		}
	}
	return nil
}
