package scheduler

import (
	"testing"
	"time"

	"catalogsyncd/internal/store"
)

func mustLoc(t *testing.T, name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		t.Fatalf("LoadLocation(%q): %v", name, err)
	}
	return loc
}

func TestDueMatchesDayHourMinuteWindow(t *testing.T) {
	loc := mustLoc(t, "Australia/Melbourne")
	// 2026-07-27 is a Monday.
	e := store.ScheduleEntry{Key: "price_reset", Enabled: true, DayOfWeek: "MON", Hour: 9, Minute: 0, Timezone: "Australia/Melbourne"}

	inside := time.Date(2026, 7, 27, 9, 5, 0, 0, loc)
	if !due(e, inside) {
		t.Errorf("expected due at %v", inside)
	}

	before := time.Date(2026, 7, 27, 8, 59, 0, 0, loc)
	if due(e, before) {
		t.Errorf("expected not due before trigger at %v", before)
	}

	exactTrigger := time.Date(2026, 7, 27, 9, 0, 0, 0, loc)
	if !due(e, exactTrigger) {
		t.Errorf("expected due at exactly the target minute %v", exactTrigger)
	}

	windowEnd := time.Date(2026, 7, 27, 9, 10, 0, 0, loc)
	if due(e, windowEnd) {
		t.Errorf("expected not due at exactly target+10m %v (window is half-open)", windowEnd)
	}

	afterWindow := time.Date(2026, 7, 27, 9, 11, 0, 0, loc)
	if due(e, afterWindow) {
		t.Errorf("expected not due past the trigger window at %v", afterWindow)
	}

	wrongDay := time.Date(2026, 7, 28, 9, 5, 0, 0, loc)
	if due(e, wrongDay) {
		t.Errorf("expected not due on wrong day of week at %v", wrongDay)
	}
}

func TestDueEvery2Weeks_NilLastRunAlwaysPasses(t *testing.T) {
	loc := mustLoc(t, "Australia/Melbourne")
	e := store.ScheduleEntry{Key: "product_full_sync", Enabled: true, DayOfWeek: "MON", Hour: 9, Minute: 0, Every2Weeks: true, Timezone: "Australia/Melbourne"}

	weekAMonday := time.Date(2026, 7, 27, 9, 5, 0, 0, loc)
	weekBMonday := weekAMonday.AddDate(0, 0, 7)

	// A never-run biweekly schedule must pass the gate regardless of the
	// current week's absolute parity — only relative-to-last-run parity
	// (or its absence) governs the gate.
	if !due(e, weekAMonday) {
		t.Errorf("expected nil LastRunAt to pass the biweekly gate at %v", weekAMonday)
	}
	if !due(e, weekBMonday) {
		t.Errorf("expected nil LastRunAt to pass the biweekly gate at %v", weekBMonday)
	}
}

func TestDueEvery2Weeks_RelativeParityToLastRun(t *testing.T) {
	loc := mustLoc(t, "Australia/Melbourne")
	lastRun := time.Date(2026, 7, 27, 9, 0, 0, 0, loc)
	e := store.ScheduleEntry{
		Key: "product_full_sync", Enabled: true, DayOfWeek: "MON", Hour: 9, Minute: 0,
		Every2Weeks: true, Timezone: "Australia/Melbourne", LastRunAt: &lastRun,
	}

	nextMonday := lastRun.AddDate(0, 0, 7).Add(5 * time.Minute)   // opposite parity week
	twoMondaysOn := lastRun.AddDate(0, 0, 14).Add(5 * time.Minute) // same parity week as lastRun

	if !due(e, nextMonday) {
		t.Errorf("expected the week after last_run_at (opposite ISO-week parity) to be due at %v", nextMonday)
	}
	if due(e, twoMondaysOn) {
		t.Errorf("expected the same-parity week as last_run_at to still be blocked at %v", twoMondaysOn)
	}
}

func TestDueEvery2Weeks_CrossYearAlwaysPasses(t *testing.T) {
	loc := mustLoc(t, "Australia/Melbourne")
	// 2024-12-23 is ISO (year=2024, week=52); 2025-01-06 is ISO
	// (year=2025, week=2) — both even-parity weeks, which a same-year
	// parity comparison would treat as "same parity, blocked". The ISO
	// years differ, so the gate must pass regardless.
	lastRun := time.Date(2024, 12, 23, 9, 0, 0, 0, loc)
	e := store.ScheduleEntry{
		Key: "product_full_sync", Enabled: true, DayOfWeek: "MON", Hour: 9, Minute: 0,
		Every2Weeks: true, Timezone: "Australia/Melbourne", LastRunAt: &lastRun,
	}
	now := time.Date(2025, 1, 6, 9, 5, 0, 0, loc)
	if !due(e, now) {
		t.Errorf("expected a cross-ISO-year comparison to always pass the biweekly gate at %v", now)
	}
}

func TestDueSkipsAlreadyDispatchedWindow(t *testing.T) {
	loc := mustLoc(t, "Australia/Melbourne")
	trigger := time.Date(2026, 7, 27, 9, 0, 0, 0, loc)
	lastRun := trigger.Add(2 * time.Minute)
	e := store.ScheduleEntry{Key: "price_reset", Enabled: true, DayOfWeek: "MON", Hour: 9, Minute: 0, Timezone: "Australia/Melbourne", LastRunAt: &lastRun}

	now := trigger.Add(5 * time.Minute)
	if due(e, now) {
		t.Errorf("expected not due again within the same trigger window after a dispatch")
	}
}

func TestDueSkipsDisabledSchedule(t *testing.T) {
	loc := mustLoc(t, "Australia/Melbourne")
	e := store.ScheduleEntry{Key: "x", Enabled: false, DayOfWeek: "MON", Hour: 9, Minute: 0, Timezone: "Australia/Melbourne"}
	now := time.Date(2026, 7, 27, 9, 5, 0, 0, loc)
	if due(e, now) {
		t.Errorf("expected disabled schedule to never be due")
	}
}
