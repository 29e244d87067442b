// Copyright 2026 The SiteWarden Authors
// SPDX-License-Identifier: Apache-2.0

package cron

import (
	"testing"
	"time"
)

func mustParse(t *testing.T, expression string) Schedule {
	t.Helper()
	schedule, err := Parse(expression)
	if err != nil {
		t.Fatalf("Parse(%q): %v", expression, err)
	}
	return schedule
}

func mustNext(t *testing.T, schedule Schedule, after time.Time) time.Time {
	t.Helper()
	next, err := schedule.Next(after)
	if err != nil {
		t.Fatalf("Next(%s): %v", after, err)
	}
	return next
}

func TestEveryMinute(t *testing.T) {
	schedule := mustParse(t, "* * * * *")
	after := time.Date(2026, 3, 10, 14, 30, 45, 0, time.UTC)
	next := mustNext(t, schedule, after)
	want := time.Date(2026, 3, 10, 14, 31, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("Next = %s, want %s", next, want)
	}
}

func TestNightlyBackupWindow(t *testing.T) {
	// 03:30 every night.
	schedule := mustParse(t, "30 3 * * *")
	after := time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)
	next := mustNext(t, schedule, after)
	want := time.Date(2026, 3, 11, 3, 30, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("Next = %s, want %s", next, want)
	}
}

func TestStepExpression(t *testing.T) {
	schedule := mustParse(t, "*/15 * * * *")
	after := time.Date(2026, 3, 10, 14, 16, 0, 0, time.UTC)
	next := mustNext(t, schedule, after)
	want := time.Date(2026, 3, 10, 14, 30, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("Next = %s, want %s", next, want)
	}
}

func TestDayOfWeek(t *testing.T) {
	// Mondays at 09:00. 2026-03-10 is a Tuesday.
	schedule := mustParse(t, "0 9 * * 1")
	after := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	next := mustNext(t, schedule, after)
	want := time.Date(2026, 3, 16, 9, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("Next = %s, want %s", next, want)
	}
	if next.Weekday() != time.Monday {
		t.Fatalf("Next fell on %s", next.Weekday())
	}
}

func TestMonthRollover(t *testing.T) {
	// First of every month at midnight.
	schedule := mustParse(t, "0 0 1 * *")
	after := time.Date(2026, 1, 31, 23, 59, 0, 0, time.UTC)
	next := mustNext(t, schedule, after)
	want := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("Next = %s, want %s", next, want)
	}
}

func TestRangeAndList(t *testing.T) {
	schedule := mustParse(t, "0 9-17 * * 1,3,5")
	// 2026-03-11 is a Wednesday; after 17:00 the next slot is
	// Friday 09:00.
	after := time.Date(2026, 3, 11, 17, 30, 0, 0, time.UTC)
	next := mustNext(t, schedule, after)
	want := time.Date(2026, 3, 13, 9, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("Next = %s, want %s", next, want)
	}
}

func TestEveryShorthand(t *testing.T) {
	schedule := mustParse(t, "@every 5m")
	after := time.Date(2026, 3, 10, 14, 2, 30, 0, time.UTC)
	next := mustNext(t, schedule, after)
	want := after.Add(5 * time.Minute)
	if !next.Equal(want) {
		t.Fatalf("Next = %s, want %s", next, want)
	}
}

func TestImpossibleSchedule(t *testing.T) {
	schedule := mustParse(t, "0 0 31 2 *")
	if _, err := schedule.Next(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)); err == nil {
		t.Fatal("Next accepted February 31")
	}
}

func TestParseErrors(t *testing.T) {
	for _, expression := range []string{
		"",
		"* * * *",
		"60 * * * *",
		"* 24 * * *",
		"* * 0 * *",
		"* * * 13 *",
		"* * * * 7",
		"5-2 * * * *",
		"*/0 * * * *",
		"@every 500ms",
		"@every soon",
	} {
		if _, err := Parse(expression); err == nil {
			t.Errorf("Parse(%q) succeeded", expression)
		}
	}
}
