package chrono

import (
	"testing"
	"time"
)

func mustTime(t *testing.T, value string) time.Time {
	t.Helper()
	parsed, err := time.Parse(time.RFC3339, value)
	if err != nil {
		t.Fatalf("bad test time %q: %v", value, err)
	}
	return parsed
}

func TestDateTrigger(t *testing.T) {
	runTime := mustTime(t, "2024-06-01T12:00:00Z")
	trigger := &DateTrigger{RunTime: runTime}
	now := mustTime(t, "2024-01-01T00:00:00Z")

	t.Run("fires once", func(t *testing.T) {
		next, err := trigger.Next(nil, now)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if next == nil || !next.Equal(runTime) {
			t.Fatalf("expected %v, got %v", runTime, next)
		}

		next, err = trigger.Next(next, now)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if next != nil {
			t.Fatalf("expected exhaustion after firing, got %v", next)
		}
	})

	t.Run("still fires when run time already passed", func(t *testing.T) {
		late := runTime.Add(time.Hour)
		next, err := trigger.Next(nil, late)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if next == nil || !next.Equal(runTime) {
			t.Fatalf("expected %v even with now past it, got %v", runTime, next)
		}
	})
}

func TestIntervalTrigger(t *testing.T) {
	t.Run("advances by exactly one period regardless of now", func(t *testing.T) {
		trigger := &IntervalTrigger{Interval: time.Hour}
		previous := mustTime(t, "2024-01-01T00:00:00Z")
		expected := mustTime(t, "2024-01-01T01:00:00Z")

		for _, now := range []time.Time{
			previous,
			previous.Add(30 * time.Minute),
			previous.Add(48 * time.Hour),
		} {
			next, err := trigger.Next(&previous, now)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if next == nil || !next.Equal(expected) {
				t.Fatalf("now=%v: expected %v, got %v", now, expected, next)
			}
		}
	})

	t.Run("first fire uses start time", func(t *testing.T) {
		start := mustTime(t, "2024-03-01T08:00:00Z")
		trigger := &IntervalTrigger{Interval: time.Minute, StartTime: &start}
		next, err := trigger.Next(nil, mustTime(t, "2024-01-01T00:00:00Z"))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if next == nil || !next.Equal(start) {
			t.Fatalf("expected %v, got %v", start, next)
		}
	})

	t.Run("exhausts past end time", func(t *testing.T) {
		end := mustTime(t, "2024-01-01T02:00:00Z")
		trigger := &IntervalTrigger{Interval: time.Hour, EndTime: &end}
		previous := mustTime(t, "2024-01-01T02:00:00Z")
		next, err := trigger.Next(&previous, previous)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if next != nil {
			t.Fatalf("expected exhaustion past end time, got %v", next)
		}
	})

	t.Run("rejects non-positive interval", func(t *testing.T) {
		trigger := &IntervalTrigger{}
		if _, err := trigger.Next(nil, time.Now()); err == nil {
			t.Fatal("expected error for zero interval")
		}
	})
}

func TestCalendarIntervalTrigger(t *testing.T) {
	t.Run("monthly keeps day of month", func(t *testing.T) {
		start := mustTime(t, "2024-01-15T00:00:00Z")
		trigger := &CalendarIntervalTrigger{Months: 1, Hour: 9, StartDate: &start}

		next, err := trigger.Next(nil, start)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if next == nil || !next.Equal(mustTime(t, "2024-01-15T09:00:00Z")) {
			t.Fatalf("unexpected first fire %v", next)
		}

		next, err = trigger.Next(next, start)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if next == nil || !next.Equal(mustTime(t, "2024-02-15T09:00:00Z")) {
			t.Fatalf("unexpected second fire %v", next)
		}
	})

	t.Run("skips nonexistent dates", func(t *testing.T) {
		start := mustTime(t, "2024-01-31T00:00:00Z")
		trigger := &CalendarIntervalTrigger{Months: 1, Hour: 12, StartDate: &start}

		previous := mustTime(t, "2024-01-31T12:00:00Z")
		next, err := trigger.Next(&previous, previous)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		// February 31st does not exist, so the next valid occurrence is
		// March 31st.
		if next == nil || !next.Equal(mustTime(t, "2024-03-31T12:00:00Z")) {
			t.Fatalf("expected Feb 31 to be skipped, got %v", next)
		}
	})

	t.Run("yearly from leap day skips non-leap years", func(t *testing.T) {
		start := mustTime(t, "2024-02-29T00:00:00Z")
		trigger := &CalendarIntervalTrigger{Years: 1, StartDate: &start}

		previous := mustTime(t, "2024-02-29T00:00:00Z")
		next, err := trigger.Next(&previous, previous)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if next == nil || !next.Equal(mustTime(t, "2028-02-29T00:00:00Z")) {
			t.Fatalf("expected next leap day 2028, got %v", next)
		}
	})

	t.Run("daily carries across month boundaries", func(t *testing.T) {
		start := mustTime(t, "2024-01-29T00:00:00Z")
		trigger := &CalendarIntervalTrigger{Days: 5, Hour: 6, StartDate: &start}

		previous := mustTime(t, "2024-01-29T06:00:00Z")
		next, err := trigger.Next(&previous, previous)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if next == nil || !next.Equal(mustTime(t, "2024-02-03T06:00:00Z")) {
			t.Fatalf("expected Feb 3, got %v", next)
		}
	})

	t.Run("requires a calendar unit", func(t *testing.T) {
		trigger := &CalendarIntervalTrigger{Hour: 9}
		if _, err := trigger.Next(nil, time.Now()); err == nil {
			t.Fatal("expected error for zero-unit trigger")
		}
	})
}

// TestTriggerContract checks the shared contract across all variants:
// strict monotonicity after a previous fire time, and determinism across
// fresh instances given identical inputs. Combining triggers advance their
// internal positions on every call, so each comparison uses a new instance.
func TestTriggerContract(t *testing.T) {
	now := mustTime(t, "2024-04-10T10:30:00Z")
	previous := mustTime(t, "2024-04-10T09:00:00Z")
	start := mustTime(t, "2024-01-01T00:00:00Z")

	cronDaily, err := NewCronTrigger("0 0 9 * * *")
	if err != nil {
		t.Fatalf("failed to build cron trigger: %v", err)
	}
	cronWeekday, err := NewCronTrigger("0 0 9 * * 1-5")
	if err != nil {
		t.Fatalf("failed to build cron trigger: %v", err)
	}

	factories := map[string]func() Trigger{
		"interval": func() Trigger { return &IntervalTrigger{Interval: 90 * time.Minute} },
		"calendar": func() Trigger { return &CalendarIntervalTrigger{Days: 1, Hour: 9, StartDate: &start} },
		"cron":     func() Trigger { return cronDaily },
		"and": func() Trigger {
			return &AndTrigger{Triggers: []Trigger{cronDaily, cronWeekday}}
		},
		"or": func() Trigger {
			return &OrTrigger{Triggers: []Trigger{cronDaily, &IntervalTrigger{Interval: time.Hour}}}
		},
	}

	for name, newTrigger := range factories {
		t.Run(name, func(t *testing.T) {
			first, err := newTrigger().Next(&previous, now)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if first == nil {
				t.Fatal("expected a fire time")
			}
			if !first.After(previous) {
				t.Fatalf("fire time %v is not strictly after previous %v", first, previous)
			}

			for i := 0; i < 5; i++ {
				again, err := newTrigger().Next(&previous, now)
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				if again == nil || !again.Equal(*first) {
					t.Fatalf("instance %d: expected deterministic %v, got %v", i, first, again)
				}
			}
		})
	}
}

func TestTriggerMarshalRoundTrip(t *testing.T) {
	start := mustTime(t, "2024-01-01T00:00:00Z")
	end := mustTime(t, "2025-01-01T00:00:00Z")
	cronTrigger, err := NewCronTrigger("0 */5 * * * *")
	if err != nil {
		t.Fatalf("failed to build cron trigger: %v", err)
	}

	triggers := map[string]Trigger{
		"date":     &DateTrigger{RunTime: start},
		"interval": &IntervalTrigger{Interval: time.Hour, StartTime: &start, EndTime: &end},
		"calendar": &CalendarIntervalTrigger{Months: 1, Hour: 3, StartDate: &start},
		"cron":     cronTrigger,
		"and": &AndTrigger{
			Triggers:      []Trigger{cronTrigger, &IntervalTrigger{Interval: time.Minute}},
			Threshold:     2 * time.Second,
			MaxIterations: 500,
		},
		"or": &OrTrigger{Triggers: []Trigger{&DateTrigger{RunTime: end}, cronTrigger}},
	}

	now := mustTime(t, "2024-02-01T00:00:00Z")
	previous := mustTime(t, "2024-01-20T00:00:00Z")

	for name, trigger := range triggers {
		t.Run(name, func(t *testing.T) {
			encoded, err := MarshalTrigger(trigger)
			if err != nil {
				t.Fatalf("marshal failed: %v", err)
			}
			decoded, err := UnmarshalTrigger(encoded)
			if err != nil {
				t.Fatalf("unmarshal failed: %v", err)
			}

			want, wantErr := trigger.Next(&previous, now)
			got, gotErr := decoded.Next(&previous, now)
			if (wantErr == nil) != (gotErr == nil) {
				t.Fatalf("error mismatch: %v vs %v", wantErr, gotErr)
			}
			if (want == nil) != (got == nil) {
				t.Fatalf("fire time mismatch: %v vs %v", want, got)
			}
			if want != nil && !want.Equal(*got) {
				t.Fatalf("decoded trigger fires at %v, original at %v", got, want)
			}
		})
	}

	t.Run("rejects unknown kind", func(t *testing.T) {
		if _, err := UnmarshalTrigger([]byte(`{"kind":"lunar","data":{}}`)); err == nil {
			t.Fatal("expected error for unknown trigger kind")
		}
	})
}
