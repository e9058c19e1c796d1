package chrono

import (
	"errors"
	"testing"
	"time"
)

func TestAndTrigger(t *testing.T) {
	t.Run("intersection of daily and weekday crons fires weekdays only", func(t *testing.T) {
		daily, err := NewCronTrigger("0 0 9 * * *")
		if err != nil {
			t.Fatalf("failed to build trigger: %v", err)
		}
		weekdays, err := NewCronTrigger("0 0 9 * * 1-5")
		if err != nil {
			t.Fatalf("failed to build trigger: %v", err)
		}
		trigger := &AndTrigger{Triggers: []Trigger{daily, weekdays}}

		// 2024-01-01 is a Monday.
		start := mustTime(t, "2024-01-01T00:00:00Z")
		horizon := start.AddDate(0, 0, 30)

		var fires []time.Time
		var previous *time.Time
		for {
			next, err := trigger.Next(previous, start)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if next == nil || next.After(horizon) {
				break
			}
			fires = append(fires, *next)
			previous = next
		}

		if len(fires) != 22 {
			t.Fatalf("expected 22 weekday fires in 30 days, got %d", len(fires))
		}
		for _, fire := range fires {
			if fire.Hour() != 9 || fire.Minute() != 0 || fire.Second() != 0 {
				t.Fatalf("fire %v is not at 09:00:00", fire)
			}
			if wd := fire.Weekday(); wd == time.Saturday || wd == time.Sunday {
				t.Fatalf("fire %v landed on a weekend", fire)
			}
		}
	})

	t.Run("convergence failure returns ErrMaxIterations", func(t *testing.T) {
		saturdays, err := NewCronTrigger("0 0 9 * * 6")
		if err != nil {
			t.Fatalf("failed to build trigger: %v", err)
		}
		sundays, err := NewCronTrigger("0 0 9 * * 0")
		if err != nil {
			t.Fatalf("failed to build trigger: %v", err)
		}
		trigger := &AndTrigger{
			Triggers:      []Trigger{saturdays, sundays},
			MaxIterations: 50,
		}

		_, err = trigger.Next(nil, mustTime(t, "2024-01-01T00:00:00Z"))
		if !errors.Is(err, ErrMaxIterations) {
			t.Fatalf("expected ErrMaxIterations, got %v", err)
		}
	})

	t.Run("exhausts when any sub-trigger exhausts", func(t *testing.T) {
		hourly, err := NewCronTrigger("0 0 * * * *")
		if err != nil {
			t.Fatalf("failed to build trigger: %v", err)
		}
		once := &DateTrigger{RunTime: mustTime(t, "2024-01-01T05:00:00Z")}
		trigger := &AndTrigger{Triggers: []Trigger{hourly, once}}

		previous := mustTime(t, "2024-01-01T05:00:00Z")
		next, err := trigger.Next(&previous, previous)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if next != nil {
			t.Fatalf("expected exhaustion after the one-shot sub-trigger fired, got %v", next)
		}
	})

	t.Run("threshold tolerates near misses", func(t *testing.T) {
		a := &DateTrigger{RunTime: mustTime(t, "2024-01-01T12:00:00Z")}
		b := &DateTrigger{RunTime: mustTime(t, "2024-01-01T12:00:03Z")}
		trigger := &AndTrigger{
			Triggers:  []Trigger{a, b},
			Threshold: 5 * time.Second,
		}

		next, err := trigger.Next(nil, mustTime(t, "2024-01-01T00:00:00Z"))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if next == nil || !next.Equal(a.RunTime) {
			t.Fatalf("expected earliest agreeing time %v, got %v", a.RunTime, next)
		}
	})
}

func TestOrTrigger(t *testing.T) {
	t.Run("union of two crons fires in chronological order", func(t *testing.T) {
		morning, err := NewCronTrigger("0 0 9 * * *")
		if err != nil {
			t.Fatalf("failed to build trigger: %v", err)
		}
		afternoon, err := NewCronTrigger("0 30 14 * * *")
		if err != nil {
			t.Fatalf("failed to build trigger: %v", err)
		}
		trigger := &OrTrigger{Triggers: []Trigger{morning, afternoon}}

		start := mustTime(t, "2024-01-01T00:00:00Z")
		expected := []time.Time{
			mustTime(t, "2024-01-01T09:00:00Z"),
			mustTime(t, "2024-01-01T14:30:00Z"),
			mustTime(t, "2024-01-02T09:00:00Z"),
			mustTime(t, "2024-01-02T14:30:00Z"),
		}

		var previous *time.Time
		for i, want := range expected {
			next, err := trigger.Next(previous, start)
			if err != nil {
				t.Fatalf("fire %d: unexpected error: %v", i, err)
			}
			if next == nil || !next.Equal(want) {
				t.Fatalf("fire %d: expected %v, got %v", i, want, next)
			}
			previous = next
		}
	})

	t.Run("coincident fire times collapse into one", func(t *testing.T) {
		a, err := NewCronTrigger("0 0 9 * * *")
		if err != nil {
			t.Fatalf("failed to build trigger: %v", err)
		}
		b, err := NewCronTrigger("0 0 9 * * 1-5")
		if err != nil {
			t.Fatalf("failed to build trigger: %v", err)
		}
		trigger := &OrTrigger{Triggers: []Trigger{a, b}}

		// 2024-01-01 is a Monday, so both sub-triggers hit 09:00.
		previous := mustTime(t, "2024-01-01T00:00:00Z")
		next, err := trigger.Next(&previous, previous)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if next == nil || !next.Equal(mustTime(t, "2024-01-01T09:00:00Z")) {
			t.Fatalf("expected 09:00 Monday, got %v", next)
		}

		// The tie must not surface twice: the next fire is Tuesday.
		next, err = trigger.Next(next, previous)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if next == nil || !next.Equal(mustTime(t, "2024-01-02T09:00:00Z")) {
			t.Fatalf("expected Tuesday 09:00, got %v", next)
		}
	})

	t.Run("union of phase-shifted intervals keeps both periods", func(t *testing.T) {
		trigger := &OrTrigger{Triggers: []Trigger{
			&IntervalTrigger{Interval: 3 * time.Hour},
			&IntervalTrigger{Interval: 5 * time.Hour},
		}}
		start := mustTime(t, "2024-01-01T00:00:00Z")

		// Both intervals anchor at start, then contribute their own
		// occurrences independently: 3h, 6h, 9h from one and 5h, 10h from
		// the other.
		offsets := []time.Duration{
			0,
			3 * time.Hour,
			5 * time.Hour,
			6 * time.Hour,
			9 * time.Hour,
			10 * time.Hour,
		}

		var previous *time.Time
		for i, offset := range offsets {
			next, err := trigger.Next(previous, start)
			if err != nil {
				t.Fatalf("fire %d: unexpected error: %v", i, err)
			}
			want := start.Add(offset)
			if next == nil || !next.Equal(want) {
				t.Fatalf("fire %d: expected %v, got %v", i, want, next)
			}
			previous = next
		}
	})

	t.Run("exhausts only when all sub-triggers exhaust", func(t *testing.T) {
		first := &DateTrigger{RunTime: mustTime(t, "2024-01-01T00:00:00Z")}
		second := &DateTrigger{RunTime: mustTime(t, "2024-02-01T00:00:00Z")}
		trigger := &OrTrigger{Triggers: []Trigger{first, second}}

		now := mustTime(t, "2023-12-01T00:00:00Z")
		next, err := trigger.Next(nil, now)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if next == nil || !next.Equal(first.RunTime) {
			t.Fatalf("expected %v, got %v", first.RunTime, next)
		}

		next, err = trigger.Next(next, now)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if next == nil || !next.Equal(second.RunTime) {
			t.Fatalf("expected %v, got %v", second.RunTime, next)
		}

		next, err = trigger.Next(next, now)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if next != nil {
			t.Fatalf("expected exhaustion, got %v", next)
		}
	})
}

// TestCombiningTriggerStateRoundTrip verifies that the per-sub-trigger
// positions survive MarshalTrigger, so a schedule whose combined sequence is
// mid-flight resumes at the same point after being reloaded from a store.
func TestCombiningTriggerStateRoundTrip(t *testing.T) {
	start := mustTime(t, "2024-01-01T00:00:00Z")

	advance := func(t *testing.T, trigger Trigger, previous *time.Time, fires int) *time.Time {
		t.Helper()
		for i := 0; i < fires; i++ {
			next, err := trigger.Next(previous, start)
			if err != nil {
				t.Fatalf("fire %d: unexpected error: %v", i, err)
			}
			if next == nil {
				t.Fatalf("fire %d: trigger exhausted early", i)
			}
			previous = next
		}
		return previous
	}

	triggers := map[string]func(t *testing.T) Trigger{
		"or": func(t *testing.T) Trigger {
			return &OrTrigger{Triggers: []Trigger{
				&IntervalTrigger{Interval: 3 * time.Hour},
				&IntervalTrigger{Interval: 5 * time.Hour},
			}}
		},
		"and": func(t *testing.T) Trigger {
			daily, err := NewCronTrigger("0 0 9 * * *")
			if err != nil {
				t.Fatalf("failed to build trigger: %v", err)
			}
			weekdays, err := NewCronTrigger("0 0 9 * * 1-5")
			if err != nil {
				t.Fatalf("failed to build trigger: %v", err)
			}
			return &AndTrigger{Triggers: []Trigger{daily, weekdays}}
		},
	}

	for name, build := range triggers {
		t.Run(name, func(t *testing.T) {
			original := build(t)
			previous := advance(t, original, nil, 3)

			encoded, err := MarshalTrigger(original)
			if err != nil {
				t.Fatalf("marshal failed: %v", err)
			}
			decoded, err := UnmarshalTrigger(encoded)
			if err != nil {
				t.Fatalf("unmarshal failed: %v", err)
			}

			// The decoded copy must continue the exact sequence the original
			// produces from here.
			prevA, prevB := previous, previous
			for i := 0; i < 4; i++ {
				want, err := original.Next(prevA, start)
				if err != nil {
					t.Fatalf("fire %d: unexpected error: %v", i, err)
				}
				got, err := decoded.Next(prevB, start)
				if err != nil {
					t.Fatalf("fire %d: decoded trigger error: %v", i, err)
				}
				if want == nil || got == nil || !want.Equal(*got) {
					t.Fatalf("fire %d: original %v, decoded %v", i, want, got)
				}
				prevA, prevB = want, got
			}
		})
	}
}
