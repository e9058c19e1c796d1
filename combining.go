package chrono

import (
	"errors"
	"time"
)

const (
	defaultAndThreshold     = time.Second
	defaultAndMaxIterations = 10000
)

// seedFireTimes fills the per-sub-trigger positions on first use. Positions
// already present (freshly computed or restored by UnmarshalTrigger) are kept
// as long as they match the trigger list.
func seedFireTimes(triggers []Trigger, state []*time.Time, previous *time.Time, now time.Time) ([]*time.Time, error) {
	if len(state) == len(triggers) {
		return state, nil
	}
	state = make([]*time.Time, len(triggers))
	for i, sub := range triggers {
		next, err := sub.Next(previous, now)
		if err != nil {
			return nil, err
		}
		state[i] = next
	}
	return state, nil
}

// AndTrigger fires only when every sub-trigger produces a fire time within
// Threshold of the others. Whenever the candidate times disagree, the
// triggers that produced the earliest ones are advanced and the comparison
// restarts, up to MaxIterations attempts before failing with
// ErrMaxIterations. The combinator is exhausted as soon as any sub-trigger
// is.
//
// Each sub-trigger's pending candidate is tracked between calls and
// persisted by MarshalTrigger, so the combined sequence resumes exactly
// where it left off after a restart.
type AndTrigger struct {
	Triggers []Trigger

	// Threshold is the maximum spread between sub-trigger fire times that
	// still counts as agreement. Defaults to one second.
	Threshold time.Duration

	// MaxIterations bounds the convergence search. Defaults to 10000.
	MaxIterations int

	nextFireTimes []*time.Time
}

func (t *AndTrigger) Next(previous *time.Time, now time.Time) (*time.Time, error) {
	if len(t.Triggers) == 0 {
		return nil, errors.New("and trigger requires at least one sub-trigger")
	}
	threshold := t.Threshold
	if threshold <= 0 {
		threshold = defaultAndThreshold
	}
	maxIterations := t.MaxIterations
	if maxIterations <= 0 {
		maxIterations = defaultAndMaxIterations
	}

	state, err := seedFireTimes(t.Triggers, t.nextFireTimes, previous, now)
	if err != nil {
		return nil, err
	}
	t.nextFireTimes = state

	for i := 0; i < maxIterations; i++ {
		var earliest, latest *time.Time
		for _, ft := range t.nextFireTimes {
			if ft == nil {
				return nil, nil
			}
			if earliest == nil || ft.Before(*earliest) {
				earliest = ft
			}
			if latest == nil || ft.After(*latest) {
				latest = ft
			}
		}

		if latest.Sub(*earliest) <= threshold {
			fire := *earliest
			// Agreement: advance every position past its agreed time so the
			// next call starts from fresh candidates.
			for j, sub := range t.Triggers {
				next, err := sub.Next(t.nextFireTimes[j], now)
				if err != nil {
					return nil, err
				}
				t.nextFireTimes[j] = next
			}
			return &fire, nil
		}

		// Advance every trigger still sitting at (or near) the earliest
		// candidate and compare again.
		for j, sub := range t.Triggers {
			if t.nextFireTimes[j].Sub(*earliest) <= threshold {
				next, err := sub.Next(t.nextFireTimes[j], now)
				if err != nil {
					return nil, err
				}
				t.nextFireTimes[j] = next
			}
		}
	}
	return nil, ErrMaxIterations
}

// OrTrigger fires on every fire time of every sub-trigger in chronological
// order: the union of the sub-sequences. Sub-triggers that produced the
// earliest candidate are advanced; the others keep their pending candidates,
// so phase-shifted sub-triggers each contribute their own occurrences.
// Coincident fire times collapse into one. The combinator is exhausted only
// when every sub-trigger is.
//
// The pending candidates are tracked between calls and persisted by
// MarshalTrigger, so the union sequence resumes exactly where it left off
// after a restart.
type OrTrigger struct {
	Triggers []Trigger

	nextFireTimes []*time.Time
}

func (t *OrTrigger) Next(previous *time.Time, now time.Time) (*time.Time, error) {
	if len(t.Triggers) == 0 {
		return nil, errors.New("or trigger requires at least one sub-trigger")
	}
	state, err := seedFireTimes(t.Triggers, t.nextFireTimes, previous, now)
	if err != nil {
		return nil, err
	}
	t.nextFireTimes = state

	var earliest *time.Time
	for _, ft := range t.nextFireTimes {
		if ft != nil && (earliest == nil || ft.Before(*earliest)) {
			earliest = ft
		}
	}
	if earliest == nil {
		return nil, nil
	}
	fire := *earliest

	// Advance only the sub-triggers that produced the earliest time; ties
	// collapse because they all move past it together.
	for i, sub := range t.Triggers {
		if t.nextFireTimes[i] != nil && t.nextFireTimes[i].Equal(fire) {
			next, err := sub.Next(t.nextFireTimes[i], now)
			if err != nil {
				return nil, err
			}
			t.nextFireTimes[i] = next
		}
	}
	return &fire, nil
}
