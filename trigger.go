package chrono

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Trigger computes the fire times of a schedule.
//
// Next must be deterministic: a freshly constructed trigger (or one restored
// by UnmarshalTrigger) given the same previous fire time and the same now
// always produces the same sequence, so a schedule replays identically
// across process restarts. Combining triggers keep per-sub-trigger positions
// between calls; MarshalTrigger persists them with the trigger. The returned
// time must be strictly after previous whenever previous is non-nil. A nil
// result with a nil error means the trigger is permanently exhausted.
type Trigger interface {
	Next(previous *time.Time, now time.Time) (*time.Time, error)
}

// DateTrigger fires exactly once, at RunTime.
type DateTrigger struct {
	RunTime time.Time `json:"run_time"`
}

func (t *DateTrigger) Next(previous *time.Time, now time.Time) (*time.Time, error) {
	// Exhausted once the schedule has advanced to (or past) the run time.
	// Comparing against previous rather than returning nil unconditionally
	// keeps the trigger usable inside combinators, where previous reflects
	// the combined sequence.
	if previous != nil && !t.RunTime.After(*previous) {
		return nil, nil
	}
	rt := t.RunTime
	return &rt, nil
}

// IntervalTrigger fires every Interval, optionally bounded by StartTime and
// EndTime. The trigger only advances; skipping occurrences missed during
// downtime is the scheduler loop's decision, not the trigger's.
type IntervalTrigger struct {
	Interval  time.Duration `json:"interval"`
	StartTime *time.Time    `json:"start_time,omitempty"`
	EndTime   *time.Time    `json:"end_time,omitempty"`
}

func (t *IntervalTrigger) Next(previous *time.Time, now time.Time) (*time.Time, error) {
	if t.Interval <= 0 {
		return nil, errors.New("interval trigger requires a positive interval")
	}
	var next time.Time
	if previous == nil {
		if t.StartTime != nil {
			next = *t.StartTime
		} else {
			next = now
		}
	} else {
		next = previous.Add(t.Interval)
	}
	if t.EndTime != nil && next.After(*t.EndTime) {
		return nil, nil
	}
	return &next, nil
}

// Trigger serialization.
//
// Schedules cross the datastore boundary with their trigger flattened into a
// tagged envelope, so every backend stores the same representation and a
// schedule acquired by another process reconstructs the exact trigger.

type triggerEnvelope struct {
	Kind string          `json:"kind" bson:"kind"`
	Data json.RawMessage `json:"data" bson:"data"`
}

type combiningPayload struct {
	Triggers      []json.RawMessage `json:"triggers"`
	NextFireTimes []*time.Time      `json:"next_fire_times,omitempty"`
	Threshold     time.Duration     `json:"threshold,omitempty"`
	MaxIterations int               `json:"max_iterations,omitempty"`
}

const (
	kindDate             = "date"
	kindInterval         = "interval"
	kindCalendarInterval = "calendar_interval"
	kindCron             = "cron"
	kindAnd              = "and"
	kindOr               = "or"
)

// MarshalTrigger encodes a trigger, including nested combinators, into a
// self-describing byte sequence suitable for any DataStore backend.
func MarshalTrigger(t Trigger) ([]byte, error) {
	env, err := encodeTrigger(t)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, &SerializationError{Err: err}
	}
	return data, nil
}

// UnmarshalTrigger is the inverse of MarshalTrigger.
func UnmarshalTrigger(data []byte) (Trigger, error) {
	var env triggerEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, &SerializationError{Err: err}
	}
	return decodeTrigger(&env)
}

func encodeTrigger(t Trigger) (*triggerEnvelope, error) {
	var (
		kind string
		body any
	)
	switch tt := t.(type) {
	case *DateTrigger:
		kind, body = kindDate, tt
	case *IntervalTrigger:
		kind, body = kindInterval, tt
	case *CalendarIntervalTrigger:
		kind, body = kindCalendarInterval, tt
	case *CronTrigger:
		kind, body = kindCron, tt
	case *AndTrigger:
		payload, err := encodeCombining(tt.Triggers)
		if err != nil {
			return nil, err
		}
		payload.NextFireTimes = tt.nextFireTimes
		payload.Threshold = tt.Threshold
		payload.MaxIterations = tt.MaxIterations
		kind, body = kindAnd, payload
	case *OrTrigger:
		payload, err := encodeCombining(tt.Triggers)
		if err != nil {
			return nil, err
		}
		payload.NextFireTimes = tt.nextFireTimes
		kind, body = kindOr, payload
	default:
		return nil, &SerializationError{Err: fmt.Errorf("unknown trigger type %T", t)}
	}

	data, err := json.Marshal(body)
	if err != nil {
		return nil, &SerializationError{Err: err}
	}
	return &triggerEnvelope{Kind: kind, Data: data}, nil
}

func encodeCombining(triggers []Trigger) (*combiningPayload, error) {
	payload := &combiningPayload{Triggers: make([]json.RawMessage, 0, len(triggers))}
	for _, sub := range triggers {
		env, err := encodeTrigger(sub)
		if err != nil {
			return nil, err
		}
		raw, err := json.Marshal(env)
		if err != nil {
			return nil, &SerializationError{Err: err}
		}
		payload.Triggers = append(payload.Triggers, raw)
	}
	return payload, nil
}

func decodeTrigger(env *triggerEnvelope) (Trigger, error) {
	switch env.Kind {
	case kindDate:
		t := new(DateTrigger)
		return t, unmarshalTriggerBody(env.Data, t)
	case kindInterval:
		t := new(IntervalTrigger)
		return t, unmarshalTriggerBody(env.Data, t)
	case kindCalendarInterval:
		t := new(CalendarIntervalTrigger)
		return t, unmarshalTriggerBody(env.Data, t)
	case kindCron:
		t := new(CronTrigger)
		if err := unmarshalTriggerBody(env.Data, t); err != nil {
			return nil, err
		}
		// Reparse eagerly so a corrupt expression surfaces here, not at
		// fire-time computation.
		if err := t.parse(); err != nil {
			return nil, &SerializationError{Err: err}
		}
		return t, nil
	case kindAnd:
		var payload combiningPayload
		if err := unmarshalTriggerBody(env.Data, &payload); err != nil {
			return nil, err
		}
		subs, err := decodeCombining(payload.Triggers)
		if err != nil {
			return nil, err
		}
		return &AndTrigger{
			Triggers:      subs,
			Threshold:     payload.Threshold,
			MaxIterations: payload.MaxIterations,
			nextFireTimes: payload.NextFireTimes,
		}, nil
	case kindOr:
		var payload combiningPayload
		if err := unmarshalTriggerBody(env.Data, &payload); err != nil {
			return nil, err
		}
		subs, err := decodeCombining(payload.Triggers)
		if err != nil {
			return nil, err
		}
		return &OrTrigger{Triggers: subs, nextFireTimes: payload.NextFireTimes}, nil
	default:
		return nil, &SerializationError{Err: fmt.Errorf("unknown trigger kind %q", env.Kind)}
	}
}

func decodeCombining(raws []json.RawMessage) ([]Trigger, error) {
	subs := make([]Trigger, 0, len(raws))
	for _, raw := range raws {
		var env triggerEnvelope
		if err := json.Unmarshal(raw, &env); err != nil {
			return nil, &SerializationError{Err: err}
		}
		sub, err := decodeTrigger(&env)
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, nil
}

func unmarshalTriggerBody(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return &SerializationError{Err: err}
	}
	return nil
}
