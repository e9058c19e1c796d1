package chrono

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// cronParser accepts six-field expressions with a leading seconds field:
// "second minute hour day-of-month month day-of-week".
var cronParser = cron.NewParser(
	cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow,
)

// CronTrigger fires on calendar instants matching a cron expression. Field
// carry, month lengths and leap years follow standard cron semantics;
// nonexistent dates are simply never matched.
type CronTrigger struct {
	Expr      string     `json:"expr"`
	StartTime *time.Time `json:"start_time,omitempty"`
	EndTime   *time.Time `json:"end_time,omitempty"`

	schedule cron.Schedule
}

// NewCronTrigger parses expr immediately so invalid expressions fail at
// construction time.
func NewCronTrigger(expr string) (*CronTrigger, error) {
	t := &CronTrigger{Expr: expr}
	if err := t.parse(); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *CronTrigger) parse() error {
	schedule, err := cronParser.Parse(t.Expr)
	if err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", t.Expr, err)
	}
	t.schedule = schedule
	return nil
}

func (t *CronTrigger) Next(previous *time.Time, now time.Time) (*time.Time, error) {
	if t.schedule == nil {
		if err := t.parse(); err != nil {
			return nil, err
		}
	}

	base := now
	if previous != nil {
		base = *previous
	}
	if t.StartTime != nil && base.Before(*t.StartTime) {
		// Back off one second so the start instant itself is a candidate;
		// the underlying schedule only yields times strictly after base.
		base = t.StartTime.Add(-time.Second)
	}

	next := t.schedule.Next(base)
	if next.IsZero() {
		return nil, nil
	}
	if t.EndTime != nil && next.After(*t.EndTime) {
		return nil, nil
	}
	return &next, nil
}
