package trigger

import (
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// cronParser accepts standard five-field expressions (minute granularity).
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

type cronSchedule struct {
	sched cron.Schedule
	loc   *time.Location
	start *time.Time
	end   *time.Time
}

func newCronSchedule(props map[string]string) (Schedule, error) {
	expr := props["expression"]
	if expr == "" {
		return nil, errors.New("expression: required")
	}

	sched, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("expression: %v", err)
	}

	tz := props["timezone"]
	if tz == "" {
		tz = "UTC"
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("timezone: %v", err)
	}

	start, end, err := parseWindow(props)
	if err != nil {
		return nil, err
	}

	return &cronSchedule{sched: sched, loc: loc, start: start, end: end}, nil
}

func (s *cronSchedule) Next(after time.Time) (time.Time, bool) {
	t := after
	if s.start != nil && t.Before(*s.start) {
		// First activation is the first occurrence at or after window start.
		t = s.start.Add(-time.Nanosecond)
	}

	next := s.sched.Next(t.In(s.loc))
	if next.IsZero() {
		return time.Time{}, false
	}
	next = next.UTC()

	if s.end != nil && next.After(*s.end) {
		return time.Time{}, false
	}
	return next, true
}
