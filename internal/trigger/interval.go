package trigger

import (
	"errors"
	"fmt"
	"strconv"
	"time"
)

type intervalSchedule struct {
	every    time.Duration
	anchor   time.Time // first activation; fires at anchor + k*every
	maxFires int       // 0 = unbounded
	end      *time.Time
}

func newIntervalSchedule(props map[string]string) (Schedule, error) {
	everyStr := props["every"]
	if everyStr == "" {
		return nil, errors.New("every: required")
	}
	every, err := time.ParseDuration(everyStr)
	if err != nil {
		return nil, fmt.Errorf("every: %v", err)
	}
	if every < time.Second {
		return nil, errors.New("every: must be at least 1s")
	}

	start, end, err := parseWindow(props)
	if err != nil {
		return nil, err
	}

	maxFires := 0
	if s := props["max_fires"]; s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			return nil, errors.New("max_fires: must be a positive integer")
		}
		maxFires = n
	}
	if maxFires > 0 && start == nil {
		return nil, errors.New("max_fires: requires start_at")
	}

	sched := &intervalSchedule{every: every, maxFires: maxFires, end: end}
	if start != nil {
		sched.anchor = *start
	}
	return sched, nil
}

func (s *intervalSchedule) Next(after time.Time) (time.Time, bool) {
	anchor := s.anchor
	if anchor.IsZero() {
		// No start bound: the first activation is one interval after the
		// reference point, then the grid is anchored there.
		anchor = after.Add(s.every)
	}

	next := anchor
	fires := 1
	for !next.After(after) {
		next = next.Add(s.every)
		fires++
	}

	if s.maxFires > 0 && fires > s.maxFires {
		return time.Time{}, false
	}
	if s.end != nil && next.After(*s.end) {
		return time.Time{}, false
	}
	return next.UTC(), true
}
