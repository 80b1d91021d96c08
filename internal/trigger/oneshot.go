package trigger

import (
	"errors"
	"fmt"
	"time"
)

// oneShotSchedule fires exactly once at a fixed instant, then exhausts.
type oneShotSchedule struct {
	at time.Time
}

func newOneShotSchedule(props map[string]string) (Schedule, error) {
	s := props["fire_at"]
	if s == "" {
		return nil, errors.New("fire_at: required")
	}
	at, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil, fmt.Errorf("fire_at: %v", err)
	}
	return &oneShotSchedule{at: at.UTC()}, nil
}

func (s *oneShotSchedule) Next(after time.Time) (time.Time, bool) {
	if s.at.After(after) {
		return s.at, true
	}
	return time.Time{}, false
}
