// Package trigger implements the trigger capability interface and its
// variants. A trigger type provides exactly two capabilities: computing the
// next activation time and validating its properties. Variants are selected
// by the type tag carried in the spec; there is no inheritance, only the
// Schedule interface.
package trigger

import (
	"errors"
	"fmt"
	"time"

	"github.com/opengine-io/opengine/internal/domain"
)

// ErrInvalidSpec is returned when a trigger spec fails the type's
// validation check. Wrapped errors carry the property-level detail.
var ErrInvalidSpec = errors.New("invalid trigger spec")

// Schedule computes activation times for one trigger instance.
type Schedule interface {
	// Next returns the first activation strictly after the given time.
	// ok is false when the trigger will never fire again (exhausted).
	Next(after time.Time) (at time.Time, ok bool)
}

// Trigger type tags.
const (
	TypeCron     = "cron"
	TypeInterval = "interval"
	TypeOneShot  = "at"
)

type factory func(props map[string]string) (Schedule, error)

var factories = map[string]factory{
	TypeCron:     newCronSchedule,
	TypeInterval: newIntervalSchedule,
	TypeOneShot:  newOneShotSchedule,
}

// New builds a Schedule from a spec. Building validates: a nil error means
// the spec passed the type's validity check.
func New(spec domain.TriggerSpec) (Schedule, error) {
	f, ok := factories[spec.Type]
	if !ok {
		return nil, fmt.Errorf("%w: unknown type %q", ErrInvalidSpec, spec.Type)
	}
	sched, err := f(spec.Properties)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSpec, err)
	}
	return sched, nil
}

// Validate checks a spec without keeping the schedule.
func Validate(spec domain.TriggerSpec) error {
	_, err := New(spec)
	return err
}

// parseWindow reads the optional start_at/end_at RFC3339 bounds shared by
// all trigger types.
func parseWindow(props map[string]string) (start, end *time.Time, err error) {
	if s := props["start_at"]; s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return nil, nil, fmt.Errorf("start_at: %v", err)
		}
		t = t.UTC()
		start = &t
	}
	if s := props["end_at"]; s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return nil, nil, fmt.Errorf("end_at: %v", err)
		}
		t = t.UTC()
		end = &t
	}
	if start != nil && end != nil && end.Before(*start) {
		return nil, nil, errors.New("end_at before start_at")
	}
	return start, end, nil
}
