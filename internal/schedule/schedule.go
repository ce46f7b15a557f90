// Package schedule evaluates backup cron expressions. All times are UTC.
//
// Expressions use five fields (minute hour dom month dow) with an optional
// leading seconds field, or a descriptor such as @daily. A trailing year
// field is accepted only as "*".
package schedule

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// MinInterval is the smallest allowed gap between two consecutive fire times.
const MinInterval = time.Hour

var (
	// ErrInvalid wraps cron parse failures.
	ErrInvalid = errors.New("invalid backup schedule")
	// ErrTooFrequent is returned when two consecutive fire times are closer than MinInterval.
	ErrTooFrequent = errors.New("backup schedule must be at least 1 hour apart")
	// ErrNeverFires is returned when an expression has no upcoming fire time.
	ErrNeverFires = errors.New("backup schedule never fires")
)

var parser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Parse parses expr. Time zone prefixes (TZ=, CRON_TZ=) are rejected so that
// every schedule evaluates in UTC.
func Parse(expr string) (cron.Schedule, error) {
	expr = strings.TrimSpace(expr)
	if strings.HasPrefix(expr, "TZ=") || strings.HasPrefix(expr, "CRON_TZ=") {
		return nil, fmt.Errorf("%w: time zones are not supported, schedules run in UTC", ErrInvalid)
	}
	if fields := strings.Fields(expr); len(fields) == 7 {
		if year := fields[6]; year != "*" && year != "?" {
			return nil, fmt.Errorf("%w: year field %q is not supported, use *", ErrInvalid, year)
		}
		expr = strings.Join(fields[:6], " ")
	}
	sched, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return sched, nil
}

// NextRun returns the first fire time strictly after now.
func NextRun(expr string, now time.Time) (time.Time, error) {
	sched, err := Parse(expr)
	if err != nil {
		return time.Time{}, err
	}
	next := sched.Next(now.UTC())
	if next.IsZero() {
		return time.Time{}, ErrNeverFires
	}
	return next, nil
}

// Validate parses expr and rejects it when its next two fire times after
// now are less than MinInterval apart.
func Validate(expr string, now time.Time) error {
	sched, err := Parse(expr)
	if err != nil {
		return err
	}
	first := sched.Next(now.UTC())
	if first.IsZero() {
		return ErrNeverFires
	}
	second := sched.Next(first)
	if second.IsZero() {
		return nil
	}
	if second.Sub(first) < MinInterval {
		return ErrTooFrequent
	}
	return nil
}

// Due reports whether a schedule should fire at now. A stored nextRun is due
// once it has passed. Without one, the expression is evaluated from the start
// of now's minute, so a tick landing exactly on a fire time counts.
func Due(expr string, nextRun *time.Time, now time.Time) (bool, error) {
	now = now.UTC()
	if nextRun != nil {
		return !nextRun.After(now), nil
	}
	sched, err := Parse(expr)
	if err != nil {
		return false, err
	}
	next := sched.Next(now.Truncate(time.Minute).Add(-time.Nanosecond))
	if next.IsZero() {
		return false, nil
	}
	return !next.After(now), nil
}
