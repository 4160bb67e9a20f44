package instruction

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// TimeLayout is the operand wall-clock format: a time of day with a fixed
// numeric zone offset, e.g. "18:00:00+05:30".
const TimeLayout = "15:04:05Z07:00"

var cronParser = cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// clockSpec is a parsed time-of-day operand field.
type clockSpec struct {
	hour, min, sec int
	loc            *time.Location
	sched          cron.Schedule
}

func parseClockSpec(spec string) (clockSpec, error) {
	parsed, err := time.Parse(TimeLayout, spec)
	if err != nil {
		return clockSpec{}, fmt.Errorf("time %q: %w", spec, err)
	}
	h, m, s := parsed.Clock()
	sched, err := cronParser.Parse(fmt.Sprintf("%d %d %d * * *", s, m, h))
	if err != nil {
		return clockSpec{}, fmt.Errorf("time %q: %w", spec, err)
	}
	return clockSpec{hour: h, min: m, sec: s, loc: parsed.Location(), sched: sched}, nil
}

// reached reports whether now has passed today's target in the operand zone.
func (c clockSpec) reached(now time.Time) bool {
	local := now.In(c.loc)
	target := time.Date(local.Year(), local.Month(), local.Day(), c.hour, c.min, c.sec, 0, c.loc)
	return !local.Before(target)
}

// next returns the occurrence strictly after now: today's target if it has
// not passed yet, otherwise tomorrow's.
func (c clockSpec) next(now time.Time) time.Time {
	return c.sched.Next(now.In(c.loc))
}

type atTimeParams struct {
	Time string `json:"time" validate:"required"`
}

// AtTime is true once the wall clock passes the operand's time of day.
// Periodic rules are parked again for the next occurrence on every
// evaluation.
type AtTime struct {
	TimeSpec string

	clock clockSpec
}

func newAtTime(raw map[string]any) (Instruction, error) {
	var p atTimeParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	clock, err := parseClockSpec(p.Time)
	if err != nil {
		return nil, err
	}
	return &AtTime{TimeSpec: p.Time, clock: clock}, nil
}

func (a *AtTime) Op() string       { return OpAtTime }
func (a *AtTime) DeviceID() string { return "" }

func (a *AtTime) Evaluate(_ context.Context, env Env) (bool, error) {
	now := env.Now()
	result := a.clock.reached(now)
	if env.Periodic() {
		env.Defer(a.clock.next(now).Sub(now))
	}
	return result, nil
}

type atTimeOccurrenceParams struct {
	Time       string `json:"time" validate:"required"`
	Occurrence int    `json:"occurrence" validate:"min=0"`
}

// AtTimeWithOccurrence is AtTime with a persisted firing budget. A true
// evaluation decrements the matching occurrence entry on the rule document;
// once the budget is spent the operand stays false and stops rescheduling.
// The budget is read live at evaluation time: deferred instances carry a
// compiled copy that goes stale after the first decrement.
type AtTimeWithOccurrence struct {
	TimeSpec   string
	Occurrence int

	clock clockSpec
}

func newAtTimeWithOccurrence(raw map[string]any) (Instruction, error) {
	var p atTimeOccurrenceParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	clock, err := parseClockSpec(p.Time)
	if err != nil {
		return nil, err
	}
	return &AtTimeWithOccurrence{TimeSpec: p.Time, Occurrence: p.Occurrence, clock: clock}, nil
}

func (a *AtTimeWithOccurrence) Op() string       { return OpAtTimeWithOccurrence }
func (a *AtTimeWithOccurrence) DeviceID() string { return "" }

func (a *AtTimeWithOccurrence) Evaluate(ctx context.Context, env Env) (bool, error) {
	remaining := a.Occurrence
	if live, err := env.Occurrence(ctx, a.TimeSpec); err == nil {
		remaining = live
	}
	if remaining <= 0 {
		return false, nil
	}

	now := env.Now()
	result := a.clock.reached(now)
	if result {
		if err := env.DecrementOccurrence(ctx, a.TimeSpec, remaining); err == nil {
			remaining--
		} else {
			// A failed writeback ends this instance's deferral chain rather
			// than risking double-spent occurrences.
			remaining = 0
		}
	}
	if remaining > 0 {
		env.Defer(a.clock.next(now).Sub(now))
	}
	return result, nil
}
