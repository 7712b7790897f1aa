package scheduler

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/andrej220/fleetexec/internal/errors"
	"github.com/andrej220/fleetexec/pkg/models"
)

// Rule yields the next fire time strictly after the given instant. A zero
// time means the rule never fires again.
type Rule interface {
	Next(after time.Time) time.Time
}

var unitDurations = map[models.IntervalUnit]time.Duration{
	models.UnitSeconds: time.Second,
	models.UnitMinutes: time.Minute,
	models.UnitHours:   time.Hour,
	models.UnitDays:    24 * time.Hour,
	models.UnitWeeks:   7 * 24 * time.Hour,
}

// RuleFor builds the rule of s. Interval rules keep their cadence on
// anchor, normally the schedule's previous next_run_at.
func RuleFor(s *models.Schedule, anchor time.Time) (Rule, error) {
	loc, err := location(s.Timezone)
	if err != nil {
		return nil, err
	}
	switch s.Type {
	case models.ScheduleOnce:
		if s.RunAt == nil {
			return nil, errors.Mark(errors.New("once schedule without run_at"), errors.ErrValidation)
		}
		return onceRule{at: *s.RunAt}, nil
	case models.ScheduleInterval:
		unit, ok := unitDurations[s.Unit]
		if !ok || s.Interval <= 0 {
			return nil, errors.Mark(errors.Newf("invalid interval %d %s", s.Interval, s.Unit), errors.ErrValidation)
		}
		return intervalRule{anchor: anchor, step: time.Duration(s.Interval) * unit}, nil
	case models.ScheduleWeekly:
		expr, err := weeklyExpression(s.Weekdays, s.TimeOfDay)
		if err != nil {
			return nil, err
		}
		return cronRule(expr, loc)
	case models.ScheduleCron:
		return cronRule(s.CronExpression, loc)
	}
	return nil, errors.Mark(errors.Newf("unknown schedule type %q", s.Type), errors.ErrValidation)
}

func location(tz string) (*time.Location, error) {
	if tz == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "timezone %q", tz), errors.ErrValidation)
	}
	return loc, nil
}

type onceRule struct{ at time.Time }

func (r onceRule) Next(after time.Time) time.Time {
	if r.at.After(after) {
		return r.at
	}
	return time.Time{}
}

type intervalRule struct {
	anchor time.Time
	step   time.Duration
}

func (r intervalRule) Next(after time.Time) time.Time {
	if r.anchor.After(after) {
		return r.anchor
	}
	n := after.Sub(r.anchor)/r.step + 1
	return r.anchor.Add(n * r.step)
}

type zonedRule struct {
	sched cron.Schedule
	loc   *time.Location
}

func (r zonedRule) Next(after time.Time) time.Time {
	next := r.sched.Next(after.In(r.loc))
	if next.IsZero() {
		return next
	}
	return next.UTC()
}

func cronRule(expr string, loc *time.Location) (Rule, error) {
	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "cron expression %q", expr), errors.ErrValidation)
	}
	return zonedRule{sched: sched, loc: loc}, nil
}

// weeklyExpression turns day names and HH:MM into a five-field cron spec.
func weeklyExpression(days []string, timeOfDay string) (string, error) {
	if len(days) == 0 {
		return "", errors.Mark(errors.New("weekly schedule without weekdays"), errors.ErrValidation)
	}
	hh, mm, ok := strings.Cut(timeOfDay, ":")
	hour, herr := strconv.Atoi(hh)
	minute, merr := strconv.Atoi(mm)
	if !ok || herr != nil || merr != nil || hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return "", errors.Mark(errors.Newf("time of day %q is not HH:MM", timeOfDay), errors.ErrValidation)
	}
	nums := make([]string, 0, len(days))
	seen := make(map[time.Weekday]bool)
	for _, d := range days {
		wd, ok := models.ParseWeekday(d)
		if !ok {
			return "", errors.Mark(errors.Newf("unknown weekday %q", d), errors.ErrValidation)
		}
		if seen[wd] {
			continue
		}
		seen[wd] = true
		nums = append(nums, strconv.Itoa(int(wd)))
	}
	return fmt.Sprintf("%d %d * * %s", minute, hour, strings.Join(nums, ",")), nil
}
