package models

import "time"

type ScheduleType string

const (
	ScheduleOnce     ScheduleType = "once"
	ScheduleInterval ScheduleType = "interval"
	ScheduleWeekly   ScheduleType = "weekly"
	ScheduleCron     ScheduleType = "cron"
)

type IntervalUnit string

const (
	UnitSeconds IntervalUnit = "seconds"
	UnitMinutes IntervalUnit = "minutes"
	UnitHours   IntervalUnit = "hours"
	UnitDays    IntervalUnit = "days"
	UnitWeeks   IntervalUnit = "weeks"
)

// Schedule fires submissions of JobID. Which of RunAt, Interval/Unit,
// Weekdays/TimeOfDay or CronExpression applies depends on Type.
type Schedule struct {
	ID             string       `json:"id" bson:"_id" validate:"required"`
	JobID          string       `json:"job_id" bson:"job_id" validate:"required,jobid"`
	Type           ScheduleType `json:"type" bson:"type" validate:"required,oneof=once interval weekly cron"`
	RunAt          *time.Time   `json:"run_at,omitempty" bson:"run_at,omitempty"`
	Interval       int          `json:"interval,omitempty" bson:"interval,omitempty" validate:"gte=0"`
	Unit           IntervalUnit `json:"unit,omitempty" bson:"unit,omitempty" validate:"omitempty,oneof=seconds minutes hours days weeks"`
	Weekdays       []string     `json:"weekdays,omitempty" bson:"weekdays,omitempty" validate:"omitempty,dive,weekday"`
	TimeOfDay      string       `json:"time_of_day,omitempty" bson:"time_of_day,omitempty" validate:"omitempty,hhmm"`
	CronExpression string       `json:"cron_expression,omitempty" bson:"cron_expression,omitempty"`
	Timezone       string       `json:"timezone,omitempty" bson:"timezone,omitempty" validate:"omitempty,timezone"`
	Targets        *TargetSpec  `json:"targets,omitempty" bson:"targets,omitempty"`
	NextRunAt      time.Time    `json:"next_run_at" bson:"next_run_at"`
	LastRunAt      *time.Time   `json:"last_run_at,omitempty" bson:"last_run_at,omitempty"`
	RunCount       int          `json:"run_count" bson:"run_count"`
	MaxExecutions  *int         `json:"max_executions,omitempty" bson:"max_executions,omitempty" validate:"omitempty,gt=0"`
	EndAt          *time.Time   `json:"end_at,omitempty" bson:"end_at,omitempty"`
	Active         bool         `json:"active" bson:"active"`
	CreatedAt      time.Time    `json:"created_at" bson:"created_at"`
}

func (s *Schedule) Clone() *Schedule {
	if s == nil {
		return nil
	}
	out := *s
	out.RunAt = cloneTime(s.RunAt)
	out.LastRunAt = cloneTime(s.LastRunAt)
	out.EndAt = cloneTime(s.EndAt)
	out.Weekdays = append([]string(nil), s.Weekdays...)
	if s.MaxExecutions != nil {
		m := *s.MaxExecutions
		out.MaxExecutions = &m
	}
	if s.Targets != nil {
		t := *s.Targets
		t.TargetIDs = append([]string(nil), s.Targets.TargetIDs...)
		out.Targets = &t
	}
	return &out
}

// ScheduleRun records one firing of a schedule.
type ScheduleRun struct {
	ScheduleID  string    `json:"schedule_id" bson:"schedule_id"`
	FiredAt     time.Time `json:"fired_at" bson:"fired_at"`
	ExecutionID string    `json:"execution_id,omitempty" bson:"execution_id,omitempty"`
	Error       string    `json:"error,omitempty" bson:"error,omitempty"`
}
