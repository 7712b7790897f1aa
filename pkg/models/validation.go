package models

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

var validate *validator.Validate

var (
	jobIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_.-]{1,128}$`)
	hhmmPattern  = regexp.MustCompile(`^([01][0-9]|2[0-3]):[0-5][0-9]$`)
)

var weekdayNames = map[string]time.Weekday{
	"sun": time.Sunday, "mon": time.Monday, "tue": time.Tuesday, "wed": time.Wednesday,
	"thu": time.Thursday, "fri": time.Friday, "sat": time.Saturday,
}

func init() {
	validate = validator.New()

	// Register custom validations
	_ = validate.RegisterValidation("jobid", func(fl validator.FieldLevel) bool {
		return jobIDPattern.MatchString(fl.Field().String())
	})
	_ = validate.RegisterValidation("hhmm", func(fl validator.FieldLevel) bool {
		return hhmmPattern.MatchString(fl.Field().String())
	})
	_ = validate.RegisterValidation("weekday", func(fl validator.FieldLevel) bool {
		_, ok := ParseWeekday(fl.Field().String())
		return ok
	})
	_ = validate.RegisterValidation("filemode", validateFileMode)

	validate.RegisterStructValidation(validateActionParams, Action{})
	validate.RegisterStructValidation(validateScheduleRule, Schedule{})
}

// ParseWeekday accepts three-letter or full English day names, any case.
func ParseWeekday(s string) (time.Weekday, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	if len(s) < 3 {
		return 0, false
	}
	d, ok := weekdayNames[s[:3]]
	if !ok {
		return 0, false
	}
	if len(s) > 3 && !strings.EqualFold(d.String(), s) {
		return 0, false
	}
	return d, true
}

func validateFileMode(fl validator.FieldLevel) bool {
	v, err := strconv.ParseUint(fl.Field().String(), 8, 32)
	return err == nil && v <= 0o7777
}

// validateActionParams requires exactly the parameter block named by Type.
func validateActionParams(sl validator.StructLevel) {
	a := sl.Current().Interface().(Action)
	blocks := map[ActionType]bool{
		ActionCommand:      a.Command != nil,
		ActionScript:       a.Script != nil,
		ActionFileTransfer: a.FileTransfer != nil,
	}
	for typ, set := range blocks {
		switch {
		case typ == a.Type && !set:
			sl.ReportError(a.Type, string(typ), "Type", "params_missing", "")
		case typ != a.Type && set:
			sl.ReportError(a.Type, string(typ), "Type", "params_mismatch", string(a.Type))
		}
	}
}

func validateScheduleRule(sl validator.StructLevel) {
	s := sl.Current().Interface().(Schedule)
	switch s.Type {
	case ScheduleOnce:
		if s.RunAt == nil {
			sl.ReportError(s.RunAt, "RunAt", "RunAt", "required_for_once", "")
		}
	case ScheduleInterval:
		if s.Interval <= 0 {
			sl.ReportError(s.Interval, "Interval", "Interval", "required_for_interval", "")
		}
		if s.Unit == "" {
			sl.ReportError(s.Unit, "Unit", "Unit", "required_for_interval", "")
		}
	case ScheduleWeekly:
		if len(s.Weekdays) == 0 {
			sl.ReportError(s.Weekdays, "Weekdays", "Weekdays", "required_for_weekly", "")
		}
		if s.TimeOfDay == "" {
			sl.ReportError(s.TimeOfDay, "TimeOfDay", "TimeOfDay", "required_for_weekly", "")
		}
	case ScheduleCron:
		if strings.TrimSpace(s.CronExpression) == "" {
			sl.ReportError(s.CronExpression, "CronExpression", "CronExpression", "required_for_cron", "")
		}
	}
}

// Validate checks the job and every action's parameter block.
func (j *Job) Validate() error {
	if err := validate.Struct(j); err != nil {
		return fmt.Errorf("job %q: %w", j.ID, err)
	}
	return nil
}

func (s *Schedule) Validate() error {
	if err := validate.Struct(s); err != nil {
		return fmt.Errorf("schedule %q: %w", s.ID, err)
	}
	return nil
}

func (t *Target) Validate() error {
	if err := validate.Struct(t); err != nil {
		return fmt.Errorf("target %q: %w", t.ID, err)
	}
	return nil
}

// ValidateStruct runs the shared validator over any tagged struct.
func ValidateStruct(v any) error {
	return validate.Struct(v)
}
