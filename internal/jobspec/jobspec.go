// Package jobspec reads job and schedule definitions written in HCL:
//
//	job "patch-web" {
//	  name = "Patch web tier"
//	  targets {
//	    group  = "web"
//	    labels = { env = "prod" }
//	  }
//	  action "update" {
//	    command = "apt-get update"
//	    retries = 2
//	  }
//	}
//
//	schedule "nightly" {
//	  job      = "patch-web"
//	  cron     = "0 2 * * *"
//	  timezone = "Europe/Berlin"
//	}
package jobspec

import (
	"time"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"

	"github.com/andrej220/fleetexec/internal/errors"
	"github.com/andrej220/fleetexec/pkg/models"
)

// Document is the decoded content of one or more definition files.
type Document struct {
	Jobs      []models.Job
	Schedules []models.Schedule
}

type hclFile struct {
	Jobs      []*hclJob      `hcl:"job,block"`
	Schedules []*hclSchedule `hcl:"schedule,block"`
}

type hclTargets struct {
	IDs    []string          `hcl:"ids,optional"`
	Group  string            `hcl:"group,optional"`
	Labels map[string]string `hcl:"labels,optional"`
}

type hclJob struct {
	ID          string       `hcl:"id,label"`
	Name        string       `hcl:"name,optional"`
	Description string       `hcl:"description,optional"`
	FailFast    bool         `hcl:"fail_fast,optional"`
	Active      *bool        `hcl:"active,optional"`
	Targets     *hclTargets  `hcl:"targets,block"`
	Actions     []*hclAction `hcl:"action,block"`
}

type hclScript struct {
	Interpreter string   `hcl:"interpreter,optional"`
	Body        string   `hcl:"body"`
	Args        []string `hcl:"args,optional"`
}

type hclFileTransfer struct {
	Source      string `hcl:"source,optional"`
	Content     string `hcl:"content,optional"`
	Destination string `hcl:"destination"`
	Mode        string `hcl:"mode,optional"`
}

// An action names its type by which of command, script or file_transfer
// it sets.
type hclAction struct {
	Name              string           `hcl:"name,label"`
	Command           *string          `hcl:"command,optional"`
	Script            *hclScript       `hcl:"script,block"`
	FileTransfer      *hclFileTransfer `hcl:"file_transfer,block"`
	Timeout           int              `hcl:"timeout,optional"`
	Retries           int              `hcl:"retries,optional"`
	ContinueOnFailure bool             `hcl:"continue_on_failure,optional"`
}

type hclSchedule struct {
	ID            string      `hcl:"id,label"`
	Job           string      `hcl:"job"`
	RunAt         string      `hcl:"run_at,optional"`
	Every         int         `hcl:"every,optional"`
	Unit          string      `hcl:"unit,optional"`
	Weekdays      []string    `hcl:"weekdays,optional"`
	At            string      `hcl:"at,optional"`
	Cron          string      `hcl:"cron,optional"`
	Timezone      string      `hcl:"timezone,optional"`
	MaxExecutions *int        `hcl:"max_executions,optional"`
	EndAt         string      `hcl:"end_at,optional"`
	Targets       *hclTargets `hcl:"targets,block"`
}

// ParseFile reads the definitions in path.
func ParseFile(path string) (*Document, error) {
	parser := hclparse.NewParser()
	f, diags := parser.ParseHCLFile(path)
	if diags.HasErrors() {
		return nil, errors.Mark(errors.Wrapf(diags, "parse %s", path), errors.ErrValidation)
	}
	return decode(path, f.Body)
}

// Parse reads definitions from src; filename is only used in messages.
func Parse(filename string, src []byte) (*Document, error) {
	parser := hclparse.NewParser()
	f, diags := parser.ParseHCL(src, filename)
	if diags.HasErrors() {
		return nil, errors.Mark(errors.Wrapf(diags, "parse %s", filename), errors.ErrValidation)
	}
	return decode(filename, f.Body)
}

func decode(filename string, body hcl.Body) (*Document, error) {
	var raw hclFile
	if diags := gohcl.DecodeBody(body, nil, &raw); diags.HasErrors() {
		return nil, errors.Mark(errors.Wrapf(diags, "decode %s", filename), errors.ErrValidation)
	}

	doc := &Document{}
	for _, hj := range raw.Jobs {
		j := hj.toJob()
		if err := j.Validate(); err != nil {
			return nil, errors.Mark(errors.Wrap(err, filename), errors.ErrValidation)
		}
		doc.Jobs = append(doc.Jobs, j)
	}
	for _, hs := range raw.Schedules {
		s, err := hs.toSchedule()
		if err == nil {
			err = s.Validate()
		}
		if err != nil {
			return nil, errors.Mark(errors.Wrap(err, filename), errors.ErrValidation)
		}
		doc.Schedules = append(doc.Schedules, s)
	}
	return doc, nil
}

func (t *hclTargets) spec() models.TargetSpec {
	if t == nil {
		return models.TargetSpec{}
	}
	return models.TargetSpec{TargetIDs: t.IDs, Group: t.Group, Labels: t.Labels}
}

func (hj *hclJob) toJob() models.Job {
	j := models.Job{
		ID:          hj.ID,
		Name:        hj.Name,
		Description: hj.Description,
		FailFast:    hj.FailFast,
		Active:      hj.Active == nil || *hj.Active,
		Targets:     hj.Targets.spec(),
	}
	if j.Name == "" {
		j.Name = hj.ID
	}
	for _, ha := range hj.Actions {
		j.Actions = append(j.Actions, ha.toAction())
	}
	return j
}

func (ha *hclAction) toAction() models.Action {
	a := models.Action{
		Name:              ha.Name,
		TimeoutSeconds:    ha.Timeout,
		RetryCount:        ha.Retries,
		ContinueOnFailure: ha.ContinueOnFailure,
	}
	// More than one block leaves Type on the first one and fails validation.
	if ha.FileTransfer != nil {
		a.Type = models.ActionFileTransfer
		a.FileTransfer = &models.FileTransferParams{
			Source:      ha.FileTransfer.Source,
			Content:     ha.FileTransfer.Content,
			Destination: ha.FileTransfer.Destination,
			Mode:        ha.FileTransfer.Mode,
		}
	}
	if ha.Script != nil {
		a.Type = models.ActionScript
		a.Script = &models.ScriptParams{
			Interpreter: ha.Script.Interpreter,
			Body:        ha.Script.Body,
			Args:        ha.Script.Args,
		}
	}
	if ha.Command != nil {
		a.Type = models.ActionCommand
		a.Command = &models.CommandParams{Command: *ha.Command}
	}
	return a
}

func (hs *hclSchedule) toSchedule() (models.Schedule, error) {
	s := models.Schedule{
		ID:             hs.ID,
		JobID:          hs.Job,
		Interval:       hs.Every,
		Unit:           models.IntervalUnit(hs.Unit),
		Weekdays:       hs.Weekdays,
		TimeOfDay:      hs.At,
		CronExpression: hs.Cron,
		Timezone:       hs.Timezone,
		MaxExecutions:  hs.MaxExecutions,
	}
	switch {
	case hs.Cron != "":
		s.Type = models.ScheduleCron
	case len(hs.Weekdays) > 0:
		s.Type = models.ScheduleWeekly
	case hs.Every > 0:
		s.Type = models.ScheduleInterval
	default:
		s.Type = models.ScheduleOnce
	}
	if hs.Targets != nil {
		spec := hs.Targets.spec()
		s.Targets = &spec
	}

	var err error
	if s.RunAt, err = parseTime("run_at", hs.RunAt); err != nil {
		return s, err
	}
	if s.EndAt, err = parseTime("end_at", hs.EndAt); err != nil {
		return s, err
	}
	return s, nil
}

func parseTime(field, v string) (*time.Time, error) {
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil, errors.Wrapf(err, "%s must be RFC 3339", field)
	}
	t = t.UTC()
	return &t, nil
}
