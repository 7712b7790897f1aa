// Package persistence writes execution reports to files, as JSON or YAML
// depending on the file extension.
package persistence

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/andrej220/fleetexec/internal/errors"
	"github.com/andrej220/fleetexec/pkg/models"
)

type Serializer interface {
	Marshal(data any) ([]byte, error)
}

type Writer interface {
	Write(filename string, data []byte) error
}

type JSONSerializer struct {
	Prefix, Indent string
}

func (s JSONSerializer) Marshal(data any) ([]byte, error) {
	return json.MarshalIndent(data, s.Prefix, s.Indent)
}

type YAMLSerializer struct{}

func (YAMLSerializer) Marshal(data any) ([]byte, error) {
	return yaml.Marshal(data)
}

// SerializerFor picks YAML for .yaml and .yml files and JSON otherwise.
func SerializerFor(filename string) Serializer {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".yaml", ".yml":
		return YAMLSerializer{}
	default:
		return JSONSerializer{Indent: "    "}
	}
}

// FileWriter writes through a temporary file in the target directory and
// renames it into place, so readers never see a partial report.
type FileWriter struct {
	Overwrite bool
}

func (w FileWriter) Write(filename string, data []byte) error {
	if filename == "" {
		return os.ErrInvalid
	}
	if _, err := os.Stat(filename); !os.IsNotExist(err) && !w.Overwrite {
		return errors.Wrap(os.ErrExist, filename)
	}
	dir := filepath.Dir(filename)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errors.Wrap(err, "create report directory")
	}
	tmp, err := os.CreateTemp(dir, ".report-*")
	if err != nil {
		return errors.Wrap(err, "create temp file")
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errors.Wrap(err, "write report")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "close report")
	}
	if err := os.Chmod(tmp.Name(), 0644); err != nil {
		return errors.Wrap(err, "chmod report")
	}
	return os.Rename(tmp.Name(), filename)
}

// Report is the exported view of an execution.
type Report struct {
	GeneratedAt time.Time         `json:"generated_at" yaml:"generated_at"`
	Execution   string            `json:"execution" yaml:"execution"`
	Job         string            `json:"job" yaml:"job"`
	Status      string            `json:"status" yaml:"status"`
	Reason      string            `json:"reason,omitempty" yaml:"reason,omitempty"`
	TriggeredBy string            `json:"triggered_by" yaml:"triggered_by"`
	CreatedAt   time.Time         `json:"created_at" yaml:"created_at"`
	StartedAt   *time.Time        `json:"started_at,omitempty" yaml:"started_at,omitempty"`
	CompletedAt *time.Time        `json:"completed_at,omitempty" yaml:"completed_at,omitempty"`
	Targets     []TargetReport    `json:"targets" yaml:"targets"`
	Summary     map[string]int    `json:"summary" yaml:"summary"`
	Actions     []string          `json:"actions" yaml:"actions"`
}

type TargetReport struct {
	Target  string         `json:"target" yaml:"target"`
	Status  string         `json:"status" yaml:"status"`
	Reason  string         `json:"reason,omitempty" yaml:"reason,omitempty"`
	Results []ActionReport `json:"results" yaml:"results"`
}

type ActionReport struct {
	Action   string `json:"action" yaml:"action"`
	Status   string `json:"status" yaml:"status"`
	Reason   string `json:"reason,omitempty" yaml:"reason,omitempty"`
	Attempts int    `json:"attempts" yaml:"attempts"`
	ExitCode *int   `json:"exit_code,omitempty" yaml:"exit_code,omitempty"`
	Stdout   string `json:"stdout,omitempty" yaml:"stdout,omitempty"`
	Stderr   string `json:"stderr,omitempty" yaml:"stderr,omitempty"`
}

// NewReport flattens e. Summary counts branches per status.
func NewReport(e *models.Execution, now time.Time) Report {
	r := Report{
		GeneratedAt: now.UTC(),
		Execution:   e.ID,
		Job:         e.JobID,
		Status:      string(e.Status),
		Reason:      string(e.Reason),
		TriggeredBy: e.TriggeredBy,
		CreatedAt:   e.CreatedAt,
		StartedAt:   e.StartedAt,
		CompletedAt: e.CompletedAt,
		Summary:     make(map[string]int),
	}
	for _, a := range e.Actions {
		r.Actions = append(r.Actions, a.Name)
	}
	for _, b := range e.Branches {
		tr := TargetReport{Target: b.TargetID, Status: string(b.Status), Reason: string(b.Reason)}
		for _, res := range b.Results {
			tr.Results = append(tr.Results, ActionReport{
				Action:   res.ActionName,
				Status:   string(res.Status),
				Reason:   string(res.Reason),
				Attempts: res.AttemptCount,
				ExitCode: res.ExitCode,
				Stdout:   res.Stdout,
				Stderr:   res.Stderr,
			})
		}
		r.Targets = append(r.Targets, tr)
		r.Summary[string(b.Status)]++
	}
	return r
}

// WriteReport serializes data and hands it to writer.
func WriteReport(data any, filename string, serializer Serializer, writer Writer) error {
	if filename == "" {
		return os.ErrInvalid
	}
	b, err := serializer.Marshal(data)
	if err != nil {
		return errors.Wrap(err, "serialize report")
	}
	if err := writer.Write(filename, b); err != nil {
		return errors.Wrap(err, "failed to write report")
	}
	return nil
}

// ExportExecution writes the report of e to filename, choosing the format
// from the extension.
func ExportExecution(e *models.Execution, filename string, overwrite bool) error {
	return WriteReport(NewReport(e, time.Now()), filename, SerializerFor(filename), FileWriter{Overwrite: overwrite})
}
