// Package mapping loads the static tables that map hospital codes and
// canonical field names onto care-platform programs, teams and questions.
package mapping

import (
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/ehr/episodesync/internal/syncerr"
)

// Team routes a department's episodes to a platform program and care team.
type Team struct {
	Program string `yaml:"program"`
	Team    string `yaml:"team"`
}

// Form maps canonical field names to question ids of one task type.
type Form struct {
	TaskType string            `yaml:"task_type"`
	Fields   map[string]string `yaml:"fields"`
}

// Question returns the question id mapped for field, or "".
func (f Form) Question(field string) string { return f.Fields[field] }

// Answers keeps only the values whose field is mapped, keyed by question id.
func (f Form) Answers(values map[string]string) map[string]string {
	out := make(map[string]string, len(values))
	for field, v := range values {
		if q := f.Fields[field]; q != "" {
			out[q] = v
		}
	}
	return out
}

// StaffRoles are the platform role codes used for staff assignment.
type StaffRoles struct {
	Surgeon     string `yaml:"surgeon"`
	Assistant   string `yaml:"assistant"`
	Anesthetist string `yaml:"anesthetist"`
}

// DaySurgery selects operations that also get a day-surgery admission.
type DaySurgery struct {
	Program     string   `yaml:"program"`
	Team        string   `yaml:"team"`
	Departments []string `yaml:"departments"`
	Rooms       []string `yaml:"rooms"`
	Status      string   `yaml:"status"`
	Form        `yaml:",inline"`
}

func (d *DaySurgery) Enabled() bool { return d.Program != "" }

// Qualifies reports whether an operation in dept and room, with the given
// status code, belongs to the day-surgery program. Exit time is checked by
// the caller.
func (d *DaySurgery) Qualifies(dept, room, status string) bool {
	if !d.Enabled() {
		return false
	}
	if d.Status != "" && status != d.Status {
		return false
	}
	return contains(d.Departments, dept) && contains(d.Rooms, room)
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

type Mapping struct {
	EpisodeProgram string          `yaml:"episode_program"`
	Departments    map[string]Team `yaml:"departments"`
	OperationForm  Form            `yaml:"operation_form"`
	StaffRoles     StaffRoles      `yaml:"staff_roles"`
	DaySurgery     DaySurgery      `yaml:"day_surgery"`
}

// Load reads and validates a mapping file.
func Load(path string) (*Mapping, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open mapping file: %w", err)
	}
	defer f.Close()
	return Parse(f)
}

func Parse(r io.Reader) (*Mapping, error) {
	var m Mapping
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("parse mapping: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

func (m *Mapping) Validate() error {
	if m.OperationForm.TaskType == "" {
		return fmt.Errorf("mapping: operation_form.task_type is required")
	}
	if len(m.OperationForm.Fields) == 0 {
		return fmt.Errorf("mapping: operation_form.fields is empty")
	}
	if m.DaySurgery.Enabled() && m.DaySurgery.TaskType == "" {
		return fmt.Errorf("mapping: day_surgery.task_type is required when a program is set")
	}
	return nil
}

// Department resolves the team for a department code. A missing entry is a
// config error scoped to the episode being imported.
func (m *Mapping) Department(code string) (Team, error) {
	team, ok := m.Departments[code]
	if !ok {
		return Team{}, syncerr.Config("no team mapped for department %q", code)
	}
	if team.Program == "" {
		team.Program = m.EpisodeProgram
	}
	if team.Program == "" {
		return Team{}, syncerr.Config("no program mapped for department %q", code)
	}
	return team, nil
}
