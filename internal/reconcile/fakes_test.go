package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ehr/episodesync/internal/careplatform"
	"github.com/ehr/episodesync/internal/source"
)

type fakeSource struct {
	pages  [][]source.Row
	errAt  int
	err    error
	froms  []time.Time
	called []int
}

func (f *fakeSource) FetchRecords(_ context.Context, from time.Time, _ int, pageNum int) ([]source.Row, error) {
	f.froms = append(f.froms, from)
	f.called = append(f.called, pageNum)
	if f.err != nil && pageNum == f.errAt {
		return nil, f.err
	}
	if pageNum > len(f.pages) {
		return nil, nil
	}
	return f.pages[pageNum-1], nil
}

type fakeAdmission struct {
	careplatform.AdmissionRef
	CaseID string
	Team   string
	Start  time.Time
}

type fakeTask struct {
	careplatform.TaskRef
	AdmissionID string
	TaskType    string
	ExternalID  string
}

type assignment struct {
	TaskID, Role, ProfessionalID string
}

// fakePlatform is an in-memory care platform. Errors keyed by hospital id
// fail the case lookup of that patient; failAssigns fails that many staff
// assignments.
type fakePlatform struct {
	mu  sync.Mutex
	seq int

	cases          map[string]string
	contacts       map[string]careplatform.Contact
	contactUpdates int
	admissions     []*fakeAdmission
	tasks          []*fakeTask
	forms          map[string]map[string]string
	formWrites     int
	assignments    []assignment
	professionals  map[string]careplatform.Professional
	profLookups    int

	failCase    map[string]error
	failContact error
	failAssigns int
}

func newFakePlatform() *fakePlatform {
	return &fakePlatform{
		cases:         make(map[string]string),
		contacts:      make(map[string]careplatform.Contact),
		forms:         make(map[string]map[string]string),
		professionals: make(map[string]careplatform.Professional),
		failCase:      make(map[string]error),
	}
}

func (p *fakePlatform) nextID(prefix string) string {
	p.seq++
	return fmt.Sprintf("%s-%d", prefix, p.seq)
}

func (p *fakePlatform) FindOrCreateCase(_ context.Context, ids careplatform.Identifiers, contact careplatform.Contact) (*careplatform.CaseRef, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.failCase[ids.HospitalID]; err != nil {
		return nil, err
	}
	if id, ok := p.cases[ids.HospitalID]; ok {
		return &careplatform.CaseRef{ID: id}, nil
	}
	id := p.nextID("case")
	p.cases[ids.HospitalID] = id
	p.contacts[id] = contact
	return &careplatform.CaseRef{ID: id, Created: true}, nil
}

func (p *fakePlatform) UpdateCaseContact(_ context.Context, caseID string, contact careplatform.Contact) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failContact != nil {
		return p.failContact
	}
	p.contactUpdates++
	p.contacts[caseID] = contact
	return nil
}

func (p *fakePlatform) FindAdmissions(_ context.Context, caseID, externalID string) ([]careplatform.AdmissionRef, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []careplatform.AdmissionRef
	for _, a := range p.admissions {
		if a.CaseID == caseID && a.ExternalID == externalID {
			out = append(out, a.AdmissionRef)
		}
	}
	return out, nil
}

func (p *fakePlatform) ListActiveAdmissions(_ context.Context, caseID, program string) ([]careplatform.AdmissionRef, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []careplatform.AdmissionRef
	for _, a := range p.admissions {
		if a.CaseID == caseID && a.Program == program && a.DischargedAt == nil {
			out = append(out, a.AdmissionRef)
		}
	}
	return out, nil
}

func (p *fakePlatform) CreateAdmission(_ context.Context, spec careplatform.AdmissionSpec) (*careplatform.AdmissionRef, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	start := spec.Start
	a := &fakeAdmission{
		AdmissionRef: careplatform.AdmissionRef{
			ID:         p.nextID("adm"),
			Program:    spec.Program,
			ExternalID: spec.ExternalID,
			EnrolledAt: &start,
		},
		CaseID: spec.CaseID,
		Team:   spec.Team,
		Start:  spec.Start,
	}
	p.admissions = append(p.admissions, a)
	ref := a.AdmissionRef
	ref.Created = true
	return &ref, nil
}

func (p *fakePlatform) DischargeAdmission(_ context.Context, admissionID string, at time.Time) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, a := range p.admissions {
		if a.ID == admissionID {
			a.DischargedAt = &at
			return nil
		}
	}
	return fmt.Errorf("admission %s not found", admissionID)
}

func (p *fakePlatform) FindTaskInAdmission(_ context.Context, admissionID, taskType, externalID string) (*careplatform.TaskRef, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, t := range p.tasks {
		if t.AdmissionID == admissionID && t.TaskType == taskType && t.ExternalID == externalID {
			ref := t.TaskRef
			return &ref, nil
		}
	}
	return nil, nil
}

func (p *fakePlatform) CreateTask(_ context.Context, admissionID string, spec careplatform.TaskSpec) (*careplatform.TaskRef, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	t := &fakeTask{
		TaskRef:     careplatform.TaskRef{ID: p.nextID("task"), FormID: p.nextID("form")},
		AdmissionID: admissionID,
		TaskType:    spec.TaskType,
		ExternalID:  spec.ExternalID,
	}
	p.tasks = append(p.tasks, t)
	ref := t.TaskRef
	return &ref, nil
}

func (p *fakePlatform) SetFormFields(_ context.Context, formID string, answers map[string]string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.formWrites++
	form := p.forms[formID]
	if form == nil {
		form = make(map[string]string)
		p.forms[formID] = form
	}
	for q, v := range answers {
		form[q] = v
	}
	return nil
}

func (p *fakePlatform) FindProfessional(_ context.Context, code string) (*careplatform.Professional, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.profLookups++
	prof, ok := p.professionals[code]
	if !ok {
		return nil, nil
	}
	return &prof, nil
}

func (p *fakePlatform) AssignStaff(_ context.Context, taskID, role, professionalID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failAssigns > 0 {
		p.failAssigns--
		return errors.New("assign staff: connection reset")
	}
	p.assignments = append(p.assignments, assignment{taskID, role, professionalID})
	return nil
}

func (p *fakePlatform) admissionsFor(externalID string) []*fakeAdmission {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []*fakeAdmission
	for _, a := range p.admissions {
		if a.ExternalID == externalID {
			out = append(out, a)
		}
	}
	return out
}

func (p *fakePlatform) taskFor(externalID, taskType string) *fakeTask {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, t := range p.tasks {
		if t.ExternalID == externalID && t.TaskType == taskType {
			return t
		}
	}
	return nil
}
