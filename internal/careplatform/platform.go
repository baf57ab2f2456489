// Package careplatform is the client side of the care-coordination platform:
// cases (patients), admissions into care programs, task forms and staff.
package careplatform

import (
	"context"
	"time"
)

// Identifiers locate a patient case.
type Identifiers struct {
	HospitalID string `json:"hospital_id"`
	NationalID string `json:"national_id,omitempty"`
}

// Contact is the demographic and contact data kept on a case.
type Contact struct {
	Name     string `json:"name,omitempty"`
	Sex      string `json:"sex,omitempty"`
	Age      string `json:"age,omitempty"`
	Birthday string `json:"birthday,omitempty"`
	Phone    string `json:"phone,omitempty"`
}

type CaseRef struct {
	ID      string `json:"id"`
	Created bool   `json:"created"`
}

// AdmissionSpec describes an enrollment of a case in a program. ExternalID
// links it to the hospital entity it was created for.
type AdmissionSpec struct {
	CaseID     string    `json:"case_id"`
	Program    string    `json:"program"`
	Team       string    `json:"team,omitempty"`
	ExternalID string    `json:"external_id,omitempty"`
	Start      time.Time `json:"start"`
}

type AdmissionRef struct {
	ID           string     `json:"id"`
	Program      string     `json:"program"`
	ExternalID   string     `json:"external_id,omitempty"`
	EnrolledAt   *time.Time `json:"enrolled_at,omitempty"`
	DischargedAt *time.Time `json:"discharged_at,omitempty"`
	Created      bool       `json:"created"`
}

// TaskRef is a task within an admission together with its form.
type TaskRef struct {
	ID     string `json:"id"`
	FormID string `json:"form_id"`
}

// TaskSpec creates a task of a given type, linked to a hospital entity.
type TaskSpec struct {
	TaskType   string     `json:"task_type"`
	ExternalID string     `json:"external_id"`
	Date       *time.Time `json:"date,omitempty"`
}

type Professional struct {
	ID   string `json:"id"`
	Code string `json:"code"`
	Name string `json:"name"`
}

// Platform is everything the import pass needs from the care platform.
// Lookups return (nil, nil) when nothing matches; errors are reserved for
// failures, usually a *syncerr.Error of the remote or comm kind.
type Platform interface {
	FindOrCreateCase(ctx context.Context, ids Identifiers, contact Contact) (*CaseRef, error)
	UpdateCaseContact(ctx context.Context, caseID string, contact Contact) error

	// FindAdmissions lists every admission of the case linked to externalID,
	// in any program and whatever its status.
	FindAdmissions(ctx context.Context, caseID, externalID string) ([]AdmissionRef, error)
	ListActiveAdmissions(ctx context.Context, caseID, program string) ([]AdmissionRef, error)
	CreateAdmission(ctx context.Context, spec AdmissionSpec) (*AdmissionRef, error)
	DischargeAdmission(ctx context.Context, admissionID string, at time.Time) error

	FindTaskInAdmission(ctx context.Context, admissionID, taskType, externalID string) (*TaskRef, error)
	CreateTask(ctx context.Context, admissionID string, spec TaskSpec) (*TaskRef, error)
	SetFormFields(ctx context.Context, formID string, answers map[string]string) error

	FindProfessional(ctx context.Context, code string) (*Professional, error)
	AssignStaff(ctx context.Context, taskID, role, professionalID string) error
}
