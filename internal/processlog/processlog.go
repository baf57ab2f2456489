// Package processlog records pipeline runs and their progress lines so an
// operator can follow a long batch and see how the last one ended.
package processlog

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type Kind string

const (
	KindFetch  Kind = "fetch"
	KindImport Kind = "import"
)

// Status is the outcome of a run.
type Status string

const (
	StatusRunning Status = "running"
	StatusSuccess Status = "success"
	StatusError   Status = "error"
	StatusIdle    Status = "idle"
)

type Run struct {
	ID         uuid.UUID  `json:"id"`
	Kind       Kind       `json:"kind"`
	Status     Status     `json:"status"`
	Progress   string     `json:"progress"`
	Summary    string     `json:"summary"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

type Entry struct {
	ID        int64     `json:"id"`
	RunID     uuid.UUID `json:"run_id"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

// Log is written by the pipelines.
type Log interface {
	Start(ctx context.Context, id uuid.UUID, kind Kind) error
	AppendLog(ctx context.Context, id uuid.UUID, message string) error
	SetProgress(ctx context.Context, id uuid.UUID, message string) error
	Finish(ctx context.Context, id uuid.UUID, status Status, summary string) error
}

// Reader serves the status endpoints.
type Reader interface {
	ListRuns(ctx context.Context, kind Kind, limit, offset int) ([]*Run, int, error)
	GetRun(ctx context.Context, id uuid.UUID) (*Run, error)
	ListEntries(ctx context.Context, id uuid.UUID, limit, offset int) ([]*Entry, int, error)
}
