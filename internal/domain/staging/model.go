package staging

import (
	"encoding/json"
	"time"
)

// Status is the reconciliation state of a staging row.
type Status int16

const (
	StatusClean Status = 0
	StatusDirty Status = 1
	StatusError Status = 2
)

func (s Status) String() string {
	switch s {
	case StatusClean:
		return "clean"
	case StatusDirty:
		return "dirty"
	case StatusError:
		return "error"
	}
	return "unknown"
}

// Key identifies one staging row. At most one row exists per key.
type Key struct {
	PatientID   string `json:"patient_id"`
	EpisodeID   string `json:"episode_id"`
	OperationID string `json:"operation_id"`
}

// Snapshot is the content written by a fetch pass.
type Snapshot struct {
	AdmissionDate *time.Time
	OperationDate *time.Time
	Data          json.RawMessage
}

// Record is a persisted staging row. Previous is nil until the row has been
// applied downstream at least once.
type Record struct {
	ID            int64           `json:"id"`
	Key
	AdmissionDate *time.Time      `json:"admission_date,omitempty"`
	OperationDate *time.Time      `json:"operation_date,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
	Current       json.RawMessage `json:"current"`
	Previous      json.RawMessage `json:"previous,omitempty"`
	Status        Status          `json:"status"`
	Version       int64           `json:"version"`
}

// Ref pins a row to the content version an import pass read.
type Ref struct {
	Key
	Version int64
}

func (r *Record) Ref() Ref { return Ref{Key: r.Key, Version: r.Version} }

// UpsertResult reports what an upsert did.
type UpsertResult int

const (
	Unchanged UpsertResult = iota
	Created
	Updated
)

func (u UpsertResult) String() string {
	switch u {
	case Created:
		return "created"
	case Updated:
		return "updated"
	}
	return "unchanged"
}

// EpisodeGroup is every staging row sharing a patient and episode id.
type EpisodeGroup struct {
	PatientID string
	EpisodeID string
	Rows      []*Record
}

// Refs returns version-pinned refs for every row of the group.
func (g *EpisodeGroup) Refs() []Ref {
	refs := make([]Ref, len(g.Rows))
	for i, r := range g.Rows {
		refs[i] = r.Ref()
	}
	return refs
}

// HasPrevious reports whether any row has been applied before.
func (g *EpisodeGroup) HasPrevious() bool {
	for _, r := range g.Rows {
		if r.Previous != nil {
			return true
		}
	}
	return false
}

// Stats summarizes the pool.
type Stats struct {
	Clean      int        `json:"clean"`
	Dirty      int        `json:"dirty"`
	Error      int        `json:"error"`
	LastUpdate *time.Time `json:"last_update,omitempty"`
}

func (s *Stats) Total() int { return s.Clean + s.Dirty + s.Error }
