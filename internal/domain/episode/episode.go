// Package episode holds the canonical in-memory model of a surgical episode:
// an Episode aggregates every Operation sharing a patient and visit id, and
// every setter records the previous value so a rebuilt entity can report what
// changed since the last successfully applied snapshot.
package episode

import (
	"fmt"
	"sort"
	"time"

	"github.com/ehr/episodesync/internal/syncerr"
)

// Episode is the full clinical encounter for one patient visit.
type Episode struct {
	PatientID string
	EpisodeID string

	Name       string
	Sex        string
	Age        string
	Birthday   string
	NationalID string
	Phone      string

	// Operations are ordered by recency, most recently exited last.
	Operations []*Operation

	tracker
	added []*Operation
}

// FromRecords builds an episode from records without recording changes.
func FromRecords(records ...Record) (*Episode, error) {
	e := &Episode{}
	if err := e.Update(records...); err != nil {
		return nil, err
	}
	e.tracking = true
	return e, nil
}

// Update merges records for this episode. Demographics come from the
// canonical record, operations are merged by schedule id.
func (e *Episode) Update(records ...Record) error {
	if len(records) == 0 {
		return nil
	}
	sorted := SortByExit(records)
	r := sorted[len(sorted)-1]

	switch {
	case r.PatientID == "":
		return syncerr.DataMissing("patientID")
	case r.VisitID == "":
		return syncerr.DataMissing("visitID")
	}
	if e.PatientID != "" && (e.PatientID != r.PatientID || e.EpisodeID != r.VisitID) {
		return fmt.Errorf("episode %s/%s: cannot merge record for %s/%s", e.PatientID, e.EpisodeID, r.PatientID, r.VisitID)
	}

	// New operations are built first so a bad record among them leaves the
	// episode untouched.
	var order []string
	groups := make(map[string][]Record)
	for _, rec := range sorted {
		if rec.ScheduleID == "" {
			return syncerr.DataMissing("scheduled")
		}
		if _, ok := groups[rec.ScheduleID]; !ok {
			order = append(order, rec.ScheduleID)
		}
		groups[rec.ScheduleID] = append(groups[rec.ScheduleID], rec)
	}
	fresh := make(map[string]*Operation)
	for _, id := range order {
		if e.Operation(id) != nil {
			continue
		}
		op, err := OperationFromRecords(groups[id]...)
		if err != nil {
			return fmt.Errorf("operation %s: %w", id, err)
		}
		fresh[id] = op
	}

	e.PatientID = r.PatientID
	e.EpisodeID = r.VisitID
	e.setString("name", &e.Name, r.PatientName)
	e.setString("sex", &e.Sex, r.Sex)
	e.setString("age", &e.Age, r.Age)
	e.setString("birthday", &e.Birthday, r.Birthday)
	e.setString("national_id", &e.NationalID, r.IDCard)
	e.setString("phone", &e.Phone, r.Phone)

	for _, id := range order {
		if op, ok := fresh[id]; ok {
			e.Operations = append(e.Operations, op)
			if e.tracking {
				e.added = append(e.added, op)
			}
			continue
		}
		op := e.Operation(id)
		op.tracking = e.tracking
		if err := op.Update(groups[id]...); err != nil {
			return fmt.Errorf("operation %s: %w", id, err)
		}
		op.tracking = true
	}

	sort.SliceStable(e.Operations, func(i, j int) bool {
		return exitBefore(e.Operations[i].OutRoomAt, e.Operations[j].OutRoomAt)
	})
	return nil
}

// Operation returns the operation with the given schedule id, or nil.
func (e *Episode) Operation(id string) *Operation {
	for _, op := range e.Operations {
		if op.ID == id {
			return op
		}
	}
	return nil
}

// Latest returns the most recently exited operation.
func (e *Episode) Latest() *Operation {
	if len(e.Operations) == 0 {
		return nil
	}
	return e.Operations[len(e.Operations)-1]
}

// AddedOperations returns operations appended while tracking was enabled.
func (e *Episode) AddedOperations() []*Operation { return e.added }

// IsAdded reports whether op was appended by a tracked update.
func (e *Episode) IsAdded(op *Operation) bool {
	for _, a := range e.added {
		if a == op {
			return true
		}
	}
	return false
}

// HasChanges reports scalar changes, added operations, or any operation
// reporting its own changes.
func (e *Episode) HasChanges() bool {
	if len(e.changes) > 0 || len(e.added) > 0 {
		return true
	}
	for _, op := range e.Operations {
		if op.HasChanges() {
			return true
		}
	}
	return false
}

// FinishReported is true when any operation just finished.
func (e *Episode) FinishReported() bool {
	for _, op := range e.Operations {
		if op.FinishReported() {
			return true
		}
	}
	return false
}

// AllFinished reports whether every operation has an exit timestamp.
func (e *Episode) AllFinished() bool {
	if len(e.Operations) == 0 {
		return false
	}
	for _, op := range e.Operations {
		if !op.Finished() {
			return false
		}
	}
	return true
}

// AdmissionTime is the earliest operation datetime.
func (e *Episode) AdmissionTime() *time.Time {
	var earliest *time.Time
	for _, op := range e.Operations {
		if d := op.Date(); d != nil && (earliest == nil || d.Before(*earliest)) {
			earliest = d
		}
	}
	return earliest
}

// DischargeTime is the latest operation datetime, taking exit times over
// in-room or scheduled times.
func (e *Episode) DischargeTime() *time.Time {
	var latest *time.Time
	for _, op := range e.Operations {
		d := op.OutRoomAt
		if d == nil {
			d = op.Date()
		}
		if d != nil && (latest == nil || d.After(*latest)) {
			latest = d
		}
	}
	return latest
}

// Values returns the current demographic values keyed by field name.
func (e *Episode) Values() map[string]any {
	return map[string]any{
		"name":        e.Name,
		"sex":         e.Sex,
		"age":         e.Age,
		"birthday":    e.Birthday,
		"national_id": e.NationalID,
		"phone":       e.Phone,
	}
}

// ChangeMessage is a human-readable summary of everything that changed.
func (e *Episode) ChangeMessage() string {
	parts := describeChanges(e.changes, e.Values())
	for _, op := range e.Operations {
		if e.IsAdded(op) {
			parts = append(parts, "added operation "+op.ID)
			continue
		}
		if msg := op.ChangeMessage(); msg != "" {
			parts = append(parts, fmt.Sprintf("operation %s: %s", op.ID, msg))
		}
	}
	return joinMessage(parts)
}
