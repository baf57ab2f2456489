package episode

import (
	"fmt"
	"strings"
	"time"

	"github.com/ehr/episodesync/internal/syncerr"
)

// StaffRef identifies a clinician by hospital staff code.
type StaffRef struct {
	Code string `json:"code"`
	Name string `json:"name"`
}

func (s StaffRef) IsZero() bool { return s.Code == "" && s.Name == "" }

func (s StaffRef) String() string {
	switch {
	case s.Name != "" && s.Code != "":
		return fmt.Sprintf("%s (%s)", s.Name, s.Code)
	case s.Name != "":
		return s.Name
	default:
		return s.Code
	}
}

// Operation is one surgical intervention within an episode.
type Operation struct {
	ID        string
	PatientID string
	EpisodeID string

	DeptCode   string
	Department string
	WardCode   string
	Ward       string
	Bed        string
	Room       string

	ScheduledAt *time.Time
	InRoomAt    *time.Time
	OutRoomAt   *time.Time

	Diagnosis        string
	Emergency        bool
	Surgeon          StaffRef
	Assistant        StaffRef
	Anesthetists     [4]StaffRef
	AnesthesiaMethod string
	Position         string
	Status           string

	Proposed  ProcedureList
	Performed ProcedureList

	tracker
	added          []*Procedure
	finishReported bool
}

// OperationFromRecords builds an operation from one or more records of the
// same schedule id without recording any changes.
func OperationFromRecords(records ...Record) (*Operation, error) {
	o := &Operation{}
	if err := o.Update(records...); err != nil {
		return nil, err
	}
	o.tracking = true
	return o, nil
}

// Update merges records into the operation. The record with the latest exit
// time (or the last one received when none has exited) is canonical.
func (o *Operation) Update(records ...Record) error {
	if len(records) == 0 {
		return nil
	}
	sorted := SortByExit(records)
	r := sorted[len(sorted)-1]

	switch {
	case r.ScheduleID == "":
		return syncerr.DataMissing("scheduled")
	case r.PatientID == "":
		return syncerr.DataMissing("patientID")
	case r.VisitID == "":
		return syncerr.DataMissing("visitID")
	}
	if o.ID != "" && o.ID != r.ScheduleID {
		return fmt.Errorf("operation %s: cannot merge record for schedule %s", o.ID, r.ScheduleID)
	}

	scheduled, err := ParseDateTime(r.ScheduledDatetime)
	if err != nil {
		return fmt.Errorf("scheduledDatetime: %w", err)
	}
	inRoom, err := ParseDateTime(r.InRoomDatetime)
	if err != nil {
		return fmt.Errorf("inRoomDatetime: %w", err)
	}
	outRoom, err := ParseDateTime(r.OutRoomDatetime)
	if err != nil {
		return fmt.Errorf("outRoomDatetime: %w", err)
	}

	hadBoth := o.InRoomAt != nil && o.OutRoomAt != nil

	o.ID = r.ScheduleID
	o.PatientID = r.PatientID
	o.EpisodeID = r.VisitID

	o.setString("department_code", &o.DeptCode, r.DeptCode)
	o.setString("department", &o.Department, r.DeptName)
	o.setString("ward_code", &o.WardCode, r.WardCode)
	o.setString("ward", &o.Ward, r.WardName)
	o.setString("bed", &o.Bed, r.BedNo)
	o.setString("room", &o.Room, r.OperatingRoom)
	o.setTime("scheduled_at", &o.ScheduledAt, scheduled)
	o.setTime("in_room_at", &o.InRoomAt, inRoom)
	o.setTime("out_room_at", &o.OutRoomAt, outRoom)
	o.setString("diagnosis", &o.Diagnosis, r.Diagnosis)
	o.setBool("emergency", &o.Emergency, isEmergency(r.EmergencyInd))
	o.setStaff("surgeon", &o.Surgeon, StaffRef{Code: r.SurgeonCode, Name: r.SurgeonName})
	o.setStaff("assistant", &o.Assistant, StaffRef{Code: r.AssistantCode, Name: r.AssistantName})
	for i, a := range r.Anesthetists() {
		o.setStaff(fmt.Sprintf("anesthetist_%d", i+1), &o.Anesthetists[i], a)
	}
	o.setString("anesthesia_method", &o.AnesthesiaMethod, r.AnesthesiaMethod)
	o.setString("position", &o.Position, r.OperationPosition)
	o.setString("status", &o.Status, r.OperStatus)

	for _, rec := range sorted {
		added := o.Proposed.merge(rec.Procedures, o.tracking)
		added = append(added, o.Performed.merge(rec.PerformedProcedures, o.tracking)...)
		if o.tracking {
			o.added = append(o.added, added...)
		}
	}

	o.finishReported = !hadBoth && o.InRoomAt != nil && o.OutRoomAt != nil
	return nil
}

func isEmergency(ind string) bool {
	switch strings.ToUpper(strings.TrimSpace(ind)) {
	case "1", "Y", "YES", "TRUE":
		return true
	}
	return false
}

// HasChanges reports scalar changes, added procedures, or changed procedures.
func (o *Operation) HasChanges() bool {
	if len(o.changes) > 0 || len(o.added) > 0 {
		return true
	}
	for _, p := range o.Proposed {
		if p.HasChanges() {
			return true
		}
	}
	for _, p := range o.Performed {
		if p.HasChanges() {
			return true
		}
	}
	return false
}

// AddedProcedures returns procedures appended while tracking was enabled.
func (o *Operation) AddedProcedures() []*Procedure { return o.added }

// FinishReported is true only on the update in which the operation first
// holds both in-room and out-room times.
func (o *Operation) FinishReported() bool { return o.finishReported }

// Finished reports whether the operation has an exit timestamp.
func (o *Operation) Finished() bool { return o.OutRoomAt != nil }

// Date is the operation datetime: in-room time, else the scheduled time.
func (o *Operation) Date() *time.Time {
	if o.InRoomAt != nil {
		return o.InRoomAt
	}
	return o.ScheduledAt
}

// DayDischargeTime is the exit time, or the end of the operation day when
// the operation has not exited.
func (o *Operation) DayDischargeTime() *time.Time {
	if o.OutRoomAt != nil {
		return o.OutRoomAt
	}
	if d := o.Date(); d != nil {
		eod := endOfDay(*d)
		return &eod
	}
	return nil
}

// Values returns the current value of every tracked field keyed by field name.
func (o *Operation) Values() map[string]any {
	v := map[string]any{
		"operation_id":      o.ID,
		"department_code":   o.DeptCode,
		"department":        o.Department,
		"ward_code":         o.WardCode,
		"ward":              o.Ward,
		"bed":               o.Bed,
		"room":              o.Room,
		"scheduled_at":      o.ScheduledAt,
		"in_room_at":        o.InRoomAt,
		"out_room_at":       o.OutRoomAt,
		"diagnosis":         o.Diagnosis,
		"emergency":         o.Emergency,
		"surgeon":           o.Surgeon,
		"assistant":         o.Assistant,
		"anesthesia_method": o.AnesthesiaMethod,
		"position":          o.Position,
		"status":            o.Status,
	}
	for i, a := range o.Anesthetists {
		v[fmt.Sprintf("anesthetist_%d", i+1)] = a
	}
	return v
}

// FormValues renders the operation as plain strings for form questions.
func (o *Operation) FormValues() map[string]string {
	out := make(map[string]string)
	for k, v := range o.Values() {
		if s := formValue(v); s != "" {
			out[k] = s
		}
	}
	var anesthetists []string
	for _, a := range o.Anesthetists {
		if !a.IsZero() {
			anesthetists = append(anesthetists, a.String())
		}
	}
	if len(anesthetists) > 0 {
		out["anesthetists"] = strings.Join(anesthetists, ", ")
	}
	if len(o.Proposed) > 0 {
		out["procedures"] = strings.Join(o.Proposed.Names(), ", ")
	}
	if len(o.Performed) > 0 {
		out["performed_procedures"] = strings.Join(o.Performed.Names(), ", ")
	}
	return out
}

func formValue(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case *time.Time:
		return FormatDateTime(x)
	case bool:
		if x {
			return "1"
		}
		return "0"
	case StaffRef:
		return x.String()
	}
	return ""
}

// ChangeMessage describes the operation's changes for notifications.
func (o *Operation) ChangeMessage() string {
	parts := describeChanges(o.changes, o.Values())
	for _, p := range o.added {
		parts = append(parts, "added procedure "+p.Code+" "+p.Name)
	}
	for _, list := range []ProcedureList{o.Proposed, o.Performed} {
		for _, p := range list {
			if p.HasChanges() {
				parts = append(parts, fmt.Sprintf("procedure %s renamed %s -> %s", p.Code, formatValue(p.changes["name"]), formatValue(p.Name)))
			}
		}
	}
	return joinMessage(parts)
}
