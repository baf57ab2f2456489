package episode

import (
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ehr/episodesync/internal/syncerr"
)

// Source datetime layouts, in hospital wall-clock time.
const (
	DateTimeLayout = "2006-01-02 15:04:05"
	DateLayout     = "2006-01-02"
)

var acceptedLayouts = []string{DateTimeLayout, "2006-01-02T15:04:05", "2006-01-02 15:04", DateLayout}

// ProcedureRef is a code+name pair as it appears on a source record.
type ProcedureRef struct {
	Code string `json:"code"`
	Name string `json:"name"`
}

// Record is one operation as fetched from the hospital source, after the
// per-procedure rows have been folded into the procedure lists. It is the
// shape persisted as a staging snapshot. Empty strings stand for null.
type Record struct {
	ScheduleID string `json:"scheduled"`
	PatientID  string `json:"patientID"`
	VisitID    string `json:"visitID"`

	PatientName string `json:"patientName,omitempty"`
	Sex         string `json:"sex,omitempty"`
	Age         string `json:"age,omitempty"`
	Birthday    string `json:"birthday,omitempty"`
	IDCard      string `json:"idCard,omitempty"`
	Phone       string `json:"phone,omitempty"`

	AdmissionDatetime string `json:"admissionDatetime,omitempty"`
	DeptCode          string `json:"deptCode,omitempty"`
	DeptName          string `json:"deptName,omitempty"`
	WardCode          string `json:"wardCode,omitempty"`
	WardName          string `json:"wardName,omitempty"`
	BedNo             string `json:"bedNo,omitempty"`
	OperatingRoom     string `json:"operatingRoom,omitempty"`

	ScheduledDatetime string `json:"scheduledDatetime,omitempty"`
	InRoomDatetime    string `json:"inRoomDatetime,omitempty"`
	OutRoomDatetime   string `json:"outRoomDatetime,omitempty"`

	Diagnosis    string `json:"diagBeforeOperation,omitempty"`
	EmergencyInd string `json:"emergencyInd,omitempty"`

	SurgeonCode   string `json:"surgeonCode,omitempty"`
	SurgeonName   string `json:"surgeonName,omitempty"`
	AssistantCode string `json:"assistantCode,omitempty"`
	AssistantName string `json:"assistantName,omitempty"`

	Anesthetist1Code string `json:"anesDoctor1Code,omitempty"`
	Anesthetist1Name string `json:"anesDoctor1Name,omitempty"`
	Anesthetist2Code string `json:"anesDoctor2Code,omitempty"`
	Anesthetist2Name string `json:"anesDoctor2Name,omitempty"`
	Anesthetist3Code string `json:"anesDoctor3Code,omitempty"`
	Anesthetist3Name string `json:"anesDoctor3Name,omitempty"`
	Anesthetist4Code string `json:"anesDoctor4Code,omitempty"`
	Anesthetist4Name string `json:"anesDoctor4Name,omitempty"`

	AnesthesiaMethod  string `json:"anesthesiaMethod,omitempty"`
	OperationPosition string `json:"operationPosition,omitempty"`
	OperStatus        string `json:"operStatus,omitempty"`

	Procedures          []ProcedureRef `json:"procedures,omitempty"`
	PerformedProcedures []ProcedureRef `json:"performedProcedures,omitempty"`
}

// Anesthetists returns the four anesthesia staff slots in order.
func (r Record) Anesthetists() [4]StaffRef {
	return [4]StaffRef{
		{Code: r.Anesthetist1Code, Name: r.Anesthetist1Name},
		{Code: r.Anesthetist2Code, Name: r.Anesthetist2Name},
		{Code: r.Anesthetist3Code, Name: r.Anesthetist3Name},
		{Code: r.Anesthetist4Code, Name: r.Anesthetist4Name},
	}
}

// ExitTime returns the parsed out-room timestamp, or nil when absent or
// unparsable.
func (r Record) ExitTime() *time.Time {
	t, err := ParseDateTime(r.OutRoomDatetime)
	if err != nil {
		return nil
	}
	return t
}

var location atomic.Pointer[time.Location]

// SetLocation sets the zone source datetimes are written in. Nil restores
// the UTC default.
func SetLocation(loc *time.Location) { location.Store(loc) }

// Location returns the zone source datetimes are written in.
func Location() *time.Location {
	if loc := location.Load(); loc != nil {
		return loc
	}
	return time.UTC
}

// ParseDateTime parses a source datetime as wall-clock time in Location. An
// empty string yields nil.
func ParseDateTime(s string) (*time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	loc := Location()
	for _, layout := range acceptedLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return &t, nil
		}
	}
	return nil, syncerr.Format(fmt.Errorf("invalid datetime %q", s))
}

// FormatDateTime renders t in the source layout and zone; nil renders as "".
func FormatDateTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.In(Location()).Format(DateTimeLayout)
}

// exitBefore orders two exit timestamps: a missing exit sorts before any
// present one, and two missing exits are equal.
func exitBefore(a, b *time.Time) bool {
	switch {
	case a == nil && b == nil:
		return false
	case a == nil:
		return true
	case b == nil:
		return false
	}
	return a.Before(*b)
}

// SortByExit returns a stably sorted copy of records, oldest exit first, with
// still-in-progress records (no exit) ahead of all exited ones. The last
// element is the canonical record.
func SortByExit(records []Record) []Record {
	exits := make([]*time.Time, len(records))
	idx := make([]int, len(records))
	for i := range records {
		idx[i] = i
		exits[i] = records[i].ExitTime()
	}
	sort.SliceStable(idx, func(i, j int) bool {
		return exitBefore(exits[idx[i]], exits[idx[j]])
	})
	out := make([]Record, len(records))
	for i, k := range idx {
		out[i] = records[k]
	}
	return out
}

// endOfDay returns the last second of t's calendar day in Location.
func endOfDay(t time.Time) time.Time {
	loc := Location()
	y, m, d := t.In(loc).Date()
	return time.Date(y, m, d, 23, 59, 59, 0, loc)
}
