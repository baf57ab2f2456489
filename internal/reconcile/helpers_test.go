package reconcile

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/episodesync/internal/domain/episode"
	"github.com/ehr/episodesync/internal/domain/staging"
	"github.com/ehr/episodesync/internal/mapping"
	"github.com/ehr/episodesync/internal/metrics"
	"github.com/ehr/episodesync/internal/notify"
	"github.com/ehr/episodesync/internal/processlog"
	"github.com/ehr/episodesync/internal/source"
)

func testMapping() *mapping.Mapping {
	return &mapping.Mapping{
		EpisodeProgram: "SURGERY",
		Departments: map[string]mapping.Team{
			"0101": {Team: "general"},
			"0202": {Program: "ORTHO", Team: "ortho"},
		},
		OperationForm: mapping.Form{
			TaskType: "operation",
			Fields: map[string]string{
				"operation_id": "q_op",
				"room":         "q_room",
				"in_room_at":   "q_in",
				"out_room_at":  "q_out",
				"diagnosis":    "q_diag",
				"procedures":   "q_proc",
				"surgeon":      "q_surgeon",
				"change_log":   "q_changes",
			},
		},
		StaffRoles: mapping.StaffRoles{Surgeon: "surgeon", Assistant: "assistant", Anesthetist: "anesthetist"},
		DaySurgery: mapping.DaySurgery{
			Program:     "DAY",
			Team:        "day",
			Departments: []string{"0101"},
			Rooms:       []string{"DS-1"},
			Form: mapping.Form{
				TaskType: "day_surgery",
				Fields:   map[string]string{"operation_id": "d_op", "out_room_at": "d_out"},
			},
		},
	}
}

func record(schedule, patient, visit string) episode.Record {
	return episode.Record{
		ScheduleID:        schedule,
		PatientID:         patient,
		VisitID:           visit,
		PatientName:       "Test Patient",
		Phone:             "555-0100",
		DeptCode:          "0101",
		DeptName:          "General Surgery",
		OperatingRoom:     "OR-3",
		ScheduledDatetime: "2023-03-31 08:00:00",
		Diagnosis:         "cholelithiasis",
		Procedures:        []episode.ProcedureRef{{Code: "47.01", Name: "Laparoscopic appendectomy"}},
	}
}

func row(rec episode.Record, code, name string) source.Row {
	rec.Procedures = nil
	rec.PerformedProcedures = nil
	return source.Row{Record: rec, OperationCode: code, OperationName: name}
}

type harness struct {
	store    *staging.MemoryStore
	platform *fakePlatform
	runs     *processlog.MemoryLog
	log      *processlog.Safe
	metrics  *metrics.Metrics
	notifier *recordingNotifier
	importer *Importer
}

func newHarness(t *testing.T, opts ImportOptions) *harness {
	t.Helper()
	h := &harness{
		store:    staging.NewMemoryStore(),
		platform: newFakePlatform(),
		runs:     processlog.NewMemoryLog(),
		metrics:  metrics.New(),
		notifier: &recordingNotifier{},
	}
	h.log = processlog.NewSafe(h.runs, zerolog.Nop())
	h.importer = NewImporter(h.store, h.platform, testMapping(), h.notifier, h.log, h.metrics, zerolog.Nop(), opts)
	return h
}

func (h *harness) fetcher(src source.Client, opts FetchOptions) *Fetcher {
	return NewFetcher(src, h.store, h.log, h.metrics, zerolog.Nop(), opts)
}

// stage upserts records straight into staging.
func (h *harness) stage(t *testing.T, recs ...episode.Record) {
	t.Helper()
	for _, rec := range recs {
		snap, err := snapshotOf(rec)
		if err != nil {
			t.Fatalf("snapshot: %v", err)
		}
		key := staging.Key{PatientID: rec.PatientID, EpisodeID: rec.VisitID, OperationID: rec.ScheduleID}
		if _, err := h.store.Upsert(context.Background(), key, snap); err != nil {
			t.Fatalf("upsert: %v", err)
		}
	}
}

func (h *harness) status(t *testing.T, rec episode.Record) staging.Status {
	t.Helper()
	r, ok := h.store.Get(staging.Key{PatientID: rec.PatientID, EpisodeID: rec.VisitID, OperationID: rec.ScheduleID})
	if !ok {
		t.Fatalf("row %s not staged", rec.ScheduleID)
	}
	return r.Status
}

func (h *harness) staged(t *testing.T, key staging.Key) episode.Record {
	t.Helper()
	r, ok := h.store.Get(key)
	if !ok {
		t.Fatalf("row %+v not staged", key)
	}
	var rec episode.Record
	if err := json.Unmarshal(r.Current, &rec); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	return rec
}

func (h *harness) entries(t *testing.T, runID uuid.UUID) []string {
	t.Helper()
	entries, _, err := h.runs.ListEntries(context.Background(), runID, 0, 0)
	if err != nil {
		t.Fatalf("list entries: %v", err)
	}
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Message)
	}
	return out
}

func containsEntry(entries []string, substr string) bool {
	for _, e := range entries {
		if strings.Contains(e, substr) {
			return true
		}
	}
	return false
}

type recordingNotifier struct {
	changes []notify.Change
}

func (n *recordingNotifier) Notify(_ context.Context, c notify.Change) error {
	n.changes = append(n.changes, c)
	return nil
}

func (n *recordingNotifier) Close() error { return nil }
