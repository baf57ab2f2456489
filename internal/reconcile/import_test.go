package reconcile

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/ehr/episodesync/internal/careplatform"
	"github.com/ehr/episodesync/internal/domain/episode"
	"github.com/ehr/episodesync/internal/domain/staging"
	"github.com/ehr/episodesync/internal/processlog"
	"github.com/ehr/episodesync/internal/source"
	"github.com/ehr/episodesync/internal/syncerr"
)

func TestImport_EpisodeFailureIsolation(t *testing.T) {
	h := newHarness(t, ImportOptions{PageSize: 10})
	r1, r2, r3 := record("11", "P1", "V1"), record("22", "P2", "V1"), record("33", "P3", "V1")
	h.stage(t, r1, r2, r3)
	h.platform.failCase["P2"] = syncerr.Remote("500", "case service unavailable")

	sum, err := h.importer.Run(context.Background())
	if err != nil {
		t.Fatalf("episode failures should not fail the run: %v", err)
	}
	if sum.Status != processlog.StatusError || sum.Applied != 2 || sum.Failed != 1 {
		t.Fatalf("unexpected summary %+v", sum)
	}
	if h.status(t, r1) != staging.StatusClean || h.status(t, r3) != staging.StatusClean {
		t.Error("episodes 1 and 3 should be clean")
	}
	if h.status(t, r2) != staging.StatusError {
		t.Error("episode 2 should be marked error")
	}
	if !containsEntry(h.entries(t, sum.RunID), "P2/V1 failed (remote)") {
		t.Errorf("expected failure entry, got %v", h.entries(t, sum.RunID))
	}

	// The failed episode is retried on the next pass.
	delete(h.platform.failCase, "P2")
	sum, err = h.importer.Run(context.Background())
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if sum.Reset != 1 || sum.Applied != 1 || sum.Status != processlog.StatusSuccess {
		t.Errorf("unexpected retry summary %+v", sum)
	}
	if h.status(t, r2) != staging.StatusClean {
		t.Error("episode 2 should be clean after retry")
	}
}

func TestImport_EndToEnd(t *testing.T) {
	h := newHarness(t, ImportOptions{PageSize: 10})
	ctx := context.Background()

	rec := record("753651", "46542111", "3")
	rec.InRoomDatetime = "2023-03-31 13:05:00"
	src := &fakeSource{pages: [][]source.Row{{row(rec, "47.01", "Laparoscopic appendectomy")}}}
	fetch := h.fetcher(src, FetchOptions{PageSize: 100})

	if sum, err := fetch.Run(ctx, nil); err != nil || sum.Created != 1 {
		t.Fatalf("first fetch: %+v, %v", sum, err)
	}
	if h.status(t, rec) != staging.StatusDirty {
		t.Fatal("fetched row should be dirty")
	}

	if sum, err := h.importer.Run(ctx); err != nil || sum.Applied != 1 {
		t.Fatalf("first import: %+v, %v", sum, err)
	}
	adms := h.platform.admissionsFor("3")
	if len(adms) != 1 {
		t.Fatalf("expected one episode admission, got %d", len(adms))
	}
	adm := adms[0]
	if adm.Program != "SURGERY" || adm.Team != "general" || !adm.Start.Equal(time.Date(2023, 3, 31, 13, 5, 0, 0, time.UTC)) {
		t.Errorf("unexpected admission %+v", adm)
	}
	if adm.DischargedAt != nil {
		t.Error("admission without exit time should not be discharged")
	}
	task := h.platform.taskFor("753651", "operation")
	if task == nil {
		t.Fatal("operation task not created")
	}
	if got := h.platform.forms[task.FormID]["q_in"]; got != "2023-03-31 13:05:00" {
		t.Errorf("in-room answer = %q", got)
	}
	if h.status(t, rec) != staging.StatusClean {
		t.Error("row should be clean after import")
	}
	if len(h.notifier.changes) != 1 || !h.notifier.changes[0].New {
		t.Errorf("expected one new-episode notification, got %+v", h.notifier.changes)
	}

	rec.OutRoomDatetime = "2023-03-31 14:00:00"
	src.pages = [][]source.Row{{row(rec, "47.01", "Laparoscopic appendectomy")}}
	if sum, err := fetch.Run(ctx, nil); err != nil || sum.Updated != 1 {
		t.Fatalf("second fetch: %+v, %v", sum, err)
	}
	if h.status(t, rec) != staging.StatusDirty {
		t.Fatal("changed row should be dirty again")
	}

	if sum, err := h.importer.Run(ctx); err != nil || sum.Applied != 1 {
		t.Fatalf("second import: %+v, %v", sum, err)
	}
	if adm.DischargedAt == nil || !adm.DischargedAt.Equal(time.Date(2023, 3, 31, 14, 0, 0, 0, time.UTC)) {
		t.Errorf("expected discharge at exit time, got %v", adm.DischargedAt)
	}
	if len(h.platform.admissionsFor("3")) != 1 {
		t.Error("second import should reuse the episode admission")
	}
	form := h.platform.forms[task.FormID]
	if form["q_out"] != "2023-03-31 14:00:00" {
		t.Errorf("out-room answer = %q", form["q_out"])
	}
	if !strings.Contains(form["q_changes"], "out_room_at: (empty) -> 2023-03-31 14:00:00") {
		t.Errorf("change log = %q", form["q_changes"])
	}
	last := h.notifier.changes[len(h.notifier.changes)-1]
	if last.New || !last.Discharged {
		t.Errorf("unexpected notification %+v", last)
	}
	if h.status(t, rec) != staging.StatusClean {
		t.Error("row should be clean after second import")
	}

	// Same content again: nothing staged, nothing to import.
	if sum, err := fetch.Run(ctx, nil); err != nil || sum.Unchanged != 1 {
		t.Fatalf("third fetch: %+v, %v", sum, err)
	}
	if sum, err := h.importer.Run(ctx); err != nil || sum.Status != processlog.StatusIdle {
		t.Fatalf("third import: %+v, %v", sum, err)
	}
}

func TestImport_NoEffectiveChange(t *testing.T) {
	h := newHarness(t, ImportOptions{PageSize: 10})
	rec := record("1", "P1", "V1")
	rec.Procedures = []episode.ProcedureRef{{Code: "47.01", Name: "A"}, {Code: "54.11", Name: "B"}}
	h.stage(t, rec)
	if _, err := h.importer.Run(context.Background()); err != nil {
		t.Fatalf("first import: %v", err)
	}
	writes := h.platform.formWrites

	// Reordered procedures change the snapshot but not the episode.
	rec.Procedures = []episode.ProcedureRef{{Code: "54.11", Name: "B"}, {Code: "47.01", Name: "A"}}
	h.stage(t, rec)
	if h.status(t, rec) != staging.StatusDirty {
		t.Fatal("reordered snapshot should be dirty")
	}
	sum, err := h.importer.Run(context.Background())
	if err != nil {
		t.Fatalf("second import: %v", err)
	}
	if sum.Unchanged != 1 || sum.Applied != 0 {
		t.Errorf("unexpected summary %+v", sum)
	}
	if h.platform.formWrites != writes {
		t.Error("unchanged episode should not write to the platform")
	}
	if h.status(t, rec) != staging.StatusClean {
		t.Error("unchanged episode should be marked clean")
	}
}

func TestImport_AddedOperation(t *testing.T) {
	h := newHarness(t, ImportOptions{PageSize: 10})
	first := record("1", "P1", "V1")
	first.InRoomDatetime = "2023-03-31 09:00:00"
	h.stage(t, first)
	if _, err := h.importer.Run(context.Background()); err != nil {
		t.Fatalf("first import: %v", err)
	}

	second := record("2", "P1", "V1")
	second.InRoomDatetime = "2023-03-31 15:00:00"
	h.stage(t, second)
	sum, err := h.importer.Run(context.Background())
	if err != nil || sum.Applied != 1 {
		t.Fatalf("second import: %+v, %v", sum, err)
	}
	if h.platform.taskFor("2", "operation") == nil {
		t.Error("added operation should get a task")
	}
	last := h.notifier.changes[len(h.notifier.changes)-1]
	if len(last.Operations) != 1 || last.Operations[0] != "2" {
		t.Errorf("only the added operation should be written, got %v", last.Operations)
	}
	if len(h.platform.admissionsFor("V1")) != 1 {
		t.Error("added operation should join the existing episode admission")
	}
}

func TestImport_MissingDepartmentMapping(t *testing.T) {
	h := newHarness(t, ImportOptions{PageSize: 10})
	rec := record("1", "P1", "V1")
	rec.DeptCode = "9999"
	h.stage(t, rec)

	sum, err := h.importer.Run(context.Background())
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if sum.Failed != 1 || h.status(t, rec) != staging.StatusError {
		t.Errorf("unmapped department should fail the episode, got %+v", sum)
	}
	if !containsEntry(h.entries(t, sum.RunID), "(config)") {
		t.Errorf("expected config failure entry, got %v", h.entries(t, sum.RunID))
	}
}

func TestImport_LockHeld(t *testing.T) {
	h := newHarness(t, ImportOptions{})
	h.stage(t, record("1", "P1", "V1"))
	release, ok, err := h.store.TryLock(context.Background())
	if err != nil || !ok {
		t.Fatalf("TryLock: %v, %v", ok, err)
	}
	defer release()

	sum, err := h.importer.Run(context.Background())
	if !errors.Is(err, ErrImportRunning) {
		t.Fatalf("expected ErrImportRunning, got %v", err)
	}
	if sum.Status != processlog.StatusError || sum.Episodes != 0 {
		t.Errorf("unexpected summary %+v", sum)
	}
}

func TestImport_EpisodeBudget(t *testing.T) {
	h := newHarness(t, ImportOptions{PageSize: 10, MaxEpisodes: 2})
	for _, p := range []string{"P1", "P2", "P3", "P4", "P5"} {
		h.stage(t, record("op-"+p, p, "V1"))
	}

	sum, err := h.importer.Run(context.Background())
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if sum.Episodes != 2 || sum.Stopped == "" {
		t.Errorf("expected budget stop after 2 episodes, got %+v", sum)
	}
	st, _ := h.store.Stats(context.Background())
	if st.Dirty != 3 || st.Clean != 2 {
		t.Errorf("unexpected stats %+v", st)
	}
}

// stuckStore never clears dirty rows.
type stuckStore struct {
	staging.Store
}

func (stuckStore) MarkApplied(context.Context, []staging.Ref) (int, error) {
	return 0, errors.New("database unavailable")
}

func (stuckStore) MarkFailed(context.Context, []staging.Ref) (int, error) {
	return 0, errors.New("database unavailable")
}

func TestImport_ZeroProgressGuard(t *testing.T) {
	h := newHarness(t, ImportOptions{PageSize: 2})
	h.stage(t, record("1", "P1", "V1"), record("2", "P2", "V1"))
	h.importer.store = stuckStore{h.store}

	done := make(chan *ImportSummary, 1)
	go func() {
		sum, _ := h.importer.Run(context.Background())
		done <- sum
	}()
	select {
	case sum := <-done:
		if sum.Episodes != 2 || !strings.Contains(sum.Stopped, "no progress") {
			t.Errorf("expected each episode attempted once then a no-progress stop, got %+v", sum)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("import did not terminate")
	}
}

func TestImport_DaySurgery(t *testing.T) {
	h := newHarness(t, ImportOptions{PageSize: 10})
	rec := record("900", "P1", "V1")
	rec.OperatingRoom = "DS-1"
	rec.InRoomDatetime = "2023-03-31 09:00:00"
	rec.OutRoomDatetime = "2023-03-31 10:30:00"
	h.stage(t, rec)

	if _, err := h.importer.Run(context.Background()); err != nil {
		t.Fatalf("import: %v", err)
	}
	adms := h.platform.admissionsFor("900")
	if len(adms) != 1 || adms[0].Program != "DAY" {
		t.Fatalf("expected one day-surgery admission, got %+v", adms)
	}
	exit := time.Date(2023, 3, 31, 10, 30, 0, 0, time.UTC)
	if !adms[0].Start.Equal(exit) || adms[0].DischargedAt == nil || !adms[0].DischargedAt.Equal(exit) {
		t.Errorf("day admission should start and end at exit, got %+v", adms[0])
	}
	task := h.platform.taskFor("900", "day_surgery")
	if task == nil || h.platform.forms[task.FormID]["d_out"] != "2023-03-31 10:30:00" {
		t.Errorf("day-surgery form not written: %+v", task)
	}

	// A later edit that keeps the operation qualified does not enroll again.
	rec.Diagnosis = "acute appendicitis"
	h.stage(t, rec)
	if _, err := h.importer.Run(context.Background()); err != nil {
		t.Fatalf("second import: %v", err)
	}
	if n := len(h.platform.admissionsFor("900")); n != 1 {
		t.Errorf("expected a single day-surgery admission, got %d", n)
	}
}

func TestImport_DaySurgeryReusesActiveAdmission(t *testing.T) {
	h := newHarness(t, ImportOptions{PageSize: 10})
	enrolled := time.Date(2023, 3, 31, 11, 0, 0, 0, time.UTC)
	h.platform.cases["P1"] = "case-pre"
	h.platform.admissions = append(h.platform.admissions, &fakeAdmission{
		AdmissionRef: careplatform.AdmissionRef{ID: "adm-pre", Program: "DAY", EnrolledAt: &enrolled},
		CaseID:       "case-pre",
	})

	rec := record("900", "P1", "V1")
	rec.OperatingRoom = "DS-1"
	rec.OutRoomDatetime = "2023-03-31 10:30:00"
	h.stage(t, rec)
	if _, err := h.importer.Run(context.Background()); err != nil {
		t.Fatalf("import: %v", err)
	}
	if n := len(h.platform.admissionsFor("900")); n != 0 {
		t.Errorf("active admission enrolled after exit should be reused, %d created", n)
	}
	task := h.platform.taskFor("900", "day_surgery")
	if task == nil || task.AdmissionID != "adm-pre" {
		t.Errorf("day-surgery task should live in the reused admission, got %+v", task)
	}
}

func TestImport_DaySurgeryRequiresExit(t *testing.T) {
	h := newHarness(t, ImportOptions{PageSize: 10})
	rec := record("900", "P1", "V1")
	rec.OperatingRoom = "DS-1"
	rec.InRoomDatetime = "2023-03-31 09:00:00"
	h.stage(t, rec)
	if _, err := h.importer.Run(context.Background()); err != nil {
		t.Fatalf("import: %v", err)
	}
	if n := len(h.platform.admissionsFor("900")); n != 0 {
		t.Errorf("operation without exit should not enroll in day surgery, got %d", n)
	}
}

func TestImport_DaySurgeryRetryAfterFailure(t *testing.T) {
	h := newHarness(t, ImportOptions{PageSize: 10})
	h.platform.professionals["S1"] = careplatform.Professional{ID: "prof-1", Code: "S1"}
	h.platform.failAssigns = 1

	day := record("900", "P1", "V1")
	day.OperatingRoom = "DS-1"
	day.InRoomDatetime = "2023-03-31 09:00:00"
	day.OutRoomDatetime = "2023-03-31 10:30:00"
	later := record("901", "P1", "V1")
	later.InRoomDatetime = "2023-03-31 13:00:00"
	later.OutRoomDatetime = "2023-03-31 14:00:00"
	later.SurgeonCode, later.SurgeonName = "S1", "Dr One"
	h.stage(t, day, later)

	sum, err := h.importer.Run(context.Background())
	if err != nil || sum.Failed != 1 {
		t.Fatalf("first run should fail the episode: %+v, %v", sum, err)
	}
	if adms := h.platform.admissionsFor("900"); len(adms) != 1 || adms[0].DischargedAt == nil {
		t.Fatalf("day surgery should be written before the failure, got %+v", adms)
	}

	sum, err = h.importer.Run(context.Background())
	if err != nil || sum.Reset != 2 || sum.Applied != 1 {
		t.Fatalf("retry should reset and apply the episode: %+v, %v", sum, err)
	}
	if n := len(h.platform.admissionsFor("900")); n != 1 {
		t.Errorf("expected one day-surgery admission after retry, got %d", n)
	}
	if n := len(h.platform.admissionsFor("V1")); n != 1 {
		t.Errorf("expected one episode admission after retry, got %d", n)
	}
	if len(h.platform.assignments) != 1 {
		t.Errorf("expected the surgeon assigned once, got %+v", h.platform.assignments)
	}
}

func TestImport_DepartmentChangeKeepsAdmission(t *testing.T) {
	h := newHarness(t, ImportOptions{PageSize: 10})
	rec := record("1", "P1", "V1")
	h.stage(t, rec)
	if _, err := h.importer.Run(context.Background()); err != nil {
		t.Fatalf("import: %v", err)
	}

	rec.DeptCode, rec.DeptName = "0202", "Orthopedics"
	h.stage(t, rec)
	sum, err := h.importer.Run(context.Background())
	if err != nil || sum.Applied != 1 {
		t.Fatalf("second import: %+v, %v", sum, err)
	}
	adms := h.platform.admissionsFor("V1")
	if len(adms) != 1 || adms[0].Program != "SURGERY" {
		t.Errorf("department change should keep the episode admission, got %+v", adms)
	}
}

func TestImport_StaffAssignment(t *testing.T) {
	h := newHarness(t, ImportOptions{PageSize: 10})
	h.platform.professionals["D1"] = careplatform.Professional{ID: "prof-1", Code: "D1"}

	a := record("1", "P1", "V1")
	a.SurgeonCode, a.SurgeonName = "D1", "Dr One"
	a.AssistantCode, a.AssistantName = "D2", "Dr Two"
	a.Anesthetist1Code = "D1"
	b := record("2", "P1", "V1")
	b.AssistantCode = "D2"
	h.stage(t, a, b)

	sum, err := h.importer.Run(context.Background())
	if err != nil || sum.Applied != 1 {
		t.Fatalf("unknown professionals should not fail the episode: %+v, %v", sum, err)
	}
	var roles []string
	for _, as := range h.platform.assignments {
		if as.ProfessionalID != "prof-1" {
			t.Errorf("unexpected assignment %+v", as)
		}
		roles = append(roles, as.Role)
	}
	if strings.Join(roles, ",") != "surgeon,anesthetist" {
		t.Errorf("unexpected roles %v", roles)
	}
	if h.platform.profLookups != 2 {
		t.Errorf("professional lookups should be cached per run, got %d", h.platform.profLookups)
	}
	if !containsEntry(h.entries(t, sum.RunID), "unknown professional D2") {
		t.Error("expected an entry for the unknown professional")
	}
}

func TestImport_ContactUpdateFailureIsNotFatal(t *testing.T) {
	h := newHarness(t, ImportOptions{PageSize: 10})
	h.platform.cases["P1"] = "case-pre"
	h.platform.failContact = syncerr.Remote("409", "contact locked")
	rec := record("1", "P1", "V1")
	h.stage(t, rec)

	sum, err := h.importer.Run(context.Background())
	if err != nil || sum.Applied != 1 {
		t.Fatalf("contact failure should not fail the episode: %+v, %v", sum, err)
	}
	if !containsEntry(h.entries(t, sum.RunID), "contact update failed") {
		t.Error("expected an entry for the contact failure")
	}

	h.platform.failContact = nil
	rec.Phone = "555-0199"
	h.stage(t, rec)
	if _, err := h.importer.Run(context.Background()); err != nil {
		t.Fatalf("second import: %v", err)
	}
	if h.platform.contacts["case-pre"].Phone != "555-0199" {
		t.Errorf("contact not refreshed: %+v", h.platform.contacts["case-pre"])
	}
}

func TestImport_CorruptSnapshot(t *testing.T) {
	h := newHarness(t, ImportOptions{PageSize: 10})
	key := staging.Key{PatientID: "P1", EpisodeID: "V1", OperationID: "1"}
	if _, err := h.store.Upsert(context.Background(), key, staging.Snapshot{Data: []byte(`{"scheduled": 42}`)}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	sum, err := h.importer.Run(context.Background())
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if sum.Failed != 1 || !containsEntry(h.entries(t, sum.RunID), "(format)") {
		t.Errorf("undecodable snapshot should fail with a format error, got %+v", sum)
	}
}
