package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/episodesync/internal/careplatform"
	"github.com/ehr/episodesync/internal/domain/episode"
	"github.com/ehr/episodesync/internal/domain/staging"
	"github.com/ehr/episodesync/internal/mapping"
	"github.com/ehr/episodesync/internal/notify"
	"github.com/ehr/episodesync/internal/syncerr"
)

// changeLogField is the canonical form field that receives the change
// message of an updated operation.
const changeLogField = "change_log"

type applied struct {
	change notify.Change
}

// apply writes one episode to the platform. It returns nil, nil when the
// episode was applied before and nothing changed since.
func (imp *Importer) apply(ctx context.Context, sum *ImportSummary, cache *runCache, g *staging.EpisodeGroup) (*applied, error) {
	ep, fresh, err := rebuild(g)
	if err != nil {
		return nil, err
	}
	if !fresh && !ep.HasChanges() {
		return nil, nil
	}
	w := &episodeWriter{
		imp:    imp,
		sum:    sum,
		cache:  cache,
		ep:     ep,
		fresh:  fresh,
		logger: imp.logger.With().Str("patient_id", ep.PatientID).Str("episode_id", ep.EpisodeID).Logger(),
	}
	return w.write(ctx)
}

type episodeWriter struct {
	imp    *Importer
	sum    *ImportSummary
	cache  *runCache
	ep     *episode.Episode
	fresh  bool
	logger zerolog.Logger
}

func (w *episodeWriter) write(ctx context.Context) (*applied, error) {
	ep := w.ep
	latest := ep.Latest()
	if latest == nil {
		return nil, syncerr.DataMissing("operations")
	}
	team, err := w.imp.mapping.Department(latest.DeptCode)
	if err != nil {
		return nil, err
	}

	caseRef, err := w.resolveCase(ctx)
	if err != nil {
		return nil, err
	}

	start := ep.AdmissionTime()
	if start == nil {
		return nil, syncerr.DataMissing("scheduledDatetime")
	}
	adm, err := w.episodeAdmission(ctx, caseRef.ID, team, *start)
	if err != nil {
		return nil, fmt.Errorf("admission: %w", err)
	}

	var written []string
	for _, op := range ep.Operations {
		added := w.fresh || adm.Created || ep.IsAdded(op)
		if !added && !op.HasChanges() {
			continue
		}
		if err := w.writeOperation(ctx, adm.ID, op, added); err != nil {
			return nil, fmt.Errorf("operation %s: %w", op.ID, err)
		}
		if w.daySurgeryDue(op, added) {
			if err := w.writeDaySurgery(ctx, caseRef.ID, op); err != nil {
				return nil, fmt.Errorf("operation %s day surgery: %w", op.ID, err)
			}
		}
		written = append(written, op.ID)
	}

	discharged := false
	if ep.FinishReported() && ep.AllFinished() {
		at := ep.DischargeTime()
		if err := w.imp.platform.DischargeAdmission(ctx, adm.ID, *at); err != nil {
			return nil, fmt.Errorf("discharge admission: %w", err)
		}
		discharged = true
		w.imp.log.Append(ctx, w.sum.RunID, "episode %s/%s discharged at %s",
			ep.PatientID, ep.EpisodeID, episode.FormatDateTime(at))
	}

	return &applied{change: notify.Change{
		PatientID:  ep.PatientID,
		EpisodeID:  ep.EpisodeID,
		CaseID:     caseRef.ID,
		New:        w.fresh,
		Operations: written,
		Discharged: discharged,
		Message:    ep.ChangeMessage(),
		At:         w.imp.now(),
	}}, nil
}

// episodeAdmission returns the admission linked to the episode, creating
// it in the team's program when there is none. The link is the episode id
// in any program but day surgery, so an episode that moves to a department
// of another program keeps its admission.
func (w *episodeWriter) episodeAdmission(ctx context.Context, caseID string, team mapping.Team, start time.Time) (*careplatform.AdmissionRef, error) {
	linked, err := w.imp.platform.FindAdmissions(ctx, caseID, w.ep.EpisodeID)
	if err != nil {
		return nil, err
	}
	ds := &w.imp.mapping.DaySurgery
	for i := range linked {
		if ds.Enabled() && linked[i].Program == ds.Program {
			continue
		}
		adm := linked[i]
		adm.Created = false
		if adm.Program != team.Program {
			w.logger.Info().Str("admission_id", adm.ID).Str("program", adm.Program).
				Str("department_program", team.Program).Msg("episode admission kept in its original program")
		}
		return &adm, nil
	}
	return w.imp.platform.CreateAdmission(ctx, careplatform.AdmissionSpec{
		CaseID:     caseID,
		Program:    team.Program,
		Team:       team.Team,
		ExternalID: w.ep.EpisodeID,
		Start:      start,
	})
}

func (w *episodeWriter) contact() careplatform.Contact {
	return careplatform.Contact{
		Name:     w.ep.Name,
		Sex:      w.ep.Sex,
		Age:      w.ep.Age,
		Birthday: w.ep.Birthday,
		Phone:    w.ep.Phone,
	}
}

// resolveCase finds or creates the patient's case. Contact data on an
// existing case is refreshed when it may be stale; a failed refresh is
// logged and does not fail the episode.
func (w *episodeWriter) resolveCase(ctx context.Context) (*careplatform.CaseRef, error) {
	if ref, ok := w.cache.cases[w.ep.PatientID]; ok {
		return ref, nil
	}
	ref, err := w.imp.platform.FindOrCreateCase(ctx,
		careplatform.Identifiers{HospitalID: w.ep.PatientID, NationalID: w.ep.NationalID},
		w.contact())
	if err != nil {
		return nil, fmt.Errorf("case: %w", err)
	}
	if !ref.Created && (w.fresh || len(w.ep.Changes()) > 0) {
		if err := w.imp.platform.UpdateCaseContact(ctx, ref.ID, w.contact()); err != nil {
			w.logger.Warn().Err(err).Str("case_id", ref.ID).Msg("update case contact")
			w.imp.log.Append(ctx, w.sum.RunID, "case %s contact update failed: %v", ref.ID, err)
		}
	}
	w.cache.cases[w.ep.PatientID] = ref
	return ref, nil
}

// task finds the task linked to externalID in the admission, creating it
// when absent.
func (w *episodeWriter) task(ctx context.Context, admissionID, taskType, externalID string, op *episode.Operation) (*careplatform.TaskRef, error) {
	t, err := w.imp.platform.FindTaskInAdmission(ctx, admissionID, taskType, externalID)
	if err != nil {
		return nil, fmt.Errorf("find task: %w", err)
	}
	if t != nil {
		return t, nil
	}
	t, err = w.imp.platform.CreateTask(ctx, admissionID, careplatform.TaskSpec{
		TaskType:   taskType,
		ExternalID: externalID,
		Date:       op.Date(),
	})
	if err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}
	return t, nil
}

func (w *episodeWriter) writeOperation(ctx context.Context, admissionID string, op *episode.Operation, added bool) error {
	form := w.imp.mapping.OperationForm
	t, err := w.task(ctx, admissionID, form.TaskType, op.ID, op)
	if err != nil {
		return err
	}

	values := op.FormValues()
	if !added {
		if msg := op.ChangeMessage(); msg != "" {
			values[changeLogField] = msg
		}
	}
	if err := w.imp.platform.SetFormFields(ctx, t.FormID, form.Answers(values)); err != nil {
		return fmt.Errorf("form fields: %w", err)
	}
	return w.assignStaff(ctx, t.ID, op)
}

type staffSlot struct {
	role  string
	staff episode.StaffRef
}

func (w *episodeWriter) assignStaff(ctx context.Context, taskID string, op *episode.Operation) error {
	roles := w.imp.mapping.StaffRoles
	slots := []staffSlot{
		{roles.Surgeon, op.Surgeon},
		{roles.Assistant, op.Assistant},
	}
	for _, a := range op.Anesthetists {
		slots = append(slots, staffSlot{roles.Anesthetist, a})
	}

	for _, s := range slots {
		if s.role == "" || s.staff.Code == "" {
			continue
		}
		prof, err := w.cache.professional(ctx, w.imp.platform, s.staff.Code)
		if err != nil {
			return fmt.Errorf("find professional %s: %w", s.staff.Code, err)
		}
		if prof == nil {
			w.logger.Warn().Str("operation_id", op.ID).Str("code", s.staff.Code).Msg("unknown professional, assignment skipped")
			w.imp.log.Append(ctx, w.sum.RunID, "operation %s: unknown professional %s (%s), assignment skipped",
				op.ID, s.staff.Code, s.staff.Name)
			continue
		}
		if err := w.imp.platform.AssignStaff(ctx, taskID, s.role, prof.ID); err != nil {
			return fmt.Errorf("assign %s %s: %w", s.role, s.staff.Code, err)
		}
	}
	return nil
}

// daySurgeryDue reports whether op qualifies for day surgery now and did not
// qualify as last applied, so each operation is enrolled once.
func (w *episodeWriter) daySurgeryDue(op *episode.Operation, added bool) bool {
	ds := &w.imp.mapping.DaySurgery
	if op.OutRoomAt == nil || !ds.Qualifies(op.DeptCode, op.Room, op.Status) {
		return false
	}
	if added {
		return true
	}
	changes := op.Changes()
	if old, ok := changes["out_room_at"]; ok && old == nil {
		return true
	}
	return !ds.Qualifies(
		previousString(changes, "department_code", op.DeptCode),
		previousString(changes, "room", op.Room),
		previousString(changes, "status", op.Status),
	)
}

func previousString(changes episode.Changes, field, current string) string {
	old, ok := changes[field]
	if !ok {
		return current
	}
	s, _ := old.(string)
	return s
}

// writeDaySurgery enrolls op in the day-surgery program and discharges the
// admission at the end of the operation. Every step can be replayed after a
// partial failure without writing a second admission, task or discharge.
func (w *episodeWriter) writeDaySurgery(ctx context.Context, caseID string, op *episode.Operation) error {
	ds := &w.imp.mapping.DaySurgery
	adm, err := w.daySurgeryAdmission(ctx, caseID, op)
	if err != nil {
		return err
	}

	t, err := w.task(ctx, adm.ID, ds.TaskType, op.ID, op)
	if err != nil {
		return err
	}
	if err := w.imp.platform.SetFormFields(ctx, t.FormID, ds.Answers(op.FormValues())); err != nil {
		return fmt.Errorf("form fields: %w", err)
	}
	if adm.DischargedAt == nil {
		if err := w.imp.platform.DischargeAdmission(ctx, adm.ID, *op.DayDischargeTime()); err != nil {
			return fmt.Errorf("discharge: %w", err)
		}
	}
	w.imp.log.Append(ctx, w.sum.RunID, "operation %s enrolled in day surgery admission %s", op.ID, adm.ID)
	return nil
}

// daySurgeryAdmission returns the day-surgery admission already linked to
// op, whatever its status. Without one, an active admission enrolled at or
// after the exit time is reused; otherwise a new one starts at the exit
// time.
func (w *episodeWriter) daySurgeryAdmission(ctx context.Context, caseID string, op *episode.Operation) (*careplatform.AdmissionRef, error) {
	ds := &w.imp.mapping.DaySurgery
	exit := *op.OutRoomAt

	linked, err := w.imp.platform.FindAdmissions(ctx, caseID, op.ID)
	if err != nil {
		return nil, fmt.Errorf("find admission: %w", err)
	}
	for i := range linked {
		if linked[i].Program == ds.Program {
			return &linked[i], nil
		}
	}

	active, err := w.imp.platform.ListActiveAdmissions(ctx, caseID, ds.Program)
	if err != nil {
		return nil, fmt.Errorf("list admissions: %w", err)
	}
	for i := range active {
		if e := active[i].EnrolledAt; e != nil && !e.Before(exit) {
			return &active[i], nil
		}
	}

	adm, err := w.imp.platform.CreateAdmission(ctx, careplatform.AdmissionSpec{
		CaseID:     caseID,
		Program:    ds.Program,
		Team:       ds.Team,
		ExternalID: op.ID,
		Start:      exit,
	})
	if err != nil {
		return nil, fmt.Errorf("create admission: %w", err)
	}
	return adm, nil
}
