package reconcile

import (
	"github.com/ehr/episodesync/internal/domain/episode"
	"github.com/ehr/episodesync/internal/source"
)

// groupRows folds per-procedure rows into one record per schedule id, in
// order of first appearance. Scalar fields come from the first row of each
// group; procedure lists are deduplicated by code.
func groupRows(rows []source.Row) []episode.Record {
	var order []string
	groups := make(map[string]*episode.Record)
	for _, row := range rows {
		rec, ok := groups[row.ScheduleID]
		if !ok {
			r := row.Record
			r.Procedures = nil
			r.PerformedProcedures = nil
			rec = &r
			groups[row.ScheduleID] = rec
			order = append(order, row.ScheduleID)
		}
		rec.Procedures = appendProcedure(rec.Procedures, row.OperationCode, row.OperationName)
		rec.PerformedProcedures = appendProcedure(rec.PerformedProcedures, row.PerformedCode, row.PerformedName)
	}

	out := make([]episode.Record, 0, len(order))
	for _, id := range order {
		out = append(out, *groups[id])
	}
	return out
}

func appendProcedure(list []episode.ProcedureRef, code, name string) []episode.ProcedureRef {
	if code == "" {
		return list
	}
	for _, p := range list {
		if p.Code == code {
			return list
		}
	}
	return append(list, episode.ProcedureRef{Code: code, Name: name})
}

// splitTrailing separates the rows of the page's last schedule id so they
// can be completed by the next page.
func splitTrailing(rows []source.Row) (complete, trailing []source.Row) {
	if len(rows) == 0 {
		return nil, nil
	}
	last := rows[len(rows)-1].ScheduleID
	for _, row := range rows {
		if row.ScheduleID == last {
			trailing = append(trailing, row)
		} else {
			complete = append(complete, row)
		}
	}
	return complete, trailing
}
