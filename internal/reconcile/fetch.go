// Package reconcile runs the two sync passes: fetch pulls hospital records
// into staging, import pushes dirty staging episodes into the care platform.
package reconcile

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/ehr/episodesync/internal/domain/episode"
	"github.com/ehr/episodesync/internal/domain/staging"
	"github.com/ehr/episodesync/internal/metrics"
	"github.com/ehr/episodesync/internal/processlog"
	"github.com/ehr/episodesync/internal/source"
	"github.com/ehr/episodesync/internal/tracing"
)

type FetchOptions struct {
	PageSize int
	// MinDate is the lower bound used when staging holds no applied rows.
	MinDate time.Time
	// Overlap is subtracted from the last applied timestamp.
	Overlap time.Duration
}

// Fetcher copies source records into staging.
type Fetcher struct {
	source  source.Client
	store   staging.Store
	log     *processlog.Safe
	metrics *metrics.Metrics
	logger  zerolog.Logger
	opts    FetchOptions
}

func NewFetcher(src source.Client, store staging.Store, log *processlog.Safe, m *metrics.Metrics, logger zerolog.Logger, opts FetchOptions) *Fetcher {
	if opts.PageSize <= 0 {
		opts.PageSize = 500
	}
	if log == nil {
		log = processlog.NewSafe(nil, logger)
	}
	if m == nil {
		m = metrics.New()
	}
	return &Fetcher{
		source:  src,
		store:   store,
		log:     log,
		metrics: m,
		logger:  logger.With().Str("component", "fetch").Logger(),
		opts:    opts,
	}
}

// FromDate resolves the lower bound of a fetch pass.
func (f *Fetcher) FromDate(ctx context.Context) (time.Time, error) {
	last, err := f.store.LastAppliedTimestamp(ctx)
	if err != nil {
		return time.Time{}, fmt.Errorf("last applied timestamp: %w", err)
	}
	if last == nil {
		return f.opts.MinDate, nil
	}
	return last.Add(-f.opts.Overlap), nil
}

// Run fetches every page since from (or the resolved lower bound when from
// is nil) and upserts the grouped records. A page failure aborts the pass;
// records already staged stay staged.
func (f *Fetcher) Run(ctx context.Context, from *time.Time) (*FetchSummary, error) {
	started := time.Now()
	sum := &FetchSummary{}
	sum.RunID = f.log.Start(ctx, processlog.KindFetch)

	err := f.run(ctx, from, sum)
	sum.finish(err)
	sum.Duration = time.Since(started)

	msg := sum.Message()
	if err != nil {
		msg += ": " + err.Error()
		f.logger.Error().Err(err).Str("run_id", sum.RunID.String()).Msg("fetch failed")
	} else {
		f.logger.Info().Str("run_id", sum.RunID.String()).Msg(msg)
	}
	f.log.Finish(ctx, sum.RunID, sum.Status, msg)
	f.metrics.ObserveRun(string(processlog.KindFetch), string(sum.Status), sum.Duration.Seconds(), float64(time.Now().Unix()))
	return sum, err
}

func (f *Fetcher) run(ctx context.Context, from *time.Time, sum *FetchSummary) error {
	if from != nil {
		sum.From = *from
	} else {
		d, err := f.FromDate(ctx)
		if err != nil {
			return err
		}
		sum.From = d
	}
	f.log.Append(ctx, sum.RunID, "fetching records since %s", sum.From.Format(episode.DateTimeLayout))

	var carry []source.Row
	for page := 1; ; page++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		rows, err := f.fetchPage(ctx, sum, page)
		if err != nil {
			return err
		}

		full := len(rows) == f.opts.PageSize
		rows = append(carry, rows...)
		carry = nil
		if full {
			rows, carry = splitTrailing(rows)
		}
		if err := f.stage(ctx, sum, groupRows(rows)); err != nil {
			return err
		}
		f.log.Progress(ctx, sum.RunID, "page %d: %d rows, %d created, %d updated, %d unchanged",
			page, sum.Rows, sum.Created, sum.Updated, sum.Unchanged)

		if !full {
			return nil
		}
	}
}

func (f *Fetcher) fetchPage(ctx context.Context, sum *FetchSummary, page int) ([]source.Row, error) {
	ctx, span := tracing.Tracer().Start(ctx, "fetch.page")
	defer span.End()
	span.SetAttributes(attribute.Int("page", page), attribute.Int("page_size", f.opts.PageSize))

	rows, err := f.source.FetchRecords(ctx, sum.From, f.opts.PageSize, page)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		f.log.Append(ctx, sum.RunID, "page %d failed: %v", page, err)
		return nil, fmt.Errorf("fetch page %d: %w", page, err)
	}
	span.SetAttributes(attribute.Int("rows", len(rows)))

	sum.Pages++
	sum.Rows += len(rows)
	f.metrics.SourcePages.Inc()
	f.metrics.SourceRows.Add(float64(len(rows)))
	return rows, nil
}

func (f *Fetcher) stage(ctx context.Context, sum *FetchSummary, records []episode.Record) error {
	for _, rec := range records {
		if missing := missingIdentifier(rec); missing != "" {
			sum.Invalid++
			f.metrics.InvalidRecords.Inc()
			f.log.Append(ctx, sum.RunID, "skipped record (schedule %q, patient %q, visit %q): %s is required",
				rec.ScheduleID, rec.PatientID, rec.VisitID, missing)
			continue
		}

		snap, err := snapshotOf(rec)
		if err != nil {
			return fmt.Errorf("snapshot %s: %w", rec.ScheduleID, err)
		}
		key := staging.Key{PatientID: rec.PatientID, EpisodeID: rec.VisitID, OperationID: rec.ScheduleID}
		res, err := f.store.Upsert(ctx, key, snap)
		if err != nil {
			return fmt.Errorf("upsert %s: %w", rec.ScheduleID, err)
		}

		sum.Records++
		switch res {
		case staging.Created:
			sum.Created++
		case staging.Updated:
			sum.Updated++
		default:
			sum.Unchanged++
		}
		f.metrics.StagingUpserts.WithLabelValues(res.String()).Inc()
	}
	return nil
}

func missingIdentifier(r episode.Record) string {
	switch {
	case r.ScheduleID == "":
		return "scheduled"
	case r.PatientID == "":
		return "patientID"
	case r.VisitID == "":
		return "visitID"
	}
	return ""
}

// snapshotOf serializes a record with its denormalized dates. Unparsable
// dates are left null in the columns; the snapshot keeps the raw text.
func snapshotOf(r episode.Record) (staging.Snapshot, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return staging.Snapshot{}, err
	}
	snap := staging.Snapshot{Data: data}
	snap.AdmissionDate, _ = episode.ParseDateTime(r.AdmissionDatetime)
	if t, _ := episode.ParseDateTime(r.InRoomDatetime); t != nil {
		snap.OperationDate = t
	} else {
		snap.OperationDate, _ = episode.ParseDateTime(r.ScheduledDatetime)
	}
	return snap, nil
}
