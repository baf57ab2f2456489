package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/ehr/episodesync/internal/careplatform"
	"github.com/ehr/episodesync/internal/domain/episode"
	"github.com/ehr/episodesync/internal/domain/staging"
	"github.com/ehr/episodesync/internal/mapping"
	"github.com/ehr/episodesync/internal/metrics"
	"github.com/ehr/episodesync/internal/notify"
	"github.com/ehr/episodesync/internal/processlog"
	"github.com/ehr/episodesync/internal/syncerr"
	"github.com/ehr/episodesync/internal/tracing"
)

// ErrImportRunning is returned when another import holds the staging lock.
var ErrImportRunning = errors.New("another import is running")

type ImportOptions struct {
	PageSize int
	// MaxEpisodes bounds the episodes attempted in one pass; 0 means no limit.
	MaxEpisodes int
}

// Importer applies dirty staging episodes to the care platform.
type Importer struct {
	store    staging.Store
	platform careplatform.Platform
	mapping  *mapping.Mapping
	notifier notify.Notifier
	log      *processlog.Safe
	metrics  *metrics.Metrics
	logger   zerolog.Logger
	opts     ImportOptions
	now      func() time.Time
}

func NewImporter(store staging.Store, platform careplatform.Platform, m *mapping.Mapping, notifier notify.Notifier,
	log *processlog.Safe, mtr *metrics.Metrics, logger zerolog.Logger, opts ImportOptions) *Importer {
	if opts.PageSize <= 0 {
		opts.PageSize = 50
	}
	if notifier == nil {
		notifier = notify.Nop{}
	}
	if log == nil {
		log = processlog.NewSafe(nil, logger)
	}
	if mtr == nil {
		mtr = metrics.New()
	}
	return &Importer{
		store:    store,
		platform: platform,
		mapping:  m,
		notifier: notifier,
		log:      log,
		metrics:  mtr,
		logger:   logger.With().Str("component", "import").Logger(),
		opts:     opts,
		now:      time.Now,
	}
}

type outcome string

const (
	outcomeApplied   outcome = "applied"
	outcomeUnchanged outcome = "unchanged"
	outcomeFailed    outcome = "failed"
)

// Run imports dirty episodes until none are left, the episode budget is
// spent, or a page yields only episodes already attempted in this pass.
// Error rows from earlier passes are reset to dirty first. Episode failures
// are recorded on their rows and never stop the pass.
func (imp *Importer) Run(ctx context.Context) (*ImportSummary, error) {
	started := time.Now()
	sum := &ImportSummary{}
	sum.RunID = imp.log.Start(ctx, processlog.KindImport)

	release, ok, err := imp.store.TryLock(ctx)
	switch {
	case err != nil:
		err = fmt.Errorf("acquire import lock: %w", err)
	case !ok:
		err = ErrImportRunning
	default:
		err = imp.run(ctx, sum)
		release()
	}

	sum.finish(err)
	sum.Duration = time.Since(started)
	msg := sum.Message()
	if err != nil {
		msg += ": " + err.Error()
		imp.logger.Error().Err(err).Str("run_id", sum.RunID.String()).Msg("import failed")
	} else {
		imp.logger.Info().Str("run_id", sum.RunID.String()).Msg(msg)
	}
	imp.log.Finish(ctx, sum.RunID, sum.Status, msg)
	imp.metrics.ObserveRun(string(processlog.KindImport), string(sum.Status), sum.Duration.Seconds(), float64(time.Now().Unix()))
	return sum, err
}

type episodeKey struct{ patient, episode string }

func (imp *Importer) run(ctx context.Context, sum *ImportSummary) error {
	reset, err := imp.store.ResetErrors(ctx)
	if err != nil {
		return fmt.Errorf("reset error rows: %w", err)
	}
	sum.Reset = reset
	if reset > 0 {
		imp.log.Append(ctx, sum.RunID, "reset %d error rows to dirty", reset)
	}

	cache := newRunCache()
	attempted := make(map[episodeKey]bool)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if imp.opts.MaxEpisodes > 0 && sum.Episodes >= imp.opts.MaxEpisodes {
			sum.Stopped = fmt.Sprintf("episode budget of %d reached", imp.opts.MaxEpisodes)
			return nil
		}

		// Applied and failed episodes leave the dirty set, so the first
		// page always holds the next work.
		groups, err := imp.store.LoadDirty(ctx, imp.opts.PageSize, 1)
		if err != nil {
			return fmt.Errorf("load dirty episodes: %w", err)
		}
		if len(groups) == 0 {
			return nil
		}
		sum.Pages++

		progressed := false
		for _, g := range groups {
			key := episodeKey{g.PatientID, g.EpisodeID}
			if attempted[key] {
				continue
			}
			if imp.opts.MaxEpisodes > 0 && sum.Episodes >= imp.opts.MaxEpisodes {
				break
			}
			attempted[key] = true
			progressed = true

			sum.Episodes++
			switch imp.importEpisode(ctx, sum, cache, g) {
			case outcomeApplied:
				sum.Applied++
			case outcomeUnchanged:
				sum.Unchanged++
			default:
				sum.Failed++
			}
		}
		if !progressed {
			sum.Stopped = "no progress: dirty page holds only episodes already attempted"
			imp.log.Append(ctx, sum.RunID, "stopping: %s", sum.Stopped)
			return nil
		}
		imp.log.Progress(ctx, sum.RunID, "%d episodes: %d applied, %d unchanged, %d failed",
			sum.Episodes, sum.Applied, sum.Unchanged, sum.Failed)
	}
}

func (imp *Importer) importEpisode(ctx context.Context, sum *ImportSummary, cache *runCache, g *staging.EpisodeGroup) outcome {
	ctx, span := tracing.Tracer().Start(ctx, "import.episode")
	defer span.End()
	span.SetAttributes(
		attribute.String("patient_id", g.PatientID),
		attribute.String("episode_id", g.EpisodeID),
		attribute.Int("operations", len(g.Rows)),
	)
	logger := imp.logger.With().Str("patient_id", g.PatientID).Str("episode_id", g.EpisodeID).Logger()

	res, err := imp.apply(ctx, sum, cache, g)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		kind := kindLabel(err)
		logger.Error().Err(err).Str("kind", kind).Msg("episode import failed")
		imp.log.Append(ctx, sum.RunID, "episode %s/%s failed (%s): %v", g.PatientID, g.EpisodeID, kind, err)
		imp.metrics.PlatformErrors.WithLabelValues(kind).Inc()
		imp.metrics.Episodes.WithLabelValues(string(outcomeFailed)).Inc()
		if _, merr := imp.store.MarkFailed(ctx, g.Refs()); merr != nil {
			logger.Error().Err(merr).Msg("mark episode failed")
		}
		return outcomeFailed
	}

	out := outcomeUnchanged
	if res != nil {
		out = outcomeApplied
		if nerr := imp.notifier.Notify(ctx, res.change); nerr != nil {
			logger.Warn().Err(nerr).Msg("publish change notification")
		}
	}
	n, err := imp.store.MarkApplied(ctx, g.Refs())
	if err != nil {
		logger.Error().Err(err).Msg("mark episode applied")
	} else if n < len(g.Rows) {
		// Rows rewritten by a concurrent fetch stay dirty for the next pass.
		logger.Info().Int("marked", n).Int("rows", len(g.Rows)).Msg("episode changed during import")
	}
	imp.metrics.Episodes.WithLabelValues(string(out)).Inc()
	span.SetAttributes(attribute.String("outcome", string(out)))
	return out
}

func kindLabel(err error) string {
	if k := syncerr.KindOf(err); k != "" {
		return string(k)
	}
	return "internal"
}

// rebuild reconstructs the episode as last applied and replays the current
// snapshots over it, so the tracked changes are exactly what the platform
// has not seen. fresh is true when no row was ever applied.
func rebuild(g *staging.EpisodeGroup) (ep *episode.Episode, fresh bool, err error) {
	current := make([]episode.Record, 0, len(g.Rows))
	var previous []episode.Record
	for _, row := range g.Rows {
		var rec episode.Record
		if err := json.Unmarshal(row.Current, &rec); err != nil {
			return nil, false, syncerr.Format(fmt.Errorf("operation %s current snapshot: %w", row.OperationID, err))
		}
		current = append(current, rec)

		if len(row.Previous) == 0 {
			continue
		}
		var prev episode.Record
		if err := json.Unmarshal(row.Previous, &prev); err != nil {
			return nil, false, syncerr.Format(fmt.Errorf("operation %s previous snapshot: %w", row.OperationID, err))
		}
		previous = append(previous, prev)
	}

	if len(previous) == 0 {
		ep, err = episode.FromRecords(current...)
		return ep, true, err
	}
	ep, err = episode.FromRecords(previous...)
	if err != nil {
		return nil, false, err
	}
	if err := ep.Update(current...); err != nil {
		return nil, false, err
	}
	return ep, false, nil
}
