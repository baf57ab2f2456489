package reconcile

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
)

// Syncer runs a fetch pass followed by an import pass.
type Syncer struct {
	fetcher  *Fetcher
	importer *Importer
	logger   zerolog.Logger
}

func NewSyncer(f *Fetcher, imp *Importer, logger zerolog.Logger) *Syncer {
	return &Syncer{fetcher: f, importer: imp, logger: logger.With().Str("component", "sync").Logger()}
}

type SyncResult struct {
	Fetch  *FetchSummary  `json:"fetch"`
	Import *ImportSummary `json:"import"`
}

// RunOnce fetches then imports. A failed fetch does not skip the import:
// whatever was staged before the failure is still applied.
func (s *Syncer) RunOnce(ctx context.Context) (*SyncResult, error) {
	res := &SyncResult{}
	var fetchErr error
	res.Fetch, fetchErr = s.fetcher.Run(ctx, nil)
	if ctx.Err() != nil {
		return res, ctx.Err()
	}
	var importErr error
	res.Import, importErr = s.importer.Run(ctx)
	return res, errors.Join(fetchErr, importErr)
}

// RunEvery calls RunOnce immediately and then on every tick until ctx is
// done. Pass failures are logged; only cancellation ends the loop.
func (s *Syncer) RunEvery(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
			s.logger.Warn().Err(err).Msg("sync pass finished with errors")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
