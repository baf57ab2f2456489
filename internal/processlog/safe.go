package processlog

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Safe wraps a Log so that a failing write is logged and never reaches the
// pipeline. A nil Log makes every call a no-op.
type Safe struct {
	log    Log
	logger zerolog.Logger
}

func NewSafe(log Log, logger zerolog.Logger) *Safe {
	return &Safe{log: log, logger: logger.With().Str("component", "processlog").Logger()}
}

// Start registers a new run and returns its id.
func (s *Safe) Start(ctx context.Context, kind Kind) uuid.UUID {
	id := uuid.New()
	if s.log != nil {
		s.warn(s.log.Start(ctx, id, kind), id, "start run")
	}
	return id
}

func (s *Safe) Append(ctx context.Context, id uuid.UUID, format string, args ...any) {
	if s.log == nil {
		return
	}
	s.warn(s.log.AppendLog(ctx, id, fmt.Sprintf(format, args...)), id, "append log")
}

func (s *Safe) Progress(ctx context.Context, id uuid.UUID, format string, args ...any) {
	if s.log == nil {
		return
	}
	s.warn(s.log.SetProgress(ctx, id, fmt.Sprintf(format, args...)), id, "set progress")
}

func (s *Safe) Finish(ctx context.Context, id uuid.UUID, status Status, summary string) {
	if s.log == nil {
		return
	}
	s.warn(s.log.Finish(ctx, id, status, summary), id, "finish run")
}

func (s *Safe) warn(err error, id uuid.UUID, op string) {
	if err != nil {
		s.logger.Warn().Err(err).Str("run_id", id.String()).Msgf("process log: %s failed", op)
	}
}
