package reconcile

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/episodesync/internal/processlog"
)

type FetchSummary struct {
	RunID     uuid.UUID         `json:"run_id"`
	From      time.Time         `json:"from"`
	Pages     int               `json:"pages"`
	Rows      int               `json:"rows"`
	Records   int               `json:"records"`
	Created   int               `json:"created"`
	Updated   int               `json:"updated"`
	Unchanged int               `json:"unchanged"`
	Invalid   int               `json:"invalid"`
	Status    processlog.Status `json:"status"`
	Duration  time.Duration     `json:"duration"`
}

func (s *FetchSummary) finish(err error) {
	switch {
	case err != nil:
		s.Status = processlog.StatusError
	case s.Rows == 0:
		s.Status = processlog.StatusIdle
	default:
		s.Status = processlog.StatusSuccess
	}
}

func (s *FetchSummary) Message() string {
	return fmt.Sprintf("fetch %s: %d pages, %d rows, %d records (%d created, %d updated, %d unchanged, %d invalid) since %s",
		s.Status, s.Pages, s.Rows, s.Records, s.Created, s.Updated, s.Unchanged, s.Invalid,
		s.From.Format("2006-01-02 15:04:05"))
}

type ImportSummary struct {
	RunID     uuid.UUID         `json:"run_id"`
	Reset     int               `json:"reset"`
	Pages     int               `json:"pages"`
	Episodes  int               `json:"episodes"`
	Applied   int               `json:"applied"`
	Unchanged int               `json:"unchanged"`
	Failed    int               `json:"failed"`
	Stopped   string            `json:"stopped,omitempty"`
	Status    processlog.Status `json:"status"`
	Duration  time.Duration     `json:"duration"`
}

func (s *ImportSummary) finish(err error) {
	switch {
	case err != nil || s.Failed > 0:
		s.Status = processlog.StatusError
	case s.Episodes == 0:
		s.Status = processlog.StatusIdle
	default:
		s.Status = processlog.StatusSuccess
	}
}

func (s *ImportSummary) Message() string {
	msg := fmt.Sprintf("import %s: %d episodes (%d applied, %d unchanged, %d failed), %d error rows reset",
		s.Status, s.Episodes, s.Applied, s.Unchanged, s.Failed, s.Reset)
	if s.Stopped != "" {
		msg += "; stopped: " + s.Stopped
	}
	return msg
}
