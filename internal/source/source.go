// Package source reads operation rows from the hospital surgical system.
package source

import (
	"context"
	"time"

	"github.com/ehr/episodesync/internal/domain/episode"
)

// Row is one row of the source feed. The feed repeats an operation once per
// procedure, each row carrying one proposed and one performed procedure.
type Row struct {
	episode.Record

	OperationCode string `json:"operationCode,omitempty"`
	OperationName string `json:"operationName,omitempty"`
	PerformedCode string `json:"performedOperationCode,omitempty"`
	PerformedName string `json:"performedOperationName,omitempty"`
}

// Client fetches rows modified since a date. A page shorter than pageSize is
// the last one. pageNum is 1-based.
type Client interface {
	FetchRecords(ctx context.Context, from time.Time, pageSize, pageNum int) ([]Row, error)
}
