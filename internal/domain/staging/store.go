// Package staging is the durable record pool between the fetch and import
// passes. A row holds the latest fetched snapshot of one operation, the last
// snapshot applied downstream, and a clean/dirty/error flag.
package staging

import (
	"context"
	"time"
)

// Store is the staging pool. Implementations must treat Upsert as idempotent
// and page LoadDirty over episodes, never over individual rows.
type Store interface {
	// Upsert inserts a new dirty row, or overwrites and dirties an existing
	// one when its content differs. Identical content is a no-op.
	Upsert(ctx context.Context, key Key, snap Snapshot) (UpsertResult, error)

	// LoadDirty returns a page of episodes having at least one dirty row,
	// each with all of its rows. page is 1-based.
	LoadDirty(ctx context.Context, pageSize, page int) ([]*EpisodeGroup, error)

	// MarkApplied promotes current to previous and cleans each row whose
	// version still matches. It returns the number of rows flipped.
	MarkApplied(ctx context.Context, refs []Ref) (int, error)

	// MarkFailed flags each row whose version still matches as an error,
	// leaving previous untouched.
	MarkFailed(ctx context.Context, refs []Ref) (int, error)

	// ResetErrors turns every error row back to dirty.
	ResetErrors(ctx context.Context) (int, error)

	// LastAppliedTimestamp is the latest row update time, or nil when empty.
	LastAppliedTimestamp(ctx context.Context) (*time.Time, error)

	Stats(ctx context.Context) (*Stats, error)

	// TryLock takes the pool-wide import lock. ok is false when another
	// holder has it; release must be called when ok is true.
	TryLock(ctx context.Context) (release func(), ok bool, err error)
}
