package processlog

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGLog persists runs in process_run and process_log.
type PGLog struct{ pool *pgxpool.Pool }

func NewPGLog(pool *pgxpool.Pool) *PGLog { return &PGLog{pool: pool} }

const runCols = `id, kind, status, progress, summary, started_at, finished_at`

func scanRun(row pgx.Row) (*Run, error) {
	var r Run
	err := row.Scan(&r.ID, &r.Kind, &r.Status, &r.Progress, &r.Summary, &r.StartedAt, &r.FinishedAt)
	return &r, err
}

func (l *PGLog) Start(ctx context.Context, id uuid.UUID, kind Kind) error {
	_, err := l.pool.Exec(ctx, `INSERT INTO process_run (id, kind, status) VALUES ($1, $2, $3)`, id, kind, StatusRunning)
	return err
}

func (l *PGLog) AppendLog(ctx context.Context, id uuid.UUID, message string) error {
	_, err := l.pool.Exec(ctx, `INSERT INTO process_log (run_id, message) VALUES ($1, $2)`, id, message)
	return err
}

func (l *PGLog) SetProgress(ctx context.Context, id uuid.UUID, message string) error {
	return l.update(ctx, `UPDATE process_run SET progress = $2 WHERE id = $1`, id, message)
}

func (l *PGLog) Finish(ctx context.Context, id uuid.UUID, status Status, summary string) error {
	return l.update(ctx, `UPDATE process_run SET status = $2, summary = $3, finished_at = NOW() WHERE id = $1`, id, status, summary)
}

func (l *PGLog) update(ctx context.Context, sql string, id uuid.UUID, args ...interface{}) error {
	tag, err := l.pool.Exec(ctx, sql, append([]interface{}{id}, args...)...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("run %s not found", id)
	}
	return nil
}

func (l *PGLog) ListRuns(ctx context.Context, kind Kind, limit, offset int) ([]*Run, int, error) {
	var total int
	if err := l.pool.QueryRow(ctx, `SELECT COUNT(*) FROM process_run WHERE $1 = '' OR kind = $1`, kind).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := l.pool.Query(ctx, `SELECT `+runCols+` FROM process_run WHERE $1 = '' OR kind = $1
		ORDER BY started_at DESC LIMIT $2 OFFSET $3`, kind, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, r)
	}
	return items, total, rows.Err()
}

func (l *PGLog) GetRun(ctx context.Context, id uuid.UUID) (*Run, error) {
	r, err := scanRun(l.pool.QueryRow(ctx, `SELECT `+runCols+` FROM process_run WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return r, err
}

func (l *PGLog) ListEntries(ctx context.Context, id uuid.UUID, limit, offset int) ([]*Entry, int, error) {
	var total int
	if err := l.pool.QueryRow(ctx, `SELECT COUNT(*) FROM process_log WHERE run_id = $1`, id).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := l.pool.Query(ctx, `SELECT id, run_id, message, created_at FROM process_log
		WHERE run_id = $1 ORDER BY id LIMIT $2 OFFSET $3`, id, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.RunID, &e.Message, &e.CreatedAt); err != nil {
			return nil, 0, err
		}
		items = append(items, &e)
	}
	return items, total, rows.Err()
}
