package staging

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/episodesync/internal/platform/db"
)

// importLockID is the advisory lock key held by a running import pass.
const importLockID int64 = 0x65706973796e63

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

// PGStore keeps the pool in the staging_record table.
type PGStore struct{ pool *pgxpool.Pool }

func NewPGStore(pool *pgxpool.Pool) *PGStore { return &PGStore{pool: pool} }

func (s *PGStore) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return s.pool
}

const recordCols = `id, patient_id, episode_id, operation_id, admission_date, operation_date,
	created_at, updated_at, current_snapshot, previous_snapshot, status, version`

const recordColsJoined = `r.id, r.patient_id, r.episode_id, r.operation_id, r.admission_date, r.operation_date,
	r.created_at, r.updated_at, r.current_snapshot, r.previous_snapshot, r.status, r.version`

func scanRecord(row pgx.Row) (*Record, error) {
	var (
		r        Record
		current  string
		previous *string
	)
	err := row.Scan(&r.ID, &r.PatientID, &r.EpisodeID, &r.OperationID, &r.AdmissionDate, &r.OperationDate,
		&r.CreatedAt, &r.UpdatedAt, &current, &previous, &r.Status, &r.Version)
	if err != nil {
		return nil, err
	}
	r.Current = []byte(current)
	if previous != nil {
		r.Previous = []byte(*previous)
	}
	return &r, nil
}

// Get returns the row stored under key, or nil when there is none.
func (s *PGStore) Get(ctx context.Context, key Key) (*Record, error) {
	r, err := scanRecord(s.conn(ctx).QueryRow(ctx, `SELECT `+recordCols+` FROM staging_record
		WHERE patient_id = $1 AND episode_id = $2 AND operation_id = $3`,
		key.PatientID, key.EpisodeID, key.OperationID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return r, err
}

func (s *PGStore) Upsert(ctx context.Context, key Key, snap Snapshot) (UpsertResult, error) {
	data, err := Canonicalize(snap.Data)
	if err != nil {
		return Unchanged, err
	}

	result := Unchanged
	err = db.WithTx(ctx, s.pool, func(ctx context.Context) error {
		var (
			id     int64
			stored string
		)
		err := s.conn(ctx).QueryRow(ctx, `
			SELECT id, current_snapshot FROM staging_record
			WHERE patient_id = $1 AND episode_id = $2 AND operation_id = $3
			FOR UPDATE`,
			key.PatientID, key.EpisodeID, key.OperationID).Scan(&id, &stored)
		if errors.Is(err, pgx.ErrNoRows) {
			_, err = s.conn(ctx).Exec(ctx, `
				INSERT INTO staging_record (patient_id, episode_id, operation_id, admission_date, operation_date,
					current_snapshot, status)
				VALUES ($1,$2,$3,$4,$5,$6,$7)`,
				key.PatientID, key.EpisodeID, key.OperationID, snap.AdmissionDate, snap.OperationDate,
				string(data), StatusDirty)
			if err != nil {
				return fmt.Errorf("insert staging record: %w", err)
			}
			result = Created
			return nil
		}
		if err != nil {
			return fmt.Errorf("select staging record: %w", err)
		}

		canonical, err := Canonicalize([]byte(stored))
		if err != nil {
			return err
		}
		if bytes.Equal(canonical, data) {
			return nil
		}
		_, err = s.conn(ctx).Exec(ctx, `
			UPDATE staging_record SET current_snapshot=$2, admission_date=$3, operation_date=$4,
				status=$5, version=version+1, updated_at=NOW()
			WHERE id = $1`,
			id, string(data), snap.AdmissionDate, snap.OperationDate, StatusDirty)
		if err != nil {
			return fmt.Errorf("update staging record: %w", err)
		}
		result = Updated
		return nil
	})
	if err != nil {
		return Unchanged, err
	}
	return result, nil
}

func (s *PGStore) LoadDirty(ctx context.Context, pageSize, page int) ([]*EpisodeGroup, error) {
	if pageSize <= 0 || page < 1 {
		return nil, nil
	}
	rows, err := s.conn(ctx).Query(ctx, `
		WITH episodes AS (
			SELECT patient_id, episode_id FROM staging_record
			WHERE status = $1
			GROUP BY patient_id, episode_id
			ORDER BY patient_id, episode_id
			LIMIT $2 OFFSET $3
		)
		SELECT `+recordColsJoined+`
		FROM staging_record r
		JOIN episodes e ON e.patient_id = r.patient_id AND e.episode_id = r.episode_id
		ORDER BY r.patient_id, r.episode_id, r.status, r.operation_date NULLS FIRST, r.operation_id`,
		StatusDirty, pageSize, (page-1)*pageSize)
	if err != nil {
		return nil, fmt.Errorf("load dirty episodes: %w", err)
	}
	defer rows.Close()

	var groups []*EpisodeGroup
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		n := len(groups)
		if n == 0 || groups[n-1].PatientID != r.PatientID || groups[n-1].EpisodeID != r.EpisodeID {
			groups = append(groups, &EpisodeGroup{PatientID: r.PatientID, EpisodeID: r.EpisodeID})
			n++
		}
		groups[n-1].Rows = append(groups[n-1].Rows, r)
	}
	return groups, rows.Err()
}

func (s *PGStore) MarkApplied(ctx context.Context, refs []Ref) (int, error) {
	return s.mark(ctx, refs, `
		UPDATE staging_record SET previous_snapshot = current_snapshot, status = $5
		WHERE patient_id = $1 AND episode_id = $2 AND operation_id = $3 AND version = $4`, StatusClean)
}

func (s *PGStore) MarkFailed(ctx context.Context, refs []Ref) (int, error) {
	return s.mark(ctx, refs, `
		UPDATE staging_record SET status = $5
		WHERE patient_id = $1 AND episode_id = $2 AND operation_id = $3 AND version = $4`, StatusError)
}

func (s *PGStore) mark(ctx context.Context, refs []Ref, sql string, status Status) (int, error) {
	n := 0
	err := db.WithTx(ctx, s.pool, func(ctx context.Context) error {
		for _, ref := range refs {
			tag, err := s.conn(ctx).Exec(ctx, sql, ref.PatientID, ref.EpisodeID, ref.OperationID, ref.Version, status)
			if err != nil {
				return fmt.Errorf("mark %s/%s/%s %s: %w", ref.PatientID, ref.EpisodeID, ref.OperationID, status, err)
			}
			n += int(tag.RowsAffected())
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

func (s *PGStore) ResetErrors(ctx context.Context) (int, error) {
	tag, err := s.conn(ctx).Exec(ctx, `UPDATE staging_record SET status = $1 WHERE status = $2`, StatusDirty, StatusError)
	if err != nil {
		return 0, fmt.Errorf("reset error rows: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *PGStore) LastAppliedTimestamp(ctx context.Context) (*time.Time, error) {
	var last *time.Time
	if err := s.conn(ctx).QueryRow(ctx, `SELECT MAX(updated_at) FROM staging_record`).Scan(&last); err != nil {
		return nil, fmt.Errorf("query last update: %w", err)
	}
	return last, nil
}

func (s *PGStore) Stats(ctx context.Context) (*Stats, error) {
	rows, err := s.conn(ctx).Query(ctx, `SELECT status, COUNT(*) FROM staging_record GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("query staging stats: %w", err)
	}
	defer rows.Close()

	st := &Stats{}
	for rows.Next() {
		var (
			status Status
			count  int
		)
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		switch status {
		case StatusClean:
			st.Clean = count
		case StatusDirty:
			st.Dirty = count
		case StatusError:
			st.Error = count
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	st.LastUpdate, err = s.LastAppliedTimestamp(ctx)
	return st, err
}

// TryLock holds a session advisory lock on a dedicated connection until
// release is called.
func (s *PGStore) TryLock(ctx context.Context) (func(), bool, error) {
	c, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire lock connection: %w", err)
	}
	var ok bool
	if err := c.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, importLockID).Scan(&ok); err != nil {
		c.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !ok {
		c.Release()
		return nil, false, nil
	}
	return func() {
		_, _ = c.Exec(context.Background(), `SELECT pg_advisory_unlock($1)`, importLockID)
		c.Release()
	}, true, nil
}
