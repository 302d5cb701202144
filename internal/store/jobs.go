package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rohioffl/cloudscan/internal/model"
)

type jobRow struct {
	ID        string         `db:"id"`
	Provider  string         `db:"provider"`
	Target    string         `db:"target"`
	Status    string         `db:"status"`
	Progress  int            `db:"progress"`
	Result    sql.NullString `db:"result"`
	Error     sql.NullString `db:"error"`
	CreatedAt int64          `db:"created_at"`
	UpdatedAt int64          `db:"updated_at"`
}

func newJobRow(rec model.JobRecord) (jobRow, error) {
	row := jobRow{
		ID:        rec.ID,
		Provider:  string(rec.Provider),
		Target:    rec.Target,
		Status:    string(rec.Status),
		Progress:  rec.Progress,
		CreatedAt: rec.CreatedAt.UnixMilli(),
		UpdatedAt: rec.UpdatedAt.UnixMilli(),
	}
	var err error
	if row.Result, err = nullJSON(rec.Result); err != nil {
		return jobRow{}, err
	}
	if row.Error, err = nullJSON(rec.Error); err != nil {
		return jobRow{}, err
	}
	return row, nil
}

func (r jobRow) record() (model.JobRecord, error) {
	rec := model.JobRecord{
		ID:        r.ID,
		Provider:  model.Provider(r.Provider),
		Target:    r.Target,
		Status:    model.JobStatus(r.Status),
		Progress:  r.Progress,
		CreatedAt: time.UnixMilli(r.CreatedAt).UTC(),
		UpdatedAt: time.UnixMilli(r.UpdatedAt).UTC(),
	}
	if r.Result.Valid {
		rec.Result = &model.JobResult{}
		if err := json.Unmarshal([]byte(r.Result.String), rec.Result); err != nil {
			return model.JobRecord{}, fmt.Errorf("decoding result of job %s: %w", r.ID, err)
		}
	}
	if r.Error.Valid {
		rec.Error = &model.JobError{}
		if err := json.Unmarshal([]byte(r.Error.String), rec.Error); err != nil {
			return model.JobRecord{}, fmt.Errorf("decoding error of job %s: %w", r.ID, err)
		}
	}
	return rec, nil
}

func nullJSON[T any](v *T) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func (s *Store) SaveJobRecord(ctx context.Context, rec model.JobRecord) error {
	const op = "store.save_job"
	row, err := newJobRow(rec)
	if err != nil {
		return model.E(model.KindPersistence, op, err)
	}
	_, err = s.db.NamedExecContext(ctx,
		`INSERT INTO jobs (id, provider, target, status, progress, result, error, created_at, updated_at)
		VALUES (:id, :provider, :target, :status, :progress, :result, :error, :created_at, :updated_at)`,
		row,
	)
	if err != nil {
		return model.E(model.KindPersistence, op, insertError(rec.ID, err))
	}
	return nil
}

// UpdateJobRecord overwrites the mutable fields of a stored job.
func (s *Store) UpdateJobRecord(ctx context.Context, rec model.JobRecord) error {
	const op = "store.update_job"
	row, err := newJobRow(rec)
	if err != nil {
		return model.E(model.KindPersistence, op, err)
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return model.E(model.KindPersistence, op, err)
	}
	defer rollback(ctx, tx)

	var n int
	if err := tx.GetContext(ctx, &n, `SELECT COUNT(*) FROM jobs WHERE id = ?`, rec.ID); err != nil {
		return model.E(model.KindPersistence, op, err)
	}
	if n == 0 {
		return fmt.Errorf("job %s: %w", rec.ID, model.ErrNotFound)
	}
	_, err = tx.NamedExecContext(ctx,
		`UPDATE jobs SET status = :status, progress = :progress, result = :result,
			error = :error, updated_at = :updated_at
		WHERE id = :id`,
		row,
	)
	if err != nil {
		return model.E(model.KindPersistence, op, err)
	}
	if err := tx.Commit(); err != nil {
		return model.E(model.KindPersistence, op, fmt.Errorf("committing transaction: %w", err))
	}
	return nil
}

// ListJobRecords returns stored jobs, newest first.
func (s *Store) ListJobRecords(ctx context.Context) ([]model.JobRecord, error) {
	const op = "store.list_jobs"
	var rows []jobRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT * FROM jobs ORDER BY created_at DESC, id DESC`); err != nil {
		return nil, model.E(model.KindPersistence, op, err)
	}
	out := make([]model.JobRecord, 0, len(rows))
	for _, r := range rows {
		rec, err := r.record()
		if err != nil {
			return nil, model.E(model.KindPersistence, op, err)
		}
		out = append(out, rec)
	}
	return out, nil
}
