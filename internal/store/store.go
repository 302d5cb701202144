// Package store persists scan results and job records in a SQL database,
// SQLite or MySQL.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
	"modernc.org/sqlite"
	sqlitelib "modernc.org/sqlite/lib"

	"github.com/rohioffl/cloudscan/internal/model"
)

// ErrAlreadyExists is returned when a record with the same id is stored.
var ErrAlreadyExists = errors.New("already exists")

func init() {
	sqlx.BindDriver(model.DriverSQLite, sqlx.QUESTION)
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS scans (
		id VARCHAR(64) NOT NULL PRIMARY KEY,
		provider VARCHAR(8) NOT NULL,
		scanned_at BIGINT NOT NULL,
		account_id VARCHAR(255) NOT NULL,
		region VARCHAR(64) NOT NULL,
		target VARCHAR(255) NOT NULL,
		findings_count INTEGER NOT NULL,
		findings LONGTEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS jobs (
		id VARCHAR(64) NOT NULL PRIMARY KEY,
		provider VARCHAR(8) NOT NULL,
		target VARCHAR(255) NOT NULL,
		status VARCHAR(16) NOT NULL,
		progress INTEGER NOT NULL,
		result TEXT NULL,
		error TEXT NULL,
		created_at BIGINT NOT NULL,
		updated_at BIGINT NOT NULL
	)`,
}

type Store struct {
	db *sqlx.DB
}

// Open connects to the database and creates missing tables.
func Open(ctx context.Context, cfg model.StoreConfig) (*Store, error) {
	db, err := sqlx.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, model.E(model.KindPersistence, "store.open", err)
	}
	if cfg.Driver == model.DriverSQLite {
		// a single connection avoids SQLITE_BUSY between writers
		db.SetMaxOpenConns(1)
	}
	s := &Store{db: db}
	if err := s.Ping(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return model.E(model.KindPersistence, "store.migrate", err)
	}
	defer rollback(ctx, tx)

	for _, stmt := range schema {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return model.E(model.KindPersistence, "store.migrate", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return model.E(model.KindPersistence, "store.migrate", fmt.Errorf("committing transaction: %w", err))
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return model.E(model.KindPersistence, "store.ping", err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

type scanRow struct {
	ID            string `db:"id"`
	Provider      string `db:"provider"`
	ScannedAt     int64  `db:"scanned_at"`
	AccountID     string `db:"account_id"`
	Region        string `db:"region"`
	Target        string `db:"target"`
	FindingsCount int    `db:"findings_count"`
	Findings      string `db:"findings"`
}

func (r scanRow) summary() model.ScanSummary {
	return model.ScanSummary{
		ID:            r.ID,
		Provider:      model.Provider(r.Provider),
		Date:          time.UnixMilli(r.ScannedAt).UTC(),
		AccountID:     r.AccountID,
		Region:        r.Region,
		Target:        r.Target,
		FindingsCount: r.FindingsCount,
	}
}

// SaveScanResult stores res and returns its id.
func (s *Store) SaveScanResult(ctx context.Context, res model.ScanResult) (string, error) {
	const op = "store.save_scan"
	findings := res.Findings
	if findings == nil {
		findings = []model.Finding{}
	}
	b, err := json.Marshal(findings)
	if err != nil {
		return "", model.E(model.KindPersistence, op, fmt.Errorf("encoding findings: %w", err))
	}
	row := scanRow{
		ID:            res.ID,
		Provider:      string(res.Provider),
		ScannedAt:     res.Date.UnixMilli(),
		AccountID:     res.AccountID,
		Region:        res.Region,
		Target:        res.Target,
		FindingsCount: len(findings),
		Findings:      string(b),
	}
	_, err = s.db.NamedExecContext(ctx,
		`INSERT INTO scans (id, provider, scanned_at, account_id, region, target, findings_count, findings)
		VALUES (:id, :provider, :scanned_at, :account_id, :region, :target, :findings_count, :findings)`,
		row,
	)
	if err != nil {
		return "", model.E(model.KindPersistence, op, insertError(res.ID, err))
	}
	return res.ID, nil
}

func (s *Store) GetScanResult(ctx context.Context, id string) (model.ScanResult, error) {
	const op = "store.get_scan"
	var row scanRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM scans WHERE id = ?`, id)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return model.ScanResult{}, fmt.Errorf("scan %s: %w", id, model.ErrNotFound)
	case err != nil:
		return model.ScanResult{}, model.E(model.KindPersistence, op, err)
	}

	var findings []model.Finding
	if err := json.Unmarshal([]byte(row.Findings), &findings); err != nil {
		return model.ScanResult{}, model.E(model.KindPersistence, op, fmt.Errorf("decoding findings of %s: %w", id, err))
	}
	sum := row.summary()
	return model.ScanResult{
		ID:        sum.ID,
		Provider:  sum.Provider,
		Date:      sum.Date,
		AccountID: sum.AccountID,
		Region:    sum.Region,
		Target:    sum.Target,
		Findings:  findings,
	}, nil
}

// ListScanResults returns the envelopes of stored scans, newest first. An
// empty provider lists all of them.
func (s *Store) ListScanResults(ctx context.Context, provider model.Provider) ([]model.ScanSummary, error) {
	const cols = `id, provider, scanned_at, account_id, region, target, findings_count`
	var rows []scanRow
	var err error
	if provider == "" {
		err = s.db.SelectContext(ctx, &rows,
			`SELECT `+cols+` FROM scans ORDER BY scanned_at DESC, id DESC`)
	} else {
		err = s.db.SelectContext(ctx, &rows,
			`SELECT `+cols+` FROM scans WHERE provider = ? ORDER BY scanned_at DESC, id DESC`, string(provider))
	}
	if err != nil {
		return nil, model.E(model.KindPersistence, "store.list_scans", err)
	}
	out := make([]model.ScanSummary, len(rows))
	for i, r := range rows {
		out[i] = r.summary()
	}
	return out, nil
}

func insertError(id string, err error) error {
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) && myErr.Number == 1062 {
		return fmt.Errorf("%s: %w", id, ErrAlreadyExists)
	}
	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) && liteErr.Code() == sqlitelib.SQLITE_CONSTRAINT_PRIMARYKEY {
		return fmt.Errorf("%s: %w", id, ErrAlreadyExists)
	}
	return err
}

func rollback(ctx context.Context, tx *sqlx.Tx) {
	if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		slog.ErrorContext(ctx, "rolling back transaction", "error", err)
	}
}
