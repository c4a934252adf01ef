// Package store keeps a history of finished scans in a sqlite database.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/vigil-xy/vigil/internal/model"

	_ "modernc.org/sqlite"
)

var (
	ErrNotFound = errors.New("not found")
	ErrExists   = errors.New("already recorded")
)

// Scan is one row of the history.
type Scan struct {
	ID          string
	Timestamp   time.Time
	Hostname    string
	RiskLevel   model.RiskLevel
	TotalIssues int
	Critical    int
	High        int
	Medium      int
	Low         int
	Hash        string
	Signed      bool
}

// FromDelivery extracts the history row of a delivered scan.
func FromDelivery(d model.Delivery) Scan {
	s := d.Report.Summary
	return Scan{
		ID:          d.Report.ID,
		Timestamp:   d.Report.Timestamp.UTC(),
		Hostname:    d.Report.Hostname,
		RiskLevel:   s.RiskLevel,
		TotalIssues: s.TotalIssues,
		Critical:    s.Critical,
		High:        s.High,
		Medium:      s.Medium,
		Low:         s.Low,
		Hash:        d.Hash,
		Signed:      d.Signed,
	}
}

type Store struct {
	db *sql.DB
}

// Open opens or creates the database at path. Use ":memory:" in tests.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// a single connection keeps ":memory:" databases alive
	db.SetMaxOpenConns(1)

	_, err = db.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS scans (
			id TEXT PRIMARY KEY,
			timestamp TEXT NOT NULL,
			hostname TEXT NOT NULL,
			risk_level TEXT NOT NULL,
			total_issues INTEGER NOT NULL,
			critical INTEGER NOT NULL,
			high INTEGER NOT NULL,
			medium INTEGER NOT NULL,
			low INTEGER NOT NULL,
			hash TEXT NOT NULL,
			signed BOOLEAN NOT NULL
		)`,
	)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating scans table: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Record inserts a finished scan. Recording the same id twice returns
// ErrExists.
func (s *Store) Record(ctx context.Context, scan Scan) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer rollback(ctx, tx, scan.ID)

	var one int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM scans WHERE id=?`, scan.ID).Scan(&one)
	switch {
	case err == nil:
		return ErrExists
	case !errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("executing sql query failed: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO scans (id, timestamp, hostname, risk_level, total_issues, critical, high, medium, low, hash, signed)
		 VALUES (?,?,?,?,?,?,?,?,?,?,?);`,
		scan.ID,
		scan.Timestamp.UTC().Format(timestampLayout),
		scan.Hostname,
		string(scan.RiskLevel),
		scan.TotalIssues,
		scan.Critical,
		scan.High,
		scan.Medium,
		scan.Low,
		scan.Hash,
		scan.Signed,
	)
	if err != nil {
		return fmt.Errorf("executing sql insert failed: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction failed: %w", err)
	}
	return nil
}

// fixed width so that text ordering is time ordering
const timestampLayout = "2006-01-02T15:04:05.000000000Z"

const selectScans = `SELECT id, timestamp, hostname, risk_level, total_issues, critical, high, medium, low, hash, signed FROM scans`

// Get returns the scan identified by id or ErrNotFound.
func (s *Store) Get(ctx context.Context, id string) (Scan, error) {
	row := s.db.QueryRowContext(ctx, selectScans+` WHERE id=?`, id)
	scan, err := scanRow(row)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return Scan{}, ErrNotFound
	case err != nil:
		return Scan{}, fmt.Errorf("executing sql query failed: %w", err)
	}
	return scan, nil
}

// List returns up to limit scans, newest first. A limit <= 0 returns all.
func (s *Store) List(ctx context.Context, limit int) ([]Scan, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, selectScans+` ORDER BY timestamp DESC, id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("executing sql query failed: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var ret []Scan
	for rows.Next() {
		scan, err := scanRow(rows)
		if err != nil {
			return nil, fmt.Errorf("reading row: %w", err)
		}
		ret = append(ret, scan)
	}
	return ret, rows.Err()
}

// Delete removes the scan identified by id or returns ErrNotFound.
func (s *Store) Delete(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM scans WHERE id=?`, id)
	if err != nil {
		return fmt.Errorf("executing sql delete failed: %w", err)
	}
	ra, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("fetching affected rows failed: %w", err)
	}
	if ra != 1 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRow(row rowScanner) (Scan, error) {
	var scan Scan
	var ts, level string
	err := row.Scan(
		&scan.ID,
		&ts,
		&scan.Hostname,
		&level,
		&scan.TotalIssues,
		&scan.Critical,
		&scan.High,
		&scan.Medium,
		&scan.Low,
		&scan.Hash,
		&scan.Signed,
	)
	if err != nil {
		return Scan{}, err
	}
	scan.RiskLevel = model.RiskLevel(level)
	scan.Timestamp, err = time.Parse(timestampLayout, ts)
	if err != nil {
		return Scan{}, fmt.Errorf("parsing timestamp %q: %w", ts, err)
	}
	return scan, nil
}

func rollback(ctx context.Context, tx *sql.Tx, id string) {
	if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		slog.ErrorContext(ctx, "Calling `tx.Rollback()` failed.", slog.String("id", id))
	}
}
