// Package journal keeps a durable SQLite history of batch runs: one row
// per run with its counters, one row per processed artifact.
//
// The journal is optional. The batch orchestrator only logs journal
// failures, so a broken database never blocks reconciliation.
package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/hazyhaar/claimsync/batch"
	"github.com/hazyhaar/claimsync/idgen"
)

// Schema is the journal DDL. It is applied by Open and New.
const Schema = `
CREATE TABLE IF NOT EXISTS runs (
    run_id TEXT PRIMARY KEY,
    started_at INTEGER NOT NULL,
    finished_at INTEGER,
    total INTEGER NOT NULL DEFAULT 0,
    succeeded INTEGER NOT NULL DEFAULT 0,
    failed INTEGER NOT NULL DEFAULT 0,
    not_found INTEGER NOT NULL DEFAULT 0,
    skipped INTEGER NOT NULL DEFAULT 0,
    aborted INTEGER NOT NULL DEFAULT 0,
    fatal TEXT
);
CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at DESC);

CREATE TABLE IF NOT EXISTS run_items (
    item_id TEXT PRIMARY KEY,
    run_id TEXT NOT NULL REFERENCES runs(run_id) ON DELETE CASCADE,
    artifact TEXT NOT NULL,
    status TEXT NOT NULL,
    kind TEXT,
    error TEXT,
    row_index INTEGER,
    row_code TEXT,
    at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_items_run ON run_items(run_id, at);
CREATE INDEX IF NOT EXISTS idx_items_artifact ON run_items(artifact, at DESC);
`

// ErrUnknownRun is returned when a run id is not in the journal.
var ErrUnknownRun = errors.New("journal: unknown run")

// Run is a journaled run.
type Run struct {
	ID        string    `json:"id"`
	Started   time.Time `json:"started"`
	Finished  time.Time `json:"finished,omitzero"`
	Total     int       `json:"total"`
	Succeeded int       `json:"succeeded"`
	Failed    int       `json:"failed"`
	NotFound  int       `json:"not_found"`
	Skipped   int       `json:"skipped"`
	Aborted   bool      `json:"aborted"`
	Fatal     string    `json:"fatal,omitempty"`
}

// Item is one journaled artifact outcome.
type Item struct {
	RunID    string    `json:"run_id"`
	Artifact string    `json:"artifact"`
	Status   string    `json:"status"`
	Kind     string    `json:"kind,omitempty"`
	Error    string    `json:"error,omitempty"`
	RowIndex int       `json:"row_index,omitempty"`
	RowCode  string    `json:"row_code,omitempty"`
	At       time.Time `json:"at"`
}

// Journal is an SQLite-backed batch.Journal.
type Journal struct {
	db    *sql.DB
	newID idgen.Generator
	owned bool
}

var _ batch.Journal = (*Journal)(nil)

// Open opens (or creates) the journal database at path.
func Open(path string) (*Journal, error) {
	db, err := openDB(path)
	if err != nil {
		return nil, err
	}
	j, err := New(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	j.owned = true
	return j, nil
}

// New wraps an existing database and applies the schema. The caller keeps
// ownership of db.
func New(db *sql.DB) (*Journal, error) {
	if _, err := db.Exec(Schema); err != nil {
		return nil, fmt.Errorf("journal: schema: %w", err)
	}
	return &Journal{db: db, newID: idgen.UUIDv7()}, nil
}

// Close closes the database if the journal opened it.
func (j *Journal) Close() error {
	if !j.owned {
		return nil
	}
	return j.db.Close()
}

// StartRun inserts the run row.
func (j *Journal) StartRun(ctx context.Context, rc *batch.RunContext) error {
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO runs (run_id, started_at, total) VALUES (?, ?, ?)`,
		rc.ID, rc.Started.UnixMilli(), rc.Report.Total)
	if err != nil {
		return fmt.Errorf("journal: start run %s: %w", rc.ID, err)
	}
	return nil
}

// RecordItem appends one artifact outcome.
func (j *Journal) RecordItem(ctx context.Context, runID string, o batch.Outcome) error {
	var msg sql.NullString
	if o.Err != nil {
		msg = sql.NullString{String: o.Err.Error(), Valid: true}
	}
	return runTx(ctx, j.db, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO run_items (item_id, run_id, artifact, status, kind, error, row_index, row_code, at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			j.newID(), runID, o.Artifact, string(o.Status), string(o.Kind), msg,
			o.Row.Index, o.Row.Code, o.At.UnixMilli())
		if err != nil {
			return fmt.Errorf("journal: record %s: %w", o.Artifact, err)
		}
		return nil
	})
}

// FinishRun stores the final counters. A run that never reached StartRun
// (mailbox unreadable) is inserted here.
func (j *Journal) FinishRun(ctx context.Context, rc *batch.RunContext) error {
	r := rc.Report
	var fatal sql.NullString
	if r.Fatal != nil {
		fatal = sql.NullString{String: r.Fatal.Error(), Valid: true}
	}
	_, err := j.db.ExecContext(ctx, `
		INSERT INTO runs (run_id, started_at, finished_at, total, succeeded, failed, not_found, skipped, aborted, fatal)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET
			finished_at = excluded.finished_at,
			total = excluded.total,
			succeeded = excluded.succeeded,
			failed = excluded.failed,
			not_found = excluded.not_found,
			skipped = excluded.skipped,
			aborted = excluded.aborted,
			fatal = excluded.fatal`,
		rc.ID, rc.Started.UnixMilli(), rc.Finished.UnixMilli(),
		r.Total, r.Succeeded, r.Failed, r.NotFound, r.Skipped, r.Aborted, fatal)
	if err != nil {
		return fmt.Errorf("journal: finish run %s: %w", rc.ID, err)
	}
	return nil
}

// Runs returns the most recent runs, newest first. limit <= 0 means 20.
func (j *Journal) Runs(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := j.db.QueryContext(ctx, `
		SELECT run_id, started_at, finished_at, total, succeeded, failed, not_found, skipped, aborted, fatal
		FROM runs ORDER BY started_at DESC, run_id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("journal: runs: %w", err)
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Get returns one run.
func (j *Journal) Get(ctx context.Context, runID string) (Run, error) {
	row := j.db.QueryRowContext(ctx, `
		SELECT run_id, started_at, finished_at, total, succeeded, failed, not_found, skipped, aborted, fatal
		FROM runs WHERE run_id = ?`, runID)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, ErrUnknownRun
	}
	return r, err
}

// Items returns the outcomes of a run in processing order.
func (j *Journal) Items(ctx context.Context, runID string) ([]Item, error) {
	return j.items(ctx, `WHERE run_id = ? ORDER BY at, rowid`, runID)
}

// History returns every journaled outcome of one artifact, newest first.
func (j *Journal) History(ctx context.Context, artifact string) ([]Item, error) {
	return j.items(ctx, `WHERE artifact = ? ORDER BY at DESC, rowid DESC`, artifact)
}

func (j *Journal) items(ctx context.Context, where string, arg any) ([]Item, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT run_id, artifact, status, COALESCE(kind, ''), COALESCE(error, ''),
		       COALESCE(row_index, 0), COALESCE(row_code, ''), at
		FROM run_items `+where, arg)
	if err != nil {
		return nil, fmt.Errorf("journal: items: %w", err)
	}
	defer rows.Close()

	var out []Item
	for rows.Next() {
		var it Item
		var at int64
		if err := rows.Scan(&it.RunID, &it.Artifact, &it.Status, &it.Kind, &it.Error, &it.RowIndex, &it.RowCode, &at); err != nil {
			return nil, fmt.Errorf("journal: scan item: %w", err)
		}
		it.At = time.UnixMilli(at)
		out = append(out, it)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(s scanner) (Run, error) {
	var (
		r        Run
		started  int64
		finished sql.NullInt64
		fatal    sql.NullString
	)
	err := s.Scan(&r.ID, &started, &finished, &r.Total, &r.Succeeded, &r.Failed, &r.NotFound, &r.Skipped, &r.Aborted, &fatal)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Run{}, err
		}
		return Run{}, fmt.Errorf("journal: scan run: %w", err)
	}
	r.Started = time.UnixMilli(started)
	if finished.Valid {
		r.Finished = time.UnixMilli(finished.Int64)
	}
	r.Fatal = fatal.String
	return r, nil
}
