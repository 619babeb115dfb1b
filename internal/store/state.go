package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	_ "github.com/glebarez/go-sqlite"
	"github.com/pkg/errors"
)

const (
	// checkpoints kept per workflow
	checkpointHistory = 5
	// failed workflows kept overall
	failedHistory = 10
)

// SQLiteStore keeps workflow state in three tables: the live state of each
// active workflow, a short checkpoint history per workflow and a global
// archive of failed workflows.
type SQLiteStore struct {
	DB  *sql.DB
	now func() time.Time
}

func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, errors.Wrap(err, "create database directory")
		}
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// sqlite allows one writer; a single connection keeps writes ordered
	db.SetMaxOpenConns(1)

	queries := []string{
		`PRAGMA journal_mode=WAL;`,
		`CREATE TABLE IF NOT EXISTS workflow_state (
			workflow_id TEXT PRIMARY KEY,
			payload TEXT NOT NULL,
			updated_at DATETIME NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS workflow_checkpoints (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			workflow_id TEXT NOT NULL,
			payload TEXT NOT NULL,
			saved_at DATETIME NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_checkpoints_workflow ON workflow_checkpoints (workflow_id, id);`,
		`CREATE TABLE IF NOT EXISTS failed_workflows (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			workflow_id TEXT NOT NULL,
			payload TEXT NOT NULL,
			error TEXT,
			stack TEXT,
			failed_at DATETIME NOT NULL
		);`,
	}
	for _, q := range queries {
		if _, err := db.Exec(q); err != nil {
			db.Close()
			return nil, errors.Wrap(err, "bootstrap schema")
		}
	}

	return &SQLiteStore{DB: db, now: time.Now}, nil
}

func (s *SQLiteStore) Close() error {
	return s.DB.Close()
}

// Save overwrites the live state of id and appends to its checkpoint
// history. It returns only once both writes are durable.
func (s *SQLiteStore) Save(ctx context.Context, id string, cp Checkpoint) error {
	cp.WorkflowID = id
	if cp.SavedAt.IsZero() {
		cp.SavedAt = s.now()
	}
	payload, err := json.Marshal(cp)
	if err != nil {
		return errors.Wrap(err, "encode checkpoint")
	}

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO workflow_state (workflow_id, payload, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(workflow_id) DO UPDATE SET payload = excluded.payload, updated_at = excluded.updated_at`,
		id, string(payload), cp.SavedAt); err != nil {
		return errors.Wrap(err, "save state")
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO workflow_checkpoints (workflow_id, payload, saved_at) VALUES (?, ?, ?)`,
		id, string(payload), cp.SavedAt); err != nil {
		return errors.Wrap(err, "save checkpoint")
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM workflow_checkpoints WHERE workflow_id = ? AND id NOT IN (
			SELECT id FROM workflow_checkpoints WHERE workflow_id = ? ORDER BY id DESC LIMIT ?)`,
		id, id, checkpointHistory); err != nil {
		return errors.Wrap(err, "prune checkpoints")
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	log.Printf("[Store] Saved workflow state: %s (%d steps done)", id, len(cp.CompletedSteps))
	return nil
}

// Load returns the live state of id, or nil if there is none.
func (s *SQLiteStore) Load(ctx context.Context, id string) (*Checkpoint, error) {
	var payload string
	err := s.DB.QueryRowContext(ctx, `SELECT payload FROM workflow_state WHERE workflow_id = ?`, id).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "load state")
	}
	return decodeCheckpoint(payload)
}

// LoadLastCheckpoint returns the newest entry of id's checkpoint history.
func (s *SQLiteStore) LoadLastCheckpoint(ctx context.Context, id string) (*Checkpoint, error) {
	var payload string
	err := s.DB.QueryRowContext(ctx,
		`SELECT payload FROM workflow_checkpoints WHERE workflow_id = ? ORDER BY id DESC LIMIT 1`, id).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "load checkpoint")
	}
	return decodeCheckpoint(payload)
}

// Checkpoints returns id's checkpoint history, newest first.
func (s *SQLiteStore) Checkpoints(ctx context.Context, id string) ([]Checkpoint, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT payload FROM workflow_checkpoints WHERE workflow_id = ? ORDER BY id DESC`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Checkpoint
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		cp, err := decodeCheckpoint(payload)
		if err != nil {
			return nil, err
		}
		out = append(out, *cp)
	}
	return out, rows.Err()
}

// Clear removes the live state and checkpoint history of id. The failed
// archive is untouched.
func (s *SQLiteStore) Clear(ctx context.Context, id string) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM workflow_state WHERE workflow_id = ?`, id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM workflow_checkpoints WHERE workflow_id = ?`, id); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	log.Printf("[Store] Cleared workflow state: %s", id)
	return nil
}

// SaveFailed archives cp with the error that ended it.
func (s *SQLiteStore) SaveFailed(ctx context.Context, cp Checkpoint, cause error) error {
	if cp.SavedAt.IsZero() {
		cp.SavedAt = s.now()
	}
	payload, err := json.Marshal(cp)
	if err != nil {
		return errors.Wrap(err, "encode checkpoint")
	}
	msg, stack := "unknown error", ""
	if cause != nil {
		msg = cause.Error()
		stack = fmt.Sprintf("%+v", cause)
	}

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO failed_workflows (workflow_id, payload, error, stack, failed_at) VALUES (?, ?, ?, ?, ?)`,
		cp.WorkflowID, string(payload), msg, stack, s.now()); err != nil {
		return errors.Wrap(err, "archive failed workflow")
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM failed_workflows WHERE id NOT IN (
			SELECT id FROM failed_workflows ORDER BY id DESC LIMIT ?)`, failedHistory); err != nil {
		return errors.Wrap(err, "prune failed workflows")
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	log.Printf("[Store] Archived failed workflow: %s", cp.WorkflowID)
	return nil
}

// ListFailed returns the failed-workflow archive, newest first.
func (s *SQLiteStore) ListFailed(ctx context.Context) ([]FailedWorkflowRecord, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id, payload, error, stack, failed_at FROM failed_workflows ORDER BY id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []FailedWorkflowRecord
	for rows.Next() {
		var rec FailedWorkflowRecord
		var payload string
		var msg, stack sql.NullString
		if err := rows.Scan(&rec.ID, &payload, &msg, &stack, &rec.FailedAt); err != nil {
			return nil, err
		}
		cp, err := decodeCheckpoint(payload)
		if err != nil {
			return nil, err
		}
		rec.Checkpoint = *cp
		rec.Error = msg.String
		rec.Stack = stack.String
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ListActive returns the ids of all workflows with live state.
func (s *SQLiteStore) ListActive(ctx context.Context) ([]string, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT workflow_id FROM workflow_state ORDER BY updated_at, workflow_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func decodeCheckpoint(payload string) (*Checkpoint, error) {
	var cp Checkpoint
	if err := json.Unmarshal([]byte(payload), &cp); err != nil {
		return nil, errors.Wrap(err, "decode checkpoint")
	}
	return &cp, nil
}
