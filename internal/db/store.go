package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/g960059/cwe/internal/model"
)

var (
	ErrNotFound = errors.New("not found")
	ErrInvalid  = errors.New("invalid record")
)

// Store archives cases and journals the remote operations issued for
// them.
type Store struct {
	db *sql.DB
}

func Open(ctx context.Context, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if err := os.Chmod(path, 0o600); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("chmod db path: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) DB() *sql.DB {
	return s.db
}

// UpsertCase replaces the archived view of a case, including its stage
// statuses and parameter values, in one transaction.
func (s *Store) UpsertCase(ctx context.Context, rec model.CaseRecord) error {
	if strings.TrimSpace(rec.CaseID) == "" {
		return fmt.Errorf("%w: case_id is required", ErrInvalid)
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin upsert case: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.ExecContext(ctx, `
INSERT INTO cases(case_id, name, location, type_name, status, updated_at, closed_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(case_id) DO UPDATE SET
	name=excluded.name,
	location=excluded.location,
	type_name=excluded.type_name,
	status=excluded.status,
	updated_at=excluded.updated_at,
	closed_at=excluded.closed_at
`, rec.CaseID, rec.Name, rec.Location, rec.TypeName, string(rec.Status), ts(rec.UpdatedAt), nullableTS(rec.ClosedAt))
	if err != nil {
		return fmt.Errorf("upsert case: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM stage_states WHERE case_id = ?`, rec.CaseID); err != nil {
		return fmt.Errorf("clear stage states: %w", err)
	}
	for i, key := range stageOrder(rec) {
		status, ok := rec.Stages[key]
		if !ok {
			continue
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO stage_states(case_id, stage_key, position, status) VALUES (?, ?, ?, ?)`,
			rec.CaseID, key, i, string(status)); err != nil {
			return fmt.Errorf("insert stage %s: %w", key, err)
		}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM param_values WHERE case_id = ?`, rec.CaseID); err != nil {
		return fmt.Errorf("clear parameters: %w", err)
	}
	for _, name := range sortedKeys(rec.Params) {
		if _, err := tx.ExecContext(ctx, `INSERT INTO param_values(case_id, name, value) VALUES (?, ?, ?)`,
			rec.CaseID, name, rec.Params[name]); err != nil {
			return fmt.Errorf("insert parameter %s: %w", name, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit upsert case: %w", err)
	}
	return nil
}

func (s *Store) GetCase(ctx context.Context, caseID string) (model.CaseRecord, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT case_id, name, location, type_name, status, updated_at, closed_at
FROM cases
WHERE case_id = ?
`, caseID)
	rec, err := scanCase(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.CaseRecord{}, ErrNotFound
		}
		return model.CaseRecord{}, err
	}
	if err := s.loadCaseDetails(ctx, &rec); err != nil {
		return model.CaseRecord{}, err
	}
	return rec, nil
}

// ListCases returns archived cases, most recently updated first. Closed
// cases are included only when includeClosed is set.
func (s *Store) ListCases(ctx context.Context, includeClosed bool) ([]model.CaseRecord, error) {
	query := `
SELECT case_id, name, location, type_name, status, updated_at, closed_at
FROM cases`
	if !includeClosed {
		query += `
WHERE closed_at IS NULL`
	}
	query += `
ORDER BY updated_at DESC, case_id ASC`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list cases: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var out []model.CaseRecord
	for rows.Next() {
		rec, err := scanCase(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate cases: %w", err)
	}
	for i := range out {
		if err := s.loadCaseDetails(ctx, &out[i]); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *Store) CloseCase(ctx context.Context, caseID string, closedAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE cases SET closed_at = ?, updated_at = ? WHERE case_id = ?`, ts(closedAt), ts(closedAt), caseID)
	if err != nil {
		return fmt.Errorf("close case: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("close case rows: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) DeleteCase(ctx context.Context, caseID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM cases WHERE case_id = ?`, caseID)
	if err != nil {
		return fmt.Errorf("delete case: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete case rows: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// RecordOperation inserts or advances a journal entry. An entry never
// moves out of a terminal state.
func (s *Store) RecordOperation(ctx context.Context, rec model.OperationRecord) error {
	if strings.TrimSpace(rec.OpID) == "" {
		return fmt.Errorf("%w: op_id is required", ErrInvalid)
	}
	if rec.IssuedAt.IsZero() {
		rec.IssuedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO operations(op_id, case_id, kind, stage_key, target, state, issued_at, completed_at, error_code)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(op_id) DO UPDATE SET
	state=excluded.state,
	completed_at=excluded.completed_at,
	error_code=excluded.error_code
WHERE operations.state NOT IN ('completed','failed','cancelled')
`, rec.OpID, rec.CaseID, string(rec.Kind), nullIfEmpty(rec.Stage), rec.Target, string(rec.State), ts(rec.IssuedAt), nullableTS(rec.CompletedAt), nullIfEmpty(rec.ErrorCode))
	if err != nil {
		return fmt.Errorf("record operation: %w", err)
	}
	return nil
}

// ListOperations returns the journal of a case in issue order. limit <= 0
// returns every entry.
func (s *Store) ListOperations(ctx context.Context, caseID string, limit int) ([]model.OperationRecord, error) {
	query := `
SELECT op_id, case_id, kind, COALESCE(stage_key, ''), target, state, issued_at, completed_at, COALESCE(error_code, '')
FROM operations
WHERE case_id = ?
ORDER BY issued_at ASC, op_id ASC`
	args := []any{caseID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list operations: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var out []model.OperationRecord
	for rows.Next() {
		var (
			rec         model.OperationRecord
			kind, state string
			issuedAt    string
			completedAt sql.NullString
		)
		if err := rows.Scan(&rec.OpID, &rec.CaseID, &kind, &rec.Stage, &rec.Target, &state, &issuedAt, &completedAt, &rec.ErrorCode); err != nil {
			return nil, fmt.Errorf("scan operation: %w", err)
		}
		rec.Kind = model.OpKind(kind)
		rec.State = model.OpState(state)
		if rec.IssuedAt, err = parseTS(issuedAt); err != nil {
			return nil, fmt.Errorf("parse issued_at: %w", err)
		}
		if completedAt.Valid {
			v, err := parseTS(completedAt.String)
			if err != nil {
				return nil, fmt.Errorf("parse completed_at: %w", err)
			}
			rec.CompletedAt = &v
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate operations: %w", err)
	}
	return out, nil
}

// PurgeOperations drops terminal journal entries completed before cutoff.
func (s *Store) PurgeOperations(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
DELETE FROM operations
WHERE state IN ('completed','failed','cancelled') AND completed_at IS NOT NULL AND completed_at < ?
`, ts(cutoff))
	if err != nil {
		return 0, fmt.Errorf("purge operations: %w", err)
	}
	return res.RowsAffected()
}

func (s *Store) loadCaseDetails(ctx context.Context, rec *model.CaseRecord) error {
	rows, err := s.db.QueryContext(ctx, `SELECT stage_key, status FROM stage_states WHERE case_id = ? ORDER BY position ASC`, rec.CaseID)
	if err != nil {
		return fmt.Errorf("list stage states: %w", err)
	}
	rec.Stages = map[string]model.StageStatus{}
	rec.StageOrder = nil
	for rows.Next() {
		var key, status string
		if err := rows.Scan(&key, &status); err != nil {
			rows.Close() //nolint:errcheck
			return fmt.Errorf("scan stage state: %w", err)
		}
		rec.StageOrder = append(rec.StageOrder, key)
		rec.Stages[key] = model.StageStatus(status)
	}
	if err := rows.Close(); err != nil {
		return fmt.Errorf("close stage states: %w", err)
	}

	rows, err = s.db.QueryContext(ctx, `SELECT name, value FROM param_values WHERE case_id = ? ORDER BY name ASC`, rec.CaseID)
	if err != nil {
		return fmt.Errorf("list parameters: %w", err)
	}
	defer rows.Close() //nolint:errcheck
	rec.Params = map[string]string{}
	for rows.Next() {
		var name, value string
		if err := rows.Scan(&name, &value); err != nil {
			return fmt.Errorf("scan parameter: %w", err)
		}
		rec.Params[name] = value
	}
	return rows.Err()
}

func scanCase(scanner interface{ Scan(dest ...any) error }) (model.CaseRecord, error) {
	var (
		rec       model.CaseRecord
		status    string
		updatedAt string
		closedAt  sql.NullString
	)
	if err := scanner.Scan(&rec.CaseID, &rec.Name, &rec.Location, &rec.TypeName, &status, &updatedAt, &closedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.CaseRecord{}, err
		}
		return model.CaseRecord{}, fmt.Errorf("scan case: %w", err)
	}
	rec.Status = model.CaseStatus(status)
	var err error
	if rec.UpdatedAt, err = parseTS(updatedAt); err != nil {
		return model.CaseRecord{}, fmt.Errorf("parse case updated_at: %w", err)
	}
	if closedAt.Valid {
		v, err := parseTS(closedAt.String)
		if err != nil {
			return model.CaseRecord{}, fmt.Errorf("parse case closed_at: %w", err)
		}
		rec.ClosedAt = &v
	}
	return rec, nil
}

// stageOrder returns rec.StageOrder, or the sorted stage keys when no
// order was given.
func stageOrder(rec model.CaseRecord) []string {
	if len(rec.StageOrder) > 0 {
		return rec.StageOrder
	}
	keys := make([]string, 0, len(rec.Stages))
	for k := range rec.Stages {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func nullableTS(v *time.Time) any {
	if v == nil {
		return nil
	}
	return ts(*v)
}

func nullIfEmpty(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func ts(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTS(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}
