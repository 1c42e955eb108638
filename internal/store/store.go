package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/yangwenmai/readaloud/internal/model"
)

// Verify at compile time that Store implements all interfaces.
var (
	_ ArtifactReader  = (*Store)(nil)
	_ ArtifactWriter  = (*Store)(nil)
	_ FailureRecorder = (*Store)(nil)
	_ PendingLister   = (*Store)(nil)
)

// Store provides data access to the SQLite database.
type Store struct {
	db *sql.DB
}

// New creates a new Store and initialises the schema.
func New(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	var version int
	err := s.db.QueryRow(`SELECT version FROM schema_version LIMIT 1`).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		if _, err := s.db.Exec(`INSERT INTO schema_version (version) VALUES (0)`); err != nil {
			return fmt.Errorf("init schema version: %w", err)
		}
		version = 0
	} else if err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	// Index 0 = migration from v0 to v1, etc.
	migrations := []func() error{
		s.migrateV1, // v0 → v1: artifacts table
		s.migrateV2, // v1 → v2: error_info column for the failed state
	}

	for i := version; i < len(migrations); i++ {
		if err := migrations[i](); err != nil {
			return fmt.Errorf("migration v%d→v%d: %w", i, i+1, err)
		}
		if _, err := s.db.Exec(`UPDATE schema_version SET version = ?`, i+1); err != nil {
			return fmt.Errorf("update schema version to %d: %w", i+1, err)
		}
	}
	return nil
}

// migrateV1 creates the artifacts table. AUTOINCREMENT keeps ids from being
// reused after deletes.
func (s *Store) migrateV1() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS artifacts (
		id               INTEGER PRIMARY KEY AUTOINCREMENT,
		prompt           TEXT NOT NULL,
		storage_location TEXT NOT NULL,
		format           TEXT NOT NULL,
		created_at       TEXT NOT NULL
	);`)
	return err
}

// migrateV2 adds the error_info column (v1 → v2).
func (s *Store) migrateV2() error {
	_, err := s.db.Exec(`ALTER TABLE artifacts ADD COLUMN error_info TEXT`)
	return err
}

const artifactColumns = `id, prompt, storage_location, format, error_info, created_at`

// CreateArtifact inserts a record and returns it with its allocated id.
func (s *Store) CreateArtifact(ctx context.Context, a model.Artifact) (*model.Artifact, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO artifacts (prompt, storage_location, format, error_info, created_at) VALUES (?, ?, ?, ?, ?)`,
		a.Prompt, a.StorageLocation, a.Format, a.ErrorInfo, a.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert artifact: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("last insert id: %w", err)
	}
	a.ID = id
	return &a, nil
}

// GetArtifact returns the record with the given id or model.ErrNotFound.
func (s *Store) GetArtifact(ctx context.Context, id int64) (*model.Artifact, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+artifactColumns+` FROM artifacts WHERE id = ?`, id)
	a, err := scanArtifact(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get artifact %d: %w", id, err)
	}
	return a, nil
}

// ListArtifacts returns up to limit records, newest first.
func (s *Store) ListArtifacts(ctx context.Context, limit int) ([]model.Artifact, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+artifactColumns+` FROM artifacts ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	return collect(rows)
}

// ListPending returns records without a recorded failure, oldest first.
// Some of them may already be Ready; the caller checks storage.
func (s *Store) ListPending(ctx context.Context) ([]model.Artifact, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+artifactColumns+` FROM artifacts WHERE error_info IS NULL ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list pending: %w", err)
	}
	return collect(rows)
}

// DeleteArtifact removes the record only. Storage is left untouched.
func (s *Store) DeleteArtifact(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM artifacts WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete artifact %d: %w", id, err)
	}
	return requireOneRow(res)
}

// MarkFailed persists the failure of a generation.
func (s *Store) MarkFailed(ctx context.Context, id int64, errorInfo string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE artifacts SET error_info = ? WHERE id = ?`, errorInfo, id)
	if err != nil {
		return fmt.Errorf("mark artifact %d failed: %w", id, err)
	}
	return requireOneRow(res)
}

// ClearFailure returns a failed record to Pending.
func (s *Store) ClearFailure(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `UPDATE artifacts SET error_info = NULL WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("clear failure of artifact %d: %w", id, err)
	}
	return requireOneRow(res)
}

// ---------------------------------------------------------------------------
// helpers
// ---------------------------------------------------------------------------

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanArtifact(row scanner) (*model.Artifact, error) {
	var a model.Artifact
	if err := row.Scan(&a.ID, &a.Prompt, &a.StorageLocation, &a.Format, &a.ErrorInfo, &a.CreatedAt); err != nil {
		return nil, err
	}
	return &a, nil
}

func collect(rows *sql.Rows) ([]model.Artifact, error) {
	defer rows.Close()
	var artifacts []model.Artifact
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, err
		}
		artifacts = append(artifacts, *a)
	}
	return artifacts, rows.Err()
}

func requireOneRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return model.ErrNotFound
	}
	return nil
}
