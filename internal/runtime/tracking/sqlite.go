package tracking

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"
)

// DefaultOpTimeout bounds each SQL statement of the SQL-backed stores.
const DefaultOpTimeout = 5 * time.Second

// SQLiteStore is a Store backed by a SQLite database. It can share the
// database file of the sqlite transport.
type SQLiteStore struct {
	db        *sql.DB
	ownsDB    bool
	opTimeout time.Duration
}

// NewSQLiteStore opens (or creates) the database at filePath and ensures the
// tracking schema exists. Use ":memory:" for tests.
func NewSQLiteStore(filePath string) (*SQLiteStore, error) {
	if filePath == "" {
		filePath = "docflow_tracking.db"
	}

	db, err := sql.Open("sqlite3", filePath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &SQLiteStore{db: db, ownsDB: true, opTimeout: DefaultOpTimeout}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize tracking schema: %w", err)
	}
	return s, nil
}

// NewSQLiteStoreFromDB wraps an existing connection, typically the sqlite
// transport's, so runtime and tracking share one database file.
func NewSQLiteStoreFromDB(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db, opTimeout: DefaultOpTimeout}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize tracking schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS tracked_entities (
		id TEXT PRIMARY KEY,
		entity_type TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		attempt_count INTEGER NOT NULL DEFAULT 0,
		last_attempt_at TIMESTAMP,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		topic TEXT NOT NULL DEFAULT '',
		envelope BLOB,
		last_error TEXT NOT NULL DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_tracked_candidates
		ON tracked_entities(entity_type, status, attempt_count);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteStore) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.opTimeout)
}

// Insert creates the entity, returning ErrAlreadyExists on a duplicate id.
func (s *SQLiteStore) Insert(ctx context.Context, e *Entity) error {
	if err := e.Validate(); err != nil {
		return err
	}

	stored := e.clone()
	stored.withDefaults(time.Now().UTC())

	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tracked_entities
			(id, entity_type, status, attempt_count, last_attempt_at, created_at, updated_at, topic, envelope, last_error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, stored.ID, stored.Type, string(stored.Status), stored.AttemptCount, stored.LastAttemptAt,
		stored.CreatedAt, stored.UpdatedAt, stored.Topic, stored.Envelope, stored.LastError)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
			return ErrAlreadyExists
		}
		return fmt.Errorf("failed to insert entity: %w", err)
	}
	return nil
}

// Upsert creates or replaces the entity keyed by id, preserving created_at.
func (s *SQLiteStore) Upsert(ctx context.Context, e *Entity) error {
	if err := e.Validate(); err != nil {
		return err
	}

	stored := e.clone()
	stored.withDefaults(time.Now().UTC())
	stored.UpdatedAt = time.Now().UTC()

	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tracked_entities
			(id, entity_type, status, attempt_count, last_attempt_at, created_at, updated_at, topic, envelope, last_error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			entity_type = excluded.entity_type,
			status = excluded.status,
			attempt_count = excluded.attempt_count,
			last_attempt_at = excluded.last_attempt_at,
			updated_at = excluded.updated_at,
			topic = excluded.topic,
			envelope = excluded.envelope,
			last_error = excluded.last_error
	`, stored.ID, stored.Type, string(stored.Status), stored.AttemptCount, stored.LastAttemptAt,
		stored.CreatedAt, stored.UpdatedAt, stored.Topic, stored.Envelope, stored.LastError)
	if err != nil {
		return fmt.Errorf("failed to upsert entity: %w", err)
	}
	return nil
}

// Get returns the entity or ErrNotFound.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*Entity, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	row := s.db.QueryRowContext(ctx, `
		SELECT id, entity_type, status, attempt_count, last_attempt_at, created_at, updated_at, topic, envelope, last_error
		FROM tracked_entities WHERE id = ?
	`, id)
	return scanEntity(row)
}

// MarkProcessed moves the entity to processed; repeating is a no-op.
func (s *SQLiteStore) MarkProcessed(ctx context.Context, id string) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	result, err := s.db.ExecContext(ctx, `
		UPDATE tracked_entities SET status = ?, updated_at = ?
		WHERE id = ?
	`, string(StatusProcessed), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to mark entity processed: %w", err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkFailed moves the entity to failed_max_retries with the cause.
func (s *SQLiteStore) MarkFailed(ctx context.Context, id, lastError string) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	result, err := s.db.ExecContext(ctx, `
		UPDATE tracked_entities SET status = ?, last_error = ?, updated_at = ?
		WHERE id = ?
	`, string(StatusFailedMaxRetries), lastError, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to mark entity failed: %w", err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return ErrNotFound
	}
	return nil
}

// Claim performs the guarded attempt-count increment in one statement, so
// concurrent scanner instances cannot double-claim.
func (s *SQLiteStore) Claim(ctx context.Context, id string, observedAttempts int, now time.Time) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	now = now.UTC()
	result, err := s.db.ExecContext(ctx, `
		UPDATE tracked_entities
		SET attempt_count = attempt_count + 1, last_attempt_at = ?, updated_at = ?
		WHERE id = ? AND attempt_count = ? AND status = ?
	`, now, now, id, observedAttempts, string(StatusPending))
	if err != nil {
		return fmt.Errorf("failed to claim entity: %w", err)
	}
	if affected, _ := result.RowsAffected(); affected > 0 {
		return nil
	}

	// The guard did not match; report why.
	e, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if e.Status.Terminal() {
		return ErrNoWork
	}
	return ErrConflict
}

// ListCandidates returns scanner candidates ordered oldest first.
func (s *SQLiteStore) ListCandidates(ctx context.Context, entityType string, maxAttempts int, stuckBefore time.Time, limit int) ([]*Entity, error) {
	if limit <= 0 {
		limit = -1 // SQLite treats a negative LIMIT as unbounded.
	}

	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, entity_type, status, attempt_count, last_attempt_at, created_at, updated_at, topic, envelope, last_error
		FROM tracked_entities
		WHERE status = ?
		AND attempt_count < ?
		AND (? = '' OR entity_type = ?)
		AND (last_attempt_at IS NOT NULL OR created_at <= ?)
		ORDER BY created_at ASC
		LIMIT ?
	`, string(StatusPending), maxAttempts, entityType, entityType, stuckBefore.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query candidates: %w", err)
	}
	defer rows.Close()

	var entities []*Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, err
		}
		entities = append(entities, e)
	}
	return entities, rows.Err()
}

// Types returns the distinct entity types, sorted.
func (s *SQLiteStore) Types(ctx context.Context) ([]string, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT entity_type FROM tracked_entities ORDER BY entity_type
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query entity types: %w", err)
	}
	defer rows.Close()

	var types []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		types = append(types, t)
	}
	return types, rows.Err()
}

// Close closes the database when the store owns it.
func (s *SQLiteStore) Close() error {
	if !s.ownsDB {
		return nil
	}
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntity(row rowScanner) (*Entity, error) {
	var e Entity
	var status string
	var lastAttemptAt sql.NullTime
	err := row.Scan(&e.ID, &e.Type, &status, &e.AttemptCount, &lastAttemptAt,
		&e.CreatedAt, &e.UpdatedAt, &e.Topic, &e.Envelope, &e.LastError)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan entity: %w", err)
	}
	e.Status = Status(status)
	if lastAttemptAt.Valid {
		t := lastAttemptAt.Time.UTC()
		e.LastAttemptAt = &t
	}
	return &e, nil
}
