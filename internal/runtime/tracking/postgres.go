package tracking

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// pqUniqueViolation is the PostgreSQL error code for unique-key conflicts.
const pqUniqueViolation = "23505"

// PostgresStore is a Store backed by PostgreSQL, for multi-instance
// deployments where scanner and services share one tracking database.
type PostgresStore struct {
	db        *sql.DB
	ownsDB    bool
	opTimeout time.Duration
}

// NewPostgresStore connects with the given DSN and ensures the tracking
// schema exists.
func NewPostgresStore(dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("tracking: postgres DSN is required")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open PostgreSQL database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping PostgreSQL database: %w", err)
	}

	s := &PostgresStore{db: db, ownsDB: true, opTimeout: DefaultOpTimeout}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize tracking schema: %w", err)
	}
	return s, nil
}

// NewPostgresStoreFromDB wraps an existing connection, typically the postgres
// transport's, so runtime and tracking share one database.
func NewPostgresStoreFromDB(db *sql.DB) (*PostgresStore, error) {
	s := &PostgresStore{db: db, opTimeout: DefaultOpTimeout}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize tracking schema: %w", err)
	}
	return s, nil
}

func (s *PostgresStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS tracked_entities (
		id TEXT PRIMARY KEY,
		entity_type TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		attempt_count INTEGER NOT NULL DEFAULT 0,
		last_attempt_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		topic TEXT NOT NULL DEFAULT '',
		envelope BYTEA,
		last_error TEXT NOT NULL DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_tracked_candidates
		ON tracked_entities(entity_type, status, attempt_count);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *PostgresStore) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.opTimeout)
}

// Insert creates the entity, returning ErrAlreadyExists on a duplicate id.
func (s *PostgresStore) Insert(ctx context.Context, e *Entity) error {
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
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, stored.ID, stored.Type, string(stored.Status), stored.AttemptCount, stored.LastAttemptAt,
		stored.CreatedAt, stored.UpdatedAt, stored.Topic, stored.Envelope, stored.LastError)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && string(pqErr.Code) == pqUniqueViolation {
			return ErrAlreadyExists
		}
		return fmt.Errorf("failed to insert entity: %w", err)
	}
	return nil
}

// Upsert creates or replaces the entity keyed by id, preserving created_at.
func (s *PostgresStore) Upsert(ctx context.Context, e *Entity) error {
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
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			entity_type = EXCLUDED.entity_type,
			status = EXCLUDED.status,
			attempt_count = EXCLUDED.attempt_count,
			last_attempt_at = EXCLUDED.last_attempt_at,
			updated_at = EXCLUDED.updated_at,
			topic = EXCLUDED.topic,
			envelope = EXCLUDED.envelope,
			last_error = EXCLUDED.last_error
	`, stored.ID, stored.Type, string(stored.Status), stored.AttemptCount, stored.LastAttemptAt,
		stored.CreatedAt, stored.UpdatedAt, stored.Topic, stored.Envelope, stored.LastError)
	if err != nil {
		return fmt.Errorf("failed to upsert entity: %w", err)
	}
	return nil
}

// Get returns the entity or ErrNotFound.
func (s *PostgresStore) Get(ctx context.Context, id string) (*Entity, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	row := s.db.QueryRowContext(ctx, `
		SELECT id, entity_type, status, attempt_count, last_attempt_at, created_at, updated_at, topic, envelope, last_error
		FROM tracked_entities WHERE id = $1
	`, id)
	return scanEntity(row)
}

// MarkProcessed moves the entity to processed; repeating is a no-op.
func (s *PostgresStore) MarkProcessed(ctx context.Context, id string) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	result, err := s.db.ExecContext(ctx, `
		UPDATE tracked_entities SET status = $1, updated_at = $2
		WHERE id = $3
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
func (s *PostgresStore) MarkFailed(ctx context.Context, id, lastError string) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	result, err := s.db.ExecContext(ctx, `
		UPDATE tracked_entities SET status = $1, last_error = $2, updated_at = $3
		WHERE id = $4
	`, string(StatusFailedMaxRetries), lastError, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to mark entity failed: %w", err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return ErrNotFound
	}
	return nil
}

// Claim performs the guarded attempt-count increment in one statement.
func (s *PostgresStore) Claim(ctx context.Context, id string, observedAttempts int, now time.Time) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	now = now.UTC()
	result, err := s.db.ExecContext(ctx, `
		UPDATE tracked_entities
		SET attempt_count = attempt_count + 1, last_attempt_at = $1, updated_at = $2
		WHERE id = $3 AND attempt_count = $4 AND status = $5
	`, now, now, id, observedAttempts, string(StatusPending))
	if err != nil {
		return fmt.Errorf("failed to claim entity: %w", err)
	}
	if affected, _ := result.RowsAffected(); affected > 0 {
		return nil
	}

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
func (s *PostgresStore) ListCandidates(ctx context.Context, entityType string, maxAttempts int, stuckBefore time.Time, limit int) ([]*Entity, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var limitArg any
	if limit > 0 {
		limitArg = limit
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, entity_type, status, attempt_count, last_attempt_at, created_at, updated_at, topic, envelope, last_error
		FROM tracked_entities
		WHERE status = $1
		AND attempt_count < $2
		AND ($3 = '' OR entity_type = $3)
		AND (last_attempt_at IS NOT NULL OR created_at <= $4)
		ORDER BY created_at ASC
		LIMIT $5
	`, string(StatusPending), maxAttempts, entityType, stuckBefore.UTC(), limitArg)
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
func (s *PostgresStore) Types(ctx context.Context) ([]string, error) {
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
func (s *PostgresStore) Close() error {
	if !s.ownsDB {
		return nil
	}
	return s.db.Close()
}
