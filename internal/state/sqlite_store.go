package state

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/opsdeck/synckit/internal/events"
	"github.com/opsdeck/synckit/internal/models"
)

// Buckets for the actions table.
const (
	bucketQueue  = "queue"
	bucketFailed = "failed"
)

// SQLiteStore implements SQLite-based persistence.
type SQLiteStore struct {
	db     *sql.DB
	logger *events.Logger
}

// NewSQLiteStore creates a SQLite store.
func NewSQLiteStore(dbPath string, logger *events.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal=WAL&_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	store := &SQLiteStore{
		db:     db,
		logger: logger.WithField("component", "sqlite_store"),
	}

	if err := store.initialize(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize database: %w", err)
	}

	return store, nil
}

// initialize creates tables and indexes.
func (s *SQLiteStore) initialize() error {
	schema := `
    CREATE TABLE IF NOT EXISTS actions (
        id TEXT NOT NULL,
        bucket TEXT NOT NULL CHECK (bucket IN ('queue', 'failed')),
        seq INTEGER NOT NULL,
        type TEXT NOT NULL,
        payload BLOB NOT NULL,
        retries INTEGER NOT NULL DEFAULT 0,
        error TEXT,
        enqueued_at TIMESTAMP NOT NULL,
        failed_at TIMESTAMP,
        PRIMARY KEY (id, bucket)
    );

    CREATE INDEX IF NOT EXISTS idx_actions_bucket_seq ON actions(bucket, seq);

    CREATE TABLE IF NOT EXISTS session (
        id INTEGER PRIMARY KEY CHECK (id = 1),
        access_token TEXT NOT NULL,
        refresh_token TEXT NOT NULL,
        email TEXT,
        updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
    );

    CREATE TABLE IF NOT EXISTS schema_info (
        version INTEGER PRIMARY KEY
    );

    INSERT OR IGNORE INTO schema_info (version) VALUES (?);
    `

	if _, err := s.db.Exec(schema, CurrentSchemaVersion); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}

	return nil
}

// LoadQueue retrieves pending actions in Seq order.
func (s *SQLiteStore) LoadQueue() ([]models.QueuedAction, error) {
	actions, _, err := s.loadBucket(bucketQueue)
	return actions, err
}

// SaveQueue replaces the pending queue.
func (s *SQLiteStore) SaveQueue(actions []models.QueuedAction) error {
	s.logger.WithField("pending", len(actions)).Debug("Saving queue")
	return s.saveBucket(bucketQueue, actions, nil)
}

// LoadFailed retrieves quarantined actions.
func (s *SQLiteStore) LoadFailed() ([]models.FailedAction, error) {
	_, failed, err := s.loadBucket(bucketFailed)
	return failed, err
}

// SaveFailed replaces the quarantine.
func (s *SQLiteStore) SaveFailed(actions []models.FailedAction) error {
	s.logger.WithField("failed", len(actions)).Debug("Saving quarantine")
	queued := make([]models.QueuedAction, len(actions))
	failedAt := make([]time.Time, len(actions))
	for i, a := range actions {
		queued[i] = a.QueuedAction
		failedAt[i] = a.FailedAt
	}
	return s.saveBucket(bucketFailed, queued, failedAt)
}

// LoadSession retrieves the stored session.
func (s *SQLiteStore) LoadSession() (*models.Session, error) {
	var session models.Session
	var email sql.NullString

	err := s.db.QueryRow(`
        SELECT access_token, refresh_token, email FROM session WHERE id = 1
    `).Scan(&session.AccessToken, &session.RefreshToken, &email)

	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query session: %w", err)
	}

	if email.Valid {
		session.Email = email.String
	}
	return &session, nil
}

// SaveSession upserts the session row.
func (s *SQLiteStore) SaveSession(session *models.Session) error {
	_, err := s.db.Exec(`
        INSERT INTO session (id, access_token, refresh_token, email, updated_at)
        VALUES (1, ?, ?, ?, CURRENT_TIMESTAMP)
        ON CONFLICT(id) DO UPDATE SET
            access_token = excluded.access_token,
            refresh_token = excluded.refresh_token,
            email = excluded.email,
            updated_at = CURRENT_TIMESTAMP
    `, session.AccessToken, session.RefreshToken, session.Email)

	if err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}
	return nil
}

// ClearSession removes the session row.
func (s *SQLiteStore) ClearSession() error {
	if _, err := s.db.Exec("DELETE FROM session WHERE id = 1"); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// loadBucket reads one bucket. For the failed bucket the second return
// value carries the actions with their FailedAt timestamps.
func (s *SQLiteStore) loadBucket(bucket string) ([]models.QueuedAction, []models.FailedAction, error) {
	rows, err := s.db.Query(`
        SELECT id, seq, type, payload, retries, error, enqueued_at, failed_at
        FROM actions
        WHERE bucket = ?
        ORDER BY seq
    `, bucket)
	if err != nil {
		return nil, nil, fmt.Errorf("query actions: %w", err)
	}
	defer rows.Close()

	var queued []models.QueuedAction
	var failed []models.FailedAction

	for rows.Next() {
		var a models.QueuedAction
		var errMsg sql.NullString
		var failedAt sql.NullTime

		if err := rows.Scan(&a.ID, &a.Seq, &a.Type, &a.Payload, &a.Retries,
			&errMsg, &a.EnqueuedAt, &failedAt); err != nil {
			return nil, nil, fmt.Errorf("scan action row: %w", err)
		}

		if errMsg.Valid {
			a.Error = errMsg.String
		}

		if bucket == bucketFailed {
			fa := models.FailedAction{QueuedAction: a}
			if failedAt.Valid {
				fa.FailedAt = failedAt.Time
			}
			failed = append(failed, fa)
		} else {
			queued = append(queued, a)
		}
	}

	return queued, failed, rows.Err()
}

// saveBucket replaces one bucket's rows in a single transaction.
func (s *SQLiteStore) saveBucket(bucket string, actions []models.QueuedAction, failedAt []time.Time) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec("DELETE FROM actions WHERE bucket = ?", bucket); err != nil {
		return fmt.Errorf("delete old actions: %w", err)
	}

	stmt, err := tx.Prepare(`
        INSERT INTO actions (id, bucket, seq, type, payload, retries, error, enqueued_at, failed_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
    `)
	if err != nil {
		return fmt.Errorf("prepare statement: %w", err)
	}
	defer stmt.Close()

	for i, a := range actions {
		var errMsg sql.NullString
		if a.Error != "" {
			errMsg = sql.NullString{String: a.Error, Valid: true}
		}

		var failed sql.NullTime
		if failedAt != nil {
			failed = sql.NullTime{Time: failedAt[i], Valid: true}
		}

		if _, err := stmt.Exec(a.ID, bucket, a.Seq, a.Type, []byte(a.Payload),
			a.Retries, errMsg, a.EnqueuedAt, failed); err != nil {
			return fmt.Errorf("insert action %s: %w", a.ID, err)
		}
	}

	return tx.Commit()
}
