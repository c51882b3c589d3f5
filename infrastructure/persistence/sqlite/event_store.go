// Package sqlite provides a single-node, file-backed event store. It serves
// local development and the worker's integration tests; production deploys
// use the DynamoDB store behind the same port.
//
// WAL mode is enabled on Open so the recovery sweep can read streams while
// the engine appends.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"provisioner/domain/saga"
	"provisioner/infrastructure/persistence/schema"

	"github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

const initialDDL = `
CREATE TABLE IF NOT EXISTS saga_events (
    saga_id         TEXT    NOT NULL,
    version         INTEGER NOT NULL,
    event_id        TEXT    NOT NULL,
    event_kind      TEXT    NOT NULL,
    correlation_id  TEXT    NOT NULL,
    causation_id    TEXT    NOT NULL DEFAULT '',
    timestamp       TEXT    NOT NULL,
    content_address TEXT    NOT NULL,
    payload         TEXT    NOT NULL,
    PRIMARY KEY (saga_id, version)
);

CREATE TABLE IF NOT EXISTS saga_heads (
    saga_id   TEXT    PRIMARY KEY,
    version   INTEGER NOT NULL,
    open      INTEGER NOT NULL,
    scope_key TEXT    NOT NULL
);

-- One open saga per idempotency scope. Closed heads fall out of the index,
-- releasing the scope.
CREATE UNIQUE INDEX IF NOT EXISTS idx_saga_heads_open_scope
    ON saga_heads(scope_key) WHERE open = 1;

CREATE INDEX IF NOT EXISTS idx_saga_heads_open ON saga_heads(open);
`

// EventStore implements the event-store port on SQLite
type EventStore struct {
	db *sql.DB
}

// Open opens (or creates) the database at path and migrates its schema
func Open(path string, logger *zap.Logger) (*EventStore, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", path)

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %q: %w", path, err)
	}

	// SQLite performs best with a single writer connection.
	db.SetMaxOpenConns(1)

	migrator := schema.NewMigrator(db, logger)
	if err := migrator.Register(schema.Migration{
		Version:     1,
		Description: "saga event streams and head records",
		Up: func(ctx context.Context, tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx, initialDDL)
			return err
		},
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := migrator.Migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &EventStore{db: db}, nil
}

// Close releases the database connection
func (s *EventStore) Close() error {
	return s.db.Close()
}

// Append writes one envelope at expectedVersion+1. The head row carries the
// optimistic-concurrency check; the whole write runs in one transaction.
func (s *EventStore) Append(ctx context.Context, id saga.SagaID, expectedVersion uint64, env saga.Envelope) (uint64, error) {
	if env.Version != expectedVersion+1 {
		return 0, fmt.Errorf("envelope version %d does not follow expected version %d", env.Version, expectedVersion)
	}

	event, err := env.Event()
	if err != nil {
		return 0, fmt.Errorf("decode event for append: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("sqlite: begin append: %w", err)
	}
	defer tx.Rollback()

	if expectedVersion == 0 {
		started, ok := event.(saga.Started)
		if !ok {
			return 0, fmt.Errorf("saga %s: first event must start the saga, got %s", id, env.EventKind)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO saga_heads (saga_id, version, open, scope_key) VALUES (?, 1, 1, ?)`,
			id.String(), started.ScopeKey,
		)
		if err != nil {
			if isUniqueViolation(err) {
				return 0, fmt.Errorf("scope %s: %w", started.ScopeKey, saga.ErrDuplicateSaga)
			}
			return 0, fmt.Errorf("sqlite: create head for %s: %w", id, err)
		}
	} else {
		var open bool
		err := tx.QueryRowContext(ctx,
			`SELECT open FROM saga_heads WHERE saga_id = ?`, id.String(),
		).Scan(&open)
		if errors.Is(err, sql.ErrNoRows) {
			return 0, fmt.Errorf("saga %s: %w", id, saga.ErrStreamNotFound)
		}
		if err != nil {
			return 0, fmt.Errorf("sqlite: read head for %s: %w", id, err)
		}
		if !open {
			return 0, fmt.Errorf("saga %s: %w", id, saga.ErrStreamClosed)
		}

		open = !env.IsTerminal()
		result, err := tx.ExecContext(ctx,
			`UPDATE saga_heads SET version = ?, open = ? WHERE saga_id = ? AND version = ? AND open = 1`,
			env.Version, open, id.String(), expectedVersion,
		)
		if err != nil {
			return 0, fmt.Errorf("sqlite: advance head for %s: %w", id, err)
		}
		if n, err := result.RowsAffected(); err != nil {
			return 0, fmt.Errorf("sqlite: advance head for %s: %w", id, err)
		} else if n == 0 {
			return 0, fmt.Errorf("saga %s at expected version %d: %w", id, expectedVersion, saga.ErrConcurrencyConflict)
		}
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO saga_events
		     (saga_id, version, event_id, event_kind, correlation_id, causation_id, timestamp, content_address, payload)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id.String(),
		env.Version,
		env.EventID,
		string(env.EventKind),
		env.CorrelationID.String(),
		env.CausationID.String(),
		env.Timestamp.UTC().Format(time.RFC3339Nano),
		env.ContentAddress,
		string(env.Payload),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, fmt.Errorf("saga %s at expected version %d: %w", id, expectedVersion, saga.ErrConcurrencyConflict)
		}
		return 0, fmt.Errorf("sqlite: insert event for %s: %w", id, err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("sqlite: commit append for %s: %w", id, err)
	}
	return env.Version, nil
}

// Read returns the stream's envelopes from fromVersion (1-based) on
func (s *EventStore) Read(ctx context.Context, id saga.SagaID, fromVersion uint64) ([]saga.Envelope, error) {
	if fromVersion < 1 {
		fromVersion = 1
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT event_id, version, event_kind, correlation_id, causation_id, timestamp, content_address, payload
		 FROM   saga_events
		 WHERE  saga_id = ? AND version >= ?
		 ORDER  BY version ASC`,
		id.String(), fromVersion,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: query stream %s: %w", id, err)
	}
	defer rows.Close()

	var envelopes []saga.Envelope
	for rows.Next() {
		var (
			env       saga.Envelope
			kind      string
			corrID    string
			causID    string
			timestamp string
			payload   string
		)
		if err := rows.Scan(&env.EventID, &env.Version, &kind, &corrID, &causID, &timestamp, &env.ContentAddress, &payload); err != nil {
			return nil, fmt.Errorf("sqlite: scan event row: %w", err)
		}
		env.SagaID = id
		env.EventKind = saga.EventKind(kind)
		env.CorrelationID = saga.CorrelationID(corrID)
		env.CausationID = saga.CausationID(causID)
		env.Payload = []byte(payload)
		if env.Timestamp, err = time.Parse(time.RFC3339Nano, timestamp); err != nil {
			return nil, fmt.Errorf("sqlite: parse event timestamp: %w", err)
		}
		envelopes = append(envelopes, env)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: iterate stream %s: %w", id, err)
	}

	if len(envelopes) == 0 && fromVersion == 1 {
		var exists int
		err := s.db.QueryRowContext(ctx,
			`SELECT 1 FROM saga_heads WHERE saga_id = ?`, id.String(),
		).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("saga %s: %w", id, saga.ErrStreamNotFound)
		}
		if err != nil {
			return nil, fmt.Errorf("sqlite: check head for %s: %w", id, err)
		}
	}
	return envelopes, nil
}

// OpenStreams lists sagas whose streams have not reached a terminal event
func (s *EventStore) OpenStreams(ctx context.Context) ([]saga.SagaID, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT saga_id FROM saga_heads WHERE open = 1 ORDER BY saga_id`,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: query open streams: %w", err)
	}
	defer rows.Close()

	var ids []saga.SagaID
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("sqlite: scan open stream row: %w", err)
		}
		ids = append(ids, saga.SagaID(id))
	}
	return ids, rows.Err()
}

// OpenByScope returns the open saga currently holding an idempotency scope
func (s *EventStore) OpenByScope(ctx context.Context, scopeKey string) (saga.SagaID, bool, error) {
	var id string
	err := s.db.QueryRowContext(ctx,
		`SELECT saga_id FROM saga_heads WHERE scope_key = ? AND open = 1`, scopeKey,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("sqlite: query scope %s: %w", scopeKey, err)
	}
	return saga.SagaID(id), true, nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
		sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
}
