// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package offqueue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore is the relational Store implementation. Each registered entity
// gets its own table; the mutation log lives in _offqueue_mutations with a
// monotonic rowid that defines FIFO drain order.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger

	// Serialize write operations to prevent SQLite locking issues and to
	// keep a drain's read-modify-write from racing a fresh user edit.
	writeMu sync.Mutex

	mu       sync.RWMutex
	entities map[string]bool
}

var entityNameRe = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// NewSQLiteStore initializes sync metadata tables on the given database and
// returns a ready store. The caller owns the *sql.DB lifecycle.
func NewSQLiteStore(db *sql.DB, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}

	// Enable WAL mode and foreign keys
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys=ON`); err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	tables := []string{
		// Append-only mutation log. The autoincrement id doubles as the
		// FIFO drain cursor, so same-record entries keep creation order.
		`CREATE TABLE IF NOT EXISTS _offqueue_mutations (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			entity     TEXT NOT NULL,
			record_id  INTEGER NOT NULL,
			op         TEXT NOT NULL CHECK (op IN ('CREATE','UPDATE','DELETE')),
			payload    TEXT, -- full-record JSON snapshot, NULL for DELETE
			created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now')),
			attempts   INTEGER NOT NULL DEFAULT 0
		)`,

		// Client/device info (one row)
		`CREATE TABLE IF NOT EXISTS _offqueue_client (
			id        INTEGER PRIMARY KEY CHECK (id = 1),
			device_id TEXT NOT NULL
		)`,
	}
	for _, table := range tables {
		if _, err := db.Exec(table); err != nil {
			return nil, fmt.Errorf("failed to create sync table: %w", err)
		}
	}

	return &SQLiteStore{
		db:       db,
		logger:   logger,
		entities: make(map[string]bool),
	}, nil
}

// RegisterEntity creates the entity table if needed and allows writes to it.
func (s *SQLiteStore) RegisterEntity(entity string) error {
	entity = strings.ToLower(entity)
	if !entityNameRe.MatchString(entity) {
		return fmt.Errorf("invalid entity name %q", entity)
	}

	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS "%s" (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		data       TEXT NOT NULL,
		synced     INTEGER NOT NULL DEFAULT 0,
		deleted    INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL DEFAULT (strftime('%%Y-%%m-%%dT%%H:%%M:%%fZ','now')),
		updated_at TEXT NOT NULL DEFAULT (strftime('%%Y-%%m-%%dT%%H:%%M:%%fZ','now'))
	)`, entity)
	if _, err := s.db.Exec(ddl); err != nil {
		return fmt.Errorf("failed to create entity table %s: %w", entity, err)
	}

	s.mu.Lock()
	s.entities[entity] = true
	s.mu.Unlock()
	return nil
}

func (s *SQLiteStore) entityTable(entity string) (string, error) {
	entity = strings.ToLower(entity)
	s.mu.RLock()
	ok := s.entities[entity]
	s.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("entity %q is not registered", entity)
	}
	return entity, nil
}

// Write applies the mutation to the entity table and appends the queue entry
// in a single transaction, so the data write and the queue entry can never
// diverge.
func (s *SQLiteStore) Write(ctx context.Context, entity string, op Op, recordID int64, data json.RawMessage) (int64, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	table, err := s.entityTable(entity)
	if err != nil {
		return 0, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var payload any
	switch op {
	case OpCreate:
		if len(data) == 0 {
			return 0, fmt.Errorf("create requires a payload")
		}
		res, err := tx.ExecContext(ctx,
			fmt.Sprintf(`INSERT INTO "%s" (data, synced, deleted) VALUES (?, 0, 0)`, table),
			string(data))
		if err != nil {
			return 0, fmt.Errorf("failed to insert record: %w", err)
		}
		recordID, err = res.LastInsertId()
		if err != nil {
			return 0, fmt.Errorf("failed to get inserted record id: %w", err)
		}
		payload = string(data)

	case OpUpdate:
		if len(data) == 0 {
			return 0, fmt.Errorf("update requires a payload")
		}
		res, err := tx.ExecContext(ctx,
			fmt.Sprintf(`UPDATE "%s" SET data = ?, synced = 0,
				updated_at = strftime('%%Y-%%m-%%dT%%H:%%M:%%fZ','now')
				WHERE id = ? AND deleted = 0`, table),
			string(data), recordID)
		if err != nil {
			return 0, fmt.Errorf("failed to update record: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return 0, fmt.Errorf("record not found: %s/%d", table, recordID)
		}
		payload = string(data)

	case OpDelete:
		// Soft delete keeps the row around until the drain step confirms
		// the remote deletion.
		res, err := tx.ExecContext(ctx,
			fmt.Sprintf(`UPDATE "%s" SET deleted = 1, synced = 0,
				updated_at = strftime('%%Y-%%m-%%dT%%H:%%M:%%fZ','now')
				WHERE id = ? AND deleted = 0`, table),
			recordID)
		if err != nil {
			return 0, fmt.Errorf("failed to tombstone record: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return 0, fmt.Errorf("record not found: %s/%d", table, recordID)
		}
		payload = nil

	default:
		return 0, fmt.Errorf("unsupported operation %q", op)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO _offqueue_mutations (entity, record_id, op, payload)
		VALUES (?, ?, ?, ?)
	`, table, recordID, string(op), payload)
	if err != nil {
		return 0, fmt.Errorf("failed to enqueue mutation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit write: %w", err)
	}
	return recordID, nil
}

// Read returns the entity's records in id order.
func (s *SQLiteStore) Read(ctx context.Context, entity string, filter ReadFilter) ([]Record, error) {
	table, err := s.entityTable(entity)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`SELECT id, data, synced, deleted, created_at, updated_at FROM "%s"`, table)
	var conds []string
	if !filter.IncludeDeleted {
		conds = append(conds, "deleted = 0")
	}
	if filter.OnlyUnsynced {
		conds = append(conds, "synced = 0")
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY id"

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query records: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var rec Record
		var data string
		var synced, deleted int
		var createdAt, updatedAt string
		if err := rows.Scan(&rec.ID, &data, &synced, &deleted, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		rec.Entity = table
		rec.Data = []byte(data)
		rec.Synced = synced == 1
		rec.Deleted = deleted == 1
		if rec.CreatedAt, err = parseStoredTime(createdAt); err != nil {
			return nil, err
		}
		if rec.UpdatedAt, err = parseStoredTime(updatedAt); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating records: %w", err)
	}
	return records, nil
}

// DrainSnapshot returns the queue contents in FIFO order. The snapshot is
// taken once per drain cycle; entries enqueued afterwards wait for the next
// trigger.
func (s *SQLiteStore) DrainSnapshot(ctx context.Context) ([]Mutation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, entity, record_id, op, payload, created_at, attempts
		FROM _offqueue_mutations
		ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query mutation queue: %w", err)
	}
	defer rows.Close()

	var mutations []Mutation
	for rows.Next() {
		var m Mutation
		var op string
		var payload sql.NullString
		var createdAt string
		if err := rows.Scan(&m.ID, &m.Entity, &m.RecordID, &op, &payload, &createdAt, &m.Attempts); err != nil {
			return nil, fmt.Errorf("failed to scan mutation: %w", err)
		}
		m.Op = Op(op)
		if payload.Valid {
			m.Payload = []byte(payload.String)
		}
		if m.CreatedAt, err = parseStoredTime(createdAt); err != nil {
			return nil, err
		}
		mutations = append(mutations, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating mutations: %w", err)
	}
	return mutations, nil
}

// RemoveMutation deletes a confirmed queue entry.
func (s *SQLiteStore) RemoveMutation(ctx context.Context, id int64) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.db.ExecContext(ctx, `DELETE FROM _offqueue_mutations WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to remove mutation %d: %w", id, err)
	}
	return nil
}

// IncrementAttempts bumps the attempt counter of a queue entry.
func (s *SQLiteStore) IncrementAttempts(ctx context.Context, id int64) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	res, err := s.db.ExecContext(ctx, `UPDATE _offqueue_mutations SET attempts = attempts + 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to increment attempts for mutation %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("mutation not found: %d", id)
	}
	return nil
}

// MarkSynced flips the record's synced flag after confirmed remote success.
func (s *SQLiteStore) MarkSynced(ctx context.Context, entity string, recordID int64) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	table, err := s.entityTable(entity)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE "%s" SET synced = 1,
			updated_at = strftime('%%Y-%%m-%%dT%%H:%%M:%%fZ','now')
			WHERE id = ?`, table),
		recordID)
	if err != nil {
		return fmt.Errorf("failed to mark record synced: %w", err)
	}
	return nil
}

// PurgeTombstone physically removes a soft-deleted record.
func (s *SQLiteStore) PurgeTombstone(ctx context.Context, entity string, recordID int64) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	table, err := s.entityTable(entity)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM "%s" WHERE id = ? AND deleted = 1`, table),
		recordID)
	if err != nil {
		return fmt.Errorf("failed to purge tombstone: %w", err)
	}
	return nil
}

// EnsureDeviceID generates and persists a device ID if not already present.
func (s *SQLiteStore) EnsureDeviceID() (string, error) {
	var deviceID string
	err := s.db.QueryRow(`SELECT device_id FROM _offqueue_client WHERE id = 1`).Scan(&deviceID)
	if errors.Is(err, sql.ErrNoRows) {
		deviceID = uuid.New().String()
		if _, err := s.db.Exec(`INSERT INTO _offqueue_client (id, device_id) VALUES (1, ?)`, deviceID); err != nil {
			return "", fmt.Errorf("failed to insert client info: %w", err)
		}
	} else if err != nil {
		return "", fmt.Errorf("failed to query client info: %w", err)
	}
	return deviceID, nil
}

// Close is a no-op; the caller owns the *sql.DB.
func (s *SQLiteStore) Close() error { return nil }

func parseStoredTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse stored timestamp %q: %w", s, err)
	}
	return t, nil
}
