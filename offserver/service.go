// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package offserver is a reference implementation of the remote API the
// offqueue client drains against: per-entity REST endpoints backed by
// Postgres, idempotent under retry with the same payload.
package offserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound is returned when a record does not exist for the user.
var ErrNotFound = errors.New("record not found")

// ServiceConfig holds configuration for the sync server.
type ServiceConfig struct {
	AppName  string   // application name for connection tracking/logs
	Entities []string // entity names accepted by the API (required)
}

// Service stores entity records per user. All writes are full-record
// replacements, so replaying a retried client call converges on the same
// state (the at-least-once contract the client relies on).
type Service struct {
	pool     *pgxpool.Pool
	logger   *slog.Logger
	config   *ServiceConfig
	entities map[string]bool
}

// NewService creates the service and initializes its schema.
func NewService(pool *pgxpool.Pool, config *ServiceConfig, logger *slog.Logger) (*Service, error) {
	if config == nil || len(config.Entities) == 0 {
		return nil, fmt.Errorf("config.Entities must be provided")
	}
	if logger == nil {
		logger = slog.Default()
	}

	service := &Service{
		pool:     pool,
		logger:   logger,
		config:   config,
		entities: make(map[string]bool),
	}
	for _, entity := range config.Entities {
		service.entities[strings.ToLower(entity)] = true
	}

	ctx := context.Background()
	err := pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		return service.initializeSchemaInTx(ctx, tx)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize server schema: %w", err)
	}
	return service, nil
}

func (s *Service) initializeSchemaInTx(ctx context.Context, tx pgx.Tx) error {
	migrations := []string{
		/*language=postgresql*/ `CREATE SCHEMA IF NOT EXISTS offqueue`,

		// Per-user record state, keyed by the client-assigned record id.
		/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS offqueue.entity_record (
			user_id    TEXT        NOT NULL,
			entity     TEXT        NOT NULL,
			record_id  BIGINT      NOT NULL,
			payload    JSON,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (user_id, entity, record_id)
		)`,
	}
	for _, migration := range migrations {
		if _, err := tx.Exec(ctx, migration); err != nil {
			return fmt.Errorf("failed to run schema migration: %w", err)
		}
	}
	return nil
}

// IsRegistered reports whether the entity is accepted by this server.
func (s *Service) IsRegistered(entity string) bool {
	return s.entities[strings.ToLower(entity)]
}

// Upsert stores the full-record payload for (user, entity, record). Create
// and update share this path; re-sending a confirmed change is harmless.
func (s *Service) Upsert(ctx context.Context, userID, entity string, recordID int64, data []byte) (*RecordResponse, error) {
	entity = strings.ToLower(entity)

	var payload any
	if len(data) > 0 {
		payload = string(data)
	}

	var updatedAt time.Time
	err := withTxRetry(ctx, func() error {
		return s.pool.QueryRow(ctx, /*language=postgresql*/ `
			INSERT INTO offqueue.entity_record (user_id, entity, record_id, payload, updated_at)
			VALUES ($1, $2, $3, $4, now())
			ON CONFLICT (user_id, entity, record_id)
			DO UPDATE SET payload = EXCLUDED.payload, updated_at = now()
			RETURNING updated_at
		`, userID, entity, recordID, payload).Scan(&updatedAt)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to upsert %s/%d: %w", entity, recordID, err)
	}

	return &RecordResponse{
		Entity:    entity,
		ID:        recordID,
		Data:      data,
		UpdatedAt: updatedAt,
	}, nil
}

// Delete removes the record. Deleting an absent record succeeds, so retried
// DELETE calls stay idempotent.
func (s *Service) Delete(ctx context.Context, userID, entity string, recordID int64) error {
	entity = strings.ToLower(entity)
	err := withTxRetry(ctx, func() error {
		_, err := s.pool.Exec(ctx, /*language=postgresql*/ `
			DELETE FROM offqueue.entity_record
			WHERE user_id = $1 AND entity = $2 AND record_id = $3
		`, userID, entity, recordID)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to delete %s/%d: %w", entity, recordID, err)
	}
	return nil
}

// Get returns the stored record or ErrNotFound.
func (s *Service) Get(ctx context.Context, userID, entity string, recordID int64) (*RecordResponse, error) {
	entity = strings.ToLower(entity)

	var payload *string
	var updatedAt time.Time
	err := s.pool.QueryRow(ctx, /*language=postgresql*/ `
		SELECT payload, updated_at FROM offqueue.entity_record
		WHERE user_id = $1 AND entity = $2 AND record_id = $3
	`, userID, entity, recordID).Scan(&payload, &updatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load %s/%d: %w", entity, recordID, err)
	}

	resp := &RecordResponse{Entity: entity, ID: recordID, UpdatedAt: updatedAt}
	if payload != nil {
		resp.Data = []byte(*payload)
	}
	return resp, nil
}
