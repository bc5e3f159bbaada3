/*
File: internal/platform/persistence/postgres.go
Description: Relational repository for sessions and front machine records,
backed by a pgx connection pool.
*/

// Package persistence contains components for interacting with data stores.
package persistence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/tinywideclouds/go-session-manager/pkg/edge"
)

const (
	selectSessionQuery = `SELECT id, user_id, device_id, COALESCE(policy, '') FROM session WHERE id = $1`
	selectFMQuery      = `SELECT id, ip, port FROM fm_registration WHERE id = $1`
	upsertFMQuery      = `INSERT INTO fm_registration (id, ip, port, registered_at) VALUES ($1, $2, $3, now())
ON CONFLICT (id) DO UPDATE SET ip = EXCLUDED.ip, port = EXCLUDED.port, registered_at = EXCLUDED.registered_at`
	deleteFMQuery = `DELETE FROM fm_registration WHERE id = $1`

	// SchemaFMRegistration creates the front machine table owned by this service.
	SchemaFMRegistration = `CREATE TABLE IF NOT EXISTS fm_registration (
	id            TEXT PRIMARY KEY,
	ip            TEXT NOT NULL,
	port          TEXT NOT NULL,
	registered_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`
)

// db defines the subset of *pgxpool.Pool the repository uses.
type db interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresRepository implements edge.Repository.
type PostgresRepository struct {
	db     db
	logger *slog.Logger
}

// NewPostgresRepository is the constructor for the PostgresRepository.
func NewPostgresRepository(pool db, logger *slog.Logger) (*PostgresRepository, error) {
	if pool == nil {
		return nil, fmt.Errorf("postgres pool cannot be nil")
	}
	return &PostgresRepository{
		db:     pool,
		logger: logger.With("component", "PostgresRepository"),
	}, nil
}

// EnsureSchema creates the tables this service writes to.
func (r *PostgresRepository) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.Exec(ctx, SchemaFMRegistration); err != nil {
		return fmt.Errorf("%w: failed to create fm_registration table: %w", edge.ErrStorage, err)
	}
	return nil
}

// GetSession returns the session record, or nil if it does not exist.
func (r *PostgresRepository) GetSession(ctx context.Context, sessionID string) (*edge.Session, error) {
	var s edge.Session
	err := r.db.QueryRow(ctx, selectSessionQuery, sessionID).Scan(&s.ID, &s.UserID, &s.DeviceID, &s.Policy)
	if errors.Is(err, pgx.ErrNoRows) {
		r.logger.Debug("Session not found", "session", sessionID)
		return nil, nil
	}
	if err != nil {
		r.logger.Error("Failed to query session", "session", sessionID, "err", err)
		return nil, fmt.Errorf("%w: failed to query session %s: %w", edge.ErrStorage, sessionID, err)
	}
	return &s, nil
}

// GetFMRegistration returns the front machine record, or nil if it does not exist.
func (r *PostgresRepository) GetFMRegistration(ctx context.Context, id string) (*edge.FrontMachine, error) {
	var fm edge.FrontMachine
	err := r.db.QueryRow(ctx, selectFMQuery, id).Scan(&fm.ID, &fm.IP, &fm.Port)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: failed to query front machine %s: %w", edge.ErrStorage, id, err)
	}
	return &fm, nil
}

// SetFMRegistration writes the front machine record, replacing any previous one.
func (r *PostgresRepository) SetFMRegistration(ctx context.Context, fm edge.FrontMachine) error {
	if _, err := r.db.Exec(ctx, upsertFMQuery, fm.ID, fm.IP, fm.Port); err != nil {
		return fmt.Errorf("%w: failed to set front machine %s: %w", edge.ErrStorage, fm.ID, err)
	}
	r.logger.Debug("Front machine record set", "fm_id", fm.ID)
	return nil
}

// DeleteFMRegistration removes the front machine record. Deleting a missing record is not an error.
func (r *PostgresRepository) DeleteFMRegistration(ctx context.Context, id string) error {
	tag, err := r.db.Exec(ctx, deleteFMQuery, id)
	if err != nil {
		return fmt.Errorf("%w: failed to delete front machine %s: %w", edge.ErrStorage, id, err)
	}
	r.logger.Debug("Front machine record deleted", "fm_id", id, "rows", tag.RowsAffected())
	return nil
}
