// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package statestore

import (
	"context"
	"errors"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/samber/oops"
)

// pgxConn is the subset of a pgx pool the store needs.
type pgxConn interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore keeps checkpoints in the stream_checkpoints table.
type PostgresStore struct {
	conn pgxConn
	pool *pgxpool.Pool
}

// NewPostgresStore creates a store over an existing connection.
func NewPostgresStore(conn pgxConn) *PostgresStore {
	return &PostgresStore{conn: conn}
}

// OpenPostgres connects to dsn and verifies the connection.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, oops.Code("STATESTORE_CONNECT_FAILED").With("driver", "postgres").Wrap(err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, oops.Code("STATESTORE_CONNECT_FAILED").With("driver", "postgres").Wrap(err)
	}
	return &PostgresStore{conn: pool, pool: pool}, nil
}

// Save implements Store.
func (s *PostgresStore) Save(ctx context.Context, cp Checkpoint) error {
	var state []byte
	if len(cp.State) > 0 {
		state = cp.State
	}
	_, err := s.conn.Exec(ctx,
		`INSERT INTO stream_checkpoints (key, plugin_id, procedure, phase, state, emitted, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (key) DO UPDATE SET
		   plugin_id = EXCLUDED.plugin_id,
		   procedure = EXCLUDED.procedure,
		   phase = EXCLUDED.phase,
		   state = EXCLUDED.state,
		   emitted = EXCLUDED.emitted,
		   updated_at = EXCLUDED.updated_at`,
		cp.Key, cp.PluginID, cp.Procedure, cp.Phase, state, cp.Emitted, cp.UpdatedAt)
	if err != nil {
		return pgError("save", cp.Key, err)
	}
	return nil
}

// Load implements Store.
func (s *PostgresStore) Load(ctx context.Context, key string) (Checkpoint, error) {
	cp := Checkpoint{Key: key}
	var state []byte
	err := s.conn.QueryRow(ctx,
		`SELECT plugin_id, procedure, phase, state, emitted, updated_at
		 FROM stream_checkpoints WHERE key = $1`, key).
		Scan(&cp.PluginID, &cp.Procedure, &cp.Phase, &state, &cp.Emitted, &cp.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Checkpoint{}, oops.With("key", key).Wrap(ErrNotFound)
	}
	if err != nil {
		return Checkpoint{}, pgError("load", key, err)
	}
	if len(state) > 0 {
		cp.State = state
	}
	return cp, nil
}

// Delete implements Store.
func (s *PostgresStore) Delete(ctx context.Context, key string) error {
	if _, err := s.conn.Exec(ctx, `DELETE FROM stream_checkpoints WHERE key = $1`, key); err != nil {
		return pgError("delete", key, err)
	}
	return nil
}

// Close releases the pool opened by OpenPostgres.
func (s *PostgresStore) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

func pgError(operation, key string, err error) error {
	errb := oops.Code("STATESTORE_QUERY_FAILED").With("operation", operation).With("key", key)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UndefinedTable {
		errb = errb.Hint("run `pluginrt migrate up` to create the checkpoint table")
	}
	return errb.Wrap(err)
}
