// SPDX-FileCopyrightText: 2023 Institute for Automation of Complex Power Systems
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/VILLASframework/heartrelay/pkg"
	"github.com/VILLASframework/heartrelay/pkg/aggregator"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id         TEXT PRIMARY KEY,
	start_date INTEGER NOT NULL,
	end_date   INTEGER,
	min_bpm    REAL,
	max_bpm    REAL
);

CREATE INDEX IF NOT EXISTS sessions_start_date ON sessions (start_date);

CREATE TABLE IF NOT EXISTS samples (
	session_id TEXT NOT NULL,
	seq        INTEGER NOT NULL,
	ts         INTEGER NOT NULL,
	bpm        REAL NOT NULL,
	PRIMARY KEY (session_id, seq)
);
`

var pragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA synchronous=NORMAL",
	"PRAGMA busy_timeout=5000",
	"PRAGMA temp_store=MEMORY",
}

type SQLiteConfig struct {
	// Path of the database file. Its directory must exist.
	Path string

	// PoolSize defaults to 4.
	PoolSize int

	Logger *slog.Logger
}

// SQLite is a Store backed by a SQLite database file.
type SQLite struct {
	pool   *sqlitex.Pool
	path   string
	logger *slog.Logger
}

func OpenSQLite(cfg SQLiteConfig) (*SQLite, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("sqlite store: Path is required")
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 4
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	pool, err := sqlitex.NewPool(cfg.Path, sqlitex.PoolOptions{
		PoolSize:    cfg.PoolSize,
		PrepareConn: prepareConn,
	})
	if err != nil {
		return nil, fmt.Errorf("sqlite store: opening %s: %w", cfg.Path, err)
	}

	logger := cfg.Logger.With(slog.String("component", "store"))
	logger.Info("Store opened",
		slog.String("path", cfg.Path),
		slog.Int("pool_size", cfg.PoolSize))

	return &SQLite{
		pool:   pool,
		path:   cfg.Path,
		logger: logger,
	}, nil
}

func prepareConn(conn *sqlite.Conn) error {
	for _, pragma := range pragmas {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("%s: %w", pragma, err)
		}
	}

	if err := sqlitex.ExecuteScript(conn, schema, nil); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	return nil
}

func (s *SQLite) Close() error {
	if err := s.pool.Close(); err != nil {
		return fmt.Errorf("sqlite store: closing %s: %w", s.path, err)
	}

	s.logger.Info("Store closed", slog.String("path", s.path))

	return nil
}

func (s *SQLite) Insert(ctx context.Context, sess *pkg.TelemetrySession) (err error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("sqlite store: insert: %w", err)
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("sqlite store: begin transaction: %w", err)
	}
	defer endTransaction(&err)

	var endDate, minBPM, maxBPM any
	if sess.EndDate != nil {
		endDate = sess.EndDate.UnixNano()
	}
	if sess.MinBPM != nil {
		minBPM = *sess.MinBPM
	}
	if sess.MaxBPM != nil {
		maxBPM = *sess.MaxBPM
	}

	err = sqlitex.Execute(conn,
		`INSERT OR REPLACE INTO sessions (id, start_date, end_date, min_bpm, max_bpm)
		 VALUES (?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{
			Args: []any{sess.ID.String(), sess.StartDate.UnixNano(), endDate, minBPM, maxBPM},
		})
	if err != nil {
		return fmt.Errorf("sqlite store: insert session: %w", err)
	}

	err = sqlitex.Execute(conn, `DELETE FROM samples WHERE session_id = ?`, &sqlitex.ExecOptions{
		Args: []any{sess.ID.String()},
	})
	if err != nil {
		return fmt.Errorf("sqlite store: clear samples: %w", err)
	}

	for i, sample := range sess.Samples {
		err = sqlitex.Execute(conn,
			`INSERT INTO samples (session_id, seq, ts, bpm) VALUES (?, ?, ?, ?)`,
			&sqlitex.ExecOptions{
				Args: []any{sess.ID.String(), i, sample.Timestamp.UnixNano(), sample.BPM},
			})
		if err != nil {
			return fmt.Errorf("sqlite store: insert sample: %w", err)
		}
	}

	return nil
}

func (s *SQLite) Query(ctx context.Context, f aggregator.Filter, order aggregator.Sort) ([]pkg.TelemetrySession, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("sqlite store: query: %w", err)
	}
	defer s.pool.Put(conn)

	where := []string{}
	args := []any{}

	if !f.StartFrom.IsZero() {
		where = append(where, "start_date >= ?")
		args = append(args, f.StartFrom.UnixNano())
	}
	if !f.StartBefore.IsZero() {
		where = append(where, "start_date < ?")
		args = append(args, f.StartBefore.UnixNano())
	}
	if !f.OverlapFrom.IsZero() && !f.OverlapTo.IsZero() {
		where = append(where, "start_date < ? AND (end_date IS NULL OR end_date >= ?)")
		args = append(args, f.OverlapTo.UnixNano(), f.OverlapFrom.UnixNano())
	}
	if f.OpenOnly {
		where = append(where, "end_date IS NULL")
	}

	query := "SELECT id, start_date, end_date, min_bpm, max_bpm FROM sessions"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	if order == aggregator.SortStartDescending {
		query += " ORDER BY start_date DESC"
	} else {
		query += " ORDER BY start_date ASC"
	}

	sessions := []pkg.TelemetrySession{}
	err = sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: args,
		ResultFunc: func(stmt *sqlite.Stmt) error {
			id, err := uuid.Parse(stmt.ColumnText(0))
			if err != nil {
				return fmt.Errorf("invalid session id: %w", err)
			}

			sess := pkg.TelemetrySession{
				ID:        id,
				StartDate: time.Unix(0, stmt.ColumnInt64(1)),
				Samples:   []pkg.Sample{},
			}
			if !stmt.ColumnIsNull(2) {
				end := time.Unix(0, stmt.ColumnInt64(2))
				sess.EndDate = &end
			}
			if !stmt.ColumnIsNull(3) {
				v := stmt.ColumnFloat(3)
				sess.MinBPM = &v
			}
			if !stmt.ColumnIsNull(4) {
				v := stmt.ColumnFloat(4)
				sess.MaxBPM = &v
			}

			sessions = append(sessions, sess)

			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("sqlite store: query sessions: %w", err)
	}

	for i := range sessions {
		if err := loadSamples(conn, &sessions[i]); err != nil {
			return nil, err
		}
	}

	return sessions, nil
}

func loadSamples(conn *sqlite.Conn, sess *pkg.TelemetrySession) error {
	err := sqlitex.Execute(conn, `SELECT ts, bpm FROM samples WHERE session_id = ? ORDER BY seq`, &sqlitex.ExecOptions{
		Args: []any{sess.ID.String()},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			sess.Samples = append(sess.Samples, pkg.Sample{
				Timestamp: time.Unix(0, stmt.ColumnInt64(0)),
				BPM:       stmt.ColumnFloat(1),
			})
			return nil
		},
	})
	if err != nil {
		return fmt.Errorf("sqlite store: query samples: %w", err)
	}

	return nil
}

func (s *SQLite) Delete(ctx context.Context, id uuid.UUID) (err error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("sqlite store: delete: %w", err)
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("sqlite store: begin transaction: %w", err)
	}
	defer endTransaction(&err)

	for _, q := range []string{
		`DELETE FROM samples WHERE session_id = ?`,
		`DELETE FROM sessions WHERE id = ?`,
	} {
		if err = sqlitex.Execute(conn, q, &sqlitex.ExecOptions{
			Args: []any{id.String()},
		}); err != nil {
			return fmt.Errorf("sqlite store: delete session: %w", err)
		}
	}

	return nil
}

var _ aggregator.Store = (*SQLite)(nil)
