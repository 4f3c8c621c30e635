// Copyright 2025 The Orquestrator Authors
// SPDX-License-Identifier: MIT

package events

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"sync"
	"time"

	"zombiezen.com/go/log"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitemigration"
	"zombiezen.com/go/sqlite/sqlitex"
)

// SQLiteRecorder persists events and resource samples to a local database.
type SQLiteRecorder struct {
	pool *sqlitemigration.Pool
}

//go:embed sql/schema/*.sql
var rawSQLFiles embed.FS

var schemaState struct {
	init   sync.Once
	schema sqlitemigration.Schema
	err    error
}

func loadSchema() sqlitemigration.Schema {
	schemaState.init.Do(func() {
		for i := 1; ; i++ {
			migration, err := fs.ReadFile(rawSQLFiles, fmt.Sprintf("sql/schema/%02d.sql", i))
			if errors.Is(err, fs.ErrNotExist) {
				break
			}
			if err != nil {
				schemaState.err = err
				return
			}
			schemaState.schema.Migrations = append(schemaState.schema.Migrations, string(migration))
		}
	})
	if schemaState.err != nil {
		panic(schemaState.err)
	}
	return schemaState.schema
}

// NewSQLiteRecorder opens (creating if needed) the telemetry database at dbPath.
func NewSQLiteRecorder(dbPath string) *SQLiteRecorder {
	return &SQLiteRecorder{
		pool: sqlitemigration.NewPool(dbPath, loadSchema(), sqlitemigration.Options{
			Flags: sqlite.OpenCreate | sqlite.OpenReadWrite,
			PrepareConn: func(conn *sqlite.Conn) error {
				return sqlitex.ExecuteTransient(conn, "PRAGMA foreign_keys = on;", nil)
			},
			OnError: func(err error) {
				log.Errorf(context.Background(), "Telemetry migration: %v", err)
			},
		}),
	}
}

// RecordEvent implements [Recorder].
func (r *SQLiteRecorder) RecordEvent(ctx context.Context, e Event) error {
	conn, err := r.pool.Get(ctx)
	if err != nil {
		return err
	}
	defer r.pool.Put(conn)
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	return sqlitex.Execute(conn, `INSERT INTO "events" ("run_id", "job_id", "level", "message", "timestamp") VALUES (?, ?, ?, ?, ?);`, &sqlitex.ExecOptions{
		Args: []any{e.RunID, e.JobID, string(e.Level), e.Message, e.Timestamp.UTC().Format(time.RFC3339Nano)},
	})
}

// RecordSample implements [Recorder].
func (r *SQLiteRecorder) RecordSample(ctx context.Context, s Sample) error {
	conn, err := r.pool.Get(ctx)
	if err != nil {
		return err
	}
	defer r.pool.Put(conn)
	if s.Timestamp.IsZero() {
		s.Timestamp = time.Now().UTC()
	}
	return sqlitex.Execute(conn, `INSERT INTO "samples" ("job_id", "cpu_user_pct", "cpu_system_pct", "mem_used", "disk_used", "load_1", "load_5", "load_15", "timestamp") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?);`, &sqlitex.ExecOptions{
		Args: []any{s.JobID, s.CPUUserPct, s.CPUSystemPct, s.MemUsed, s.DiskUsed, s.Load1, s.Load5, s.Load15, s.Timestamp.UTC().Format(time.RFC3339Nano)},
	})
}

// Close implements [Recorder].
func (r *SQLiteRecorder) Close() error {
	return r.pool.Close()
}
