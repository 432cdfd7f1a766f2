// Package eventlog archives organize transaction results in SQLite. The
// state file only keeps the in-memory event log when record_events is on;
// the archive keeps every result, failed ones included, for auditing.
package eventlog

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"gopkg.in/yaml.v3"

	"github.com/ioerror/vula/internal/engine"
	vulaerrors "github.com/ioerror/vula/pkg/errors"
)

//go:embed schema.sql
var ddl string

// Config holds database configuration.
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime int // seconds
}

// DefaultConfig returns the default archive configuration.
func DefaultConfig() *Config {
	return &Config{
		Path:            "/var/lib/vula-organize/eventlog.db",
		MaxOpenConns:    1,
		MaxIdleConns:    1,
		ConnMaxLifetime: 300,
	}
}

// Store is the SQLite result archive.
type Store struct {
	db *sql.DB
}

// Entry is one archived result with its row metadata.
type Entry struct {
	Seq        int64          `json:"seq" yaml:"seq"`
	RecordedAt time.Time      `json:"recorded_at" yaml:"recorded_at"`
	Result     *engine.Result `json:"result" yaml:"result"`
}

// ListOptions filters List. Zero values select everything.
type ListOptions struct {
	Event      string
	ErrorsOnly bool
	Since      time.Time
	Limit      int
}

// Open opens (creating if needed) the archive at config.Path and applies
// pending migrations.
func Open(config *Config) (*Store, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := os.MkdirAll(filepath.Dir(config.Path), 0700); err != nil {
		return nil, dbError("failed to create database directory", err)
	}

	db, err := sql.Open("sqlite3", config.Path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, dbError("failed to open database", err)
	}
	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	if config.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(time.Duration(config.ConnMaxLifetime) * time.Second)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, dbError("failed to ping database", err)
	}
	s := &Store{db: db}
	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, dbError("failed to set up schema", err)
	}
	return s, nil
}

// NewFromDB wraps an open database, applying migrations. Useful for tests.
func NewFromDB(db *sql.DB) (*Store, error) {
	if err := runMigrations(db); err != nil {
		return nil, dbError("failed to set up schema", err)
	}
	return &Store{db: db}, nil
}

// Append archives r. Archiving the same result twice is a no-op.
func (s *Store) Append(ctx context.Context, r *engine.Result) error {
	body, err := yaml.Marshal(r)
	if err != nil {
		return dbError("failed to encode result", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO results (id, recorded_at, event, actions, triggers, changed, error, error_code, body)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Time.UTC(), r.Event.Name,
		strings.Join(r.ActionNames(), " "), strings.Join(r.TriggerNames(), " "),
		r.Changed, r.Error, r.ErrorCode, string(body))
	if err != nil {
		return dbError("failed to insert result", err).WithMetadata("result_id", r.ID)
	}
	return nil
}

// List returns archived results oldest first.
func (s *Store) List(ctx context.Context, opts ListOptions) ([]Entry, error) {
	var (
		where []string
		args  []any
	)
	if opts.Event != "" {
		where = append(where, "event = ?")
		args = append(args, opts.Event)
	}
	if opts.ErrorsOnly {
		where = append(where, "error != ''")
	}
	if !opts.Since.IsZero() {
		where = append(where, "recorded_at >= ?")
		args = append(args, opts.Since.UTC())
	}

	q := "SELECT seq, recorded_at, body FROM results"
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	// newest N, reversed below
	q += " ORDER BY seq DESC"
	if opts.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, opts.Limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, dbError("failed to query results", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e    Entry
			body string
		)
		if err := rows.Scan(&e.Seq, &e.RecordedAt, &body); err != nil {
			return nil, dbError("failed to scan result", err)
		}
		e.Result = &engine.Result{}
		if err := yaml.Unmarshal([]byte(body), e.Result); err != nil {
			return nil, dbError(fmt.Sprintf("failed to decode result %d", e.Seq), err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, dbError("failed to read results", err)
	}
	slices.Reverse(out)
	return out, nil
}

// Get returns the archived result with the given id.
func (s *Store) Get(ctx context.Context, id string) (*engine.Result, error) {
	var body string
	err := s.db.QueryRowContext(ctx, "SELECT body FROM results WHERE id = ?", id).Scan(&body)
	if err == sql.ErrNoRows {
		return nil, vulaerrors.NewStorageError(vulaerrors.ErrCodeNotFound, "no archived result "+id, false, err).
			WithMetadata("result_id", id)
	}
	if err != nil {
		return nil, dbError("failed to query result", err)
	}
	r := &engine.Result{}
	if err := yaml.Unmarshal([]byte(body), r); err != nil {
		return nil, dbError("failed to decode result", err)
	}
	return r, nil
}

// Count returns the number of archived results.
func (s *Store) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM results").Scan(&n); err != nil {
		return 0, dbError("failed to count results", err)
	}
	return n, nil
}

// Prune deletes results recorded before t and returns how many went.
func (s *Store) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM results WHERE recorded_at < ?", before.UTC())
	if err != nil {
		return 0, dbError("failed to prune results", err)
	}
	return res.RowsAffected()
}

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func dbError(msg string, err error) vulaerrors.DomainError {
	return vulaerrors.NewStorageError(vulaerrors.ErrCodeDatabase, msg, true, err)
}
