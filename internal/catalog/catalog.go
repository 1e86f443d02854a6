// Package catalog indexes written sequence files in a SQLite database.
package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/dgnsrekt/datacollector/internal/sequence"
)

var ErrNotFound = errors.New("recording not found")

// Recording is one catalogued sequence file.
type Recording struct {
	ID             string    `json:"id"`
	DeviceID       string    `json:"device_id"`
	Stream         string    `json:"stream"`
	Path           string    `json:"path"`
	Frames         int       `json:"frames"`
	FirstTimestamp float64   `json:"first_timestamp"`
	LastTimestamp  float64   `json:"last_timestamp"`
	Compressed     bool      `json:"compressed"`
	Bytes          int64     `json:"bytes"`
	CreatedAt      time.Time `json:"created_at"`
}

// Filter narrows List. Zero fields match everything.
type Filter struct {
	DeviceID string
	Stream   string
	Limit    int
}

type Store struct {
	db     *sql.DB
	logger *zap.Logger
}

// Open opens (or creates) the SQLite file at dbPath and creates the
// recordings table if it does not exist. The caller must Close the store.
func Open(dbPath string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	dsn := fmt.Sprintf("file:%s?_fk=1", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// one connection serializes writes from concurrent export workers
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}

	s := &Store{db: db, logger: logger}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migration: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	const stmt = `
CREATE TABLE IF NOT EXISTS recordings (
    id              TEXT PRIMARY KEY,
    device_id       TEXT NOT NULL,
    stream          TEXT NOT NULL,
    path            TEXT NOT NULL,
    frames          INTEGER NOT NULL,
    first_ts        REAL NOT NULL,
    last_ts         REAL NOT NULL,
    compressed      INTEGER NOT NULL,
    bytes           INTEGER NOT NULL,
    created_at      INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_recordings_device ON recordings(device_id, stream, created_at);
`
	if _, err := s.db.Exec(stmt); err != nil {
		return fmt.Errorf("create recordings table: %w", err)
	}
	s.logger.Debug("catalog migration applied")
	return nil
}

// Record stores the description of a written sequence file.
func (s *Store) Record(ctx context.Context, info *sequence.Info) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO recordings
		 (id, device_id, stream, path, frames, first_ts, last_ts, compressed, bytes, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		info.RecordingID, info.DeviceID, info.Stream, info.Path, info.Frames,
		info.FirstTimestamp, info.LastTimestamp, info.Compressed, info.Bytes,
		info.CreatedAt.UTC().UnixNano())
	if err != nil {
		return fmt.Errorf("insert recording %s: %w", info.RecordingID, err)
	}
	s.logger.Debug("recording catalogued", zap.String("recording", info.RecordingID), zap.String("path", info.Path))
	return nil
}

const selectColumns = `SELECT id, device_id, stream, path, frames, first_ts, last_ts, compressed, bytes, created_at FROM recordings`

// List returns matching recordings, newest first.
func (s *Store) List(ctx context.Context, f Filter) ([]Recording, error) {
	var (
		where []string
		args  []any
	)
	if f.DeviceID != "" {
		where = append(where, "device_id = ?")
		args = append(args, f.DeviceID)
	}
	if f.Stream != "" {
		where = append(where, "stream = ?")
		args = append(args, f.Stream)
	}

	query := selectColumns
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query recordings: %w", err)
	}
	defer rows.Close()

	var out []Recording
	for rows.Next() {
		r, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Get returns one recording by id.
func (s *Store) Get(ctx context.Context, id string) (Recording, error) {
	row := s.db.QueryRowContext(ctx, selectColumns+" WHERE id = ?", id)
	r, err := scan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Recording{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return r, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scan(sc scanner) (Recording, error) {
	var (
		r       Recording
		created int64
	)
	err := sc.Scan(&r.ID, &r.DeviceID, &r.Stream, &r.Path, &r.Frames,
		&r.FirstTimestamp, &r.LastTimestamp, &r.Compressed, &r.Bytes, &created)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return r, err
		}
		return r, fmt.Errorf("scan recording: %w", err)
	}
	r.CreatedAt = time.Unix(0, created).UTC()
	return r, nil
}

// Close shuts down the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
