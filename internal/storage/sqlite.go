package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	_ "modernc.org/sqlite"
)

type SQLiteStore struct {
	path string

	mu sync.RWMutex
	db *sql.DB
}

func NewSQLiteStore(path string) *SQLiteStore {
	return &SQLiteStore{path: path}
}

func (s *SQLiteStore) Init(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.path == "" {
		return errors.New("sqlite path is required")
	}
	if s.db != nil {
		return nil
	}

	db, err := sql.Open("sqlite", s.path)
	if err != nil {
		return err
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return err
	}

	if err := createTables(ctx, db); err != nil {
		_ = db.Close()
		return err
	}

	s.db = db
	return nil
}

func (s *SQLiteStore) Save(ctx context.Context, c Checkpoint) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}

	payload, err := Encode(c)
	if err != nil {
		return err
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO checkpoints (run_id, sequence, version, created_at, stage, stages, label, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id, sequence) DO UPDATE SET
			version = excluded.version,
			created_at = excluded.created_at,
			stage = excluded.stage,
			stages = excluded.stages,
			label = excluded.label,
			payload = excluded.payload
	`, c.RunID, c.Sequence, CurrentVersion, c.Timestamp.UnixNano(), c.State.Index, len(c.Stages), c.Label, payload)
	return err
}

func (s *SQLiteStore) Latest(ctx context.Context, runID string) (Checkpoint, bool, error) {
	db, err := s.getDB()
	if err != nil {
		return Checkpoint{}, false, err
	}

	var payload []byte
	err = db.QueryRowContext(ctx, `
		SELECT payload FROM checkpoints WHERE run_id = ? ORDER BY sequence DESC LIMIT 1
	`, runID).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Checkpoint{}, false, nil
		}
		return Checkpoint{}, false, err
	}

	c, err := Decode(payload)
	if err != nil {
		return Checkpoint{}, false, fmt.Errorf("decode checkpoint %s: %w", runID, err)
	}
	return c, true, nil
}

func (s *SQLiteStore) History(ctx context.Context, runID string) ([]Checkpoint, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, `
		SELECT sequence, payload FROM checkpoints WHERE run_id = ? ORDER BY sequence
	`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Checkpoint, 0)
	for rows.Next() {
		var (
			seq     int
			payload []byte
		)
		if err := rows.Scan(&seq, &payload); err != nil {
			return nil, err
		}
		c, err := Decode(payload)
		if err != nil {
			return nil, fmt.Errorf("decode checkpoint %s/%d: %w", runID, seq, err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Runs(ctx context.Context) ([]RunInfo, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, `
		SELECT c.run_id, COUNT(*), MIN(c.created_at), MAX(c.created_at),
			(SELECT l.stage FROM checkpoints l WHERE l.run_id = c.run_id ORDER BY l.sequence DESC LIMIT 1),
			(SELECT l.stages FROM checkpoints l WHERE l.run_id = c.run_id ORDER BY l.sequence DESC LIMIT 1),
			(SELECT l.label FROM checkpoints l WHERE l.run_id = c.run_id ORDER BY l.sequence DESC LIMIT 1)
		FROM checkpoints c
		GROUP BY c.run_id
		ORDER BY MIN(c.created_at)
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	runs := make([]RunInfo, 0)
	for rows.Next() {
		var (
			info             RunInfo
			started, updated int64
		)
		if err := rows.Scan(&info.ID, &info.Checkpoints, &started, &updated, &info.Stage, &info.Stages, &info.Label); err != nil {
			return nil, err
		}
		info.Started = unixNano(started)
		info.Updated = unixNano(updated)
		runs = append(runs, info)
	}
	return runs, rows.Err()
}

func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *SQLiteStore) getDB() (*sql.DB, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.db == nil {
		return nil, ErrNotInitialized
	}
	return s.db, nil
}

func createTables(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS checkpoints (
			run_id TEXT NOT NULL,
			sequence INTEGER NOT NULL,
			version INTEGER NOT NULL,
			created_at INTEGER NOT NULL,
			stage INTEGER NOT NULL,
			stages INTEGER NOT NULL,
			label TEXT NOT NULL DEFAULT '',
			payload BLOB NOT NULL,
			PRIMARY KEY (run_id, sequence)
		);
	`)
	return err
}
