package sink

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"github.com/shortontech/apguard/internal/scan"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS detections (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    event_id TEXT NOT NULL UNIQUE,
    ts DATETIME NOT NULL,
    agent_id TEXT NOT NULL,
    ssid TEXT,
    bssid TEXT,
    is_fake INTEGER NOT NULL,
    confidence REAL NOT NULL,
    model_loaded INTEGER NOT NULL,
    payload TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_detections_bssid ON detections (bssid);
`

const sqliteInsert = `INSERT OR IGNORE INTO detections
    (event_id, ts, agent_id, ssid, bssid, is_fake, confidence, model_loaded, payload)
    VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

// SQLiteSink keeps detections in a local SQLite file, for single-host
// deployments without Postgres.
type SQLiteSink struct {
	path string
	ctx  context.Context

	mu sync.RWMutex
	db *sql.DB
}

// NewSQLiteSinkFromEnv reads SQLITE_PATH (default detections.db).
func NewSQLiteSinkFromEnv() *SQLiteSink {
	return NewSQLiteSink(getEnvOr("SQLITE_PATH", "detections.db"))
}

func NewSQLiteSink(path string) *SQLiteSink {
	return &SQLiteSink{path: path}
}

func (s *SQLiteSink) Name() string { return "sqlite" }

func (s *SQLiteSink) Start(ctx context.Context) error {
	db, err := sql.Open("sqlite3", s.path)
	if err != nil {
		return fmt.Errorf("failed to open sqlite %s: %w", s.path, err)
	}
	// a single writer avoids SQLITE_BUSY under concurrent requests
	db.SetMaxOpenConns(1)

	s.ctx = ctx
	if err := s.ensureSchema(db); err != nil {
		_ = db.Close()
		return err
	}
	s.mu.Lock()
	s.db = db
	s.mu.Unlock()
	log.Printf("sink: sqlite writing to %s", s.path)
	return nil
}

func (s *SQLiteSink) ensureSchema(db *sql.DB) error {
	if _, err := db.ExecContext(s.ctx, sqliteSchema); err != nil {
		return fmt.Errorf("failed to ensure sqlite schema: %w", err)
	}
	return nil
}

func (s *SQLiteSink) Enqueue(e scan.DetectionEvent) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return fmt.Errorf("sqlite sink not started")
	}
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to serialize detection: %w", err)
	}
	_, err = s.db.ExecContext(s.ctx, sqliteInsert,
		e.EventID,
		e.TS,
		e.AgentID,
		e.Detection.SSID.Text(),
		e.Detection.BSSID.Text(),
		e.Detection.IsFake,
		e.Detection.Confidence,
		e.ModelLoaded,
		string(payload),
	)
	if err != nil {
		return fmt.Errorf("failed to insert detection: %w", err)
	}
	return nil
}

func (s *SQLiteSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}
