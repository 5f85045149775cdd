package sink

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"

	"github.com/shortontech/apguard/internal/metrics"
	"github.com/shortontech/apguard/internal/scan"
)

// PGConfig holds configuration for the Postgres sink
type PGConfig struct {
	DSN       string
	Table     string
	BatchSize int
	FlushMS   int
	UseCopy   bool
}

// PGSink batches detections into a JSONB table, by multi-row INSERT or
// COPY.
type PGSink struct {
	config  PGConfig
	db      *sql.DB
	metrics *metrics.Metrics

	mu       sync.Mutex
	batch    []scan.DetectionEvent
	flushNow chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

var pgColumns = []string{"event_id", "ts", "agent_id", "bssid", "is_fake", "confidence", "payload"}

var tableNameRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,62}$`)

// pendingLimit bounds how many batches may pile up while the database is
// unreachable; older events are dropped past it.
const pendingLimit = 10

// NewPGSinkFromEnv creates a PGSink from environment variables
func NewPGSinkFromEnv() *PGSink {
	return &PGSink{config: PGConfig{
		DSN:       getEnvOr("PG_DSN", "postgres://localhost/apguard?sslmode=disable"),
		Table:     getEnvOr("PG_TABLE", "detections_json"),
		BatchSize: getIntEnv("PG_BATCH_SIZE", 500),
		FlushMS:   getIntEnv("PG_FLUSH_MS", 500),
		UseCopy:   getBoolEnv("PG_USE_COPY", true),
	}}
}

// NewPGSink creates a PGSink with default batching for dsn
func NewPGSink(dsn string) *PGSink {
	return &PGSink{config: PGConfig{
		DSN:       dsn,
		Table:     "detections_json",
		BatchSize: 500,
		FlushMS:   500,
		UseCopy:   true,
	}}
}

func (s *PGSink) Name() string { return "postgres" }

func (s *PGSink) SetMetrics(m *metrics.Metrics) { s.metrics = m }

func validateTableName(name string) error {
	if !tableNameRe.MatchString(name) {
		return fmt.Errorf("invalid table name %q", name)
	}
	return nil
}

func (s *PGSink) Start(ctx context.Context) error {
	if err := validateTableName(s.config.Table); err != nil {
		return err
	}
	if s.config.BatchSize <= 0 {
		return fmt.Errorf("batch size must be positive, got %d", s.config.BatchSize)
	}
	if s.config.FlushMS <= 0 {
		return fmt.Errorf("flush interval must be positive, got %dms", s.config.FlushMS)
	}

	db, err := sql.Open("postgres", s.config.DSN)
	if err != nil {
		return fmt.Errorf("failed to open postgres: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to connect to postgres: %w", err)
	}

	s.db = db
	s.ctx, s.cancel = context.WithCancel(ctx)
	if err := s.ensureSchema(); err != nil {
		s.cancel()
		_ = db.Close()
		return err
	}

	s.done = make(chan struct{})
	s.flushNow = make(chan struct{}, 1)
	go s.flushRoutine()
	log.Printf("sink: postgres writing to %s (batch=%d, flush=%dms, copy=%v)", s.config.Table, s.config.BatchSize, s.config.FlushMS, s.config.UseCopy)
	return nil
}

func (s *PGSink) ensureSchema() error {
	t := s.config.Table
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id BIGSERIAL PRIMARY KEY,
			event_id TEXT NOT NULL,
			ts TIMESTAMPTZ NOT NULL,
			agent_id TEXT NOT NULL,
			bssid TEXT,
			is_fake BOOLEAN NOT NULL,
			confidence DOUBLE PRECISION NOT NULL,
			payload JSONB NOT NULL
		)`, t),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_ts ON %s (ts)`, t, t),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_gin ON %s USING GIN (payload)`, t, t),
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(s.ctx, stmt); err != nil {
			return fmt.Errorf("failed to ensure schema: %w", err)
		}
	}
	return nil
}

// Enqueue buffers e and wakes the flush loop once a batch is full. It
// never touches the database.
func (s *PGSink) Enqueue(e scan.DetectionEvent) error {
	s.mu.Lock()
	s.batch = append(s.batch, e)
	s.trimBacklog()
	full := len(s.batch) >= s.config.BatchSize
	s.setQueueDepth()
	s.mu.Unlock()

	if full {
		select {
		case s.flushNow <- struct{}{}:
		default:
		}
	}
	return nil
}

// trimBacklog drops the oldest events past the pending limit. The caller
// holds s.mu.
func (s *PGSink) trimBacklog() {
	limit := s.config.BatchSize * pendingLimit
	if limit <= 0 || len(s.batch) <= limit {
		return
	}
	dropped := len(s.batch) - limit
	s.batch = append(s.batch[:0], s.batch[dropped:]...)
	log.Printf("sink: postgres backlog full, dropped %d oldest detections", dropped)
}

// flushBatch writes everything pending. The lock is only held to take and
// restore the batch; on error the events go back to the front of the
// queue for the next attempt.
func (s *PGSink) flushBatch(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("postgres sink not started")
	}

	s.mu.Lock()
	events := s.batch
	s.batch = nil
	s.mu.Unlock()
	if len(events) == 0 {
		return nil
	}

	start := time.Now()
	var err error
	if s.config.UseCopy {
		err = s.flushWithCopy(ctx, events)
	} else {
		err = s.flushWithInsert(ctx, events)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.batch = append(events, s.batch...)
		s.trimBacklog()
		s.setQueueDepth()
		return err
	}
	if s.metrics != nil {
		s.metrics.ObserveBatchFlushLatency(s.Name(), time.Since(start))
	}
	s.setQueueDepth()
	return nil
}

func (s *PGSink) flushWithInsert(ctx context.Context, events []scan.DetectionEvent) error {
	if len(events) == 0 {
		return nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "INSERT INTO %s (%s) VALUES ", s.config.Table, strings.Join(pgColumns, ", "))
	args := make([]any, 0, len(events)*len(pgColumns))
	for i, e := range events {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString("(")
		for j := range pgColumns {
			if j > 0 {
				sb.WriteString(", ")
			}
			fmt.Fprintf(&sb, "$%d", i*len(pgColumns)+j+1)
		}
		sb.WriteString(")")

		row, err := pgRow(e)
		if err != nil {
			return err
		}
		args = append(args, row...)
	}

	if _, err := s.db.ExecContext(ctx, sb.String(), args...); err != nil {
		return fmt.Errorf("failed to insert batch: %w", err)
	}
	return nil
}

func (s *PGSink) flushWithCopy(ctx context.Context, events []scan.DetectionEvent) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, pq.CopyIn(s.config.Table, pgColumns...))
	if err != nil {
		return fmt.Errorf("failed to prepare copy: %w", err)
	}

	for _, e := range events {
		row, err := pgRow(e)
		if err != nil {
			_ = stmt.Close()
			return err
		}
		if _, err := stmt.ExecContext(ctx, row...); err != nil {
			_ = stmt.Close()
			return fmt.Errorf("failed to copy row: %w", err)
		}
	}
	if _, err := stmt.ExecContext(ctx); err != nil {
		_ = stmt.Close()
		return fmt.Errorf("failed to finish copy: %w", err)
	}
	if err := stmt.Close(); err != nil {
		return fmt.Errorf("failed to close copy: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit copy: %w", err)
	}
	return nil
}

// pgRow maps a detection onto pgColumns.
func pgRow(e scan.DetectionEvent) ([]any, error) {
	payload, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize detection: %w", err)
	}
	ts, err := time.Parse(time.RFC3339Nano, e.TS)
	if err != nil {
		ts = time.Now().UTC()
	}
	bssid := sql.NullString{String: e.Detection.BSSID.Text(), Valid: e.Detection.BSSID.Text() != ""}
	return []any{e.EventID, ts, e.AgentID, bssid, e.Detection.IsFake, e.Detection.Confidence, string(payload)}, nil
}

func (s *PGSink) flushRoutine() {
	defer close(s.done)
	ticker := time.NewTicker(time.Duration(s.config.FlushMS) * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.flushAndReport()
		case <-s.flushNow:
			s.flushAndReport()
		}
	}
}

func (s *PGSink) flushAndReport() {
	if err := s.flushBatch(s.ctx); err != nil {
		s.mu.Lock()
		pending := len(s.batch)
		s.mu.Unlock()
		log.Printf("sink: postgres flush failed (%d pending): %v", pending, err)
		if s.metrics != nil {
			s.metrics.IncrementSinkErrors(s.Name(), "flush_error")
		}
	}
}

func (s *PGSink) setQueueDepth() {
	if s.metrics != nil {
		s.metrics.SetQueueDepth(s.Name(), float64(len(s.batch)))
	}
}

// Close stops the flush loop, writes what is left and closes the pool.
func (s *PGSink) Close() error {
	if s.cancel != nil {
		s.cancel()
	}
	if s.done != nil {
		<-s.done
	}
	if s.db == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	flushErr := s.flushBatch(ctx)
	cancel()

	closeErr := s.db.Close()
	if flushErr != nil {
		return flushErr
	}
	return closeErr
}
