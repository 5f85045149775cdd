package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/shortontech/apguard/internal/scan"
)

// LogSink writes detections as NDJSON, one event per line, either to
// stdout or to a size-rotated file.
type LogSink struct {
	path       string
	maxSizeMB  int
	maxBackups int
	maxAgeDays int

	mu   sync.Mutex
	out  io.Writer
	file *lumberjack.Logger // nil in stdout mode
}

// NewLogSink reads LOG_PATH ("stdout" or a file path, default
// detections.ndjson) and the LOG_MAX_* rotation settings.
func NewLogSink() *LogSink {
	return &LogSink{
		path:       getEnvOr("LOG_PATH", "detections.ndjson"),
		maxSizeMB:  getIntEnv("LOG_MAX_SIZE_MB", 100),
		maxBackups: getIntEnv("LOG_MAX_BACKUPS", 5),
		maxAgeDays: getIntEnv("LOG_MAX_AGE_DAYS", 30),
	}
}

func (s *LogSink) Name() string { return "log" }

// Start creates the file up front so a bad path fails at startup rather
// than on the first detection.
func (s *LogSink) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.path == "stdout" {
		s.out = os.Stdout
		return nil
	}

	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open log file %s: %w", s.path, err)
	}
	_ = f.Close()

	s.file = &lumberjack.Logger{
		Filename:   s.path,
		MaxSize:    s.maxSizeMB,
		MaxBackups: s.maxBackups,
		MaxAge:     s.maxAgeDays,
	}
	s.out = s.file
	return nil
}

func (s *LogSink) Enqueue(e scan.DetectionEvent) error {
	b, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to serialize detection: %w", err)
	}
	b = append(b, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.out == nil {
		return fmt.Errorf("log sink not started")
	}
	if _, err := s.out.Write(b); err != nil {
		return fmt.Errorf("failed to write detection: %w", err)
	}
	return nil
}

func (s *LogSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.out = nil
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}
