package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/shortontech/apguard/internal/features"
	"github.com/shortontech/apguard/internal/gbdt"
	httpx "github.com/shortontech/apguard/internal/http"
	"github.com/shortontech/apguard/internal/inference"
	"github.com/shortontech/apguard/internal/metrics"
	"github.com/shortontech/apguard/internal/model"
	"github.com/shortontech/apguard/internal/scan"
	"github.com/shortontech/apguard/internal/sink"
	"github.com/shortontech/apguard/pkg/config"
)

// Mock sink for testing
type mockSink struct {
	name     string
	events   []scan.DetectionEvent
	enqErr   error
	closeErr error
	closed   bool
}

func (m *mockSink) Start(ctx context.Context) error { return nil }

func (m *mockSink) Enqueue(e scan.DetectionEvent) error {
	if m.enqErr != nil {
		return m.enqErr
	}
	m.events = append(m.events, e)
	return nil
}

func (m *mockSink) Close() error {
	m.closed = true
	return m.closeErr
}

func (m *mockSink) Name() string { return m.name }

func newTestMetrics() *metrics.Metrics {
	reg := prometheus.NewRegistry()
	return metrics.NewMetricsWith(reg, reg)
}

// TestInitializeSinks tests sink initialization
func TestInitializeSinks(t *testing.T) {
	ctx := context.Background()
	t.Setenv("LOG_PATH", filepath.Join(t.TempDir(), "detections.ndjson"))

	t.Run("log sink", func(t *testing.T) {
		sinks := initializeSinks(ctx, []string{"log"}, newTestMetrics())
		defer closeSinks(sinks)

		if len(sinks) != 1 || sinks[0].Name() != "log" {
			t.Fatalf("got %d sinks, want the log sink", len(sinks))
		}
	})

	t.Run("unknown output type", func(t *testing.T) {
		sinks := initializeSinks(ctx, []string{"unknown"}, nil)
		if len(sinks) != 0 {
			t.Errorf("expected 0 sinks for unknown type, got %d", len(sinks))
		}
	})

	t.Run("ws output exposes the feed", func(t *testing.T) {
		sinks := initializeSinks(ctx, []string{"log", "ws", "unknown"}, nil)
		defer closeSinks(sinks)

		if len(sinks) != 2 {
			t.Fatalf("expected 2 sinks, got %d", len(sinks))
		}
		if _, ok := findFeed(sinks).(*sink.WSHub); !ok {
			t.Error("findFeed should return the websocket hub")
		}
	})

	t.Run("no feed without ws output", func(t *testing.T) {
		if findFeed([]sink.Sink{&mockSink{name: "log"}}) != nil {
			t.Error("findFeed should be nil")
		}
	})

	t.Run("postgres that cannot connect is skipped", func(t *testing.T) {
		t.Setenv("PG_DSN", "postgres://apguard@127.0.0.1:1/apguard?sslmode=disable&connect_timeout=1")
		m := newTestMetrics()

		sinks := initializeSinks(ctx, []string{"postgres"}, m)

		if len(sinks) != 0 {
			closeSinks(sinks)
			t.Fatalf("expected the unreachable postgres sink to be skipped, got %d", len(sinks))
		}
		if got := testutil.ToFloat64(m.SinkErrors.WithLabelValues("postgres", "start")); got != 1 {
			t.Errorf("sink_errors{postgres,start} = %v, want 1", got)
		}
	})
}

// TestInitializeHMACAuth tests HMAC authentication initialization
func TestInitializeHMACAuth(t *testing.T) {
	tests := []struct {
		name         string
		cfg          config.Config
		wantNil      bool
		wantRequired bool
	}{
		{name: "no secret", cfg: config.Config{}, wantNil: true},
		{name: "secret without enforcement", cfg: config.Config{HMACSecret: "s"}, wantRequired: false},
		{name: "secret with enforcement", cfg: config.Config{HMACSecret: "s", HMACRequire: true}, wantRequired: true},
		{name: "enforcement without secret", cfg: config.Config{HMACRequire: true}, wantRequired: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			auth := initializeHMACAuth(tt.cfg)
			if (auth == nil) != tt.wantNil {
				t.Fatalf("auth = %v, wantNil %v", auth, tt.wantNil)
			}
			if auth.Required() != tt.wantRequired {
				t.Errorf("Required() = %v, want %v", auth.Required(), tt.wantRequired)
			}
		})
	}
}

// TestCreateEmitFunc tests the emit function creation
func TestCreateEmitFunc(t *testing.T) {
	t.Run("successful emit to all sinks", func(t *testing.T) {
		mock1 := &mockSink{name: "sink1"}
		mock2 := &mockSink{name: "sink2"}
		m := newTestMetrics()

		createEmitFunc([]sink.Sink{mock1, mock2}, m)(scan.DetectionEvent{EventID: "test-123"})

		if len(mock1.events) != 1 || len(mock2.events) != 1 {
			t.Fatalf("events = %d/%d, want 1/1", len(mock1.events), len(mock2.events))
		}
		if mock1.events[0].EventID != "test-123" {
			t.Errorf("sink1: expected event ID test-123, got %s", mock1.events[0].EventID)
		}
		if got := testutil.ToFloat64(m.SinkEvents.WithLabelValues("sink2")); got != 1 {
			t.Errorf("sink_events{sink2} = %v, want 1", got)
		}
	})

	t.Run("emit with sink error", func(t *testing.T) {
		failing := &mockSink{name: "failing-sink", enqErr: fmt.Errorf("enqueue failed")}
		working := &mockSink{name: "working-sink"}
		m := newTestMetrics()

		createEmitFunc([]sink.Sink{failing, working}, m)(scan.DetectionEvent{EventID: "test-456"})

		if len(working.events) != 1 {
			t.Errorf("working sink should receive event despite failing sink")
		}
		if got := testutil.ToFloat64(m.SinkErrors.WithLabelValues("failing-sink", "enqueue")); got != 1 {
			t.Errorf("sink_errors{failing-sink,enqueue} = %v, want 1", got)
		}
	})

	t.Run("emit to empty sinks with nil metrics", func(t *testing.T) {
		createEmitFunc(nil, nil)(scan.DetectionEvent{EventID: "test-789"})
	})
}

func TestLoadClassifier(t *testing.T) {
	t.Run("missing model runs degraded", func(t *testing.T) {
		c, release := loadClassifier(config.Config{ModelPath: filepath.Join(t.TempDir(), "model.json")})
		defer release()
		if c != nil {
			t.Errorf("classifier = %v, want nil", c)
		}
		if inference.NewPolicy(c).ModelLoaded() {
			t.Error("policy should report no model")
		}
	})

	t.Run("unsupported format", func(t *testing.T) {
		c, release := loadClassifier(config.Config{ModelPath: "model.pkl"})
		defer release()
		if c != nil {
			t.Error("pickle files are not loadable")
		}
	})

	path := filepath.Join(t.TempDir(), "model.json")
	records := []features.Record{
		{Signal: -70, Channel: 6, Security: "WPA2", Vendor: "Netgear", SSIDLen: 8},
		{Signal: -30, Channel: 1, Security: "OPEN", Vendor: "None", SSIDLen: 10, SSIDHasSpecial: true},
		{Signal: -72, Channel: 11, Security: "WPA2", Vendor: "Cisco", SSIDLen: 6},
		{Signal: -35, Channel: 1, Security: "OPEN", Vendor: "None", SSIDLen: 12, SSIDHasSpecial: true},
	}
	enc := model.FitEncoder(records)
	gm, err := gbdt.Fit(enc.EncodeBatch(records), []int{0, 1, 0, 1}, gbdt.Options{NEstimators: 10, LearningRate: 0.3, MaxDepth: 2, MinSamplesLeaf: 1})
	if err != nil {
		t.Fatalf("gbdt.Fit: %v", err)
	}
	if err := model.NewNative(enc, gm).Save(path, nil); err != nil {
		t.Fatalf("Save: %v", err)
	}

	for _, size := range []int{0, 64} {
		t.Run(fmt.Sprintf("native model cache=%d", size), func(t *testing.T) {
			c, release := loadClassifier(config.Config{ModelPath: path, ModelCacheSize: size})
			defer release()
			if c == nil {
				t.Fatal("expected a classifier")
			}
			probs, err := c.PredictProba(records)
			if err != nil {
				t.Fatalf("PredictProba: %v", err)
			}
			if probs[0] >= 0.5 || probs[1] <= 0.5 {
				t.Errorf("probs = %v", probs)
			}
		})
	}
}

func TestSetupLogging(t *testing.T) {
	t.Run("stderr only", func(t *testing.T) {
		setupLogging(config.Config{})()
	})

	t.Run("rotated file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "apguard.log")
		closeLog := setupLogging(config.Config{LogFile: path, LogMaxSizeMB: 1, LogMaxBackups: 1, LogMaxAgeDays: 1})
		log.Printf("model: loaded model from %s", "somewhere")
		closeLog()

		data, err := os.ReadFile(path)
		if err != nil {
			t.Fatalf("log file not written: %v", err)
		}
		if !strings.Contains(string(data), "model: loaded model from somewhere") {
			t.Errorf("log file = %q", data)
		}
	})
}

// TestStartHTTPServer tests HTTP server initialization
func TestStartHTTPServer(t *testing.T) {
	cfg := config.Config{ServerAddr: "127.0.0.1:0"}
	env := httpx.Env{Cfg: cfg, Metrics: newTestMetrics(), Emit: func(scan.DetectionEvent) {}}

	srv := startHTTPServer(cfg, env)
	time.Sleep(100 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		t.Errorf("failed to shutdown server: %v", err)
	}
}

// TestPerformHealthCheck tests the health check function
func TestPerformHealthCheck(t *testing.T) {
	hostPort := func(t *testing.T, url string) (string, string) {
		t.Helper()
		parts := strings.Split(strings.TrimPrefix(url, "http://"), ":")
		if len(parts) != 2 {
			t.Fatalf("unexpected server URL format: %s", url)
		}
		return parts[0], parts[1]
	}

	tests := []struct {
		name    string
		handler http.HandlerFunc
		wantErr string
	}{
		{
			name:    "healthy server",
			handler: httpx.Env{}.Health,
		},
		{
			name: "non-200 status",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusInternalServerError)
			},
			wantErr: "status",
		},
		{
			name: "wrong response body",
			handler: func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte("ok"))
			},
			wantErr: "unexpected",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := httptest.NewServer(tt.handler)
			defer ts.Close()

			host, port := hostPort(t, ts.URL)
			err := performHealthCheck(host, port)
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("health check should succeed: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("err = %v, want it to mention %q", err, tt.wantErr)
			}
		})
	}

	t.Run("connection error", func(t *testing.T) {
		ts := httptest.NewServer(http.NotFoundHandler())
		host, port := hostPort(t, ts.URL)
		ts.Close()

		err := performHealthCheck(host, port)
		if err == nil || !strings.Contains(err.Error(), "failed to connect") {
			t.Errorf("err = %v, want a connection error", err)
		}
	})
}

func TestHealthTarget(t *testing.T) {
	tests := []struct {
		addr, host, port string
	}{
		{":8000", "localhost", "8000"},
		{"0.0.0.0:9000", "localhost", "9000"},
		{"[::]:9001", "localhost", "9001"},
		{"127.0.0.1:8443", "127.0.0.1", "8443"},
		{"garbage", "localhost", "8000"},
	}
	for _, tt := range tests {
		host, port := healthTarget(tt.addr)
		if host != tt.host || port != tt.port {
			t.Errorf("healthTarget(%q) = %s, %s; want %s, %s", tt.addr, host, port, tt.host, tt.port)
		}
	}

	if got := healthURL(config.Config{EnableHTTPS: true}, "localhost", "8443"); got != "https://localhost:8443/health" {
		t.Errorf("healthURL = %q", got)
	}
}

// TestShutdown tests graceful shutdown of every component
func TestShutdown(t *testing.T) {
	srv := &http.Server{Addr: "127.0.0.1:0", Handler: http.NotFoundHandler()}
	go func() { _ = srv.ListenAndServe() }()
	time.Sleep(50 * time.Millisecond)

	metricsServer := metrics.NewServerFor(metrics.Config{Enabled: false, Addr: ":0"}, newTestMetrics())
	ok := &mockSink{name: "test-sink"}
	failing := &mockSink{name: "error-sink", closeErr: fmt.Errorf("close error")}

	done := make(chan struct{})
	go func() {
		shutdown(srv, metricsServer, []sink.Sink{failing, ok}, time.Second)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown took too long")
	}
	if !ok.closed || !failing.closed {
		t.Error("every sink should be closed even when one fails")
	}
}
