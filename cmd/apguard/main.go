package main

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	httpx "github.com/shortontech/apguard/internal/http"
	"github.com/shortontech/apguard/internal/inference"
	"github.com/shortontech/apguard/internal/metrics"
	"github.com/shortontech/apguard/internal/model"
	"github.com/shortontech/apguard/internal/scan"
	"github.com/shortontech/apguard/internal/sink"
	"github.com/shortontech/apguard/pkg/config"
)

func main() {
	testMode := flag.Bool("test-mode", false, "send sample detections through the configured sinks and exit")
	healthCheck := flag.Bool("health-check", false, "probe /health on the local server and exit non-zero if unhealthy")
	flag.Parse()

	cfg := config.Load()
	closeLog := setupLogging(cfg)
	defer closeLog()

	if *healthCheck {
		host, port := healthTarget(cfg.ServerAddr)
		if err := checkHealth(healthURL(cfg, host, port), healthClient(cfg)); err != nil {
			log.Printf("Health check failed: %v", err)
			os.Exit(1)
		}
		fmt.Println("OK")
		os.Exit(0)
	}

	appMetrics := metrics.InitMetrics()
	metricsConfig := metrics.LoadConfig()
	metricsServer := metrics.NewServerFor(metricsConfig, appMetrics)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sinks := initializeSinks(ctx, cfg.Outputs, appMetrics)
	emit := createEmitFunc(sinks, appMetrics)

	if *testMode {
		runTestMode(emit)
		closeSinks(sinks)
		return
	}

	classifier, release := loadClassifier(cfg)
	defer release()
	appMetrics.SetModelLoaded(classifier != nil)

	env := httpx.Env{
		Cfg:      cfg,
		Policy:   inference.NewPolicy(classifier),
		Emit:     emit,
		Metrics:  appMetrics,
		HMACAuth: initializeHMACAuth(cfg),
		Feed:     findFeed(sinks),
	}

	if err := metricsServer.Start(ctx); err != nil {
		log.Printf("metrics: failed to start: %v", err)
	}
	srv := startHTTPServer(cfg, env)
	log.Printf("apguard ready: model_loaded=%v outputs=%v", classifier != nil, cfg.Outputs)

	waitForShutdown(srv, metricsServer, sinks, cfg.ShutdownTimeout)
}

// setupLogging mirrors the process log into a rotated file when LOG_FILE is
// set. The returned func closes that file.
func setupLogging(cfg config.Config) func() {
	if cfg.LogFile == "" {
		return func() {}
	}
	lj := &lumberjack.Logger{
		Filename:   cfg.LogFile,
		MaxSize:    cfg.LogMaxSizeMB,
		MaxBackups: cfg.LogMaxBackups,
		MaxAge:     cfg.LogMaxAgeDays,
		Compress:   true,
	}
	log.SetOutput(io.MultiWriter(os.Stderr, lj))
	return func() {
		log.SetOutput(os.Stderr)
		_ = lj.Close()
	}
}

// loadClassifier returns nil when no usable model exists; the service then
// runs in degraded mode and answers with safe defaults.
func loadClassifier(cfg config.Config) (model.Classifier, func()) {
	noop := func() {}
	loaded, err := model.Load(cfg.ModelPath)
	if err != nil {
		log.Printf("model: failed to load model at %s: %v", cfg.ModelPath, err)
		return nil, noop
	}
	log.Printf("model: loaded model from %s", cfg.ModelPath)

	release := noop
	if c, ok := loaded.(io.Closer); ok {
		release = func() {
			if err := c.Close(); err != nil {
				log.Printf("model: close failed: %v", err)
			}
		}
	}

	if cfg.ModelCacheSize <= 0 {
		return loaded, release
	}
	cached, err := model.Cached(loaded, cfg.ModelCacheSize)
	if err != nil {
		log.Printf("model: prediction cache disabled: %v", err)
		return loaded, release
	}
	log.Printf("model: caching up to %d per-record predictions", cfg.ModelCacheSize)
	return cached, release
}

// initializeSinks starts every configured output. Outputs that fail to start
// are logged and skipped so the service still answers /predict.
func initializeSinks(ctx context.Context, outputs []string, m *metrics.Metrics) []sink.Sink {
	var sinks []sink.Sink
	for _, output := range outputs {
		var s sink.Sink
		switch output {
		case "log":
			s = sink.NewLogSink()
		case "kafka":
			s = sink.NewKafkaSinkFromEnv()
		case "postgres":
			s = sink.NewPGSinkFromEnv()
		case "sqlite":
			s = sink.NewSQLiteSinkFromEnv()
		case "ws":
			s = sink.NewWSHub()
		default:
			log.Printf("Unknown output type: %s", output)
			continue
		}

		if inst, ok := s.(sink.Instrumented); ok && m != nil {
			inst.SetMetrics(m)
		}
		if err := s.Start(ctx); err != nil {
			log.Printf("Failed to start %s sink: %v", s.Name(), err)
			if m != nil {
				m.IncrementSinkErrors(s.Name(), "start")
			}
			continue
		}
		log.Printf("Started %s sink", s.Name())
		sinks = append(sinks, s)
	}
	return sinks
}

// findFeed returns the websocket hub when the ws output is enabled.
func findFeed(sinks []sink.Sink) http.Handler {
	for _, s := range sinks {
		if hub, ok := s.(*sink.WSHub); ok {
			return hub
		}
	}
	return nil
}

func initializeHMACAuth(cfg config.Config) *httpx.HMACAuth {
	if cfg.HMACSecret == "" {
		if cfg.HMACRequire {
			log.Printf("WARNING: HMAC_REQUIRE=true but HMAC_SECRET is empty; all signed endpoints will reject requests")
			return httpx.NewHMACAuth("", true)
		}
		return nil
	}
	log.Printf("HMAC authentication configured (required=%v)", cfg.HMACRequire)
	return httpx.NewHMACAuth(cfg.HMACSecret, cfg.HMACRequire)
}

// createEmitFunc fans a detection out to every sink. A failing sink never
// blocks the others.
func createEmitFunc(sinks []sink.Sink, m *metrics.Metrics) func(scan.DetectionEvent) {
	return func(e scan.DetectionEvent) {
		for _, s := range sinks {
			if err := s.Enqueue(e); err != nil {
				log.Printf("sink: %s enqueue failed: %v", s.Name(), err)
				if m != nil {
					m.IncrementSinkErrors(s.Name(), "enqueue")
				}
				continue
			}
			if m != nil {
				m.IncrementSinkEvents(s.Name())
			}
		}
	}
}

func startHTTPServer(cfg config.Config, env httpx.Env) *http.Server {
	srv := &http.Server{
		Addr:              cfg.ServerAddr,
		Handler:           httpx.NewMux(env),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		var err error
		if cfg.EnableHTTPS {
			log.Printf("apguard listening on %s (HTTPS)", cfg.ServerAddr)
			srv.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
			err = srv.ListenAndServeTLS(cfg.TLSCertFile, cfg.TLSKeyFile)
		} else {
			log.Printf("apguard listening on %s", cfg.ServerAddr)
			err = srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server error: %v", err)
		}
	}()
	return srv
}

// healthTarget turns a listen address into something a local probe can dial.
func healthTarget(addr string) (host, port string) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "localhost", "8000"
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "localhost"
	}
	return host, port
}

func healthURL(cfg config.Config, host, port string) string {
	scheme := "http"
	if cfg.EnableHTTPS {
		scheme = "https"
	}
	return scheme + "://" + net.JoinHostPort(host, port) + "/health"
}

func healthClient(cfg config.Config) *http.Client {
	client := &http.Client{Timeout: 5 * time.Second}
	if cfg.EnableHTTPS {
		// the probe runs next to the server and may face a self-signed cert
		client.Transport = &http.Transport{TLSClientConfig: &tls.Config{InsecureSkipVerify: true}} // #nosec G402
	}
	return client
}

// performHealthCheck probes a plain-HTTP server.
func performHealthCheck(host, port string) error {
	return checkHealth("http://"+net.JoinHostPort(host, port)+"/health", &http.Client{Timeout: 5 * time.Second})
}

func checkHealth(url string, client *http.Client) error {
	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}
	var body struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&body); err != nil || body.Status != "OK" {
		return fmt.Errorf("unexpected response body (status=%q)", body.Status)
	}
	return nil
}

func closeSinks(sinks []sink.Sink) {
	for _, s := range sinks {
		if err := s.Close(); err != nil {
			log.Printf("Error closing %s sink: %v", s.Name(), err)
		}
	}
}

func waitForShutdown(srv *http.Server, metricsServer *metrics.Server, sinks []sink.Sink, timeout time.Duration) {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	shutdown(srv, metricsServer, sinks, timeout)
}

func shutdown(srv *http.Server, metricsServer *metrics.Server, sinks []sink.Sink, timeout time.Duration) {
	log.Println("Shutting down...")
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
	}
	if metricsServer != nil {
		if err := metricsServer.Shutdown(ctx); err != nil {
			log.Printf("Metrics server shutdown error: %v", err)
		}
	}
	closeSinks(sinks)
}
