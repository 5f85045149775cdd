package metrics

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all the Prometheus metrics for apguard
type Metrics struct {
	// Counters
	HTTPRequests *prometheus.CounterVec
	Detections   *prometheus.CounterVec
	Inference    *prometheus.CounterVec
	SinkEvents   *prometheus.CounterVec
	SinkErrors   *prometheus.CounterVec

	// Gauges
	ModelLoaded prometheus.Gauge
	QueueDepth  *prometheus.GaugeVec

	// Histograms
	HTTPDuration      *prometheus.HistogramVec
	BatchSize         prometheus.Histogram
	BatchFlushLatency *prometheus.HistogramVec

	gatherer prometheus.Gatherer
}

// Config holds configuration for the metrics server
type Config struct {
	Enabled     bool
	Addr        string
	TLSCert     string
	TLSKey      string
	ClientCA    string
	RequireTLS  bool
	RequireAuth bool
}

// LoadConfig loads metrics configuration from environment variables
func LoadConfig() Config {
	return Config{
		Enabled:     getBool("METRICS_ENABLED", false),
		Addr:        getOr("METRICS_ADDR", "127.0.0.1:9090"),
		TLSCert:     getOr("METRICS_TLS_CERT", ""),
		TLSKey:      getOr("METRICS_TLS_KEY", ""),
		ClientCA:    getOr("METRICS_CLIENT_CA", ""),
		RequireTLS:  getBool("METRICS_REQUIRE_TLS", false),
		RequireAuth: getBool("METRICS_REQUIRE_AUTH", false),
	}
}

// NewMetrics creates and registers all apguard metrics on the default
// registry.
func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer, prometheus.DefaultGatherer)
}

// NewMetricsWith registers on reg and serves from g. Tests pass a fresh
// prometheus.NewRegistry() for both.
func NewMetricsWith(reg prometheus.Registerer, g prometheus.Gatherer) *Metrics {
	m := &Metrics{
		HTTPRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "apguard_http_requests_total",
				Help: "Total HTTP requests by endpoint and status",
			},
			[]string{"endpoint", "method", "status"},
		),

		Detections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "apguard_detections_total",
				Help: "Access points classified, by outcome",
			},
			[]string{"outcome"},
		),

		Inference: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "apguard_inference_total",
				Help: "Batches classified, by inference state",
			},
			[]string{"state"},
		),

		SinkEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "apguard_sink_events_total",
				Help: "Detection events written, by sink",
			},
			[]string{"sink"},
		),

		SinkErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "apguard_sink_errors_total",
				Help: "Total errors writing to a sink",
			},
			[]string{"sink", "error_type"},
		),

		ModelLoaded: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "apguard_model_loaded",
				Help: "1 when a classifier was loaded at startup",
			},
		),

		QueueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "apguard_queue_depth",
				Help: "Current depth of a sink's event queue",
			},
			[]string{"sink"},
		),

		HTTPDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "apguard_http_duration_seconds",
				Help:    "HTTP request duration",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
			},
			[]string{"endpoint", "method"},
		),

		BatchSize: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "apguard_batch_size",
				Help:    "Observations per /predict request",
				Buckets: []float64{0, 1, 5, 10, 25, 50, 100, 250, 500},
			},
		),

		BatchFlushLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "apguard_batch_flush_latency_seconds",
				Help:    "Latency of flushing a batch to a sink",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"sink"},
		),

		gatherer: g,
	}

	reg.MustRegister(
		m.HTTPRequests,
		m.Detections,
		m.Inference,
		m.SinkEvents,
		m.SinkErrors,
		m.ModelLoaded,
		m.QueueDepth,
		m.HTTPDuration,
		m.BatchSize,
		m.BatchFlushLatency,
	)

	return m
}

// Handler serves the registry m was created with.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// Server represents the metrics HTTP server
type Server struct {
	server *http.Server
	config Config
}

// NewServer creates a new metrics server for the global metrics.
func NewServer(config Config) *Server {
	return NewServerFor(config, GetMetrics())
}

// NewServerFor creates a metrics server exposing m.
func NewServerFor(config Config, m *Metrics) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	srv := &http.Server{
		Addr:         config.Addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	if config.RequireTLS && config.TLSCert != "" && config.TLSKey != "" {
		tlsConfig := &tls.Config{
			MinVersion: tls.VersionTLS12,
		}

		// mTLS when a client CA is provided
		if config.ClientCA != "" {
			clientCAs, err := loadCertPool(config.ClientCA)
			if err != nil {
				log.Printf("metrics: failed to load client CA: %v", err)
			} else {
				tlsConfig.ClientCAs = clientCAs
				tlsConfig.ClientAuth = tls.RequireAndVerifyClientCert
				log.Printf("metrics: mTLS enabled with client CA: %s", config.ClientCA)
			}
		}

		srv.TLSConfig = tlsConfig
	}

	return &Server{
		server: srv,
		config: config,
	}
}

// Start starts the metrics server in a separate goroutine
func (s *Server) Start(ctx context.Context) error {
	if !s.config.Enabled {
		log.Printf("metrics: disabled (METRICS_ENABLED=false)")
		return nil
	}

	go func() {
		var err error
		if s.config.RequireTLS && s.config.TLSCert != "" && s.config.TLSKey != "" {
			log.Printf("metrics: HTTPS server listening on %s", s.config.Addr)
			err = s.server.ListenAndServeTLS(s.config.TLSCert, s.config.TLSKey)
		} else {
			log.Printf("metrics: HTTP server listening on %s", s.config.Addr)
			err = s.server.ListenAndServe()
		}

		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("metrics: server error: %v", err)
		}
	}()

	time.Sleep(100 * time.Millisecond)
	return nil
}

// Shutdown gracefully shuts down the metrics server
func (s *Server) Shutdown(ctx context.Context) error {
	if !s.config.Enabled {
		return nil
	}

	log.Printf("metrics: shutting down server...")
	return s.server.Shutdown(ctx)
}

func getOr(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return defaultValue
	}
	return parsed
}

func loadCertPool(certFile string) (*x509.CertPool, error) {
	pem, err := os.ReadFile(certFile)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("no certificates found in %s", certFile)
	}
	return pool, nil
}

var (
	defaultMetrics *Metrics
	defaultOnce    sync.Once
)

// InitMetrics initializes the global metrics instance
func InitMetrics() *Metrics {
	defaultOnce.Do(func() {
		defaultMetrics = NewMetrics()
	})
	return defaultMetrics
}

// GetMetrics returns the global metrics instance
func GetMetrics() *Metrics {
	return InitMetrics()
}

func (m *Metrics) IncrementHTTPRequests(endpoint, method, status string) {
	m.HTTPRequests.WithLabelValues(endpoint, method, status).Inc()
}

func (m *Metrics) ObserveHTTPDuration(endpoint, method string, duration time.Duration) {
	m.HTTPDuration.WithLabelValues(endpoint, method).Observe(duration.Seconds())
}

// ObserveInference records one classified batch.
func (m *Metrics) ObserveInference(state string, batchSize, fake int) {
	m.Inference.WithLabelValues(state).Inc()
	m.BatchSize.Observe(float64(batchSize))
	if fake > 0 {
		m.Detections.WithLabelValues("fake").Add(float64(fake))
	}
	if genuine := batchSize - fake; genuine > 0 {
		m.Detections.WithLabelValues("genuine").Add(float64(genuine))
	}
}

func (m *Metrics) SetModelLoaded(loaded bool) {
	if loaded {
		m.ModelLoaded.Set(1)
		return
	}
	m.ModelLoaded.Set(0)
}

func (m *Metrics) IncrementSinkEvents(sink string) {
	m.SinkEvents.WithLabelValues(sink).Inc()
}

func (m *Metrics) IncrementSinkErrors(sink, errorType string) {
	m.SinkErrors.WithLabelValues(sink, errorType).Inc()
}

func (m *Metrics) SetQueueDepth(sink string, depth float64) {
	m.QueueDepth.WithLabelValues(sink).Set(depth)
}

func (m *Metrics) ObserveBatchFlushLatency(sink string, duration time.Duration) {
	m.BatchFlushLatency.WithLabelValues(sink).Observe(duration.Seconds())
}
