package config

import (
	"fmt"
	"log"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	ServerAddr      string
	ModelPath       string
	ModelCacheSize  int      // per-record LRU entries; 0 disables the cache
	MaxBodyBytes    int64    // bytes for /predict and /scan payloads
	Outputs         []string // enabled sinks: log, kafka, postgres, sqlite, ws
	HMACSecret      string
	HMACRequire     bool
	LogFile         string // process log destination; empty keeps stderr
	LogMaxSizeMB    int
	LogMaxBackups   int
	LogMaxAgeDays   int
	ShutdownTimeout time.Duration
	EnableHTTPS     bool
	TLSCertFile     string
	TLSKeyFile      string
}

func getOr(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
func getBool(k string, def bool) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(k)))
	switch v {
	case "1", "t", "true", "y", "yes":
		return true
	case "0", "f", "false", "n", "no":
		return false
	}
	return def
}
func getInt64(k string, def int64) int64 {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return def
}
func getInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return n
		}
	}
	return def
}
func getFloat(k string, def float64) float64 {
	if v := os.Getenv(k); v != "" {
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			return f
		}
	}
	return def
}

// getDuration accepts Go durations ("15s") or bare seconds ("15", "2.5").
func getDuration(k string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if secs := getFloat(k, -1); secs >= 0 {
		return time.Duration(secs * float64(time.Second))
	}
	return def
}

func getStringSlice(k, def string) []string {
	v := os.Getenv(k)
	if v == "" {
		v = def
	}
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

// Load reads configuration from the environment. A .env file in the working
// directory and the YAML file named by CONFIG_FILE are consulted first; both
// only fill variables that are not already set.
func Load() Config {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("config: ignoring .env: %v", err)
	}
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := ApplyFile(path); err != nil {
			log.Printf("config: %v", err)
		}
	}

	return Config{
		ServerAddr:      getOr("SERVER_ADDR", ":8000"),
		ModelPath:       getOr("MODEL_PATH", "model.json"),
		ModelCacheSize:  getInt("MODEL_CACHE_SIZE", 0),
		MaxBodyBytes:    getInt64("MAX_BODY_BYTES", 1<<20), // 1 MiB default
		Outputs:         getStringSlice("OUTPUTS", "log"),  // default to log only
		HMACSecret:      getOr("HMAC_SECRET", ""),
		HMACRequire:     getBool("HMAC_REQUIRE", false),
		LogFile:         getOr("LOG_FILE", ""),
		LogMaxSizeMB:    getInt("LOG_MAX_SIZE_MB", 100),
		LogMaxBackups:   getInt("LOG_MAX_BACKUPS", 5),
		LogMaxAgeDays:   getInt("LOG_MAX_AGE_DAYS", 30),
		ShutdownTimeout: getDuration("SHUTDOWN_TIMEOUT", 10*time.Second),
		EnableHTTPS:     getBool("ENABLE_HTTPS", false),
		TLSCertFile:     getOr("TLS_CERT_FILE", ""),
		TLSKeyFile:      getOr("TLS_KEY_FILE", ""),
	}
}

// ApplyFile exports the keys of a YAML document as environment variables.
// Nested maps are flattened with underscores and keys are upper-cased, so
//
//	log:
//	  max_size_mb: 10
//
// becomes LOG_MAX_SIZE_MB=10. Lists become comma-separated values. Variables
// already present in the environment win.
func ApplyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	vars := map[string]string{}
	flatten("", doc, vars)

	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if _, set := os.LookupEnv(k); set {
			continue
		}
		if err := os.Setenv(k, vars[k]); err != nil {
			return fmt.Errorf("set %s: %w", k, err)
		}
	}
	return nil
}

func flatten(prefix string, node map[string]any, out map[string]string) {
	for k, v := range node {
		key := strings.ToUpper(strings.TrimSpace(k))
		if prefix != "" {
			key = prefix + "_" + key
		}
		switch val := v.(type) {
		case map[string]any:
			flatten(key, val, out)
		case []any:
			parts := make([]string, 0, len(val))
			for _, item := range val {
				parts = append(parts, scalar(item))
			}
			out[key] = strings.Join(parts, ",")
		case nil:
			// an explicit null leaves the default in place
		default:
			out[key] = scalar(val)
		}
	}
}

func scalar(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case time.Time:
		return val.Format(time.RFC3339)
	}
	return fmt.Sprint(v)
}
