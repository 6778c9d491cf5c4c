package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	// HTTP
	HTTPPort    string
	MetricsAddr string

	// Postgres
	DBHost          string
	DBPort          string
	DBUser          string
	DBPassword      string
	DBName          string
	DBWriterMaxConn int32
	DBReaderMaxConn int32
	DBAlertMaxConn  int32

	// Redis
	RedisEnabled  bool
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Frame catalog
	CatalogPath  string
	CatalogWatch bool

	// Frame sources
	ReplayFile      string
	ReplayPaceMS    int
	ReplayWallClock bool
	SerialPort      string
	SerialBaud      int
	RadioPort       string
	RadioBaud       int

	// Storage consumer
	DBFlushIntervalMS  int
	DBWriteMaxAttempts int
	DBWriteBackoffMS   int

	// Pipeline
	StateChannelSize int
	RuleRefreshMS    int

	// Downsampling
	DownsampleWorkers int

	// Auth
	AuthCacheTTLSeconds int
	ValidAPIKeys        []string
}

// AutoPort asks the producer to discover its USB port.
const AutoPort = "auto"

const replayExt = ".log"

func Load() *Config {
	return &Config{
		HTTPPort:            getEnv("HTTP_PORT", "8001"),
		MetricsAddr:         getEnv("METRICS_ADDR", ":9101"),
		DBHost:              getEnv("DB_HOST", "localhost"),
		DBPort:              getEnv("DB_PORT", "5432"),
		DBUser:              getEnv("DB_USER", "can_logger"),
		DBPassword:          getEnv("DB_PASSWORD", "can_logger"),
		DBName:              getEnv("DB_NAME", "can_logger"),
		DBWriterMaxConn:     int32(getEnvInt("DB_WRITER_MAX_CONNS", 2)),
		DBReaderMaxConn:     int32(getEnvInt("DB_READER_MAX_CONNS", 8)),
		DBAlertMaxConn:      int32(getEnvInt("DB_ALERT_MAX_CONNS", 4)),
		RedisEnabled:        getEnvBool("REDIS_ENABLED", false),
		RedisAddr:           getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword:       getEnv("REDIS_PASSWORD", ""),
		RedisDB:             getEnvInt("REDIS_DB", 0),
		CatalogPath:         getEnv("CATALOG_PATH", "catalog.yaml"),
		CatalogWatch:        getEnvBool("CATALOG_WATCH", true),
		ReplayFile:          getEnv("REPLAY_FILE", ""),
		ReplayPaceMS:        getEnvInt("REPLAY_PACE_MS", 10),
		ReplayWallClock:     getEnvBool("REPLAY_WALL_CLOCK", false),
		SerialPort:          getEnv("SERIAL_PORT", ""),
		SerialBaud:          getEnvInt("SERIAL_BAUD", 921600),
		RadioPort:           getEnv("RADIO_PORT", ""),
		RadioBaud:           getEnvInt("RADIO_BAUD", 9600),
		DBFlushIntervalMS:   getEnvInt("DB_FLUSH_INTERVAL_MS", 500),
		DBWriteMaxAttempts:  getEnvInt("DB_WRITE_MAX_ATTEMPTS", 3),
		DBWriteBackoffMS:    getEnvInt("DB_WRITE_BACKOFF_MS", 100),
		StateChannelSize:    getEnvInt("STATE_CHANNEL_SIZE", 10000),
		RuleRefreshMS:       getEnvInt("RULE_REFRESH_MS", 1000),
		DownsampleWorkers:   getEnvInt("DOWNSAMPLE_WORKERS", 4),
		AuthCacheTTLSeconds: getEnvInt("AUTH_CACHE_TTL_SECONDS", 300),
		ValidAPIKeys:        splitList(getEnv("VALID_API_KEYS", "")),
	}
}

// Validate rejects settings the pipeline cannot start with.
func (c *Config) Validate() error {
	var errs []error
	if c.ReplayFile == "" && c.SerialPort == "" && c.RadioPort == "" {
		errs = append(errs, errors.New("no frame source configured: set REPLAY_FILE, SERIAL_PORT or RADIO_PORT"))
	}
	if c.ReplayFile != "" {
		if filepath.Ext(c.ReplayFile) != replayExt {
			errs = append(errs, fmt.Errorf("replay file %s: expected a %s file", c.ReplayFile, replayExt))
		} else if st, err := os.Stat(c.ReplayFile); err != nil {
			errs = append(errs, fmt.Errorf("replay file: %w", err))
		} else if st.IsDir() {
			errs = append(errs, fmt.Errorf("replay file %s is a directory", c.ReplayFile))
		}
	}
	if c.ReplayPaceMS < 0 {
		errs = append(errs, errors.New("REPLAY_PACE_MS must not be negative"))
	}
	if c.DBFlushIntervalMS <= 0 {
		errs = append(errs, errors.New("DB_FLUSH_INTERVAL_MS must be positive"))
	}
	if c.DBWriteMaxAttempts <= 0 {
		errs = append(errs, errors.New("DB_WRITE_MAX_ATTEMPTS must be positive"))
	}
	if c.DBWriterMaxConn <= 0 || c.DBReaderMaxConn <= 0 || c.DBAlertMaxConn <= 0 {
		errs = append(errs, errors.New("database pool sizes must be positive"))
	}
	if c.RuleRefreshMS <= 0 {
		errs = append(errs, errors.New("RULE_REFRESH_MS must be positive"))
	}
	if c.StateChannelSize < 0 {
		errs = append(errs, errors.New("STATE_CHANNEL_SIZE must not be negative"))
	}
	if c.DownsampleWorkers <= 0 {
		c.DownsampleWorkers = 1
	}
	if c.CatalogPath == "" {
		errs = append(errs, errors.New("CATALOG_PATH is required"))
	}
	return errors.Join(errs...)
}

func (c *Config) DBFlushInterval() time.Duration {
	return time.Duration(c.DBFlushIntervalMS) * time.Millisecond
}

func (c *Config) DBWriteBackoff() time.Duration {
	return time.Duration(c.DBWriteBackoffMS) * time.Millisecond
}

func (c *Config) ReplayPace() time.Duration {
	return time.Duration(c.ReplayPaceMS) * time.Millisecond
}

func (c *Config) RuleRefresh() time.Duration {
	return time.Duration(c.RuleRefreshMS) * time.Millisecond
}

func (c *Config) AuthCacheTTL() time.Duration {
	return time.Duration(c.AuthCacheTTLSeconds) * time.Second
}

// DSN builds a pgx connection string with the given pool size.
func (c *Config) DSN(maxConns int32) string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?pool_max_conns=%d",
		c.DBUser,
		c.DBPassword,
		c.DBHost,
		c.DBPort,
		c.DBName,
		maxConns,
	)
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
