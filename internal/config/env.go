// Package config handles environment-based configuration loading for the agent.
package config

import (
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

// RemoteDB holds connection parameters for the client system's database,
// read only by the downstream sync agent.
type RemoteDB struct {
	Host     string
	Port     int
	Name     string
	User     string
	Password string
	SSLMode  string
}

// DSN renders the keyword/value form understood by the pgx driver.
func (r RemoteDB) DSN() string {
	return fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		r.Host, r.Port, r.Name, r.User, r.Password, r.SSLMode)
}

// Config holds all settings the agent reads at startup (not hot-updatable).
type Config struct {
	// Identity
	TenantID int64

	// Stores
	LocalDBPath string
	RemoteDB    RemoteDB

	// Client system REST
	ClientAPIURL     string
	ClientAPITimeout time.Duration

	// BACnet
	BACnetInterface      string
	BACnetPort           int
	BACnetBroadcast      string
	BACnetConnectTimeout time.Duration
	BACnetReadTimeout    time.Duration

	// Collection
	CollectionInterval  time.Duration
	CollectionAutoStart bool
	CollectionFields    []string
	MeterConcurrency    int

	// Downstream sync
	DownstreamSyncInterval  time.Duration
	DownstreamSyncAutoStart bool

	// Upload
	UploadInterval   time.Duration
	UploadBatchSize  int
	UploadMaxRetries int

	// Connectivity
	ConnectivityCheckInterval time.Duration
	HeartbeatInterval         time.Duration // 0 disables heartbeats

	// Local API
	LocalAPIPort int

	// Request log
	RequestLogQueueSize      int
	RequestLogFlushBatchSize int
	RequestLogFlushInterval  time.Duration

	// Operations
	LogLevel         string
	LogRetentionDays int
}

var fieldNamePattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]*$`)

// Load reads SYNCAGENT_* environment variables, overlaid on the optional
// YAML file named by SYNCAGENT_CONFIG_FILE, and returns a validated Config.
// Environment values win over file values. All violations are reported
// together in one error.
func Load() (*Config, error) {
	ld := &loader{}
	if path := strings.TrimSpace(os.Getenv("SYNCAGENT_CONFIG_FILE")); path != "" {
		file, err := loadConfigFile(path)
		if err != nil {
			return nil, fmt.Errorf("config file %s: %w", path, err)
		}
		ld.file = file
	}

	cfg := &Config{}

	// --- Identity ---
	cfg.TenantID = int64(ld.integer("SYNCAGENT_TENANT_ID", 0))

	// --- Stores ---
	cfg.LocalDBPath = ld.str("SYNCAGENT_LOCAL_DB_PATH", "/var/lib/syncagent/agent.db")
	cfg.RemoteDB.Host = ld.str("SYNCAGENT_REMOTE_DB_HOST", "")
	cfg.RemoteDB.Port = ld.integer("SYNCAGENT_REMOTE_DB_PORT", 5432)
	cfg.RemoteDB.Name = ld.str("SYNCAGENT_REMOTE_DB_NAME", "")
	cfg.RemoteDB.User = ld.str("SYNCAGENT_REMOTE_DB_USER", "")
	cfg.RemoteDB.Password = ld.str("SYNCAGENT_REMOTE_DB_PASSWORD", "")
	cfg.RemoteDB.SSLMode = ld.str("SYNCAGENT_REMOTE_DB_SSLMODE", "require")

	// --- Client system REST ---
	cfg.ClientAPIURL = strings.TrimRight(ld.str("SYNCAGENT_CLIENT_API_URL", ""), "/")
	cfg.ClientAPITimeout = ld.millis("SYNCAGENT_CLIENT_API_TIMEOUT_MS", 30000)

	// --- BACnet ---
	cfg.BACnetInterface = ld.str("SYNCAGENT_BACNET_INTERFACE", "0.0.0.0")
	cfg.BACnetPort = ld.integer("SYNCAGENT_BACNET_PORT", 47808)
	cfg.BACnetBroadcast = ld.str("SYNCAGENT_BACNET_BROADCAST", "255.255.255.255")
	cfg.BACnetConnectTimeout = ld.millis("SYNCAGENT_BACNET_CONNECT_TIMEOUT_MS", 5000)
	cfg.BACnetReadTimeout = ld.millis("SYNCAGENT_BACNET_READ_TIMEOUT_MS", 5000)

	// --- Collection ---
	cfg.CollectionInterval = time.Duration(ld.integer("SYNCAGENT_COLLECTION_INTERVAL_SECONDS", 60)) * time.Second
	cfg.CollectionAutoStart = ld.boolean("SYNCAGENT_COLLECTION_AUTO_START", true)
	cfg.CollectionFields = ld.stringSlice("SYNCAGENT_COLLECTION_FIELDS", nil)
	cfg.MeterConcurrency = ld.integer("SYNCAGENT_METER_CONCURRENCY", 4)

	// --- Downstream sync ---
	cfg.DownstreamSyncInterval = time.Duration(ld.integer("SYNCAGENT_DOWNSTREAM_SYNC_INTERVAL_MINUTES", 60)) * time.Minute
	cfg.DownstreamSyncAutoStart = ld.boolean("SYNCAGENT_DOWNSTREAM_SYNC_AUTO_START", true)

	// --- Upload ---
	cfg.UploadInterval = time.Duration(ld.integer("SYNCAGENT_UPLOAD_INTERVAL_MINUTES", 5)) * time.Minute
	cfg.UploadBatchSize = ld.integer("SYNCAGENT_UPLOAD_BATCH_SIZE", 1000)
	cfg.UploadMaxRetries = ld.integer("SYNCAGENT_UPLOAD_MAX_RETRIES", 5)

	// --- Connectivity ---
	cfg.ConnectivityCheckInterval = ld.millis("SYNCAGENT_CONNECTIVITY_CHECK_INTERVAL_MS", 60000)
	cfg.HeartbeatInterval = time.Duration(ld.integer("SYNCAGENT_HEARTBEAT_INTERVAL_MINUTES", 15)) * time.Minute

	// --- Local API ---
	cfg.LocalAPIPort = ld.integer("SYNCAGENT_LOCAL_API_PORT", 3002)

	// --- Request log ---
	cfg.RequestLogQueueSize = ld.integer("SYNCAGENT_REQUEST_LOG_QUEUE_SIZE", 4096)
	cfg.RequestLogFlushBatchSize = ld.integer("SYNCAGENT_REQUEST_LOG_FLUSH_BATCH_SIZE", 256)
	cfg.RequestLogFlushInterval = ld.millis("SYNCAGENT_REQUEST_LOG_FLUSH_INTERVAL_MS", 10000)

	// --- Operations ---
	cfg.LogLevel = ld.str("SYNCAGENT_LOG_LEVEL", "info")
	cfg.LogRetentionDays = ld.integer("SYNCAGENT_LOG_RETENTION_DAYS", 14)

	errs := ld.errs

	// --- Validation ---
	if cfg.TenantID < 1 {
		errs = append(errs, "SYNCAGENT_TENANT_ID is required and must be a positive integer")
	}
	if cfg.LocalDBPath == "" {
		errs = append(errs, "SYNCAGENT_LOCAL_DB_PATH must not be empty")
	}
	if cfg.RemoteDB.Host == "" {
		errs = append(errs, "SYNCAGENT_REMOTE_DB_HOST must not be empty")
	}
	if cfg.RemoteDB.Name == "" {
		errs = append(errs, "SYNCAGENT_REMOTE_DB_NAME must not be empty")
	}
	if cfg.RemoteDB.User == "" {
		errs = append(errs, "SYNCAGENT_REMOTE_DB_USER must not be empty")
	}
	validatePort("SYNCAGENT_REMOTE_DB_PORT", cfg.RemoteDB.Port, &errs)
	switch cfg.RemoteDB.SSLMode {
	case "disable", "allow", "prefer", "require", "verify-ca", "verify-full":
	default:
		errs = append(errs, fmt.Sprintf("SYNCAGENT_REMOTE_DB_SSLMODE: invalid value %q", cfg.RemoteDB.SSLMode))
	}

	if cfg.ClientAPIURL == "" {
		errs = append(errs, "SYNCAGENT_CLIENT_API_URL must not be empty")
	} else if u, err := url.Parse(cfg.ClientAPIURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, fmt.Sprintf("SYNCAGENT_CLIENT_API_URL: invalid URL %q (must be http or https)", cfg.ClientAPIURL))
	}
	validatePositiveDuration("SYNCAGENT_CLIENT_API_TIMEOUT_MS", cfg.ClientAPITimeout, &errs)

	validatePort("SYNCAGENT_BACNET_PORT", cfg.BACnetPort, &errs)
	validatePositiveDuration("SYNCAGENT_BACNET_CONNECT_TIMEOUT_MS", cfg.BACnetConnectTimeout, &errs)
	validatePositiveDuration("SYNCAGENT_BACNET_READ_TIMEOUT_MS", cfg.BACnetReadTimeout, &errs)

	validatePositiveDuration("SYNCAGENT_COLLECTION_INTERVAL_SECONDS", cfg.CollectionInterval, &errs)
	validatePositive("SYNCAGENT_METER_CONCURRENCY", cfg.MeterConcurrency, &errs)
	for _, f := range cfg.CollectionFields {
		if !fieldNamePattern.MatchString(f) {
			errs = append(errs, fmt.Sprintf("SYNCAGENT_COLLECTION_FIELDS: invalid field name %q", f))
		}
	}

	validatePositiveDuration("SYNCAGENT_DOWNSTREAM_SYNC_INTERVAL_MINUTES", cfg.DownstreamSyncInterval, &errs)

	validatePositiveDuration("SYNCAGENT_UPLOAD_INTERVAL_MINUTES", cfg.UploadInterval, &errs)
	validatePositive("SYNCAGENT_UPLOAD_BATCH_SIZE", cfg.UploadBatchSize, &errs)
	if cfg.UploadMaxRetries < 0 {
		errs = append(errs, fmt.Sprintf("SYNCAGENT_UPLOAD_MAX_RETRIES: must not be negative, got %d", cfg.UploadMaxRetries))
	}

	validatePositiveDuration("SYNCAGENT_CONNECTIVITY_CHECK_INTERVAL_MS", cfg.ConnectivityCheckInterval, &errs)
	if cfg.HeartbeatInterval < 0 {
		errs = append(errs, "SYNCAGENT_HEARTBEAT_INTERVAL_MINUTES: must not be negative")
	}

	validatePort("SYNCAGENT_LOCAL_API_PORT", cfg.LocalAPIPort, &errs)

	validatePositive("SYNCAGENT_REQUEST_LOG_QUEUE_SIZE", cfg.RequestLogQueueSize, &errs)
	validatePositive("SYNCAGENT_REQUEST_LOG_FLUSH_BATCH_SIZE", cfg.RequestLogFlushBatchSize, &errs)
	validatePositiveDuration("SYNCAGENT_REQUEST_LOG_FLUSH_INTERVAL_MS", cfg.RequestLogFlushInterval, &errs)
	if cfg.RequestLogQueueSize < 2*cfg.RequestLogFlushBatchSize {
		errs = append(errs, "SYNCAGENT_REQUEST_LOG_QUEUE_SIZE must be at least 2x SYNCAGENT_REQUEST_LOG_FLUSH_BATCH_SIZE")
	}

	if _, err := log.ParseLevel(cfg.LogLevel); err != nil {
		errs = append(errs, fmt.Sprintf("SYNCAGENT_LOG_LEVEL: invalid level %q", cfg.LogLevel))
	}
	validatePositive("SYNCAGENT_LOG_RETENTION_DAYS", cfg.LogRetentionDays, &errs)

	if len(errs) > 0 {
		return nil, fmt.Errorf("config validation failed:\n  %s", strings.Join(errs, "\n  "))
	}

	return cfg, nil
}

// loader resolves keys from the environment first, then the optional config
// file, accumulating parse failures.
type loader struct {
	file map[string]string
	errs []string
}

func (l *loader) lookup(key string) (string, bool) {
	if v, ok := os.LookupEnv(key); ok {
		return v, true
	}
	if v, ok := l.file[key]; ok {
		return v, true
	}
	return "", false
}

func (l *loader) str(key, defaultVal string) string {
	if v, ok := l.lookup(key); ok {
		return v
	}
	return defaultVal
}

func (l *loader) integer(key string, defaultVal int) int {
	v, ok := l.lookup(key)
	if !ok || v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		l.errs = append(l.errs, fmt.Sprintf("%s: invalid integer %q", key, v))
		return defaultVal
	}
	return n
}

func (l *loader) boolean(key string, defaultVal bool) bool {
	v, ok := l.lookup(key)
	if !ok || v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		l.errs = append(l.errs, fmt.Sprintf("%s: invalid boolean %q", key, v))
		return defaultVal
	}
	return b
}

func (l *loader) millis(key string, defaultVal int) time.Duration {
	return time.Duration(l.integer(key, defaultVal)) * time.Millisecond
}

func (l *loader) stringSlice(key string, defaultVal []string) []string {
	v, ok := l.lookup(key)
	if !ok || strings.TrimSpace(v) == "" {
		return defaultVal
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func validatePort(name string, value int, errs *[]string) {
	if value < 1 || value > 65535 {
		*errs = append(*errs, fmt.Sprintf("%s: port must be 1-65535, got %d", name, value))
	}
}

func validatePositive(name string, value int, errs *[]string) {
	if value <= 0 {
		*errs = append(*errs, fmt.Sprintf("%s: must be positive, got %d", name, value))
	}
}

func validatePositiveDuration(name string, value time.Duration, errs *[]string) {
	if value <= 0 {
		*errs = append(*errs, fmt.Sprintf("%s: must be positive", name))
	}
}
