// Package config handles application configuration and environment loading.
package config

import (
	"bufio"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"tenant-ingest/internal/domain"
)

// Table backends.
const (
	BackendDynamoDB = "dynamodb"
	BackendSQLite   = "sqlite"
)

// Config holds the settings of the ingestion service.
type Config struct {
	// Templates
	TemplatesFile   string // path of the YAML template set (default "templates.yaml")
	TemplatesInline string // inline YAML or JSON template set; wins over TemplatesFile

	// Destination table
	TableName        string // destination table; may instead come from the template file
	TableBackend     string // "dynamodb" (default) or "sqlite"
	SQLitePath       string // local table file (default "ingest.sqlite")
	PartitionKeyAttr string
	SortKeyAttr      string
	WriteRPS         float64 // batched-write pacing, 0 = unlimited

	// Object storage. AWS fields are optional; nil means use the default chain.
	ObjectStore        string // "s3" (default), "azure", "gcs", "fs"
	AWSKeyID           *string
	AWSSecret          *string
	AWSEndpoint        *string
	AWSRegion          *string
	AzureAccountName   string
	AzureAccountKey    string
	GCSCredentialsFile string
	FSRoot             string

	// Parsing and scanning
	BatchSize   int
	MaxRowBytes int
	ScanBudget  time.Duration
	Separator   byte
	Quote       byte
	Escape      byte
	Strict      bool

	// Orchestration
	InvocationTimeout time.Duration
	MaxAttempts       int
	RetryBaseDelay    time.Duration
	MaxInvocations    int

	// Failure handling
	FailedPrefix       string
	FailedBucket       string // empty stores failed batches next to the source object
	DeadLetterQueueURL string // empty falls back to blob dead letters
	ReplaySchedule     string // cron expression; empty disables scheduled replay
	ReplayBuckets      []string

	// Trigger queue
	QueueURL string // empty disables the poller
	Workers  int

	// HTTP
	ListenAddr         string
	RateLimitRPS       float64
	RateLimitBurst     int
	CORSAllowedOrigins []string

	LogLevel string // debug, info, warn, error (default "info")
	Env      string // "development" (default) or "production"

	// Warnings collects non-fatal warnings generated during config loading.
	// These are logged by the caller after the logger is initialised.
	Warnings []string
}

// SlogLevel maps the LogLevel string to an slog.Level.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// IsProduction returns true when the service runs in production mode.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Env, "production")
}

// HasStaticAWSCredentials returns true when both KEY_ID and SECRET are set.
func (c *Config) HasStaticAWSCredentials() bool {
	return c.AWSKeyID != nil && c.AWSSecret != nil
}

// Endpoint returns the custom AWS endpoint, or "".
func (c *Config) Endpoint() string {
	if c.AWSEndpoint == nil {
		return ""
	}
	return *c.AWSEndpoint
}

// envReader collects parse errors while reading typed variables.
type envReader struct {
	errs []error
}

func (r *envReader) str(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func (r *envReader) optional(key string) *string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return &v
	}
	return nil
}

func (r *envReader) int(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s: %q is not an integer", key, v))
		return def
	}
	return n
}

func (r *envReader) float(key string, def float64) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s: %q is not a number", key, v))
		return def
	}
	return f
}

func (r *envReader) duration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s: %q is not a duration", key, v))
		return def
	}
	return d
}

func (r *envReader) bool(key string, def bool) bool {
	switch strings.TrimSpace(strings.ToLower(os.Getenv(key))) {
	case "":
		return def
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		r.errs = append(r.errs, fmt.Errorf("%s: %q is not a boolean", key, os.Getenv(key)))
		return def
	}
}

// char reads a single-byte setting. The value is not trimmed so a tab or
// space separator can be configured.
func (r *envReader) char(key string, def byte) byte {
	v := os.Getenv(key)
	switch {
	case v == "":
		return def
	case v == `\t`:
		return '\t'
	case len(v) != 1:
		r.errs = append(r.errs, fmt.Errorf("%s: %q must be a single byte", key, v))
		return def
	}
	return v[0]
}

func (r *envReader) list(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// LoadFromEnv loads configuration from environment variables. Malformed
// values and settings that fail Validate are returned as one error.
func LoadFromEnv() (*Config, error) {
	r := &envReader{}
	cfg := &Config{
		TemplatesFile:    r.str("TEMPLATES_FILE", "templates.yaml"),
		TemplatesInline:  os.Getenv("TEMPLATES"),
		TableName:        r.str("TABLE_NAME", ""),
		TableBackend:     strings.ToLower(r.str("TABLE_BACKEND", BackendDynamoDB)),
		SQLitePath:       r.str("SQLITE_PATH", "ingest.sqlite"),
		PartitionKeyAttr: r.str("PARTITION_KEY_ATTR", "PartitionKey"),
		SortKeyAttr:      r.str("SORT_KEY_ATTR", "SortKey"),
		WriteRPS:         r.float("WRITE_RPS", 0),

		ObjectStore:        strings.ToLower(r.str("OBJECT_STORE", "s3")),
		AWSKeyID:           r.optional("KEY_ID"),
		AWSSecret:          r.optional("SECRET"),
		AWSEndpoint:        r.optional("ENDPOINT"),
		AWSRegion:          r.optional("REGION"),
		AzureAccountName:   r.str("AZURE_ACCOUNT_NAME", ""),
		AzureAccountKey:    r.str("AZURE_ACCOUNT_KEY", ""),
		GCSCredentialsFile: r.str("GCS_CREDENTIALS_FILE", ""),
		FSRoot:             r.str("FS_ROOT", "."),

		BatchSize:   r.int("BATCH_SIZE", 1),
		MaxRowBytes: r.int("MAX_ROW_BYTES", 400000),
		ScanBudget:  r.duration("SCAN_BUDGET", 8*time.Minute),
		Separator:   r.char("SEPARATOR", ','),
		Quote:       r.char("QUOTE", '"'),
		Escape:      r.char("ESCAPE", '\\'),
		Strict:      r.bool("STRICT", false),

		InvocationTimeout: r.duration("INVOCATION_TIMEOUT", 15*time.Minute),
		MaxAttempts:       r.int("MAX_ATTEMPTS", 3),
		RetryBaseDelay:    r.duration("RETRY_BASE_DELAY", time.Second),
		MaxInvocations:    r.int("MAX_INVOCATIONS", 1000),

		FailedPrefix:       r.str("FAILED_PREFIX", "failed/"),
		FailedBucket:       r.str("FAILED_BUCKET", ""),
		DeadLetterQueueURL: r.str("DEAD_LETTER_QUEUE_URL", ""),
		ReplaySchedule:     r.str("REPLAY_SCHEDULE", ""),
		ReplayBuckets:      r.list("REPLAY_BUCKETS"),

		QueueURL: r.str("QUEUE_URL", ""),
		Workers:  r.int("WORKERS", 1),

		ListenAddr:         r.str("LISTEN_ADDR", ":8080"),
		RateLimitRPS:       r.float("RATE_LIMIT_RPS", 100),
		RateLimitBurst:     r.int("RATE_LIMIT_BURST", 200),
		CORSAllowedOrigins: r.list("CORS_ALLOWED_ORIGINS"),

		LogLevel: r.str("LOG_LEVEL", "info"),
		Env:      r.str("ENV", "development"),
	}
	if len(r.errs) > 0 {
		return nil, domain.ErrConfiguration("invalid environment: %v", errors.Join(r.errs...))
	}

	if len(cfg.CORSAllowedOrigins) == 0 {
		cfg.CORSAllowedOrigins = []string{"*"}
	}
	if len(cfg.ReplayBuckets) == 0 && cfg.FailedBucket != "" {
		cfg.ReplayBuckets = []string{cfg.FailedBucket}
	}

	if cfg.ReplaySchedule != "" && len(cfg.ReplayBuckets) == 0 {
		cfg.Warnings = append(cfg.Warnings, "REPLAY_SCHEDULE is set but no bucket is known; set REPLAY_BUCKETS or FAILED_BUCKET")
	}
	if (cfg.AWSKeyID == nil) != (cfg.AWSSecret == nil) {
		cfg.Warnings = append(cfg.Warnings, "only one of KEY_ID and SECRET is set; using the default AWS credential chain")
	}
	if cfg.QueueURL != "" && cfg.VisibilityTimeout() > 12*time.Hour {
		cfg.Warnings = append(cfg.Warnings, "INVOCATION_TIMEOUT times MAX_ATTEMPTS exceeds the SQS visibility limit")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// VisibilityTimeout is how long a queue message stays hidden while one
// invocation and its retries run.
func (c *Config) VisibilityTimeout() time.Duration {
	return c.InvocationTimeout * time.Duration(max(c.MaxAttempts, 1))
}

// Validate checks that the settings are internally consistent.
func (c *Config) Validate() error {
	var errs []error
	if c.BatchSize < 1 || c.BatchSize > domain.MaxBatchItems {
		errs = append(errs, fmt.Errorf("BATCH_SIZE must be between 1 and %d, got %d", domain.MaxBatchItems, c.BatchSize))
	}
	if c.MaxRowBytes < 0 {
		errs = append(errs, fmt.Errorf("MAX_ROW_BYTES must not be negative"))
	}
	if c.ScanBudget <= 0 {
		errs = append(errs, fmt.Errorf("SCAN_BUDGET must be positive"))
	}
	if c.ScanBudget >= c.InvocationTimeout {
		errs = append(errs, fmt.Errorf("SCAN_BUDGET (%s) must be below INVOCATION_TIMEOUT (%s)", c.ScanBudget, c.InvocationTimeout))
	}
	if c.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("MAX_ATTEMPTS must be at least 1"))
	}
	if c.MaxInvocations < 1 {
		errs = append(errs, fmt.Errorf("MAX_INVOCATIONS must be at least 1"))
	}
	if c.Workers < 1 {
		errs = append(errs, fmt.Errorf("WORKERS must be at least 1"))
	}
	if c.WriteRPS < 0 {
		errs = append(errs, fmt.Errorf("WRITE_RPS must not be negative"))
	}
	if c.Separator == c.Quote {
		errs = append(errs, fmt.Errorf("SEPARATOR and QUOTE must differ"))
	}
	switch c.TableBackend {
	case BackendDynamoDB, BackendSQLite:
	default:
		errs = append(errs, fmt.Errorf("TABLE_BACKEND must be %q or %q, got %q", BackendDynamoDB, BackendSQLite, c.TableBackend))
	}
	switch c.ObjectStore {
	case "s3", "gcs", "fs":
	case "azure":
		if c.AzureAccountName == "" || c.AzureAccountKey == "" {
			errs = append(errs, fmt.Errorf("OBJECT_STORE=azure requires AZURE_ACCOUNT_NAME and AZURE_ACCOUNT_KEY"))
		}
	default:
		errs = append(errs, fmt.Errorf("OBJECT_STORE must be one of s3, azure, gcs, fs, got %q", c.ObjectStore))
	}

	// Production mode: insecure defaults are fatal errors.
	if c.IsProduction() && len(c.CORSAllowedOrigins) == 1 && c.CORSAllowedOrigins[0] == "*" {
		errs = append(errs, fmt.Errorf("CORS wildcard (*) is not allowed in production (ENV=production)"))
	}
	if len(errs) > 0 {
		return domain.ErrConfiguration("invalid configuration: %v", errors.Join(errs...))
	}
	return nil
}

// LoadDotEnv reads a .env file and sets any variables not already in the environment.
// Lines must be in KEY=VALUE format. Comments (#) and blank lines are skipped.
func LoadDotEnv(path string) error {
	f, err := os.Open(path) //nolint:gosec // path is caller-controlled
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close() //nolint:errcheck

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = stripQuotes(strings.TrimSpace(value))
		if _, set := os.LookupEnv(key); !set {
			if err := os.Setenv(key, value); err != nil {
				return fmt.Errorf("setenv %s: %w", key, err)
			}
		}
	}
	return scanner.Err()
}

// stripQuotes removes surrounding double or single quotes from a value.
func stripQuotes(s string) string {
	if len(s) >= 2 {
		if (s[0] == '"' && s[len(s)-1] == '"') || (s[0] == '\'' && s[len(s)-1] == '\'') {
			return s[1 : len(s)-1]
		}
	}
	return s
}
