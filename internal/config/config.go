// Package config provides application configuration loaded from environment
// variables with defaults and validation. It centralizes application settings
// such as server timeouts, logging, database paths, Drive subscription and
// pipeline tuning, rate limiting, and observability.
package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

// CORSConfig defines Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string
}

// SecurityConfig defines security-related settings such as HSTS.
type SecurityConfig struct {
	EnableHSTS bool
	HSTSMaxAge time.Duration
}

// OTELConfig defines OpenTelemetry observability settings.
type OTELConfig struct {
	Enabled     bool    // OTEL_ENABLED
	Endpoint    string  // OTEL_EXPORTER_OTLP_ENDPOINT (e.g. "otel:4317")
	Insecure    bool    // OTEL_EXPORTER_OTLP_INSECURE (true if no TLS)
	ServiceName string  // OTEL_SERVICE_NAME (e.g. "go-call-backend")
	SampleRatio float64 // OTEL_TRACES_SAMPLER_ARG in [0..1]
}

// DriveConfig defines the watched Drive folder and the push channel settings.
type DriveConfig struct {
	FolderID       string        // DRIVE_FOLDER_ID: Drive folder being watched
	WebhookURL     string        // DRIVE_WEBHOOK_URL: public callback address for push notifications
	ChannelToken   string        // DRIVE_CHANNEL_TOKEN: shared secret echoed in X-Goog-Channel-Token
	RenewInterval  time.Duration // DRIVE_RENEW_INTERVAL: how often the renewal ticker fires
	RenewThreshold time.Duration // DRIVE_RENEW_THRESHOLD: renew when less than this remains on the channel
	MaxFileSize    int64         // DRIVE_MAX_FILE_SIZE: ingest size ceiling in bytes
	Extensions     []string      // DRIVE_EXTENSIONS: audio extension allow-list (lowercase, with dot)
}

// PipelineConfig tunes the processing orchestrator.
type PipelineConfig struct {
	Workers      int           // PIPELINE_WORKERS: worker pool size
	QueueSize    int           // PIPELINE_QUEUE_SIZE: in-process queue capacity
	MaxAttempts  int           // PIPELINE_MAX_ATTEMPTS: bounded retries per stage
	StageTimeout time.Duration // PIPELINE_STAGE_TIMEOUT: per external call
	BaseBackoff  time.Duration // PIPELINE_BASE_BACKOFF: first retry delay
}

// OpenAIConfig holds credentials and model selection for the AI stages.
type OpenAIConfig struct {
	APIKey             string        // OPENAI_API_KEY
	BaseURL            string        // OPENAI_BASE_URL
	TranscriptionModel string        // OPENAI_TRANSCRIPTION_MODEL
	SummaryModel       string        // OPENAI_SUMMARY_MODEL
	Timeout            time.Duration // OPENAI_TIMEOUT
}

// Config holds all configuration values for the application.
type Config struct {
	// Server
	Port              string        // just the number
	ReadTimeout       time.Duration // e.g. 15s
	ReadHeaderTimeout time.Duration // e.g. 10s
	WriteTimeout      time.Duration // e.g. 20s
	IdleTimeout       time.Duration // e.g. 60s
	MaxHeaderBytes    int           // bytes
	GinMode           string        // debug|release|test

	// Logging / Docs
	LogLevel       string // debug|info|warn|error|fatal|panic
	LogPretty      bool   // pretty console logs in dev
	SwaggerEnabled bool   // mount the Swagger UI route; serves docs only when a generated spec is compiled in
	APIBasePath    string // base path for API routes

	// App
	DBPath        string // SQLite path
	StorageBucket string // GCS bucket for call recordings and artifacts

	// External services
	Drive    DriveConfig
	Pipeline PipelineConfig
	OpenAI   OpenAIConfig

	// WebSocket fan-out
	ConnectionTTL time.Duration // how long a registered connection stays live without activity

	// Rate limiting
	RateRPS   float64 // tokens per second (>= 0)
	RateBurst int     // bucket size (>= 1)

	// Web protection
	CORS     CORSConfig
	Security SecurityConfig

	// Idempotency
	IdempotencyTTL time.Duration // how long a given Idempotency-Key is valid

	// Observability
	OTEL OTELConfig
}

// MustLoad loads the configuration and panics if validation fails.
func MustLoad() Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// Load reads configuration from environment variables,
// applies defaults, normalizes values, and validates the result.
func Load() (Config, error) {
	cfg := Config{
		// Server
		Port:              getenv("PORT", "8080"),
		ReadTimeout:       getdur("READ_TIMEOUT", 15*time.Second),
		ReadHeaderTimeout: getdur("READ_HEADER_TIMEOUT", 10*time.Second),
		WriteTimeout:      getdur("WRITE_TIMEOUT", 20*time.Second),
		IdleTimeout:       getdur("IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    getint("MAX_HEADER_BYTES", 1<<20),
		GinMode:           strings.ToLower(getenv("GIN_MODE", "release")),

		// Logging / Docs
		LogLevel:       strings.ToLower(getenv("LOG_LEVEL", "info")),
		LogPretty:      getbool("LOG_PRETTY", false),
		SwaggerEnabled: getbool("SWAGGER_ENABLED", false),
		APIBasePath:    normalizeBasePath(getenv("API_BASE_PATH", "/api/v1")),

		// App
		DBPath:        getenv("DB_PATH", "app.db"),
		StorageBucket: getenv("STORAGE_BUCKET", ""),

		Drive: DriveConfig{
			FolderID:       getenv("DRIVE_FOLDER_ID", ""),
			WebhookURL:     getenv("DRIVE_WEBHOOK_URL", ""),
			ChannelToken:   getenv("DRIVE_CHANNEL_TOKEN", ""),
			RenewInterval:  getdur("DRIVE_RENEW_INTERVAL", 6*time.Hour),
			RenewThreshold: getdur("DRIVE_RENEW_THRESHOLD", 8*time.Hour),
			MaxFileSize:    getint64("DRIVE_MAX_FILE_SIZE", 512<<20),
			Extensions:     splitCSV(getenv("DRIVE_EXTENSIONS", ".mp3,.wav,.m4a,.flac,.ogg")),
		},

		Pipeline: PipelineConfig{
			Workers:      getint("PIPELINE_WORKERS", 4),
			QueueSize:    getint("PIPELINE_QUEUE_SIZE", 256),
			MaxAttempts:  getint("PIPELINE_MAX_ATTEMPTS", 3),
			StageTimeout: getdur("PIPELINE_STAGE_TIMEOUT", 5*time.Minute),
			BaseBackoff:  getdur("PIPELINE_BASE_BACKOFF", 2*time.Second),
		},

		OpenAI: OpenAIConfig{
			APIKey:             getenv("OPENAI_API_KEY", ""),
			BaseURL:            getenv("OPENAI_BASE_URL", "https://api.openai.com/v1"),
			TranscriptionModel: getenv("OPENAI_TRANSCRIPTION_MODEL", "whisper-1"),
			SummaryModel:       getenv("OPENAI_SUMMARY_MODEL", "gpt-4o-mini"),
			Timeout:            getdur("OPENAI_TIMEOUT", 5*time.Minute),
		},

		// WebSocket fan-out
		ConnectionTTL: getdur("CONNECTION_TTL", 24*time.Hour),

		// Rate limiting
		RateRPS:   getfloat("RATE_RPS", 5.0),
		RateBurst: getint("RATE_BURST", 10),

		// Web protection
		CORS: CORSConfig{
			AllowedOrigins: splitCSV(getenv("CORS_ALLOWED_ORIGINS", "")),
		},
		Security: SecurityConfig{
			EnableHSTS: getbool("ENABLE_HSTS", false),
			HSTSMaxAge: getdur("HSTS_MAX_AGE", 180*24*time.Hour),
		},

		// Idempotency
		IdempotencyTTL: getdur("IDEMPOTENCY_TTL", 24*time.Hour),

		// Observability (OpenTelemetry)
		OTEL: OTELConfig{
			Enabled:     getbool("OTEL_ENABLED", false),
			Endpoint:    getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			Insecure:    getbool("OTEL_EXPORTER_OTLP_INSECURE", true),
			ServiceName: getenv("OTEL_SERVICE_NAME", "go-call-backend"),
			SampleRatio: getfloat("OTEL_TRACES_SAMPLER_ARG", 1.0),
		},
	}

	// --- normalization ---
	if cfg.LogLevel == "warning" {
		cfg.LogLevel = "warn"
	}
	switch cfg.GinMode {
	case "debug", "release", "test":
	default:
		cfg.GinMode = "release"
	}
	for i, ext := range cfg.Drive.Extensions {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext != "" && !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		cfg.Drive.Extensions[i] = ext
	}

	// --- validation ---
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error", "fatal", "panic":
	default:
		return cfg, errors.New("LOG_LEVEL must be one of: debug, info, warn, error, fatal, panic")
	}
	if strings.TrimSpace(cfg.Port) == "" {
		return cfg, errors.New("PORT must not be empty")
	}
	if cfg.ReadTimeout <= 0 || cfg.ReadHeaderTimeout <= 0 || cfg.WriteTimeout <= 0 || cfg.IdleTimeout <= 0 {
		return cfg, errors.New("timeouts must be positive durations")
	}
	if cfg.MaxHeaderBytes <= 0 {
		return cfg, errors.New("MAX_HEADER_BYTES must be > 0")
	}
	if strings.TrimSpace(cfg.DBPath) == "" {
		return cfg, errors.New("DB_PATH must not be empty")
	}
	if cfg.Drive.RenewInterval <= 0 {
		return cfg, errors.New("DRIVE_RENEW_INTERVAL must be > 0")
	}
	if cfg.Drive.RenewThreshold <= 0 {
		return cfg, errors.New("DRIVE_RENEW_THRESHOLD must be > 0")
	}
	if cfg.Drive.MaxFileSize <= 0 {
		return cfg, errors.New("DRIVE_MAX_FILE_SIZE must be > 0")
	}
	if len(cfg.Drive.Extensions) == 0 {
		return cfg, errors.New("DRIVE_EXTENSIONS must not be empty")
	}
	if cfg.Pipeline.Workers < 1 {
		return cfg, errors.New("PIPELINE_WORKERS must be >= 1")
	}
	if cfg.Pipeline.QueueSize < 1 {
		return cfg, errors.New("PIPELINE_QUEUE_SIZE must be >= 1")
	}
	if cfg.Pipeline.MaxAttempts < 1 {
		return cfg, errors.New("PIPELINE_MAX_ATTEMPTS must be >= 1")
	}
	if cfg.Pipeline.StageTimeout <= 0 || cfg.Pipeline.BaseBackoff <= 0 {
		return cfg, errors.New("pipeline timeouts must be positive durations")
	}
	if cfg.ConnectionTTL <= 0 {
		return cfg, errors.New("CONNECTION_TTL must be > 0")
	}
	if cfg.RateRPS < 0 {
		return cfg, errors.New("RATE_RPS must be >= 0")
	}
	if cfg.RateBurst < 1 {
		return cfg, errors.New("RATE_BURST must be >= 1")
	}
	if cfg.Security.HSTSMaxAge < 0 {
		return cfg, errors.New("HSTS_MAX_AGE must be >= 0")
	}
	if cfg.IdempotencyTTL <= 0 {
		return cfg, errors.New("IDEMPOTENCY_TTL must be > 0")
	}
	if cfg.OTEL.SampleRatio < 0 || cfg.OTEL.SampleRatio > 1 {
		return cfg, errors.New("OTEL_TRACES_SAMPLER_ARG must be in [0,1]")
	}

	return cfg, nil
}

// ---- helpers (no external deps) ----

func getenv(k, def string) string {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		return v
	}
	return def
}

func getfloat(k string, def float64) float64 {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getint(k string, def int) int {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getint64(k string, def int64) int64 {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if i, err := strconv.ParseInt(v, 10, 64); err == nil {
			return i
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes", "y", "on":
			return true
		case "0", "false", "no", "n", "off":
			return false
		}
	}
	return def
}

func getdur(k string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		t := strings.TrimSpace(p)
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}

// normalizeBasePath ensures leading '/' and strips trailing '/' (except root).
func normalizeBasePath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if len(p) > 1 && strings.HasSuffix(p, "/") {
		p = strings.TrimRight(p, "/")
	}
	return p
}
