package common

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration. It is loaded once at start and
// handed to constructors; nothing reads it through globals.
type Config struct {
	Database      DatabaseConfig      `mapstructure:"database"`
	Redis         RedisConfig         `mapstructure:"redis"`
	Storage       StorageConfig       `mapstructure:"storage"`
	Server        ServerConfig        `mapstructure:"server"`
	Services      ServicesConfig      `mapstructure:"services"`
	Extraction    ExtractionConfig    `mapstructure:"extraction"`
	Detection     DetectionConfig     `mapstructure:"detection"`
	Anonymization AnonymizationConfig `mapstructure:"anonymization"`
	Jobs          JobsConfig          `mapstructure:"jobs"`
	Output        OutputConfig        `mapstructure:"output"`
	Ingest        IngestConfig        `mapstructure:"ingest"`
	Logging       LoggingConfig       `mapstructure:"logging"`
}

// DatabaseConfig holds database-related configuration
type DatabaseConfig struct {
	Driver           string        `mapstructure:"driver"` // postgres | sqlite
	DSN              string        `mapstructure:"dsn"`
	MaxConns         int32         `mapstructure:"max_conns"`
	MinConns         int32         `mapstructure:"min_conns"`
	MaxConnLifetime  time.Duration `mapstructure:"max_conn_lifetime"`
	MaxConnIdleTime  time.Duration `mapstructure:"max_conn_idle_time"`
	DialTimeout      time.Duration `mapstructure:"dial_timeout"`
	StatementTimeout time.Duration `mapstructure:"statement_timeout"`
	AutoMigrate      bool          `mapstructure:"auto_migrate"`
}

// RedisConfig configures the durable job queue.
type RedisConfig struct {
	URL            string        `mapstructure:"url"`
	QueueKey       string        `mapstructure:"queue_key"`
	DequeueTimeout time.Duration `mapstructure:"dequeue_timeout"`
}

// StorageConfig selects where originals and artifacts live.
type StorageConfig struct {
	Backend   string `mapstructure:"backend"` // minio | fs
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	Bucket    string `mapstructure:"bucket"`
	Region    string `mapstructure:"region"`
	UseSSL    bool   `mapstructure:"use_ssl"`
	RootDir   string `mapstructure:"root_dir"`
}

// ServerConfig holds server-related configuration
type ServerConfig struct {
	GRPCAddr     string        `mapstructure:"grpc_addr"`
	HTTPAddr     string        `mapstructure:"http_addr"` // empty disables the HTTP API
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// ServiceEndpoint describes one external HTTP collaborator.
type ServiceEndpoint struct {
	URL            string        `mapstructure:"url"`
	Timeout        time.Duration `mapstructure:"timeout"`
	MaxConcurrency int64         `mapstructure:"max_concurrency"`
	RatePerSecond  float64       `mapstructure:"rate_per_second"` // 0 disables the limiter
	Burst          int           `mapstructure:"burst"`
}

// ServicesConfig groups the external collaborators.
type ServicesConfig struct {
	Detection ServiceEndpoint `mapstructure:"detection"`
	Document  ServiceEndpoint `mapstructure:"document"`
	OCR       ServiceEndpoint `mapstructure:"ocr"`
}

// ExtractionConfig tunes the extraction strategy selector.
type ExtractionConfig struct {
	MinConfidence             float64 `mapstructure:"min_confidence"`
	DefaultDocumentConfidence float64 `mapstructure:"default_document_confidence"`
}

// DetectionConfig tunes chunking and context capture.
type DetectionConfig struct {
	MaxChunkChars int `mapstructure:"max_chunk_chars"`
	ChunkOverlap  int `mapstructure:"chunk_overlap"`
	ContextWindow int `mapstructure:"context_window"`
}

// AnonymizationConfig carries action defaults and key material.
type AnonymizationConfig struct {
	MaskChar       string `mapstructure:"mask_char"`
	MaskKeepPrefix int    `mapstructure:"mask_keep_prefix"`
	MaskKeepSuffix int    `mapstructure:"mask_keep_suffix"`
	HashLength     int    `mapstructure:"hash_length"`
	EncryptionKey  string `mapstructure:"encryption_key"` // hex, 32 bytes
	HashKey        string `mapstructure:"hash_key"`       // hex, optional
}

// JobsConfig configures the worker pool and retry policy.
type JobsConfig struct {
	Workers        int           `mapstructure:"workers"`
	ProcessTimeout time.Duration `mapstructure:"process_timeout"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
	BackoffBase    time.Duration `mapstructure:"backoff_base"`
	BackoffCap     time.Duration `mapstructure:"backoff_cap"`
	StaleAfter     time.Duration `mapstructure:"stale_after"`
	ReaperSchedule string        `mapstructure:"reaper_schedule"`
}

// OutputConfig selects which artifacts a job persists.
type OutputConfig struct {
	Formats       []string `mapstructure:"formats"`
	WriteAttempts int      `mapstructure:"write_attempts"`
}

// IngestConfig configures uploads and the optional drop-folder watcher.
type IngestConfig struct {
	MaxFileSize string        `mapstructure:"max_file_size"` // humanized, e.g. "50MB"
	WatchDirs   []string      `mapstructure:"watch_dirs"`
	PolicyName  string        `mapstructure:"policy_name"` // latest version is used for watched files
	JobType     string        `mapstructure:"job_type"`
	Priority    int           `mapstructure:"priority"`
	Debounce    time.Duration `mapstructure:"debounce"`
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	Level    string `mapstructure:"level"`
	Format   string `mapstructure:"format"` // json | console
	FilePath string `mapstructure:"file_path"`
}

// Defaults returns the configuration used when neither file nor env set a key.
func Defaults() *Config {
	return &Config{
		Database: DatabaseConfig{
			Driver:          "sqlite",
			DSN:             "file:pii-anonymizer.db?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)",
			MaxConns:        20,
			MinConns:        5,
			MaxConnLifetime: 30 * time.Minute,
			MaxConnIdleTime: 5 * time.Minute,
			DialTimeout:     3 * time.Second,
			AutoMigrate:     true,
		},
		Redis: RedisConfig{
			URL:            "redis://localhost:6379/0",
			QueueKey:       "anonymizer:jobs",
			DequeueTimeout: 5 * time.Second,
		},
		Storage: StorageConfig{
			Backend: "fs",
			Bucket:  "pii-anonymizer",
			RootDir: "./data",
		},
		Server: ServerConfig{
			GRPCAddr:     ":8080",
			HTTPAddr:     ":8081",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 2 * time.Minute,
		},
		Services: ServicesConfig{
			Detection: ServiceEndpoint{URL: "http://localhost:5002", Timeout: 30 * time.Second, MaxConcurrency: 4},
			Document:  ServiceEndpoint{URL: "http://localhost:5003", Timeout: 60 * time.Second, MaxConcurrency: 2},
			OCR:       ServiceEndpoint{URL: "http://localhost:5004", Timeout: 120 * time.Second, MaxConcurrency: 2},
		},
		Extraction: ExtractionConfig{
			MinConfidence:             0.6,
			DefaultDocumentConfidence: 0.9,
		},
		Detection: DetectionConfig{
			MaxChunkChars: 20000,
			ChunkOverlap:  200,
			ContextWindow: 40,
		},
		Anonymization: AnonymizationConfig{
			MaskChar:       "*",
			MaskKeepPrefix: 3,
			MaskKeepSuffix: 0,
			HashLength:     16,
		},
		Jobs: JobsConfig{
			Workers:        4,
			ProcessTimeout: 10 * time.Minute,
			MaxAttempts:    3,
			BackoffBase:    2 * time.Second,
			BackoffCap:     60 * time.Second,
			StaleAfter:     30 * time.Minute,
			ReaperSchedule: "@every 5m",
		},
		Output: OutputConfig{
			Formats:       []string{"txt", "json", "csv"},
			WriteAttempts: 2,
		},
		Ingest: IngestConfig{
			MaxFileSize: "100MB",
			JobType:     "ANONYMIZE",
			Debounce:    500 * time.Millisecond,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// LoadConfig reads config.yaml (or configPath) and ANONYMIZER_* env overrides on top of Defaults.
func LoadConfig(configPath string) (*Config, error) {
	cfg := Defaults()

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./configs")
	v.AddConfigPath("/etc/pii-anonymizer/")

	v.SetEnvPrefix("ANONYMIZER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnvKeys(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	}
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, NewAppError("CONFIG_ERROR", "read config file", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, NewAppError("CONFIG_ERROR", "unmarshal config", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// AutomaticEnv only resolves keys viper already knows about, so every leaf is
// registered up front to let env vars override keys absent from the file.
func bindEnvKeys(v *viper.Viper) {
	for _, key := range []string{
		"database.driver", "database.dsn", "database.max_conns", "database.min_conns",
		"database.max_conn_lifetime", "database.max_conn_idle_time", "database.dial_timeout",
		"database.statement_timeout", "database.auto_migrate",
		"redis.url", "redis.queue_key", "redis.dequeue_timeout",
		"storage.backend", "storage.endpoint", "storage.access_key", "storage.secret_key",
		"storage.bucket", "storage.region", "storage.use_ssl", "storage.root_dir",
		"server.grpc_addr", "server.http_addr", "server.read_timeout", "server.write_timeout",
		"services.detection.url", "services.detection.timeout", "services.detection.max_concurrency",
		"services.detection.rate_per_second", "services.detection.burst",
		"services.document.url", "services.document.timeout", "services.document.max_concurrency",
		"services.document.rate_per_second", "services.document.burst",
		"services.ocr.url", "services.ocr.timeout", "services.ocr.max_concurrency",
		"services.ocr.rate_per_second", "services.ocr.burst",
		"extraction.min_confidence", "extraction.default_document_confidence",
		"detection.max_chunk_chars", "detection.chunk_overlap", "detection.context_window",
		"anonymization.mask_char", "anonymization.mask_keep_prefix", "anonymization.mask_keep_suffix",
		"anonymization.hash_length", "anonymization.encryption_key", "anonymization.hash_key",
		"jobs.workers", "jobs.process_timeout", "jobs.max_attempts", "jobs.backoff_base",
		"jobs.backoff_cap", "jobs.stale_after", "jobs.reaper_schedule",
		"output.formats", "output.write_attempts",
		"ingest.max_file_size", "ingest.watch_dirs", "ingest.policy_name", "ingest.job_type",
		"ingest.priority", "ingest.debounce",
		"logging.level", "logging.format", "logging.file_path",
	} {
		_ = v.BindEnv(key)
	}
}

// Validate validates the loaded configuration
func (c *Config) Validate() error {
	v := NewValidator()
	v.Field("database.driver", c.Database.Driver, OneOf("postgres", "sqlite"))
	v.Field("database.dsn", c.Database.DSN, Required)
	v.Field("storage.backend", c.Storage.Backend, OneOf("minio", "fs"))
	if c.Storage.Backend == "minio" {
		v.Field("storage.endpoint", c.Storage.Endpoint, Required)
		v.Field("storage.bucket", c.Storage.Bucket, Required)
	} else {
		v.Field("storage.root_dir", c.Storage.RootDir, Required)
	}
	v.Field("server.grpc_addr", c.Server.GRPCAddr, Required)
	v.Field("services.detection.url", c.Services.Detection.URL, Required)
	v.Field("services.document.url", c.Services.Document.URL, Required)
	v.Field("services.ocr.url", c.Services.OCR.URL, Required)
	v.Field("extraction.min_confidence", c.Extraction.MinConfidence, Between(0, 1))
	v.Field("extraction.default_document_confidence", c.Extraction.DefaultDocumentConfidence, Between(0, 1))
	v.Field("detection.max_chunk_chars", c.Detection.MaxChunkChars, Positive)
	v.Field("anonymization.mask_char", c.Anonymization.MaskChar, Required)
	v.Field("anonymization.hash_length", c.Anonymization.HashLength, Between(4, 64))
	v.Field("jobs.workers", c.Jobs.Workers, Positive)
	v.Field("jobs.max_attempts", c.Jobs.MaxAttempts, Positive)
	v.Field("output.write_attempts", c.Output.WriteAttempts, Positive)
	v.Field("logging.level", c.Logging.Level, OneOf("debug", "info", "warn", "error"))
	v.Field("logging.format", c.Logging.Format, OneOf("json", "console"))
	if c.Detection.ChunkOverlap < 0 || c.Detection.ChunkOverlap >= c.Detection.MaxChunkChars {
		v.Field("detection.chunk_overlap", c.Detection.ChunkOverlap, func(field string, value interface{}) *ValidationError {
			return &ValidationError{Field: field, Value: value, Message: "must be in [0, max_chunk_chars)"}
		})
	}
	for _, f := range c.Output.Formats {
		v.Field("output.formats", f, OneOf("txt", "json", "csv", "xlsx", "original"))
	}
	v.Field("ingest.job_type", strings.ToUpper(c.Ingest.JobType), OneOf("ANALYZE", "ANONYMIZE"))
	if len(c.Ingest.WatchDirs) > 0 {
		v.Field("ingest.policy_name", c.Ingest.PolicyName, Required)
	}
	if v.HasErrors() {
		return NewAppError("CONFIG_ERROR", v.ErrorMessage(), ErrInvalidInput)
	}
	return nil
}

// String renders the config without secrets, for startup logs.
func (c *Config) String() string {
	return fmt.Sprintf("db=%s storage=%s redis=%s workers=%d max_attempts=%d",
		c.Database.Driver, c.Storage.Backend, c.Redis.QueueKey, c.Jobs.Workers, c.Jobs.MaxAttempts)
}
