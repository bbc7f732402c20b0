package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// MinPort is the minimum valid port number
	MinPort = 1
	// MaxPort is the maximum valid port number
	MaxPort = 65535
)

// Stage names accepted by worker.stage
const (
	StageIngestion = "ingestion"
	StageAnalysis  = "analysis"
	StageImageGen  = "image-gen"
)

// Config represents the complete application configuration
type Config struct {
	Server          ServerConfig          `yaml:"server"`
	Database        DatabaseConfig        `yaml:"database"`
	RabbitMQ        RabbitMQConfig        `yaml:"rabbitmq"`
	Logging         LoggingConfig         `yaml:"logging"`
	App             AppConfig             `yaml:"app"`
	Worker          WorkerConfig          `yaml:"worker"`
	Analysis        AnalysisConfig        `yaml:"analysis"`
	Ingestion       IngestionConfig       `yaml:"ingestion"`
	Inference       InferenceConfig       `yaml:"inference"`
	ImageGeneration ImageGenerationConfig `yaml:"image_generation"`
	ObjectStorage   ObjectStorageConfig   `yaml:"object_storage"`
	Redis           RedisConfig           `yaml:"redis"`
	Telemetry       TelemetryConfig       `yaml:"telemetry"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig holds PostgreSQL connection configuration
type DatabaseConfig struct {
	URL             string        `yaml:"url"`
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	SSLMode         string        `yaml:"sslmode"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
}

// RabbitMQConfig holds RabbitMQ connection and queue configuration
type RabbitMQConfig struct {
	URL        string           `yaml:"url"`
	Host       string           `yaml:"host"`
	Port       int              `yaml:"port"`
	User       string           `yaml:"user"`
	Password   string           `yaml:"password"`
	VHost      string           `yaml:"vhost"`
	DeadLetter bool             `yaml:"dead_letter"`
	Connection ConnectionConfig `yaml:"connection"`
	Publish    PublishConfig    `yaml:"publish"`
	Consumer   ConsumerConfig   `yaml:"consumer"`
}

// ConnectionConfig holds RabbitMQ connection settings
type ConnectionConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	Heartbeat         time.Duration `yaml:"heartbeat"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`
}

// PublishConfig holds RabbitMQ publish retry settings
type PublishConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
}

// ConsumerConfig holds RabbitMQ consumer settings
type ConsumerConfig struct {
	PrefetchCount int `yaml:"prefetch_count"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level        string `yaml:"level"`
	Format       string `yaml:"format"`
	Output       string `yaml:"output"`
	EnableCaller bool   `yaml:"enable_caller"`
	NoColor      bool   `yaml:"no_color"`
	MaxSizeMB    int    `yaml:"max_size_mb"`
	MaxBackups   int    `yaml:"max_backups"`
	MaxAgeDays   int    `yaml:"max_age_days"`
	Compress     bool   `yaml:"compress"`
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
}

// WorkerConfig holds worker service configuration
type WorkerConfig struct {
	Stage           string        `yaml:"stage"`
	Concurrency     int           `yaml:"concurrency"`
	HandlerTimeout  time.Duration `yaml:"handler_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	Dedup           bool          `yaml:"dedup"`
}

// AnalysisConfig holds the inference retry policy of the analysis stage
type AnalysisConfig struct {
	RetryAttempts   int           `yaml:"retry_attempts"`
	RetryMultiplier time.Duration `yaml:"retry_multiplier"`
	RetryMinDelay   time.Duration `yaml:"retry_min_delay"`
	RetryMaxDelay   time.Duration `yaml:"retry_max_delay"`
}

// IngestionConfig holds chunking and embedding settings
type IngestionConfig struct {
	ChunkSize      int `yaml:"chunk_size"`
	ChunkOverlap   int `yaml:"chunk_overlap"`
	EmbedBatchSize int `yaml:"embed_batch_size"`
}

// InferenceConfig holds the Ollama server settings
type InferenceConfig struct {
	BaseURL          string        `yaml:"base_url"`
	Model            string        `yaml:"model"`
	EmbedModel       string        `yaml:"embed_model"`
	Timeout          time.Duration `yaml:"timeout"`
	FailureThreshold int           `yaml:"failure_threshold"`
	ResetTimeout     time.Duration `yaml:"reset_timeout"`
}

// ImageGenerationConfig holds the Stable Diffusion server settings
type ImageGenerationConfig struct {
	BaseURL           string        `yaml:"base_url"`
	Steps             int           `yaml:"steps"`
	Width             int           `yaml:"width"`
	Height            int           `yaml:"height"`
	CFGScale          float64       `yaml:"cfg_scale"`
	Sampler           string        `yaml:"sampler"`
	NegativePrompt    string        `yaml:"negative_prompt"`
	Timeout           time.Duration `yaml:"timeout"`
	RequestsPerMinute float64       `yaml:"requests_per_minute"`
	Burst             int           `yaml:"burst"`
	FailureThreshold  int           `yaml:"failure_threshold"`
	ResetTimeout      time.Duration `yaml:"reset_timeout"`
}

// ObjectStorageConfig holds the S3/MinIO settings
type ObjectStorageConfig struct {
	Endpoint     string `yaml:"endpoint"`
	PublicURL    string `yaml:"public_url"`
	Region       string `yaml:"region"`
	AccessKey    string `yaml:"access_key"`
	SecretKey    string `yaml:"secret_key"`
	Bucket       string `yaml:"bucket"`
	UsePathStyle bool   `yaml:"use_path_style"`
	PublicRead   bool   `yaml:"public_read"`
}

// RedisConfig holds the dedup store settings
type RedisConfig struct {
	Addr      string        `yaml:"addr"`
	Password  string        `yaml:"password"`
	DB        int           `yaml:"db"`
	KeyPrefix string        `yaml:"key_prefix"`
	TTL       time.Duration `yaml:"ttl"`
}

// TelemetryConfig holds OpenTelemetry settings
type TelemetryConfig struct {
	Endpoint        string        `yaml:"endpoint"`
	Insecure        bool          `yaml:"insecure"`
	TracesEnabled   bool          `yaml:"traces_enabled"`
	MetricsEnabled  bool          `yaml:"metrics_enabled"`
	TraceSampleRate float64       `yaml:"trace_sample_rate"`
	MetricsInterval time.Duration `yaml:"metrics_interval"`
}

// Load reads and parses the configuration file, then applies environment overrides
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := config.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}

	return &config, nil
}

// applyEnv overrides connection settings from the environment. Deployments
// configure collaborators this way; the YAML file holds the defaults.
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	overrides := map[string]*string{
		"RABBITMQ_URL":                &c.RabbitMQ.URL,
		"DATABASE_URL":                &c.Database.URL,
		"MINIO_URL":                   &c.ObjectStorage.Endpoint,
		"MINIO_PUBLIC_URL":            &c.ObjectStorage.PublicURL,
		"MINIO_ACCESS_KEY":            &c.ObjectStorage.AccessKey,
		"MINIO_SECRET_KEY":            &c.ObjectStorage.SecretKey,
		"MINIO_BUCKET":                &c.ObjectStorage.Bucket,
		"OLLAMA_HOST":                 &c.Inference.BaseURL,
		"IMAGE_GEN_URL":               &c.ImageGeneration.BaseURL,
		"REDIS_ADDR":                  &c.Redis.Addr,
		"PIPELINE_STAGE":              &c.Worker.Stage,
		"OTEL_EXPORTER_OTLP_ENDPOINT": &c.Telemetry.Endpoint,
	}
	for key, field := range overrides {
		if v, ok := lookup(key); ok && v != "" {
			*field = v
		}
	}

	if v, ok := lookup("WORKER_CONCURRENCY"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid WORKER_CONCURRENCY %q: %w", v, err)
		}
		c.Worker.Concurrency = n
	}

	return nil
}

// Validate checks the settings shared by every service
func (c *Config) Validate() error {
	if c.App.Name == "" {
		return fmt.Errorf("app name is required")
	}

	if c.Database.URL == "" {
		if c.Database.Host == "" {
			return fmt.Errorf("database host is required")
		}

		if c.Database.Port < MinPort || c.Database.Port > MaxPort {
			return fmt.Errorf("invalid database port: %d (must be between %d and %d)", c.Database.Port, MinPort, MaxPort)
		}

		if c.Database.Database == "" {
			return fmt.Errorf("database name is required")
		}
	}

	if c.RabbitMQ.URL == "" {
		if c.RabbitMQ.Host == "" {
			return fmt.Errorf("rabbitmq host is required")
		}

		if c.RabbitMQ.Port < MinPort || c.RabbitMQ.Port > MaxPort {
			return fmt.Errorf("invalid rabbitmq port: %d (must be between %d and %d)", c.RabbitMQ.Port, MinPort, MaxPort)
		}
	}

	return nil
}

// ValidateAPIConfig checks the API service settings
func (c *Config) ValidateAPIConfig() error {
	if err := c.Validate(); err != nil {
		return err
	}

	if c.Server.Port < MinPort || c.Server.Port > MaxPort {
		return fmt.Errorf("invalid server port: %d (must be between %d and %d)", c.Server.Port, MinPort, MaxPort)
	}

	if c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("server shutdown_timeout must be greater than 0")
	}

	return nil
}

// ValidateWorkerConfig checks the worker service settings for its stage
func (c *Config) ValidateWorkerConfig() error {
	if err := c.Validate(); err != nil {
		return err
	}

	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker concurrency must be greater than 0")
	}

	if c.Worker.ShutdownTimeout <= 0 {
		return fmt.Errorf("worker shutdown_timeout must be greater than 0")
	}

	if c.RabbitMQ.Consumer.PrefetchCount < 0 {
		return fmt.Errorf("rabbitmq prefetch_count must not be negative")
	}

	if c.Worker.Dedup && c.Redis.Addr == "" {
		return fmt.Errorf("redis addr is required when dedup is enabled")
	}

	switch c.Worker.Stage {
	case StageIngestion:
		if c.Inference.BaseURL == "" || c.Inference.EmbedModel == "" {
			return fmt.Errorf("inference base_url and embed_model are required for the ingestion stage")
		}
		if c.Ingestion.ChunkOverlap >= c.Ingestion.ChunkSize && c.Ingestion.ChunkSize > 0 {
			return fmt.Errorf("ingestion chunk_overlap must be smaller than chunk_size")
		}
	case StageAnalysis:
		if c.Inference.BaseURL == "" || c.Inference.Model == "" {
			return fmt.Errorf("inference base_url and model are required for the analysis stage")
		}
	case StageImageGen:
		if c.ImageGeneration.BaseURL == "" {
			return fmt.Errorf("image_generation base_url is required for the image-gen stage")
		}
		if c.ObjectStorage.Endpoint == "" || c.ObjectStorage.Bucket == "" {
			return fmt.Errorf("object_storage endpoint and bucket are required for the image-gen stage")
		}
	case "":
		return fmt.Errorf("worker stage is required")
	default:
		return fmt.Errorf("unknown worker stage: %q", c.Worker.Stage)
	}

	return nil
}
