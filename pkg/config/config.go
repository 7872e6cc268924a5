// Package config loads and validates application configuration from YAML files
// with environment-variable overrides. It provides typed structs for every
// subsystem (Server, Corpus, Retrieval, Encoder, Redis, Postgres, Kafka, etc.).
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level application configuration.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Corpus      CorpusConfig      `yaml:"corpus"`
	Lexical     LexicalConfig     `yaml:"lexical"`
	Retrieval   RetrievalConfig   `yaml:"retrieval"`
	Vector      VectorConfig      `yaml:"vector"`
	Encoder     EncoderConfig     `yaml:"encoder"`
	Admin       AdminConfig       `yaml:"admin"`
	CORS        CORSConfig        `yaml:"cors"`
	RateLimit   RateLimitConfig   `yaml:"rateLimit"`
	Postgres    PostgresConfig    `yaml:"postgres"`
	Kafka       KafkaConfig       `yaml:"kafka"`
	Redis       RedisConfig       `yaml:"redis"`
	ObjectStore ObjectStoreConfig `yaml:"objectStore"`
	Logging     LoggingConfig     `yaml:"logging"`
	Metrics     MetricsConfig     `yaml:"metrics"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"readTimeout"`
	WriteTimeout    time.Duration `yaml:"writeTimeout"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
	RequestTimeout  time.Duration `yaml:"requestTimeout"`
}

// CorpusConfig says where the Q&A document lives and how its headings map to
// section labels.
type CorpusConfig struct {
	// Source is "file" or "object".
	Source         string        `yaml:"source"`
	Path           string        `yaml:"path"`
	Bucket         string        `yaml:"bucket"`
	Key            string        `yaml:"key"`
	SynonymsPath   string        `yaml:"synonymsPath"`
	DefaultSection string        `yaml:"defaultSection"`
	Sections       []SectionRule `yaml:"sections"`
	Watch          bool          `yaml:"watch"`
	WatchDebounce  time.Duration `yaml:"watchDebounce"`
}

// SectionRule maps any heading containing Match to Label. Rules are tried in
// order.
type SectionRule struct {
	Match string `yaml:"match"`
	Label string `yaml:"label"`
}

// LexicalConfig tunes the tokenizer shared by indexing and querying.
type LexicalConfig struct {
	StopWords      []string `yaml:"stopWords"`
	StripParticles bool     `yaml:"stripParticles"`
}

// RetrievalConfig controls the hybrid ranker.
type RetrievalConfig struct {
	Threshold       float64       `yaml:"threshold"`
	OverfetchFactor int           `yaml:"overfetchFactor"`
	DefaultTopK     int           `yaml:"defaultTopK"`
	MaxTopK         int           `yaml:"maxTopK"`
	MaxQueryRunes   int           `yaml:"maxQueryRunes"`
	QueryTimeout    time.Duration `yaml:"queryTimeout"`
	ReloadTimeout   time.Duration `yaml:"reloadTimeout"`
}

// VectorConfig controls the optional approximate candidate graph.
type VectorConfig struct {
	ANN ANNConfig `yaml:"ann"`
}

type ANNConfig struct {
	Enabled         bool `yaml:"enabled"`
	MinRecords      int  `yaml:"minRecords"`
	CandidateFactor int  `yaml:"candidateFactor"`
	M               int  `yaml:"m"`
	EfSearch        int  `yaml:"efSearch"`
}

// EncoderConfig selects and tunes the embedding provider.
type EncoderConfig struct {
	// Provider is one of "static", "ollama", "openai" or "none".
	Provider   string        `yaml:"provider"`
	Model      string        `yaml:"model"`
	BaseURL    string        `yaml:"baseUrl"`
	APIKey     string        `yaml:"apiKey"`
	Dimensions int           `yaml:"dimensions"`
	Timeout    time.Duration `yaml:"timeout"`
	BatchSize  int           `yaml:"batchSize"`
	Workers    int           `yaml:"workers"`
	CacheSize  int           `yaml:"cacheSize"`
	Retry      RetryConfig   `yaml:"retry"`
	Breaker    BreakerConfig `yaml:"breaker"`
}

type RetryConfig struct {
	MaxAttempts int           `yaml:"maxAttempts"`
	BaseDelay   time.Duration `yaml:"baseDelay"`
	MaxDelay    time.Duration `yaml:"maxDelay"`
}

type BreakerConfig struct {
	Enabled          bool          `yaml:"enabled"`
	FailureThreshold uint32        `yaml:"failureThreshold"`
	OpenTimeout      time.Duration `yaml:"openTimeout"`
	HalfOpenRequests uint32        `yaml:"halfOpenRequests"`
}

// AdminConfig protects the reload and cache endpoints.
type AdminConfig struct {
	APIKeys []string `yaml:"apiKeys"`
}

type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowedOrigins"`
}

type RateLimitConfig struct {
	Enabled   bool `yaml:"enabled"`
	PerMinute int  `yaml:"perMinute"`
	Burst     int  `yaml:"burst"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	Database        string        `yaml:"database"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	SSLMode         string        `yaml:"sslMode"`
	MaxOpenConns    int           `yaml:"maxOpenConns"`
	MaxIdleConns    int           `yaml:"maxIdleConns"`
	ConnMaxLifetime time.Duration `yaml:"connMaxLifetime"`
}

// DSN returns a lib/pq-compatible data source name.
func (p PostgresConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.Database, p.SSLMode,
	)
}

// KafkaConfig holds Kafka broker and topic settings.
type KafkaConfig struct {
	Enabled       bool        `yaml:"enabled"`
	Brokers       []string    `yaml:"brokers"`
	ConsumerGroup string      `yaml:"consumerGroup"`
	Topics        KafkaTopics `yaml:"topics"`
}

// KafkaTopics maps logical topic names to their Kafka topic strings.
type KafkaTopics struct {
	QueryEvents  string `yaml:"queryEvents"`
	ReloadEvents string `yaml:"reloadEvents"`
}

// RedisConfig holds Redis connection and caching parameters.
type RedisConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	PoolSize int           `yaml:"poolSize"`
	CacheTTL time.Duration `yaml:"cacheTTL"`
}

// ObjectStoreConfig points at an S3-compatible endpoint holding the corpus.
type ObjectStoreConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"accessKey"`
	SecretKey string `yaml:"secretKey"`
	Region    string `yaml:"region"`
	UseSSL    bool   `yaml:"useSSL"`
}

// LoggingConfig controls structured logging level and output format.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig controls the Prometheus metrics server.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// Load reads a YAML config file (if provided), applies environment-variable
// overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}
	applyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a Config suitable for local development: file corpus,
// offline static encoder, no external services.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8000,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    60 * time.Second,
			ShutdownTimeout: 15 * time.Second,
			RequestTimeout:  30 * time.Second,
		},
		Corpus: CorpusConfig{
			Source:         "file",
			Path:           "data/hanbang_qa.md",
			DefaultSection: "기타",
			Sections: []SectionRule{
				{Match: "직원", Label: "직원"},
				{Match: "정산담당", Label: "정산담당"},
				{Match: "식당", Label: "식당"},
				{Match: "기술", Label: "기술"},
				{Match: "도입", Label: "도입/참여"},
				{Match: "최종", Label: "최종정리"},
			},
			WatchDebounce: 2 * time.Second,
		},
		Lexical: LexicalConfig{
			StripParticles: true,
		},
		Retrieval: RetrievalConfig{
			Threshold:       0.5,
			OverfetchFactor: 3,
			DefaultTopK:     3,
			MaxTopK:         10,
			MaxQueryRunes:   200,
			QueryTimeout:    3 * time.Second,
			ReloadTimeout:   5 * time.Minute,
		},
		Vector: VectorConfig{
			ANN: ANNConfig{
				MinRecords:      2000,
				CandidateFactor: 4,
				M:               16,
				EfSearch:        64,
			},
		},
		Encoder: EncoderConfig{
			Provider:   "static",
			Model:      "static-hash",
			BaseURL:    "http://localhost:11434",
			Dimensions: 256,
			Timeout:    30 * time.Second,
			BatchSize:  32,
			Workers:    4,
			CacheSize:  4096,
			Retry: RetryConfig{
				MaxAttempts: 3,
				BaseDelay:   200 * time.Millisecond,
				MaxDelay:    2 * time.Second,
			},
			Breaker: BreakerConfig{
				Enabled:          true,
				FailureThreshold: 5,
				OpenTimeout:      30 * time.Second,
				HalfOpenRequests: 1,
			},
		},
		CORS: CORSConfig{
			AllowedOrigins: []string{"http://localhost:3000"},
		},
		RateLimit: RateLimitConfig{
			Enabled:   true,
			PerMinute: 60,
			Burst:     10,
		},
		Postgres: PostgresConfig{
			Host:            "localhost",
			Port:            5432,
			Database:        "katokbot",
			User:            "katokbot",
			Password:        "localdev",
			SSLMode:         "disable",
			MaxOpenConns:    10,
			MaxIdleConns:    2,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Kafka: KafkaConfig{
			Brokers:       []string{"localhost:9092"},
			ConsumerGroup: "katokbot-analytics",
			Topics: KafkaTopics{
				QueryEvents:  "qa.query",
				ReloadEvents: "qa.reload",
			},
		},
		Redis: RedisConfig{
			Addr:     "localhost:6379",
			PoolSize: 10,
			CacheTTL: 5 * time.Minute,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
		},
	}
}

// Validate rejects settings the retrieval core cannot run with.
func (c *Config) Validate() error {
	var problems []string
	if c.Retrieval.Threshold < 0 || c.Retrieval.Threshold > 1 {
		problems = append(problems, fmt.Sprintf("retrieval.threshold %v outside [0,1]", c.Retrieval.Threshold))
	}
	if c.Retrieval.OverfetchFactor < 1 {
		problems = append(problems, "retrieval.overfetchFactor must be >= 1")
	}
	if c.Retrieval.MaxTopK < 1 {
		problems = append(problems, "retrieval.maxTopK must be >= 1")
	}
	if c.Retrieval.DefaultTopK < 1 || c.Retrieval.DefaultTopK > c.Retrieval.MaxTopK {
		problems = append(problems, "retrieval.defaultTopK must be within [1, maxTopK]")
	}
	switch c.Corpus.Source {
	case "file":
		if c.Corpus.Path == "" {
			problems = append(problems, "corpus.path is required for file source")
		}
	case "object":
		if c.Corpus.Bucket == "" || c.Corpus.Key == "" || c.ObjectStore.Endpoint == "" {
			problems = append(problems, "corpus.bucket, corpus.key and objectStore.endpoint are required for object source")
		}
	default:
		problems = append(problems, fmt.Sprintf("unknown corpus.source %q", c.Corpus.Source))
	}
	switch c.Encoder.Provider {
	case "static", "ollama", "openai", "none":
	default:
		problems = append(problems, fmt.Sprintf("unknown encoder.provider %q", c.Encoder.Provider))
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// applyEnvOverrides reads QA_* environment variables and overrides the
// corresponding config fields.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("QA_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("QA_DATA_PATH"); v != "" {
		cfg.Corpus.Path = v
	}
	if v := os.Getenv("QA_SYNONYMS_PATH"); v != "" {
		cfg.Corpus.SynonymsPath = v
	}
	if v := os.Getenv("QA_RETRIEVAL_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Retrieval.Threshold = f
		}
	}
	if v := os.Getenv("QA_ENCODER_PROVIDER"); v != "" {
		cfg.Encoder.Provider = v
	}
	if v := os.Getenv("QA_ENCODER_MODEL"); v != "" {
		cfg.Encoder.Model = v
	}
	if v := os.Getenv("QA_ENCODER_BASE_URL"); v != "" {
		cfg.Encoder.BaseURL = v
	}
	if v := os.Getenv("QA_ENCODER_API_KEY"); v != "" {
		cfg.Encoder.APIKey = v
	}
	if v := os.Getenv("QA_ADMIN_API_KEY"); v != "" {
		cfg.Admin.APIKeys = strings.Split(v, ",")
	}
	if v := os.Getenv("QA_ALLOWED_ORIGINS"); v != "" {
		cfg.CORS.AllowedOrigins = strings.Split(v, ",")
	}
	if v := os.Getenv("QA_RATE_LIMIT_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.RateLimit.Enabled = b
		}
	}
	if v := os.Getenv("QA_RATE_LIMIT_PER_MINUTE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RateLimit.PerMinute = n
		}
	}
	if v := os.Getenv("QA_POSTGRES_HOST"); v != "" {
		cfg.Postgres.Host = v
		cfg.Postgres.Enabled = true
	}
	if v := os.Getenv("QA_POSTGRES_PASSWORD"); v != "" {
		cfg.Postgres.Password = v
	}
	if v := os.Getenv("QA_KAFKA_BROKERS"); v != "" {
		cfg.Kafka.Brokers = strings.Split(v, ",")
		cfg.Kafka.Enabled = true
	}
	if v := os.Getenv("QA_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
		cfg.Redis.Enabled = true
	}
	if v := os.Getenv("QA_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("QA_OBJECT_STORE_ENDPOINT"); v != "" {
		cfg.ObjectStore.Endpoint = v
	}
	if v := os.Getenv("QA_OBJECT_STORE_ACCESS_KEY"); v != "" {
		cfg.ObjectStore.AccessKey = v
	}
	if v := os.Getenv("QA_OBJECT_STORE_SECRET_KEY"); v != "" {
		cfg.ObjectStore.SecretKey = v
	}
	if v := os.Getenv("QA_LOGGING_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("QA_LOGGING_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
}
