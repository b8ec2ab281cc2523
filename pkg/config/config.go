package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the application
type Config struct {
	// Log configuration
	Log LogConfig `mapstructure:"log" yaml:"log"`

	// Data configuration: dataset location and pair sampling
	Data DataConfig `mapstructure:"data" yaml:"data"`

	// Train configuration
	Train TrainConfig `mapstructure:"train" yaml:"train"`

	// Eval configuration
	Eval EvalConfig `mapstructure:"eval" yaml:"eval"`

	// Checkpoint configuration
	Checkpoint CheckpointConfig `mapstructure:"checkpoint" yaml:"checkpoint"`

	// Telemetry configuration
	Telemetry TelemetryConfig `mapstructure:"telemetry" yaml:"telemetry"`

	// Server configuration
	Server ServerConfig `mapstructure:"server" yaml:"server"`

	// Encoder configuration
	Encoder EncoderConfig `mapstructure:"encoder" yaml:"encoder"`

	// Gallery configuration
	Gallery GalleryConfig `mapstructure:"gallery" yaml:"gallery"`

	// Alert configuration
	Alert AlertConfig `mapstructure:"alert" yaml:"alert"`

	// CircuitBreaker configuration
	CircuitBreaker CircuitBreakerConfig `mapstructure:"circuit_breaker" yaml:"circuit_breaker"`
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"` // text, json
}

// DataConfig holds dataset configuration
type DataConfig struct {
	Dir      string `mapstructure:"dir" yaml:"dir"`
	InfoFile string `mapstructure:"info_file" yaml:"info_file"`
	// PairFile switches training to precomputed anchor pairs when set
	PairFile     string `mapstructure:"pair_file" yaml:"pair_file"`
	TestInfoFile string `mapstructure:"test_info_file" yaml:"test_info_file"`

	ValidationFraction float64 `mapstructure:"validation_fraction" yaml:"validation_fraction"`
	SameProbability    float64 `mapstructure:"same_probability" yaml:"same_probability"`
	Workers            int     `mapstructure:"workers" yaml:"workers"`
	Prefetch           int     `mapstructure:"prefetch" yaml:"prefetch"`
	MaxRedraws         int     `mapstructure:"max_redraws" yaml:"max_redraws"`
}

// TrainConfig holds training loop configuration
type TrainConfig struct {
	Seed                 uint64          `mapstructure:"seed" yaml:"seed"`
	BatchSize            int             `mapstructure:"batch_size" yaml:"batch_size"`
	StepsPerFold         int             `mapstructure:"steps_per_fold" yaml:"steps_per_fold"`
	CrossValidationFolds int             `mapstructure:"cross_validation_folds" yaml:"cross_validation_folds"`
	ResetWeightsPerFold  bool            `mapstructure:"reset_weights_per_fold" yaml:"reset_weights_per_fold"`
	Margin               float64         `mapstructure:"margin" yaml:"margin"`
	LogInterval          int             `mapstructure:"log_interval" yaml:"log_interval"`
	CheckpointInterval   int             `mapstructure:"checkpoint_interval" yaml:"checkpoint_interval"`
	EvalInterval         int             `mapstructure:"eval_interval" yaml:"eval_interval"`
	EvalBatches          int             `mapstructure:"eval_batches" yaml:"eval_batches"`
	Resume               bool            `mapstructure:"resume" yaml:"resume"`
	Optimizer            OptimizerConfig `mapstructure:"optimizer" yaml:"optimizer"`
}

// OptimizerConfig selects and tunes the optimiser
type OptimizerConfig struct {
	Name         string  `mapstructure:"name" yaml:"name"` // sgd, adam, adamw
	LearningRate float64 `mapstructure:"learning_rate" yaml:"learning_rate"`
	WeightDecay  float64 `mapstructure:"weight_decay" yaml:"weight_decay"`
	Momentum     float64 `mapstructure:"momentum" yaml:"momentum"`
	Dampening    float64 `mapstructure:"dampening" yaml:"dampening"`
	Nesterov     bool    `mapstructure:"nesterov" yaml:"nesterov"`
	Beta1        float64 `mapstructure:"beta1" yaml:"beta1"`
	Beta2        float64 `mapstructure:"beta2" yaml:"beta2"`
	Epsilon      float64 `mapstructure:"epsilon" yaml:"epsilon"`
}

// EvalConfig holds evaluation configuration
type EvalConfig struct {
	// Threshold is the embedding distance below which a pair is "same"
	Threshold  float64 `mapstructure:"threshold" yaml:"threshold"`
	BatchSize  int     `mapstructure:"batch_size" yaml:"batch_size"`
	BatchCount int     `mapstructure:"batch_count" yaml:"batch_count"`
	// SimilarityThreshold is the cosine similarity used by predict
	SimilarityThreshold float64 `mapstructure:"similarity_threshold" yaml:"similarity_threshold"`
}

// CheckpointConfig holds checkpoint configuration
type CheckpointConfig struct {
	Dir    string       `mapstructure:"dir" yaml:"dir"`
	Keep   int          `mapstructure:"keep" yaml:"keep"` // 0 keeps everything
	Mirror MirrorConfig `mapstructure:"mirror" yaml:"mirror"`
}

// MirrorConfig holds S3-compatible object storage settings for checkpoint copies
type MirrorConfig struct {
	Enabled   bool   `mapstructure:"enabled" yaml:"enabled"`
	Endpoint  string `mapstructure:"endpoint" yaml:"endpoint"`
	AccessKey string `mapstructure:"access_key" yaml:"-"`
	SecretKey string `mapstructure:"secret_key" yaml:"-"`
	Bucket    string `mapstructure:"bucket" yaml:"bucket"`
	Prefix    string `mapstructure:"prefix" yaml:"prefix"`
	UseSSL    bool   `mapstructure:"use_ssl" yaml:"use_ssl"`
}

// TelemetryConfig holds telemetry configuration
type TelemetryConfig struct {
	ParquetPath string `mapstructure:"parquet_path" yaml:"parquet_path"`
	MetricsPath string `mapstructure:"metrics_path" yaml:"metrics_path"`
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Host string `mapstructure:"host" yaml:"host"`
	Port int    `mapstructure:"port" yaml:"port"`
	Mode string `mapstructure:"mode" yaml:"mode"` // gin mode: debug, release, test
}

// EncoderConfig holds encoder configuration
type EncoderConfig struct {
	Type       string `mapstructure:"type" yaml:"type"` // linear, remote
	Side       int    `mapstructure:"side" yaml:"side"`
	Dimensions int    `mapstructure:"dimensions" yaml:"dimensions"`
	Normalize  bool   `mapstructure:"normalize" yaml:"normalize"`
	// Weights is a checkpoint file to load for test, serve and predict
	Weights string       `mapstructure:"weights" yaml:"weights"`
	Remote  RemoteConfig `mapstructure:"remote" yaml:"remote"`
}

// RemoteConfig holds settings for an encoder served over HTTP
type RemoteConfig struct {
	URL          string  `mapstructure:"url" yaml:"url"`
	Timeout      int     `mapstructure:"timeout" yaml:"timeout"` // in seconds
	RateLimit    float64 `mapstructure:"rate_limit" yaml:"rate_limit"`
	Burst        int     `mapstructure:"burst" yaml:"burst"`
	MaxRetries   int     `mapstructure:"max_retries" yaml:"max_retries"`
	InitialDelay int     `mapstructure:"initial_delay_ms" yaml:"initial_delay_ms"`
}

// GalleryConfig holds settings for the registered-pet embedding store
type GalleryConfig struct {
	Path      string  `mapstructure:"path" yaml:"path"`
	InMemory  bool    `mapstructure:"in_memory" yaml:"in_memory"`
	Threshold float64 `mapstructure:"threshold" yaml:"threshold"`
	TopK      int     `mapstructure:"top_k" yaml:"top_k"`
}

// AlertConfig holds configuration for alerting
type AlertConfig struct {
	Enabled  bool     `mapstructure:"enabled" yaml:"enabled"`
	SMTPHost string   `mapstructure:"smtp_host" yaml:"smtp_host"`
	SMTPPort int      `mapstructure:"smtp_port" yaml:"smtp_port"`
	Username string   `mapstructure:"username" yaml:"-"`
	Password string   `mapstructure:"password" yaml:"-"`
	From     string   `mapstructure:"from" yaml:"from"`
	To       []string `mapstructure:"to" yaml:"to"`
}

// CircuitBreakerConfig holds configuration for circuit breaking
type CircuitBreakerConfig struct {
	Enabled          bool    `mapstructure:"enabled" yaml:"enabled"`
	MaxRequests      uint32  `mapstructure:"max_requests" yaml:"max_requests"`
	Interval         int     `mapstructure:"interval" yaml:"interval"` // in seconds
	Timeout          int     `mapstructure:"timeout" yaml:"timeout"`   // in seconds
	ReadyToTripRatio float64 `mapstructure:"ready_to_trip_ratio" yaml:"ready_to_trip_ratio"`
}

// Load loads configuration from file and environment variables
func Load() (*Config, error) {
	// Set defaults
	setDefaults()

	config := &Config{}
	if err := viper.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	// Override with environment variables if present
	overrideWithEnv(config)

	return config, nil
}

// setDefaults sets default configuration values
func setDefaults() {
	// Log defaults
	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.format", "text")

	// Data defaults
	viper.SetDefault("data.dir", "data")
	viper.SetDefault("data.info_file", "train.data")
	viper.SetDefault("data.test_info_file", "test.data")
	viper.SetDefault("data.validation_fraction", 0.1)
	viper.SetDefault("data.same_probability", 0.5)
	viper.SetDefault("data.workers", 4)
	viper.SetDefault("data.prefetch", 8)
	viper.SetDefault("data.max_redraws", 32)

	// Train defaults
	viper.SetDefault("train.seed", 42)
	viper.SetDefault("train.batch_size", 32)
	viper.SetDefault("train.steps_per_fold", 1000)
	viper.SetDefault("train.cross_validation_folds", 1)
	viper.SetDefault("train.margin", 1.0)
	viper.SetDefault("train.log_interval", 10)
	viper.SetDefault("train.checkpoint_interval", 100)
	viper.SetDefault("train.eval_interval", 100)
	viper.SetDefault("train.eval_batches", 4)
	viper.SetDefault("train.optimizer.name", "adamw")
	viper.SetDefault("train.optimizer.learning_rate", 1e-3)
	viper.SetDefault("train.optimizer.weight_decay", 1e-2)

	// Eval defaults
	viper.SetDefault("eval.threshold", 0.5)
	viper.SetDefault("eval.batch_size", 32)
	viper.SetDefault("eval.batch_count", 10)
	viper.SetDefault("eval.similarity_threshold", 0.85)

	// Checkpoint defaults
	viper.SetDefault("checkpoint.dir", "checkpoints")
	viper.SetDefault("checkpoint.keep", 5)

	// Server defaults
	viper.SetDefault("server.host", "localhost")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.mode", "debug")

	// Encoder defaults
	viper.SetDefault("encoder.type", "linear")
	viper.SetDefault("encoder.side", 32)
	viper.SetDefault("encoder.dimensions", 64)
	viper.SetDefault("encoder.normalize", true)
	viper.SetDefault("encoder.remote.timeout", 30)
	viper.SetDefault("encoder.remote.rate_limit", 10.0)
	viper.SetDefault("encoder.remote.burst", 5)
	viper.SetDefault("encoder.remote.max_retries", 3)
	viper.SetDefault("encoder.remote.initial_delay_ms", 500)

	// Gallery defaults
	viper.SetDefault("gallery.threshold", 0.5)
	viper.SetDefault("gallery.top_k", 5)

	// Circuit breaker defaults
	viper.SetDefault("circuit_breaker.max_requests", 1)
	viper.SetDefault("circuit_breaker.interval", 60)
	viper.SetDefault("circuit_breaker.timeout", 30)
	viper.SetDefault("circuit_breaker.ready_to_trip_ratio", 0.6)

	// Telemetry defaults
	home, err := os.UserHomeDir()
	if err == nil {
		viper.SetDefault("telemetry.parquet_path", filepath.Join(home, ".lostpaw", "telemetry"))
		viper.SetDefault("gallery.path", filepath.Join(home, ".lostpaw", "gallery"))
	}
}

// overrideWithEnv overrides config with environment variables
func overrideWithEnv(config *Config) {
	// Dataset and checkpoints
	if dir := os.Getenv("LOSTPAW_DATA_DIR"); dir != "" {
		config.Data.Dir = dir
	}
	if dir := os.Getenv("LOSTPAW_CHECKPOINT_DIR"); dir != "" {
		config.Checkpoint.Dir = dir
	}

	// Remote encoder
	if url := os.Getenv("LOSTPAW_ENCODER_URL"); url != "" {
		config.Encoder.Remote.URL = url
	}

	// Object storage credentials
	if key := os.Getenv("MINIO_ACCESS_KEY"); key != "" {
		config.Checkpoint.Mirror.AccessKey = key
	}
	if secret := os.Getenv("MINIO_SECRET_KEY"); secret != "" {
		config.Checkpoint.Mirror.SecretKey = secret
	}

	// SMTP credentials
	if user := os.Getenv("SMTP_USERNAME"); user != "" {
		config.Alert.Username = user
	}
	if pass := os.Getenv("SMTP_PASSWORD"); pass != "" {
		config.Alert.Password = pass
	}

	// Server settings
	if host := os.Getenv("SERVER_HOST"); host != "" {
		config.Server.Host = host
	}
	if port := os.Getenv("SERVER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}

	// Telemetry settings
	if path := os.Getenv("TELEMETRY_PARQUET_PATH"); path != "" {
		config.Telemetry.ParquetPath = path
	}
}

// Validate checks the values that would otherwise fail deep inside a run.
func (c *Config) Validate() error {
	var errs []error
	if c.Data.Dir == "" {
		errs = append(errs, errors.New("data.dir is required"))
	}
	if c.Data.ValidationFraction < 0 || c.Data.ValidationFraction >= 1 {
		errs = append(errs, fmt.Errorf("data.validation_fraction must be in [0,1), got %v", c.Data.ValidationFraction))
	}
	if c.Data.SameProbability < 0 || c.Data.SameProbability > 1 {
		errs = append(errs, fmt.Errorf("data.same_probability must be in [0,1], got %v", c.Data.SameProbability))
	}
	if c.Train.BatchSize <= 0 {
		errs = append(errs, fmt.Errorf("train.batch_size must be positive, got %d", c.Train.BatchSize))
	}
	if c.Train.Margin <= 0 {
		errs = append(errs, fmt.Errorf("train.margin must be positive, got %v", c.Train.Margin))
	}
	if c.Train.Optimizer.LearningRate <= 0 {
		errs = append(errs, fmt.Errorf("train.optimizer.learning_rate must be positive, got %v", c.Train.Optimizer.LearningRate))
	}
	if c.Eval.Threshold <= 0 {
		errs = append(errs, fmt.Errorf("eval.threshold must be positive, got %v", c.Eval.Threshold))
	}
	switch strings.ToLower(c.Encoder.Type) {
	case "linear":
		if c.Encoder.Side <= 0 || c.Encoder.Dimensions <= 0 {
			errs = append(errs, errors.New("encoder.side and encoder.dimensions must be positive"))
		}
	case "remote":
		if c.Encoder.Remote.URL == "" {
			errs = append(errs, errors.New("encoder.remote.url is required for a remote encoder"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown encoder.type %q", c.Encoder.Type))
	}
	if c.Checkpoint.Mirror.Enabled && (c.Checkpoint.Mirror.Endpoint == "" || c.Checkpoint.Mirror.Bucket == "") {
		errs = append(errs, errors.New("checkpoint.mirror needs endpoint and bucket"))
	}
	return errors.Join(errs...)
}

// WriteSnapshot writes the resolved configuration as YAML, without
// credentials, so a run can be reproduced later.
func (c *Config) WriteSnapshot(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to encode config snapshot: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create snapshot directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config snapshot: %w", err)
	}
	return nil
}

// ReadSnapshot loads a configuration written by WriteSnapshot.
func ReadSnapshot(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config snapshot: %w", err)
	}
	config := &Config{}
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to decode config snapshot: %w", err)
	}
	return config, nil
}
