// Package config provides centralized configuration for the readaloud server.
//
// Values are resolved in order: built-in defaults, an optional YAML file,
// .env files (never overriding the real environment), then environment
// variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all server configuration values.
type Config struct {
	// Port is the HTTP server listen port.
	Port string `yaml:"port"`

	// DBPath is the path to the SQLite database file.
	DBPath string `yaml:"db_path"`

	Storage StorageConfig `yaml:"storage"`

	// ArtifactFormat is the audio file extension new artifacts are stored with.
	ArtifactFormat string `yaml:"artifact_format"`

	// ArtifactLimit is the number of stored artifacts admitted at once.
	ArtifactLimit int `yaml:"artifact_limit"`

	// ListLimit is the number of artifacts shown on the index page.
	ListLimit int `yaml:"list_limit"`

	// PollInterval is the delay between placeholder polls.
	PollInterval time.Duration `yaml:"poll_interval"`

	// MaxPolls bounds automatic polling of one artifact. Zero disables the bound.
	MaxPolls int `yaml:"max_polls"`

	Workers           int           `yaml:"workers"`
	QueueSize         int           `yaml:"queue_size"`
	GenerationTimeout time.Duration `yaml:"generation_timeout"`

	// HFToken is the Hugging Face API token. Stubs are used when empty.
	HFToken string `yaml:"huggingface_api_key"`

	// HFModelURL overrides the inference endpoint.
	HFModelURL string `yaml:"hf_model_url"`

	// UpstreamRPS throttles inference calls. Zero disables throttling.
	UpstreamRPS float64 `yaml:"upstream_rps"`

	// ReadURLs makes URL prompts read the page aloud instead of the URL text.
	ReadURLs bool `yaml:"read_urls"`

	// MaxTextLength is the maximum number of runes sent for synthesis.
	MaxTextLength int `yaml:"max_text_length"`

	// CreateRateLimit limits POST / per client IP, e.g. "10/min".
	CreateRateLimit string `yaml:"create_rate_limit"`

	// CORSOrigin is the allowed CORS origin. Defaults to "*".
	CORSOrigin string `yaml:"cors_origin"`

	Log LogConfig `yaml:"log"`

	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// StorageConfig selects where artifact files live.
type StorageConfig struct {
	// Backend is "fs" or "s3".
	Backend string `yaml:"backend"`
	// Root is the directory artifact files are stored under (fs).
	Root string `yaml:"root"`
	// Prefix is the storage location recorded on new artifacts.
	Prefix string   `yaml:"prefix"`
	S3     S3Config `yaml:"s3"`
}

// S3Config configures an S3-compatible object store.
type S3Config struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region"`
	Secure    bool   `yaml:"secure"`
}

// LogConfig selects the log level and encoding.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		Port:   "8000",
		DBPath: "data/readaloud.db",
		Storage: StorageConfig{
			Backend: "fs",
			Root:    "data/artifacts",
			Prefix:  "audio",
			S3:      S3Config{Secure: true},
		},
		ArtifactFormat:    "flac",
		ArtifactLimit:     2,
		ListLimit:         10,
		PollInterval:      2 * time.Second,
		MaxPolls:          150,
		Workers:           2,
		QueueSize:         16,
		GenerationTimeout: 2 * time.Minute,
		UpstreamRPS:       1,
		ReadURLs:          true,
		MaxTextLength:     2000,
		CreateRateLimit:   "10/min",
		CORSOrigin:        "*",
		Log:               LogConfig{Level: "info", Format: "json"},
		ShutdownTimeout:   10 * time.Second,
	}
}

// Load builds the configuration from defaults, the YAML file at path (if
// any) and the environment, then validates it.
func Load(path string) (Config, error) {
	cfg := Defaults()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}
	applyEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadEnvFiles loads each existing file into the environment. Variables that
// are already set win over file values. Missing files are skipped.
func LoadEnvFiles(paths ...string) error {
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

func applyEnv(c *Config) {
	c.Port = envOr("PORT", c.Port)
	c.DBPath = envOr("DB_PATH", c.DBPath)
	c.Storage.Backend = envOr("STORAGE_BACKEND", c.Storage.Backend)
	c.Storage.Root = envOr("STORAGE_ROOT", c.Storage.Root)
	c.Storage.Prefix = envOr("STORAGE_PREFIX", c.Storage.Prefix)
	c.Storage.S3.Endpoint = envOr("S3_ENDPOINT", c.Storage.S3.Endpoint)
	c.Storage.S3.AccessKey = envOr("S3_ACCESS_KEY", c.Storage.S3.AccessKey)
	c.Storage.S3.SecretKey = envOr("S3_SECRET_KEY", c.Storage.S3.SecretKey)
	c.Storage.S3.Bucket = envOr("S3_BUCKET", c.Storage.S3.Bucket)
	c.Storage.S3.Region = envOr("S3_REGION", c.Storage.S3.Region)
	c.Storage.S3.Secure = envBool("S3_SECURE", c.Storage.S3.Secure)
	c.ArtifactFormat = envOr("ARTIFACT_FORMAT", c.ArtifactFormat)
	c.ArtifactLimit = envInt("ARTIFACT_LIMIT", c.ArtifactLimit)
	c.ListLimit = envInt("LIST_LIMIT", c.ListLimit)
	c.PollInterval = envDuration("POLL_INTERVAL", c.PollInterval)
	c.MaxPolls = envInt("MAX_POLLS", c.MaxPolls)
	c.Workers = envInt("WORKERS", c.Workers)
	c.QueueSize = envInt("QUEUE_SIZE", c.QueueSize)
	c.GenerationTimeout = envDuration("GENERATION_TIMEOUT", c.GenerationTimeout)
	c.HFToken = envOr("HUGGINGFACE_API_KEY", c.HFToken)
	c.HFModelURL = envOr("HF_MODEL_URL", c.HFModelURL)
	c.UpstreamRPS = envFloat("UPSTREAM_RPS", c.UpstreamRPS)
	c.ReadURLs = envBool("READ_URLS", c.ReadURLs)
	c.MaxTextLength = envInt("MAX_TEXT_LENGTH", c.MaxTextLength)
	c.CreateRateLimit = envOr("CREATE_RATE_LIMIT", c.CreateRateLimit)
	c.CORSOrigin = envOr("CORS_ORIGIN", c.CORSOrigin)
	c.Log.Level = envOr("LOG_LEVEL", c.Log.Level)
	c.Log.Format = envOr("LOG_FORMAT", c.Log.Format)
	c.ShutdownTimeout = envDuration("SHUTDOWN_TIMEOUT", c.ShutdownTimeout)
}

// Validate reports every invalid value at once.
func (c Config) Validate() error {
	var errs []error
	if c.Port == "" {
		errs = append(errs, errors.New("port is required"))
	}
	if c.DBPath == "" {
		errs = append(errs, errors.New("db_path is required"))
	}
	switch c.Storage.Backend {
	case "fs":
		if c.Storage.Root == "" {
			errs = append(errs, errors.New("storage.root is required for the fs backend"))
		}
	case "s3":
		if c.Storage.S3.Endpoint == "" || c.Storage.S3.Bucket == "" {
			errs = append(errs, errors.New("storage.s3.endpoint and storage.s3.bucket are required for the s3 backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.backend %q: must be fs or s3", c.Storage.Backend))
	}
	if c.Storage.Prefix == "" || strings.Contains(c.Storage.Prefix, "..") {
		errs = append(errs, fmt.Errorf("storage.prefix %q is invalid", c.Storage.Prefix))
	}
	if c.ArtifactFormat == "" || strings.ContainsAny(c.ArtifactFormat, "./\\") {
		errs = append(errs, fmt.Errorf("artifact_format %q is invalid", c.ArtifactFormat))
	}
	if c.ArtifactLimit < 1 {
		errs = append(errs, errors.New("artifact_limit must be at least 1"))
	}
	if c.ListLimit < 1 {
		errs = append(errs, errors.New("list_limit must be at least 1"))
	}
	if c.PollInterval <= 0 {
		errs = append(errs, errors.New("poll_interval must be positive"))
	}
	if c.MaxPolls < 0 {
		errs = append(errs, errors.New("max_polls must not be negative"))
	}
	if c.Workers < 1 {
		errs = append(errs, errors.New("workers must be at least 1"))
	}
	if c.QueueSize < 1 {
		errs = append(errs, errors.New("queue_size must be at least 1"))
	}
	if c.GenerationTimeout <= 0 {
		errs = append(errs, errors.New("generation_timeout must be positive"))
	}
	if c.UpstreamRPS < 0 {
		errs = append(errs, errors.New("upstream_rps must not be negative"))
	}
	if _, _, err := c.CreateRate(); err != nil {
		errs = append(errs, err)
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("log.format %q: must be json or console", c.Log.Format))
	}
	return errors.Join(errs...)
}

// UseStubs returns true when no Hugging Face token is configured.
func (c Config) UseStubs() bool {
	return c.HFToken == ""
}

// CreateRate parses CreateRateLimit ("<n>/<unit>", unit s, min or h).
// "0" or "off" disables the limit and returns n == 0.
func (c Config) CreateRate() (int, time.Duration, error) {
	v := strings.TrimSpace(c.CreateRateLimit)
	if v == "" || v == "0" || v == "off" {
		return 0, 0, nil
	}
	n, unit, ok := strings.Cut(v, "/")
	if !ok {
		return 0, 0, fmt.Errorf("create_rate_limit %q: want <n>/<unit>", v)
	}
	count, err := strconv.Atoi(strings.TrimSpace(n))
	if err != nil || count < 0 {
		return 0, 0, fmt.Errorf("create_rate_limit %q: invalid count", v)
	}
	var window time.Duration
	switch strings.TrimSpace(unit) {
	case "s", "sec", "second":
		window = time.Second
	case "m", "min", "minute":
		window = time.Minute
	case "h", "hour":
		window = time.Hour
	default:
		return 0, 0, fmt.Errorf("create_rate_limit %q: unit must be s, min or h", v)
	}
	return count, window, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

func envInt(key string, fallback int) int {
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

func envFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

func envBool(key string, fallback bool) bool {
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
