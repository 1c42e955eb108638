package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

var envKeys = []string{
	"PORT", "DB_PATH", "STORAGE_BACKEND", "STORAGE_ROOT", "STORAGE_PREFIX",
	"S3_ENDPOINT", "S3_ACCESS_KEY", "S3_SECRET_KEY", "S3_BUCKET", "S3_REGION", "S3_SECURE",
	"ARTIFACT_FORMAT", "ARTIFACT_LIMIT", "LIST_LIMIT", "POLL_INTERVAL", "MAX_POLLS",
	"WORKERS", "QUEUE_SIZE", "GENERATION_TIMEOUT", "HUGGINGFACE_API_KEY", "HF_MODEL_URL",
	"UPSTREAM_RPS", "READ_URLS", "MAX_TEXT_LENGTH", "CREATE_RATE_LIMIT", "CORS_ORIGIN",
	"LOG_LEVEL", "LOG_FORMAT", "SHUTDOWN_TIMEOUT",
}

// clearEnv blanks every configuration variable for the test. Blank values
// are treated as unset.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range envKeys {
		t.Setenv(k, "")
	}
}

func TestLoadEnvFiles(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, ".env.local")

	content := `# comment line
FOO_TEST_KEY=hello
BAR_TEST_KEY="quoted value"
BAZ_TEST_KEY='single quoted'

EMPTY_LINE_ABOVE=works
`
	if err := os.WriteFile(envFile, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	keys := []string{"FOO_TEST_KEY", "BAR_TEST_KEY", "BAZ_TEST_KEY", "EMPTY_LINE_ABOVE"}
	for _, k := range keys {
		os.Unsetenv(k)
	}
	t.Cleanup(func() {
		for _, k := range keys {
			os.Unsetenv(k)
		}
	})

	if err := LoadEnvFiles(envFile); err != nil {
		t.Fatalf("LoadEnvFiles: %v", err)
	}

	tests := []struct {
		key  string
		want string
	}{
		{"FOO_TEST_KEY", "hello"},
		{"BAR_TEST_KEY", "quoted value"},
		{"BAZ_TEST_KEY", "single quoted"},
		{"EMPTY_LINE_ABOVE", "works"},
	}
	for _, tt := range tests {
		if got := os.Getenv(tt.key); got != tt.want {
			t.Errorf("os.Getenv(%q) = %q, want %q", tt.key, got, tt.want)
		}
	}
}

func TestLoadEnvFiles_RealEnvTakesPrecedence(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, ".env")

	if err := os.WriteFile(envFile, []byte("PRECEDENCE_TEST=from-file\n"), 0644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("PRECEDENCE_TEST", "from-env")

	if err := LoadEnvFiles(envFile); err != nil {
		t.Fatalf("LoadEnvFiles: %v", err)
	}

	if got := os.Getenv("PRECEDENCE_TEST"); got != "from-env" {
		t.Errorf("env var = %q, want %q (real env should take precedence)", got, "from-env")
	}
}

func TestLoadEnvFiles_MissingFile(t *testing.T) {
	if err := LoadEnvFiles("/nonexistent/path/.env.local"); err != nil {
		t.Errorf("missing file should be skipped, got %v", err)
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Port != "8000" {
		t.Errorf("Port = %q, want %q", cfg.Port, "8000")
	}
	if cfg.ArtifactLimit != 2 {
		t.Errorf("ArtifactLimit = %d, want 2", cfg.ArtifactLimit)
	}
	if cfg.ArtifactFormat != "flac" {
		t.Errorf("ArtifactFormat = %q, want flac", cfg.ArtifactFormat)
	}
	if cfg.Storage.Backend != "fs" || cfg.Storage.Prefix != "audio" {
		t.Errorf("Storage = %+v, want fs backend with audio prefix", cfg.Storage)
	}
	if cfg.PollInterval != 2*time.Second {
		t.Errorf("PollInterval = %v, want 2s", cfg.PollInterval)
	}
	if cfg.MaxPolls != 150 {
		t.Errorf("MaxPolls = %d, want 150", cfg.MaxPolls)
	}
	if cfg.GenerationTimeout != 2*time.Minute {
		t.Errorf("GenerationTimeout = %v, want 2m", cfg.GenerationTimeout)
	}
	if !cfg.ReadURLs {
		t.Error("ReadURLs should default to true")
	}
	if !cfg.UseStubs() {
		t.Error("UseStubs should be true without a token")
	}
}

func TestLoad_EnvOverride(t *testing.T) {
	clearEnv(t)
	t.Setenv("HUGGINGFACE_API_KEY", "hf_test")
	t.Setenv("ARTIFACT_LIMIT", "5")
	t.Setenv("POLL_INTERVAL", "500ms")
	t.Setenv("READ_URLS", "false")
	t.Setenv("UPSTREAM_RPS", "0.5")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.HFToken != "hf_test" || cfg.UseStubs() {
		t.Errorf("HFToken = %q, UseStubs = %v", cfg.HFToken, cfg.UseStubs())
	}
	if cfg.ArtifactLimit != 5 {
		t.Errorf("ArtifactLimit = %d, want 5", cfg.ArtifactLimit)
	}
	if cfg.PollInterval != 500*time.Millisecond {
		t.Errorf("PollInterval = %v, want 500ms", cfg.PollInterval)
	}
	if cfg.ReadURLs {
		t.Error("ReadURLs = true, want false")
	}
	if cfg.UpstreamRPS != 0.5 {
		t.Errorf("UpstreamRPS = %v, want 0.5", cfg.UpstreamRPS)
	}
}

func TestLoad_YAMLFileThenEnv(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "readaloud.yaml")
	yml := `
port: "9000"
artifact_limit: 4
poll_interval: 3s
storage:
  backend: s3
  prefix: speech
  s3:
    endpoint: localhost:9000
    bucket: artifacts
    secure: false
log:
  level: debug
  format: console
`
	if err := os.WriteFile(path, []byte(yml), 0644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("ARTIFACT_LIMIT", "7")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Port != "9000" {
		t.Errorf("Port = %q, want 9000 from file", cfg.Port)
	}
	if cfg.ArtifactLimit != 7 {
		t.Errorf("ArtifactLimit = %d, want 7 (env wins over file)", cfg.ArtifactLimit)
	}
	if cfg.PollInterval != 3*time.Second {
		t.Errorf("PollInterval = %v, want 3s", cfg.PollInterval)
	}
	if cfg.Storage.Backend != "s3" || cfg.Storage.S3.Bucket != "artifacts" || cfg.Storage.S3.Secure {
		t.Errorf("Storage = %+v", cfg.Storage)
	}
	if cfg.Storage.Root != "data/artifacts" {
		t.Errorf("Storage.Root = %q, want default kept", cfg.Storage.Root)
	}
	if cfg.Log.Format != "console" {
		t.Errorf("Log.Format = %q, want console", cfg.Log.Format)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	clearEnv(t)
	if _, err := Load("/nonexistent/readaloud.yaml"); err == nil {
		t.Error("expected error for missing config file")
	}
}

func TestValidate_ReportsAllProblems(t *testing.T) {
	cfg := Defaults()
	cfg.ArtifactLimit = 0
	cfg.Workers = 0
	cfg.Storage.Backend = "ftp"
	cfg.CreateRateLimit = "ten per minute"

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"artifact_limit", "workers", "storage.backend", "create_rate_limit"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %s", err, want)
		}
	}
}

func TestValidate_S3RequiresBucket(t *testing.T) {
	cfg := Defaults()
	cfg.Storage.Backend = "s3"
	cfg.Storage.S3.Endpoint = "localhost:9000"

	if err := cfg.Validate(); err == nil {
		t.Error("expected error without bucket")
	}
}

func TestCreateRate(t *testing.T) {
	tests := []struct {
		in      string
		n       int
		window  time.Duration
		wantErr bool
	}{
		{"10/min", 10, time.Minute, false},
		{"5/s", 5, time.Second, false},
		{"100 / hour", 100, time.Hour, false},
		{"off", 0, 0, false},
		{"", 0, 0, false},
		{"10", 0, 0, true},
		{"x/min", 0, 0, true},
		{"10/day", 0, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			n, window, err := Config{CreateRateLimit: tt.in}.CreateRate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if n != tt.n || window != tt.window {
				t.Errorf("CreateRate() = %d, %v; want %d, %v", n, window, tt.n, tt.window)
			}
		})
	}
}

func TestNewLogger(t *testing.T) {
	for _, format := range []string{"json", "console"} {
		logger, err := NewLogger(LogConfig{Level: "debug", Format: format})
		if err != nil {
			t.Fatalf("NewLogger(%s): %v", format, err)
		}
		logger.Sync()
	}
	if _, err := NewLogger(LogConfig{Level: "loud", Format: "json"}); err == nil {
		t.Error("expected error for unknown level")
	}
}

func TestEnvDuration_Invalid(t *testing.T) {
	t.Setenv("TEST_DUR_INVALID", "not-a-duration")

	got := envDuration("TEST_DUR_INVALID", 5*time.Second)
	if got != 5*time.Second {
		t.Errorf("envDuration with invalid value = %v, want fallback 5s", got)
	}
}

func TestEnvInt_Invalid(t *testing.T) {
	t.Setenv("TEST_INT_INVALID", "abc")

	got := envInt("TEST_INT_INVALID", 42)
	if got != 42 {
		t.Errorf("envInt with invalid value = %d, want fallback 42", got)
	}
}

func TestEnvBool_Invalid(t *testing.T) {
	t.Setenv("TEST_BOOL_INVALID", "maybe")

	if got := envBool("TEST_BOOL_INVALID", true); !got {
		t.Error("envBool with invalid value should return the fallback")
	}
}
