package config

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/cpuid/v2"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Model  ModelConfig  `yaml:"model"`
	Server ServerConfig `yaml:"server"`
	Log    LogConfig    `yaml:"log"`
}

type ModelConfig struct {
	Path             string        `yaml:"path"`               // .onnx file path or http(s) URL
	ManifestPath     string        `yaml:"manifest_path"`      // label manifest path or http(s) URL
	LoadTimeout      time.Duration `yaml:"load_timeout"`       // bounds fetch + session init + validation
	IntraOpThreads   int           `yaml:"intra_op_threads"`   // defaults to the number of physical cores
	RuntimeLibrary   string        `yaml:"runtime_library"`    // onnxruntime shared library, empty uses the platform default
	MaxArtifactBytes int64         `yaml:"max_artifact_bytes"` // upper bound for a fetched model or manifest
}

type ServerConfig struct {
	Host           string   `yaml:"host"`
	Port           int      `yaml:"port"`
	MaxUploadBytes int64    `yaml:"max_upload_bytes"`
	MaxImagePixels int      `yaml:"max_image_pixels"` // decoded width*height limit for uploads
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type LogConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"` // empty logs to stderr
	JSON       bool   `yaml:"json"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// Default returns the configuration used when neither a file nor the
// environment override anything.
func Default() *Config {
	return &Config{
		Model: ModelConfig{
			Path:             "models/model.onnx",
			ManifestPath:     "models/model_info.json",
			LoadTimeout:      60 * time.Second,
			IntraOpThreads:   defaultThreads(),
			MaxArtifactBytes: 256 << 20,
		},
		Server: ServerConfig{
			Host:           "0.0.0.0",
			Port:           8080,
			MaxUploadBytes: 10 << 20,
			MaxImagePixels: 40_000_000,
		},
		Log: LogConfig{
			Level:      "info",
			MaxSizeMB:  50,
			MaxBackups: 10,
			MaxAgeDays: 14,
		},
	}
}

// defaultThreads prefers physical cores; hyperthreads rarely help a small CNN.
func defaultThreads() int {
	if n := cpuid.CPU.PhysicalCores; n > 0 {
		return n
	}
	return runtime.NumCPU()
}

// envInt reads an environment variable and parses it as a positive integer.
// Returns the default value if the env var is unset, empty, or invalid.
func envInt(key string, defaultVal int) int {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if n, err := strconv.Atoi(s); err == nil && n > 0 {
		return n
	}
	return defaultVal
}

func envInt64(key string, defaultVal int64) int64 {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil && n > 0 {
		return n
	}
	return defaultVal
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if d, err := time.ParseDuration(s); err == nil && d > 0 {
		return d
	}
	return defaultVal
}

func envString(key, defaultVal string) string {
	if s := os.Getenv(key); s != "" {
		return s
	}
	return defaultVal
}

func envBool(key string, defaultVal bool) bool {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if b, err := strconv.ParseBool(s); err == nil {
		return b
	}
	return defaultVal
}

func splitList(s string) []string {
	var out []string
	for item := range strings.SplitSeq(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// Load builds the configuration from defaults, the optional YAML file at path
// (FER_CONFIG when path is empty), and finally the environment.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv("FER_CONFIG")
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Model.Path = envString("FER_MODEL_PATH", c.Model.Path)
	c.Model.ManifestPath = envString("FER_MANIFEST_PATH", c.Model.ManifestPath)
	c.Model.LoadTimeout = envDuration("FER_LOAD_TIMEOUT", c.Model.LoadTimeout)
	c.Model.IntraOpThreads = envInt("FER_INTRA_OP_THREADS", c.Model.IntraOpThreads)
	c.Model.RuntimeLibrary = envString("ONNXRUNTIME_LIB", c.Model.RuntimeLibrary)
	c.Model.MaxArtifactBytes = envInt64("FER_MAX_ARTIFACT_BYTES", c.Model.MaxArtifactBytes)

	c.Server.Host = envString("FER_HOST", c.Server.Host)
	c.Server.Port = envInt("PORT", c.Server.Port)
	c.Server.MaxUploadBytes = envInt64("FER_MAX_UPLOAD_BYTES", c.Server.MaxUploadBytes)
	c.Server.MaxImagePixels = envInt("FER_MAX_IMAGE_PIXELS", c.Server.MaxImagePixels)
	if origins := os.Getenv("FER_ALLOWED_ORIGINS"); origins != "" {
		c.Server.AllowedOrigins = splitList(origins)
	}

	c.Log.Level = envString("FER_LOG_LEVEL", c.Log.Level)
	c.Log.File = envString("FER_LOG_FILE", c.Log.File)
	c.Log.JSON = envBool("FER_LOG_JSON", c.Log.JSON)
	c.Log.MaxSizeMB = envInt("FER_LOG_MAX_SIZE_MB", c.Log.MaxSizeMB)
	c.Log.MaxBackups = envInt("FER_LOG_MAX_BACKUPS", c.Log.MaxBackups)
	c.Log.MaxAgeDays = envInt("FER_LOG_MAX_AGE_DAYS", c.Log.MaxAgeDays)
}

// Validate reports the first setting that cannot work.
func (c *Config) Validate() error {
	switch {
	case c.Model.Path == "":
		return errors.New("model path is required (FER_MODEL_PATH)")
	case c.Model.ManifestPath == "":
		return errors.New("manifest path is required (FER_MANIFEST_PATH)")
	case c.Model.LoadTimeout <= 0:
		return errors.New("model load timeout must be positive")
	case c.Model.IntraOpThreads <= 0:
		return errors.New("intra-op thread count must be positive")
	case c.Model.MaxArtifactBytes <= 0:
		return errors.New("max artifact size must be positive")
	case c.Server.Port <= 0 || c.Server.Port > 65535:
		return fmt.Errorf("invalid port %d", c.Server.Port)
	case c.Server.MaxUploadBytes <= 0:
		return errors.New("max upload size must be positive")
	case c.Server.MaxImagePixels <= 0:
		return errors.New("max image pixels must be positive")
	}
	return nil
}

// Addr returns the listen address for the HTTP server.
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
