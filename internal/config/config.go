// Package config loads pumsfetch settings: built-in defaults, then an
// optional YAML file, then a .env file, then PUMSFETCH_* environment
// variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/thesavant42/pumsfetch/internal/apperr"
	"gopkg.in/yaml.v3"
)

const (
	DefaultBaseURL              = "https://www2.census.gov/programs-surveys/"
	DefaultDataset              = "ACS"
	DefaultHTTPTimeout          = 10 * time.Minute
	DefaultChunkSize            = 32 * 1024
	DefaultContentLength  int64 = 40 * 1000 * 1000
	appDirName                  = ".pumsfetch"
	dbFileName                  = "pumsfetch.db"
)

// Config holds every tunable of the resolver and pipeline
type Config struct {
	BaseURL              string        `yaml:"baseUrl"`
	DataDir              string        `yaml:"dataDir"`
	Dataset              string        `yaml:"dataset"`
	DBPath               string        `yaml:"dbPath"`
	HTTPTimeout          time.Duration `yaml:"httpTimeout"`
	LogLevel             string        `yaml:"logLevel"`
	ChunkSize            int           `yaml:"chunkSize"`
	DefaultContentLength int64         `yaml:"defaultContentLength"`
}

// Default returns the built-in settings. DataDir lives under the user's
// home directory; DBPath is left empty and derived from DataDir.
func Default() Config {
	dataDir := filepath.Join(appDirName, "data")
	if home, err := os.UserHomeDir(); err == nil {
		dataDir = filepath.Join(home, appDirName, "data")
	}
	return Config{
		BaseURL:              DefaultBaseURL,
		DataDir:              dataDir,
		Dataset:              DefaultDataset,
		HTTPTimeout:          DefaultHTTPTimeout,
		LogLevel:             "info",
		ChunkSize:            DefaultChunkSize,
		DefaultContentLength: DefaultContentLength,
	}
}

// Load builds a Config from defaults, the YAML file at path (skipped when
// path is empty), a .env file in the working directory if present, and the
// environment.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("reading config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}

	// Existing environment variables win over .env entries
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return cfg, fmt.Errorf("loading .env: %w", err)
	}

	if err := cfg.applyEnv(); err != nil {
		return cfg, err
	}

	cfg.DataDir = expandHome(cfg.DataDir)
	cfg.DBPath = expandHome(cfg.DBPath)
	return cfg, nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("PUMSFETCH_BASE_URL"); v != "" {
		c.BaseURL = v
	}
	if v := os.Getenv("PUMSFETCH_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("PUMSFETCH_DATASET"); v != "" {
		c.Dataset = v
	}
	if v := os.Getenv("PUMSFETCH_DB"); v != "" {
		c.DBPath = v
	}
	if v := os.Getenv("PUMSFETCH_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("PUMSFETCH_HTTP_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return apperr.Newf(apperr.ErrValidation, "PUMSFETCH_HTTP_TIMEOUT %q: %v", v, err)
		}
		c.HTTPTimeout = d
	}
	if v := os.Getenv("PUMSFETCH_CHUNK_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return apperr.Newf(apperr.ErrValidation, "PUMSFETCH_CHUNK_SIZE %q: %v", v, err)
		}
		c.ChunkSize = n
	}
	return nil
}

// Validate rejects settings the pipeline cannot run with
func (c Config) Validate() error {
	u, err := url.Parse(c.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return apperr.Newf(apperr.ErrValidation, "base URL %q must be an http(s) URL", c.BaseURL)
	}
	if strings.TrimSpace(c.DataDir) == "" {
		return apperr.New(apperr.ErrValidation, "data directory must not be empty")
	}
	if strings.TrimSpace(c.Dataset) == "" {
		return apperr.New(apperr.ErrValidation, "dataset name must not be empty")
	}
	if c.ChunkSize <= 0 {
		return apperr.Newf(apperr.ErrValidation, "chunk size must be positive, got %d", c.ChunkSize)
	}
	if c.DefaultContentLength <= 0 {
		return apperr.Newf(apperr.ErrValidation, "default content length must be positive, got %d", c.DefaultContentLength)
	}
	return nil
}

// HistoryPath is DBPath, or pumsfetch.db inside DataDir when unset
func (c Config) HistoryPath() string {
	if c.DBPath != "" {
		return c.DBPath
	}
	return filepath.Join(c.DataDir, dbFileName)
}

func expandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}
