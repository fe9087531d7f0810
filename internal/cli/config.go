package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/schedopt/internal/optimizer"
	"github.com/ChuLiYu/schedopt/internal/versionstore"
)

// Config represents the complete system configuration structure
// Maps config file fields through YAML tags
type Config struct {
	Service struct {
		Workers         int           `yaml:"workers"`
		QueueSize       int           `yaml:"queue_size"`
		Retention       time.Duration `yaml:"retention"`
		CleanupInterval time.Duration `yaml:"cleanup_interval"`
		MaxJobAge       time.Duration `yaml:"max_job_age"`
	} `yaml:"service"`

	Store struct {
		Driver string `yaml:"driver"` // memory | file | postgres
		Path   string `yaml:"path"`
		DSN    string `yaml:"dsn"`
	} `yaml:"store"`

	Journal struct {
		Path         string `yaml:"path"` // empty disables the journal
		SyncOnAppend bool   `yaml:"sync_on_append"`
	} `yaml:"journal"`

	HTTP struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"http"`

	GRPC struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"grpc"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
	} `yaml:"metrics"`

	Log struct {
		Level  string `yaml:"level"`  // debug | info | warn | error
		Format string `yaml:"format"` // text | json
	} `yaml:"log"`
}

// DefaultConfig returns the configuration used when no file is present.
func DefaultConfig() *Config {
	var cfg Config
	svc := optimizer.DefaultConfig()
	cfg.Service.Workers = svc.Workers
	cfg.Service.QueueSize = svc.QueueSize
	cfg.Service.Retention = svc.Retention
	cfg.Service.CleanupInterval = svc.CleanupInterval
	cfg.Service.MaxJobAge = svc.MaxJobAge
	cfg.Store.Driver = "memory"
	cfg.Store.Path = "./data/versions.json"
	cfg.Journal.Path = "./data/journal.log"
	cfg.HTTP.Enabled = true
	cfg.HTTP.Port = 8080
	cfg.GRPC.Enabled = true
	cfg.GRPC.Port = 50051
	cfg.Metrics.Enabled = true
	cfg.Log.Level = "info"
	cfg.Log.Format = "text"
	return &cfg
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}

	return cfg, nil
}

// resolveConfig loads path. A missing file is only an error when the path
// was given explicitly.
func resolveConfig(path string, explicit bool) (*Config, error) {
	cfg, err := loadConfig(path)
	if err != nil && !explicit && errors.Is(err, fs.ErrNotExist) {
		return DefaultConfig(), nil
	}
	return cfg, err
}

func (c *Config) serviceConfig() optimizer.Config {
	return optimizer.Config{
		Workers:         c.Service.Workers,
		QueueSize:       c.Service.QueueSize,
		Retention:       c.Service.Retention,
		CleanupInterval: c.Service.CleanupInterval,
		MaxJobAge:       c.Service.MaxJobAge,
	}
}

func (c *Config) openStore(ctx context.Context) (versionstore.Store, error) {
	switch strings.ToLower(c.Store.Driver) {
	case "", "memory":
		return versionstore.NewMemoryStore(), nil
	case "file":
		if c.Store.Path == "" {
			return nil, fmt.Errorf("store.path is required for the file driver")
		}
		return versionstore.NewFileStore(c.Store.Path)
	case "postgres":
		if c.Store.DSN == "" {
			return nil, fmt.Errorf("store.dsn is required for the postgres driver")
		}
		return versionstore.OpenPostgres(ctx, c.Store.DSN)
	default:
		return nil, fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}
}

// newLogger builds the process-wide slog handler from the log section.
func (c *Config) newLogger(w io.Writer) (*slog.Logger, error) {
	var level slog.Level
	if c.Log.Level != "" {
		if err := level.UnmarshalText([]byte(c.Log.Level)); err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", c.Log.Level, err)
		}
	}

	opts := &slog.HandlerOptions{Level: level}
	switch strings.ToLower(c.Log.Format) {
	case "", "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("invalid log format %q", c.Log.Format)
	}
}
