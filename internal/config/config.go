// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.
package config

import (
	"context"
	"errors"
	"fmt"
	"path"

	"github.com/pelletier/go-toml/v2"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"
)

const (
	backupSuffix = ".bak"
)

// Config is the configuration of the fetch cache server.
type Config struct {
	Server     Server     `toml:"server"`
	Resources  Resources  `toml:"resources"`
	HTTPCache  HTTPCache  `toml:"http_cache"`
	Thumbnails Thumbnails `toml:"thumbnails"`
	Metrics    Metrics    `toml:"metrics"`
}

// Server configures the HTTP surface.
type Server struct {
	Addr            string `toml:"addr"`
	ShutdownSeconds int    `toml:"shutdown_seconds"`
}

// Resources configures the decoded image cache and the fetcher.
type Resources struct {
	LimitBytes int64 `toml:"limit_bytes"`
	LimitCount int   `toml:"limit_count"`
	TinyBytes  int64 `toml:"tiny_bytes"`
	Width      int   `toml:"width"`
	Height     int   `toml:"height"`
}

// HTTPCache configures the http response cache.
type HTTPCache struct {
	Dir         string `toml:"dir"`
	MemoryBytes int64  `toml:"memory_bytes"`
	MemoryCount int    `toml:"memory_count"`
	DiskUpper   int    `toml:"disk_upper"`
	DiskLower   int    `toml:"disk_lower"`
}

// Thumbnails configures the thumbnail store.
type Thumbnails struct {
	Dir       string `toml:"dir"`
	SmallSize int    `toml:"small_size"`
	Quality   int    `toml:"quality"`
}

// Metrics configures metrics collection.
type Metrics struct {
	Name       string `toml:"name"`
	Prefix     string `toml:"prefix"`
	ReportPath string `toml:"report_path"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Server: Server{
			Addr:            "127.0.0.1:5080",
			ShutdownSeconds: 30,
		},
		Resources: Resources{
			LimitBytes: 32 * 1024 * 1024,
			LimitCount: 512,
			TinyBytes:  64 * 64 * 4,
			Width:      1024,
			Height:     1024,
		},
		HTTPCache: HTTPCache{
			Dir:         "/var/cache/fetchcache/http",
			MemoryBytes: 8 * 1024 * 1024,
			MemoryCount: 256,
			DiskUpper:   200,
			DiskLower:   150,
		},
		Thumbnails: Thumbnails{
			Dir:       "/var/cache/fetchcache/thumbnails",
			SmallSize: 128,
			Quality:   90,
		},
		Metrics: Metrics{
			Name:   "fetchcache",
			Prefix: "fetchcache",
		},
	}
}

// Load reads the configuration at configPath over the defaults.
// An empty configPath returns the defaults.
func Load(ctx context.Context, fs afero.Fs, configPath string) (*Config, error) {
	cfg := Default()
	if configPath == "" {
		return cfg, cfg.Validate()
	}

	b, err := afero.ReadFile(fs, configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := toml.Unmarshal(b, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %v: %w", configPath, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	zerolog.Ctx(ctx).Debug().Str("path", configPath).Msg("config loaded")
	return cfg, nil
}

// Write writes cfg to configPath. An existing file is kept as a backup next to it.
func Write(ctx context.Context, fs afero.Fs, configPath string, cfg *Config) error {
	log := zerolog.Ctx(ctx).With().Str("component", "config").Logger()

	if err := cfg.Validate(); err != nil {
		return err
	}

	b, err := toml.Marshal(cfg)
	if err != nil {
		return err
	}

	if err := fs.MkdirAll(path.Dir(configPath), 0755); err != nil {
		return err
	}

	ok, err := afero.Exists(fs, configPath)
	if err != nil {
		return err
	}
	if ok {
		if err := fs.Rename(configPath, configPath+backupSuffix); err != nil {
			return err
		}
		log.Info().Str("path", configPath).Str("target", configPath+backupSuffix).Msg("backing up configuration")
	}

	if err := afero.WriteFile(fs, configPath, b, 0644); err != nil {
		return err
	}

	log.Info().Str("path", configPath).Msg("wrote configuration")
	return nil
}

// Validate checks the configuration and reports every problem found.
func (c *Config) Validate() error {
	errs := []error{}

	if c.Server.Addr == "" {
		errs = append(errs, errors.New("invalid server config, addr must be set"))
	}

	if c.Server.ShutdownSeconds < 0 {
		errs = append(errs, fmt.Errorf("invalid server config, shutdown_seconds must not be negative, got: %d", c.Server.ShutdownSeconds))
	}

	if c.Resources.LimitBytes <= 0 || c.Resources.LimitCount <= 0 {
		errs = append(errs, fmt.Errorf("invalid resources config, limits must be positive, got: %d bytes, %d entries", c.Resources.LimitBytes, c.Resources.LimitCount))
	}

	if c.Resources.Width < 0 || c.Resources.Height < 0 {
		errs = append(errs, fmt.Errorf("invalid resources config, size must not be negative, got: %dx%d", c.Resources.Width, c.Resources.Height))
	}

	if c.HTTPCache.Dir == "" {
		errs = append(errs, errors.New("invalid http_cache config, dir must be set"))
	}

	if c.HTTPCache.MemoryBytes <= 0 || c.HTTPCache.MemoryCount <= 0 {
		errs = append(errs, fmt.Errorf("invalid http_cache config, memory limits must be positive, got: %d bytes, %d entries", c.HTTPCache.MemoryBytes, c.HTTPCache.MemoryCount))
	}

	if c.HTTPCache.DiskLower < 0 || c.HTTPCache.DiskLower >= c.HTTPCache.DiskUpper {
		errs = append(errs, fmt.Errorf("invalid http_cache config, disk_lower must be non negative and below disk_upper, got: %d, %d", c.HTTPCache.DiskLower, c.HTTPCache.DiskUpper))
	}

	if c.Thumbnails.Dir == "" {
		errs = append(errs, errors.New("invalid thumbnails config, dir must be set"))
	}

	if c.Thumbnails.SmallSize <= 0 {
		errs = append(errs, fmt.Errorf("invalid thumbnails config, small_size must be positive, got: %d", c.Thumbnails.SmallSize))
	}

	if c.Thumbnails.Quality < 1 || c.Thumbnails.Quality > 100 {
		errs = append(errs, fmt.Errorf("invalid thumbnails config, quality must be within 1 and 100, got: %d", c.Thumbnails.Quality))
	}

	return errors.Join(errs...)
}
