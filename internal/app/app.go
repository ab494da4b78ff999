// Package app wires the import pipeline together: configuration, the REST
// client, the cache tiers, resolution, payload building, graph assembly and
// execution.
package app

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/vk/ipamctl/internal/api"
	"github.com/vk/ipamctl/internal/cache"
	"github.com/vk/ipamctl/internal/config"
	"github.com/vk/ipamctl/internal/metrics"
)

// App encapsulates the application's dependencies, configuration, and
// lifecycle.
type App struct {
	outW   io.Writer
	logger *slog.Logger
	cfg    *config.File
	opts   *Options

	client api.Client
	store  cache.Store
	met    *metrics.Metrics
}

// NewApp is the constructor for the main application. It returns a fully
// initialized App instance with its own isolated logger.
func NewApp(outW io.Writer, opts *Options) (*App, error) {
	level := opts.LogLevel
	format := opts.LogFormat

	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if level == "" {
		level = cfg.Log.Level
	}
	if format == "" {
		format = cfg.Log.Format
	}
	logger := newLogger(level, format, outW)
	logger.Debug("Logger configured successfully.")

	store, err := cache.OpenBadger(cfg.Cache.Dir, logger)
	if err != nil {
		return nil, err
	}
	logger.Debug("Cache store opened.", "dir", cfg.Cache.Dir)

	client := api.NewRESTClient(api.Options{
		BaseURL:  cfg.API.BaseURL,
		Username: cfg.API.Username,
		Password: cfg.API.Password,
		Timeout:  cfg.APITimeout(),
		Insecure: cfg.API.Insecure,
	})

	return &App{
		outW:   outW,
		logger: logger,
		cfg:    cfg,
		opts:   opts,
		client: client,
		store:  store,
		met:    metrics.New(),
	}, nil
}

// Close releases the cache store and HTTP transport.
func (a *App) Close() error {
	var firstErr error
	if closer, ok := a.client.(io.Closer); ok {
		firstErr = closer.Close()
	}
	if err := a.store.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
