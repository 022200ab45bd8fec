package cli

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/Brownie44l1/fer-api/internal/capture"
	"github.com/Brownie44l1/fer-api/internal/config"
	"github.com/Brownie44l1/fer-api/internal/emotion"
	"github.com/Brownie44l1/fer-api/internal/logging"
	"github.com/Brownie44l1/fer-api/internal/model"
)

// app is the wiring shared by every command that touches the model.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	runtime  *model.ONNXRuntime
	loader   *model.Loader
	pipeline *emotion.Pipeline
	decoder  *capture.Decoder
	closeLog func() error
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	return cfg, nil
}

func setupLogging(cfg *config.Config) (*slog.Logger, func() error, error) {
	level, err := logging.ParseLevel(cfg.Log.Level)
	if err != nil {
		return nil, nil, err
	}
	logCfg := logging.DefaultConfig()
	logCfg.Level = level
	logCfg.File = cfg.Log.File
	logCfg.JSON = cfg.Log.JSON
	logCfg.MaxSizeMB = cfg.Log.MaxSizeMB
	logCfg.MaxBackups = cfg.Log.MaxBackups
	logCfg.MaxAgeDays = cfg.Log.MaxAgeDays
	return logging.Setup(logCfg)
}

// newApp builds the loader and pipeline. Nothing is fetched until the first
// Load.
func newApp() (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	logger, closeLog, err := setupLogging(cfg)
	if err != nil {
		return nil, fmt.Errorf("setting up logging: %w", err)
	}

	runtime, err := model.NewONNXRuntime(cfg.Model.RuntimeLibrary, cfg.Model.IntraOpThreads)
	if err != nil {
		closeLog()
		return nil, err
	}

	fetcher := model.NewArtifactFetcher(&http.Client{Timeout: cfg.Model.LoadTimeout}, cfg.Model.MaxArtifactBytes)
	loader := model.NewLoader(model.LoaderConfig{
		ModelURI:    cfg.Model.Path,
		ManifestURI: cfg.Model.ManifestPath,
		Fetcher:     fetcher,
		Runtime:     runtime,
		Timeout:     cfg.Model.LoadTimeout,
		Logger:      logger,
	})

	return &app{
		cfg:      cfg,
		logger:   logger,
		runtime:  runtime,
		loader:   loader,
		pipeline: emotion.NewPipeline(loader, logger),
		decoder:  capture.NewDecoder(cfg.Server.MaxImagePixels),
		closeLog: closeLog,
	}, nil
}

// Close releases the session before the runtime environment. Requests that
// arrive afterwards get model.ErrClosed instead of reloading.
func (a *app) Close() error {
	return errors.Join(
		a.loader.Close(),
		a.runtime.Close(),
		a.closeLog(),
	)
}
