package cmd

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/Aman-CERP/amanrag/internal/config"
	"github.com/Aman-CERP/amanrag/internal/embed"
	"github.com/Aman-CERP/amanrag/internal/index"
	"github.com/Aman-CERP/amanrag/internal/logging"
	"github.com/Aman-CERP/amanrag/internal/reload"
	"github.com/Aman-CERP/amanrag/internal/search"
	"github.com/Aman-CERP/amanrag/internal/store"
	"github.com/Aman-CERP/amanrag/internal/telemetry"
)

// app is the wired set of services one command works with.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	pipeline *embed.Pipeline
	coord    *index.Coordinator
	adapter  *reload.Adapter
	searcher *search.Searcher
	metrics  *telemetry.QueryMetrics

	closeLog func()
}

// loadConfig resolves configuration from the working directory, the
// optional --config file and the global flags.
func loadConfig(flags *globalFlags) (*config.Config, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("failed to get working directory: %w", err)
	}
	opts := []config.Option{
		config.WithFile(flags.configPath),
		config.WithSourceDir(flags.source),
		config.WithStateDir(flags.stateDir),
	}
	if flags.debug {
		opts = append(opts, config.WithLogLevel("debug"))
	}
	return config.Load(cwd, opts...)
}

// setupLogger writes JSON logs under the state directory. Stdout is never
// used so that `serve` keeps it clean for the protocol.
func setupLogger(cfg *config.Config, debug bool) (*slog.Logger, func(), error) {
	return logging.Setup(logging.Config{
		Level:         cfg.Logging.Level,
		Dir:           cfg.LogDir(),
		MaxSizeMB:     cfg.Logging.MaxSizeMB,
		MaxFiles:      cfg.Logging.MaxFiles,
		WriteToStderr: debug,
	})
}

// openApp loads configuration and opens the index with its collaborators.
func openApp(flags *globalFlags) (*app, error) {
	cfg, err := loadConfig(flags)
	if err != nil {
		return nil, err
	}
	logger, closeLog, err := setupLogger(cfg, flags.debug)
	if err != nil {
		return nil, fmt.Errorf("failed to set up logging: %w", err)
	}

	a := &app{cfg: cfg, logger: logger, closeLog: closeLog}
	if err := a.open(); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) open() error {
	cfg := a.cfg
	if info, err := os.Stat(cfg.Source.Dir); err != nil || !info.IsDir() {
		return fmt.Errorf("source directory %s does not exist", cfg.Source.Dir)
	}

	tokenizer, err := store.NewTokenizer(cfg.Lexical.Tokenizer)
	if err != nil {
		return err
	}
	a.pipeline = embed.NewDefaultPipeline(cfg.Vector.Dimensions, cfg.Chunk.MaxChunkChars, cfg.Search.CacheSize)

	a.coord, err = index.Open(index.ConfigFrom(cfg), index.Dependencies{
		Embedder:  a.pipeline,
		Tokenizer: tokenizer,
		Logger:    a.logger,
	})
	if err != nil {
		return err
	}

	a.adapter = reload.NewAdapter(a.coord, cfg.Source.Dir, cfg.State.Dir, cfg.State.BackupDir)
	searchOpts := []search.Option{
		search.WithWeights(search.Weights{Lexical: cfg.Search.LexicalWeight, Semantic: cfg.Search.SemanticWeight}),
		search.WithRRFConstant(cfg.Search.RRFConstant),
		search.WithLogger(a.logger),
	}
	if a.metrics = a.openMetrics(); a.metrics != nil {
		searchOpts = append(searchOpts, search.WithMetrics(a.metrics))
	}
	a.searcher = search.New(a.coord, a.pipeline.Embedder(), tokenizer, searchOpts...)
	a.logger.Debug("app opened",
		slog.String("source_dir", cfg.Source.Dir),
		slog.String("state_dir", cfg.State.Dir))
	return nil
}

// openMetrics returns nil when telemetry is disabled or its database
// cannot be opened; searching works either way.
func (a *app) openMetrics() *telemetry.QueryMetrics {
	if !a.cfg.Telemetry.Enabled {
		return nil
	}
	st, err := telemetry.OpenSQLiteStore(a.cfg.TelemetryPath())
	if err != nil {
		a.logger.Warn("query telemetry disabled", slog.String("error", err.Error()))
		return nil
	}
	return telemetry.NewQueryMetrics(st, telemetry.Config{FlushInterval: a.cfg.TelemetryFlushInterval()})
}

// Close releases the index lock, the embedder and the log file.
func (a *app) Close() error {
	var errs []error
	if a.metrics != nil {
		errs = append(errs, a.metrics.Close())
	}
	if a.coord != nil {
		errs = append(errs, a.coord.Close())
	}
	if a.pipeline != nil {
		errs = append(errs, a.pipeline.Close())
	}
	if a.closeLog != nil {
		a.closeLog()
	}
	return errors.Join(errs...)
}

// fileSize returns the size of path, or 0 when it does not exist.
func fileSize(path string) int64 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return info.Size()
}
