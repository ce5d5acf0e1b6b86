package cli

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/lazypower/quill/internal/config"
	"github.com/lazypower/quill/internal/engine"
	"github.com/lazypower/quill/internal/llm"
	"github.com/lazypower/quill/internal/metrics"
	"github.com/lazypower/quill/internal/store"
)

// loadConfig reads --config, or the default path when the flag is unset.
func loadConfig() (config.Config, error) {
	path := configPath
	if path == "" {
		var err error
		path, err = config.DefaultPath()
		if err != nil {
			return config.Config{}, err
		}
	}
	return config.Load(path)
}

// newLogger builds a production or development zap logger at the
// configured level.
func newLogger(cfg config.LogConfig) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if cfg.Development {
		zc = zap.NewDevelopmentConfig()
	}
	if cfg.Level != "" {
		level, err := zap.ParseAtomicLevel(cfg.Level)
		if err != nil {
			return nil, fmt.Errorf("parse log level: %w", err)
		}
		zc.Level = level
	}
	return zc.Build()
}

// openDB opens the configured database. QUILL_DB overrides the config path
// through config.Load.
func openDB(cfg config.Config) (*store.DB, error) {
	dbPath := cfg.Database.Path
	if dbPath == "" {
		var err error
		dbPath, err = store.DefaultDBPath()
		if err != nil {
			return nil, fmt.Errorf("resolve db path: %w", err)
		}
	}
	return store.Open(dbPath)
}

// newGenerator picks the LLM generator when a provider is configured and
// the heuristic generator otherwise.
func newGenerator(cfg config.LLMConfig, log *zap.Logger) (engine.RuleGenerator, error) {
	client, err := llm.NewClient(cfg)
	switch {
	case errors.Is(err, llm.ErrNoProvider):
		log.Info("rule generator: heuristic")
		return engine.HeuristicGenerator(), nil
	case err != nil:
		return nil, fmt.Errorf("create llm client: %w", err)
	}
	log.Info("rule generator: llm", zap.String("provider", cfg.Provider), zap.String("model", cfg.Model))
	return engine.NewLLMGenerator(client), nil
}

// app bundles what every command needs.
type app struct {
	cfg     config.Config
	log     *zap.Logger
	db      *store.DB
	engine  *engine.Engine
	metrics *metrics.Metrics
}

// newApp loads config, opens the database and builds the engine. With
// background unset, distillation scheduled by writes runs inline. Callers
// must call close.
func newApp(background bool) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	log, err := newLogger(cfg.Log)
	if err != nil {
		return nil, err
	}
	db, err := openDB(cfg)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	gen, err := newGenerator(cfg.LLM, log)
	if err != nil {
		db.Close()
		return nil, err
	}

	m := metrics.New()
	opts := engine.Options{
		Logger:    log,
		Limits:    cfg.Limits(),
		Generator: gen,
		Metrics:   m,
	}
	if !background {
		opts.Scheduler = engine.SyncScheduler
	}
	eng := engine.New(db, opts)
	return &app{cfg: cfg, log: log, db: db, engine: eng, metrics: m}, nil
}

func (a *app) close() {
	a.engine.Stop()
	a.db.Close()
	a.log.Sync()
}
