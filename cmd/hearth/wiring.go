package main

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/noctualabs/hearth/internal/ai"
	"github.com/noctualabs/hearth/internal/config"
	"github.com/noctualabs/hearth/internal/metrics"
	"github.com/noctualabs/hearth/internal/session"
	"github.com/noctualabs/hearth/internal/state"
	"github.com/noctualabs/hearth/internal/storage"
)

// app bundles the wired components shared by the subcommands.
type app struct {
	cfg    *config.Config
	log    *zap.Logger
	store  *storage.Store
	states *state.Store
}

// newApp loads config, builds the logger and opens the store.
func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	log, err := newLogger(cfg.LogMode)
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	store, err := storage.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	return &app{
		cfg:    cfg,
		log:    log,
		store:  store,
		states: state.New(store.States, log),
	}, nil
}

func (a *app) close() {
	a.store.Close()
	_ = a.log.Sync()
}

// buildBackend constructs the configured generative backend.
func (a *app) buildBackend(ctx context.Context) (ai.Backend, error) {
	switch a.cfg.AI.Provider {
	case "openai":
		return ai.NewOpenAIBackend(a.cfg.AI.APIKey, a.cfg.AI.BaseURL, a.cfg.AI.Model, a.log)
	default:
		return ai.NewGeminiBackend(ctx, a.cfg.AI.APIKey, a.cfg.AI.Model, a.log)
	}
}

// buildSessions wires a session service over the configured backend.
func (a *app) buildSessions(backend ai.Backend) *session.Service {
	return session.New(a.store.Characters, a.states, backend, a.log, session.Options{
		GreetingWait: time.Duration(a.cfg.GreetingWaitSeconds) * time.Second,
		ReplyWait:    time.Duration(a.cfg.ReplyWaitSeconds) * time.Second,
	})
}

// metricsRepo satisfies metrics.Repo by combining the metrics and
// insight repositories.
type metricsRepo struct {
	*storage.MetricsRepo
	*storage.InsightRepo
}

// buildEngine wires the metrics engine over the session service.
func (a *app) buildEngine(runner metrics.TurnRunner) *metrics.Engine {
	repo := &metricsRepo{MetricsRepo: a.store.Metrics, InsightRepo: a.store.Insights}
	return metrics.NewEngine(repo, runner, a.store.Characters, a.cfg.GroupCharacters, nil, a.log)
}
