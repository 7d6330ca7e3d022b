package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/rendis/ensemble/internal/agents"
	"github.com/rendis/ensemble/internal/engine"
	"github.com/rendis/ensemble/internal/eventlog"
	"github.com/rendis/ensemble/internal/expressions"
	"github.com/rendis/ensemble/internal/loader"
	"github.com/rendis/ensemble/internal/logging"
	"github.com/rendis/ensemble/internal/metrics"
	"github.com/rendis/ensemble/internal/resumption"
	"github.com/rendis/ensemble/internal/streaming"
	"github.com/rendis/ensemble/internal/validation"
)

// app is the dependency graph shared by every command.
type app struct {
	cfg       Config
	logger    *slog.Logger
	out       io.Writer
	registry  *agents.Registry
	manager   *resumption.Manager
	executor  engine.Executor
	loader    *loader.Loader
	collector *metrics.Collector
	hub       *streaming.MemoryHub
	events    *eventlog.Log // nil unless the store is libsql
	closers   []func() error
}

func newApp(ctx context.Context, cfg Config, out, logOut io.Writer) (*app, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	a := &app{
		cfg:       cfg,
		out:       out,
		logger:    logging.NewLogger(logOut, cfg.LogFormat, cfg.LogLevel),
		registry:  agents.NewRegistry(),
		collector: metrics.NewCollector(metrics.WithRuntimeMetrics()),
		hub:       streaming.NewMemoryHub(256),
	}

	err := agents.RegisterBuiltins(a.registry, agents.BuiltinConfig{
		HTTP: agents.HTTPConfig{DefaultTimeout: cfg.HTTPTimeout.Std()},
	})
	if err != nil {
		return nil, err
	}

	store, err := a.openStore(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}
	if cfg.Store == "libsql" {
		if err := a.openEventLog(ctx); err != nil {
			a.Close()
			return nil, err
		}
	}
	a.manager = resumption.NewManager(store,
		resumption.WithDefaultTTL(cfg.SuspensionTTL.Std()),
		resumption.WithLogger(a.logger),
		resumption.WithEventHook(a.collector.SuspensionEvent),
	)

	cel, err := expressions.NewCELEngine()
	if err != nil {
		a.Close()
		return nil, err
	}
	validator, err := validation.NewEnsembleValidator(a.registry, cel)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.loader, err = loader.New(loader.WithValidator(validator), loader.WithLogger(a.logger))
	if err != nil {
		a.Close()
		return nil, err
	}

	interp := expressions.NewInterpolator(expressions.WithExpressionEngine(expressions.NewExprEngine()))
	adapterOpts := []agents.AdapterOption{agents.WithAdapterLogger(a.logger)}
	if cfg.AgentTimeout > 0 {
		adapterOpts = append(adapterOpts, agents.WithTimeout(cfg.AgentTimeout.Std()))
	}
	if cfg.CircuitFailureThreshold > 0 {
		cb := agents.DefaultCircuitBreakerConfig()
		cb.FailureThreshold = cfg.CircuitFailureThreshold
		cb.Cooldown = cfg.CircuitCooldown.Std()
		adapterOpts = append(adapterOpts, agents.WithCircuitBreaker(cb))
	}
	a.executor = engine.NewExecutor(agents.NewAdapter(a.registry, interp, adapterOpts...),
		engine.WithResumption(a.manager),
		engine.WithLogger(a.logger),
		engine.WithMetrics(a.collector),
		engine.WithEvents(a.hub),
		engine.WithValidator(validator),
		engine.WithInterpolator(interp),
	)
	return a, nil
}

func (a *app) openStore(ctx context.Context) (resumption.Store, error) {
	switch a.cfg.Store {
	case "memory":
		return resumption.NewMemoryStore(), nil
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: a.cfg.RedisAddr})
		a.closers = append(a.closers, client.Close)
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("connect redis %s: %w", a.cfg.RedisAddr, err)
		}
		return resumption.NewRedisStore(client, resumption.WithRedisPrefix(a.cfg.RedisPrefix)), nil
	default:
		if err := os.MkdirAll(filepath.Dir(a.cfg.DBPath), 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
		store, err := resumption.NewLibSQLStore(a.dsn())
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, store.Close)
		if err := store.Migrate(ctx); err != nil {
			return nil, fmt.Errorf("migrate %s: %w", a.cfg.DBPath, err)
		}
		return store, nil
	}
}

// openEventLog records every published event next to the suspensions.
func (a *app) openEventLog(ctx context.Context) error {
	l, err := eventlog.Open(a.dsn())
	if err != nil {
		return err
	}
	a.closers = append(a.closers, l.Close)
	if err := l.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate event log: %w", err)
	}
	rec, err := eventlog.Record(ctx, l, a.hub, streaming.Filter{}, a.logger)
	if err != nil {
		return err
	}
	a.closers = append(a.closers, rec.Stop)
	a.events = l
	return nil
}

func (a *app) dsn() string {
	if strings.Contains(a.cfg.DBPath, ":") {
		return a.cfg.DBPath
	}
	return "file:" + a.cfg.DBPath
}

// Close stops the event recorder and releases the store connections in
// reverse order.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}
