// Package app wires the dispatch services from configuration. The HTTP
// server, the location consumer and the maintenance commands share it.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/boat-dispatch/internal/config"
	"github.com/example/boat-dispatch/internal/dispatch"
	"github.com/example/boat-dispatch/internal/escalation"
	"github.com/example/boat-dispatch/internal/events"
	"github.com/example/boat-dispatch/internal/fleet"
	"github.com/example/boat-dispatch/internal/geo"
	"github.com/example/boat-dispatch/internal/intake"
	"github.com/example/boat-dispatch/internal/matcher"
	"github.com/example/boat-dispatch/internal/notify"
	"github.com/example/boat-dispatch/internal/operations"
	"github.com/example/boat-dispatch/internal/reconcile"
	"github.com/example/boat-dispatch/internal/storage"
)

type App struct {
	Config config.ServerConfig
	Logger *slog.Logger

	Store    *storage.Store
	Redis    redis.UniversalClient // nil without REDIS_ADDR
	Index    geo.PositionIndex
	Events   events.Publisher
	Sessions *notify.WSRegistry
	Notifier notify.Notifier

	Intake     *intake.Service
	Fleet      *fleet.Tracker
	Dispatch   *dispatch.Engine
	Escalation *escalation.Coordinator
	Operations *operations.View
	Sweeper    *reconcile.Sweeper

	closers []func() error
}

// Open connects to the configured backends. Redis and Kafka are optional;
// without them the position index, dedup reservations and events stay in
// process.
func Open(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) (*App, error) {
	a := &App{Config: cfg, Logger: logger}

	switch cfg.StoreBackend {
	case "postgres":
		if cfg.RunMigrations {
			if err := storage.MigrateDSN(ctx, cfg.PGDSN); err != nil {
				return nil, fmt.Errorf("migrate: %w", err)
			}
			logger.Info("migrations applied")
		}
		st, err := storage.NewPostgresStore(ctx, cfg.PGDSN, logger)
		if err != nil {
			return nil, fmt.Errorf("open postgres store: %w", err)
		}
		a.Store = st
	default:
		a.Store = storage.NewMemoryStore()
	}
	a.closers = append(a.closers, a.Store.Close)

	var dedup intake.Deduper
	if cfg.RedisAddr != "" {
		rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		pctx, cancel := context.WithTimeout(ctx, 3*time.Second)
		err := rc.Ping(pctx).Err()
		cancel()
		if err != nil {
			_ = rc.Close()
			_ = a.Close()
			return nil, fmt.Errorf("redis ping %s: %w", cfg.RedisAddr, err)
		}
		a.Redis = rc
		a.Index = geo.NewRedisGeo(rc, cfg.RedisGeoKey)
		dedup = intake.NewRedisDeduper(rc)
		a.closers = append(a.closers, rc.Close)
	} else {
		a.Index = geo.NewIndex()
		dedup = intake.NewMemoryDeduper()
	}

	if len(cfg.KafkaBrokers) > 0 {
		kp := events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaEventsTopic)
		a.Events = kp
		a.closers = append(a.closers, kp.Close)
	} else {
		a.Events = events.Nop{}
	}

	a.Sessions = notify.NewWSRegistry()
	chain := notify.Chain{a.Sessions}
	if cfg.NotifyWebhookURL != "" {
		chain = append(chain, notify.NewWebhook(cfg.NotifyWebhookURL, cfg.NotifyWebhookKey))
	}
	a.Notifier = chain

	a.Intake = intake.NewService(a.Store.Rides, dedup, cfg.DedupWindow, a.Events, logger)
	a.Fleet = fleet.NewTracker(a.Store.Captains, a.Index, a.Events, logger)
	a.Dispatch = dispatch.NewEngine(a.Store.Rides, a.Store.Captains, a.Events, a.Notifier, logger)
	a.Escalation = escalation.NewCoordinator(a.Store, matcher.PolicyByName(cfg.BackupPolicy, a.Index), a.Notifier, a.Events, logger)
	a.Operations = operations.NewView(a.Store, a.Dispatch, a.Notifier, a.Events, logger)
	a.Sweeper = reconcile.NewSweeper(a.Store.Rides, a.Store.Captains, a.Events, logger, cfg.ReconcileInterval, cfg.ReconcileGrace)
	return a, nil
}

// Ready reports whether the backing services answer.
func (a *App) Ready(ctx context.Context) error {
	if err := a.Store.Ping(ctx); err != nil {
		return fmt.Errorf("store: %w", err)
	}
	if a.Redis != nil {
		if err := a.Redis.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
	}
	return nil
}

// Close releases backends in reverse order of opening.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}
