package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/sqliteshim"

	"github.com/charadev96/invitecore/internal/server/domain"
	"github.com/charadev96/invitecore/internal/server/event"
	"github.com/charadev96/invitecore/internal/server/repository"
	"github.com/charadev96/invitecore/internal/server/service"
	"github.com/charadev96/invitecore/internal/shared/config"
	shared "github.com/charadev96/invitecore/internal/shared/domain"
	"github.com/charadev96/invitecore/internal/shared/infra"
)

var eventKinds = []domain.EventKind{
	domain.KindInvitationCreated,
	domain.KindInvitationUsed,
	domain.KindInvitationRevoked,
	domain.KindInvitationExpired,
	domain.KindInvitationLimitReached,
}

// app owns the storage and event connections behind a local service.
type app struct {
	Service *service.InvitationService

	closers []func() error
}

func newApp(ctx context.Context, cfg config.Config, logger *zerolog.Logger) (*app, error) {
	a := &app{}
	repo, txRunner, err := a.openRepository(ctx, cfg.Storage)
	if err != nil {
		a.Close()
		return nil, err
	}
	events, err := a.openEvents(ctx, cfg.Events, logger)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.Service = &service.InvitationService{
		Invitations:     repo,
		TXRunner:        txRunner,
		Events:          events,
		Logger:          logger,
		ConflictRetries: cfg.Service.ConflictRetries,
	}
	logger.Debug().
		Str("storage", cfg.Storage.Driver).
		Str("events", cfg.Events.Driver).
		Msg("initialized service")
	return a, nil
}

// openRepository returns the configured repository and, for SQL storage, the
// transaction runner its methods join.
func (a *app) openRepository(ctx context.Context, cfg config.StorageConfig) (domain.InvitationRepository, shared.TransactionRunner, error) {
	switch cfg.Driver {
	case config.StorageSQLite:
		sqldb, err := sql.Open(sqliteshim.ShimName, cfg.SQLitePath)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open database: %w", err)
		}
		sqldb.SetMaxOpenConns(1)
		db := bun.NewDB(sqldb, sqlitedialect.New())
		a.closers = append(a.closers, db.Close)
		repo, err := repository.NewBunInvitationRepository(ctx, db)
		if err != nil {
			return nil, nil, err
		}
		return repo, infra.NewBunTransactionRunner(db), nil
	case config.StoragePostgres:
		db, err := sqlx.ConnectContext(ctx, "postgres", cfg.PostgresDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open database: %w", err)
		}
		a.closers = append(a.closers, db.Close)
		repo := repository.NewPostgresInvitationRepository(db)
		if err := repo.CreateSchema(ctx); err != nil {
			return nil, nil, err
		}
		return repo, infra.NewSqlxTransactionRunner(db), nil
	case config.StorageTOML:
		return repository.NewTOMLInvitationRepository(cfg.TOMLPath), nil, nil
	}
	return repository.NewMemoryInvitationRepository(), nil, nil
}

func (a *app) openEvents(ctx context.Context, cfg config.EventsConfig, logger *zerolog.Logger) (domain.EventPublisher, error) {
	var bus domain.EventPublisher
	switch cfg.Driver {
	case config.EventsNone:
		return nil, nil
	case config.EventsRedis:
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		rb := event.NewRedisBus(client, cfg.RedisChannel, logger)
		a.closers = append(a.closers, client.Close, rb.Close)
		bus = rb
	default:
		bus = event.NewMemoryBus(logger)
	}

	for _, kind := range eventKinds {
		bus.Subscribe(kind, logEvent(logger))
	}
	return bus, nil
}

// Close releases connections in reverse order of opening.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func logEvent(logger *zerolog.Logger) domain.EventHandler {
	return func(ctx context.Context, ev domain.Event) error {
		logger.Info().
			Str("kind", string(ev.Kind())).
			Time("occurred_at", ev.OccurredAt()).
			Msg("invitation event")
		return nil
	}
}
