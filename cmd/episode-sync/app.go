package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/ehr/episodesync/internal/careplatform"
	"github.com/ehr/episodesync/internal/config"
	"github.com/ehr/episodesync/internal/domain/episode"
	"github.com/ehr/episodesync/internal/domain/staging"
	"github.com/ehr/episodesync/internal/mapping"
	"github.com/ehr/episodesync/internal/metrics"
	"github.com/ehr/episodesync/internal/notify"
	"github.com/ehr/episodesync/internal/platform/db"
	"github.com/ehr/episodesync/internal/processlog"
	"github.com/ehr/episodesync/internal/reconcile"
	"github.com/ehr/episodesync/internal/source"
	"github.com/ehr/episodesync/internal/tracing"
)

// app holds the components shared by every command. It is built once per
// process from the loaded config.
type app struct {
	cfg      *config.Config
	logger   zerolog.Logger
	pool     *pgxpool.Pool
	store    *staging.PGStore
	runs     *processlog.PGLog
	log      *processlog.Safe
	metrics  *metrics.Metrics
	notifier notify.Notifier

	shutdownTracing func(context.Context) error
}

func newLogger(cfg *config.Config) zerolog.Logger {
	logger := zerolog.New(os.Stdout).With().Timestamp().Str("service", tracing.ServiceName).Logger()
	if cfg.IsDev() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	return logger.Level(level)
}

func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	episode.SetLocation(cfg.Location())
	logger := newLogger(cfg)

	shutdown, err := tracing.Init(ctx, cfg.OTLPEndpoint)
	if err != nil {
		return nil, err
	}

	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBSchema, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		shutdown(ctx)
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	logger.Debug().Str("schema", cfg.DBSchema).Msg("connected to database")

	var sinks notify.Multi
	if len(cfg.KafkaBrokers) > 0 {
		sinks = append(sinks, notify.NewKafkaNotifier(cfg.KafkaBrokers, cfg.KafkaTopic))
		logger.Info().Strs("brokers", cfg.KafkaBrokers).Str("topic", cfg.KafkaTopic).Msg("publishing episode changes")
	}
	if cfg.WebhookURL != "" {
		sinks = append(sinks, notify.NewWebhookNotifier(notify.WebhookConfig{URL: cfg.WebhookURL, Secret: cfg.WebhookSecret}))
		logger.Info().Str("url", cfg.WebhookURL).Msg("delivering episode changes to webhook")
	}
	var notifier notify.Notifier = notify.Nop{}
	switch len(sinks) {
	case 0:
	case 1:
		notifier = sinks[0]
	default:
		notifier = sinks
	}

	runs := processlog.NewPGLog(pool)
	return &app{
		cfg:             cfg,
		logger:          logger,
		pool:            pool,
		store:           staging.NewPGStore(pool),
		runs:            runs,
		log:             processlog.NewSafe(runs, logger),
		metrics:         metrics.New(),
		notifier:        notifier,
		shutdownTracing: shutdown,
	}, nil
}

func (a *app) fetcher() (*reconcile.Fetcher, error) {
	if err := a.cfg.RequireSource(); err != nil {
		return nil, err
	}
	client := source.NewHTTPClient(source.HTTPConfig{
		BaseURL:     a.cfg.SourceAPIURL,
		Token:       a.cfg.SourceAPIToken,
		Timeout:     a.cfg.SourceTimeout,
		MinInterval: a.cfg.SourceMinInterval,
	}, a.logger)
	return reconcile.NewFetcher(client, a.store, a.log, a.metrics, a.logger, reconcile.FetchOptions{
		PageSize: a.cfg.FetchPageSize,
		MinDate:  a.cfg.MinDate(),
		Overlap:  a.cfg.FetchOverlap,
	}), nil
}

func (a *app) importer(maxEpisodes int) (*reconcile.Importer, error) {
	if err := a.cfg.RequirePlatform(); err != nil {
		return nil, err
	}
	m, err := mapping.Load(a.cfg.MappingFile)
	if err != nil {
		return nil, err
	}
	client := careplatform.NewHTTPClient(careplatform.HTTPConfig{
		BaseURL:   a.cfg.PlatformAPIURL,
		ClientID:  a.cfg.PlatformClientID,
		JWTSecret: a.cfg.PlatformJWTSecret,
		Timeout:   a.cfg.PlatformTimeout,
	}, a.logger)
	if maxEpisodes < 0 {
		maxEpisodes = a.cfg.ImportMaxEpisodes
	}
	return reconcile.NewImporter(a.store, client, m, a.notifier, a.log, a.metrics, a.logger, reconcile.ImportOptions{
		PageSize:    a.cfg.ImportPageSize,
		MaxEpisodes: maxEpisodes,
	}), nil
}

func (a *app) syncer() (*reconcile.Syncer, error) {
	f, err := a.fetcher()
	if err != nil {
		return nil, err
	}
	imp, err := a.importer(-1)
	if err != nil {
		return nil, err
	}
	return reconcile.NewSyncer(f, imp, a.logger), nil
}

func (a *app) Close() {
	if err := a.notifier.Close(); err != nil {
		a.logger.Warn().Err(err).Msg("close notifier")
	}
	if err := a.shutdownTracing(context.Background()); err != nil {
		a.logger.Warn().Err(err).Msg("flush traces")
	}
	a.pool.Close()
}
