// Package app assembles the long-lived components shared by the api and
// worker binaries from a loaded configuration.
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/dunamismax/pixelbatch/internal/batch"
	"github.com/dunamismax/pixelbatch/internal/codec"
	"github.com/dunamismax/pixelbatch/internal/config"
	"github.com/dunamismax/pixelbatch/internal/logging"
	"github.com/dunamismax/pixelbatch/internal/notify"
	"github.com/dunamismax/pixelbatch/internal/pipeline"
	"github.com/dunamismax/pixelbatch/internal/storage"
	"github.com/dunamismax/pixelbatch/internal/store"
	"github.com/dunamismax/pixelbatch/internal/transport"
	"github.com/dunamismax/pixelbatch/internal/webhook"
)

// CloseFunc releases a resource opened during startup.
type CloseFunc func(context.Context) error

func noopClose(context.Context) error { return nil }

// OpenStore connects to the configured document store. Postgres schemas are
// migrated before the store is returned.
func OpenStore(ctx context.Context, cfg config.Config, logger zerolog.Logger) (store.Store, CloseFunc, error) {
	switch cfg.Store.Backend {
	case config.StoreBackendMemory:
		logger.Warn().Msg("using in-memory store; requests are lost on restart")
		return store.NewMemoryStore(), noopClose, nil
	case config.StoreBackendPostgres:
		pg, err := store.NewPostgresStore(ctx, cfg.Database.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres store: %w", err)
		}
		logger.Info().Msg("postgres store ready")
		return pg, func(context.Context) error { return pg.Close() }, nil
	case config.StoreBackendMongo:
		mg, err := store.NewMongoStore(ctx, cfg.Mongo.URI, cfg.Mongo.Database)
		if err != nil {
			return nil, nil, fmt.Errorf("open mongo store: %w", err)
		}
		logger.Info().Str("database", cfg.Mongo.Database).Msg("mongo store ready")
		return mg, mg.Close, nil
	default:
		return nil, nil, fmt.Errorf("unsupported store backend: %s", cfg.Store.Backend)
	}
}

// NewPublisher builds the configured image publisher. The object backend
// creates the bucket on first use and opens the output prefix for anonymous
// reads so the published URLs resolve.
func NewPublisher(ctx context.Context, cfg config.Config, logger zerolog.Logger) (transport.Publisher, error) {
	switch cfg.Publish.Backend {
	case config.PublishBackendHTTP:
		return transport.NewHTTPUploadPublisher(cfg.Publish), nil
	case config.PublishBackendObject:
		client, err := storage.NewClient(cfg.Storage)
		if err != nil {
			return nil, fmt.Errorf("create storage client: %w", err)
		}
		if err := client.EnsureBucket(ctx); err != nil {
			return nil, err
		}
		publisher := transport.NewObjectStorePublisher(client, cfg.Publish.OutputPrefix)
		if err := client.AllowPublicRead(ctx, publisher.OutputPrefix()); err != nil {
			return nil, err
		}
		logger.Info().
			Str("bucket", client.Bucket()).
			Str("prefix", publisher.OutputPrefix()).
			Msg("object store publisher ready")
		return publisher, nil
	default:
		return nil, fmt.Errorf("unsupported publish backend: %s", cfg.Publish.Backend)
	}
}

// Runtime is everything needed to run batches in this process.
type Runtime struct {
	Orchestrator *batch.Orchestrator
	Metrics      *batch.Metrics

	dispatcher *notify.Dispatcher
	closers    []CloseFunc
}

// NewRuntime wires codec, transport, pipeline, notifications and the
// orchestrator around st. Batch metrics are registered on registry when it is
// non-nil.
func NewRuntime(ctx context.Context, cfg config.Config, logger zerolog.Logger, st store.Store, publisher transport.Publisher, registry prometheus.Registerer) (*Runtime, error) {
	rt := &Runtime{}

	c, err := codec.New()
	if err != nil {
		return nil, fmt.Errorf("start codec: %w", err)
	}
	rt.closers = append(rt.closers, func(context.Context) error {
		codec.Shutdown()
		return nil
	})

	products, err := pipeline.New(
		logging.Component(logger, "pipeline"),
		transport.NewHTTPFetcher(cfg.Fetch),
		c,
		publisher,
		pipeline.Config{Quality: cfg.Codec.Quality},
	)
	if err != nil {
		return nil, errors.Join(err, rt.Close(ctx))
	}

	if registry != nil {
		rt.Metrics = batch.NewMetrics(registry)
	}

	orchCfg := batch.OrchestratorConfig{
		ProductConcurrency: cfg.Worker.ProductConcurrency,
		Metrics:            rt.Metrics,
	}
	if cfg.Notify.Enabled {
		dispatcher, err := rt.newDispatcher(cfg, logger, st)
		if err != nil {
			return nil, errors.Join(err, rt.Close(ctx))
		}
		rt.dispatcher = dispatcher
		orchCfg.Notifier = dispatcher
	}

	rt.Orchestrator, err = batch.NewOrchestrator(logging.Component(logger, "orchestrator"), st, products, orchCfg)
	if err != nil {
		return nil, errors.Join(err, rt.Close(ctx))
	}
	return rt, nil
}

func (rt *Runtime) newDispatcher(cfg config.Config, logger zerolog.Logger, st store.Store) (*notify.Dispatcher, error) {
	opts := []notify.Option{notify.WithTimeout(cfg.Notify.Timeout)}
	if len(cfg.Notify.KafkaBrokers) > 0 {
		writer, err := notify.NewKafkaWriter(cfg.Notify.KafkaBrokers, cfg.Notify.KafkaTopic)
		if err != nil {
			return nil, fmt.Errorf("create kafka writer: %w", err)
		}
		rt.closers = append(rt.closers, func(context.Context) error { return writer.Close() })
		opts = append(opts, notify.WithEventWriter(writer))
		logger.Info().
			Strs("brokers", cfg.Notify.KafkaBrokers).
			Str("topic", cfg.Notify.KafkaTopic).
			Msg("kafka event sink enabled")
	}

	return notify.NewDispatcher(
		logging.Component(logger, "notify"),
		st,
		webhook.NewClient(cfg.Notify),
		opts...,
	), nil
}

// Close waits for pending notifications, then releases resources in reverse
// order of acquisition.
func (rt *Runtime) Close(ctx context.Context) error {
	if rt.dispatcher != nil {
		rt.dispatcher.Wait()
	}

	var errs []error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	rt.closers = nil
	return errors.Join(errs...)
}
