package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	goredis "github.com/redis/go-redis/v9"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"

	"github.com/inimical023/callflow/bus"
	busmemory "github.com/inimical023/callflow/bus/memory"
	busredis "github.com/inimical023/callflow/bus/redis"
	"github.com/inimical023/callflow/cluster"
	"github.com/inimical023/callflow/cluster/k8s"
	"github.com/inimical023/callflow/config"
	"github.com/inimical023/callflow/store"
	bunstore "github.com/inimical023/callflow/store/bun"
	"github.com/inimical023/callflow/store/memory"
	mongostore "github.com/inimical023/callflow/store/mongo"
	"github.com/inimical023/callflow/store/postgres"
	redisstore "github.com/inimical023/callflow/store/redis"
	"github.com/inimical023/callflow/store/sqlite"
	"github.com/inimical023/callflow/worker"
)

// openStore opens the configured store backend and registers its cleanup.
func openStore(ctx context.Context, cfg config.StoreConfig, logger *slog.Logger, c *closers) (store.Store, error) {
	var st store.Store
	switch cfg.Driver {
	case "", "memory":
		st = memory.New()

	case "redis":
		rs, err := redisstore.Open(cfg.DSN, redisstore.WithLogger(logger), redisstore.WithPrefix(cfg.Prefix))
		if err != nil {
			return nil, err
		}
		st = rs

	case "postgres":
		pg, err := postgres.New(ctx, cfg.DSN, postgres.WithLogger(logger))
		if err != nil {
			return nil, err
		}
		st = pg

	case "bun":
		sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(cfg.DSN)))
		db := bun.NewDB(sqldb, pgdialect.New())
		c.add("bun db", func(context.Context) error { return db.Close() })
		st = bunstore.New(db, bunstore.WithLogger(logger))

	case "mongo":
		ms, err := mongostore.Open(cfg.DSN, cfg.Database, mongostore.WithLogger(logger))
		if err != nil {
			return nil, err
		}
		st = ms

	case "sqlite":
		lite, err := sqlite.Open(ctx, cfg.DSN, sqlite.WithLogger(logger))
		if err != nil {
			return nil, err
		}
		st = lite

	default:
		return nil, fmt.Errorf("unknown driver %q", cfg.Driver)
	}

	c.add("store", func(context.Context) error { return st.Close() })
	if err := st.Ping(ctx); err != nil {
		return nil, fmt.Errorf("%s ping: %w", cfg.Driver, err)
	}
	logger.Info("store opened", slog.String("driver", cfg.Driver))
	return st, nil
}

// openBus opens the configured event bus on a shared worker pool. The
// engine closes the bus itself; only the pool and client are registered
// for cleanup.
func openBus(ctx context.Context, cfg config.Config, logger *slog.Logger, c *closers) (bus.Bus, error) {
	pool := worker.NewPool(logger,
		worker.WithConcurrency(cfg.Engine.Concurrency),
		worker.WithQueueSize(cfg.Engine.QueueSize),
	)
	if err := pool.Start(ctx); err != nil {
		return nil, err
	}
	c.add("worker pool", pool.Stop)

	switch cfg.Bus.Driver {
	case "", "memory":
		return busmemory.New(busmemory.WithPool(pool), busmemory.WithLogger(logger)), nil

	case "redis":
		client, err := redisClient(cfg.Bus.URL)
		if err != nil {
			return nil, err
		}
		c.add("bus redis client", func(context.Context) error { return client.Close() })
		return busredis.New(client,
			busredis.WithPool(pool),
			busredis.WithLogger(logger),
			busredis.WithCodec(bus.GetCodec(cfg.Bus.Codec)),
			busredis.WithPrefix(cfg.Bus.Prefix),
			busredis.WithAckTimeout(cfg.Bus.AckTimeout),
			busredis.WithMaxLen(cfg.Bus.MaxLen),
		)

	default:
		return nil, fmt.Errorf("unknown driver %q", cfg.Bus.Driver)
	}
}

// openLeadership returns a Kubernetes Lease backend when configured, or nil
// to elect through the store.
func openLeadership(cfg config.ClusterConfig, logger *slog.Logger) (cluster.Store, error) {
	if !cfg.Kubernetes {
		return nil, nil
	}
	restCfg, err := rest.InClusterConfig()
	if err != nil {
		return nil, fmt.Errorf("in-cluster config: %w", err)
	}
	client, err := kubernetes.NewForConfig(restCfg)
	if err != nil {
		return nil, fmt.Errorf("kubernetes client: %w", err)
	}
	return k8s.New(client, cfg.Namespace,
		k8s.WithLogger(logger),
		k8s.WithLeaseName(cfg.LeaseName),
	), nil
}

func redisClient(url string) (*goredis.Client, error) {
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return goredis.NewClient(opts), nil
}
