package cmd

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nextlevelbuilder/taskgrid/internal/broker"
	"github.com/nextlevelbuilder/taskgrid/internal/config"
	"github.com/nextlevelbuilder/taskgrid/internal/coord"
	"github.com/nextlevelbuilder/taskgrid/internal/stats"
	"github.com/nextlevelbuilder/taskgrid/internal/store"
	"github.com/nextlevelbuilder/taskgrid/internal/store/sqldb"
)

// messageBus is the broker surface a node needs: both directions plus
// shutdown.
type messageBus interface {
	broker.Producer
	broker.Consumer
}

// openStore picks the store backend from db.driver. "memory" keeps
// everything in-process for standalone runs.
func openStore(ctx context.Context, cfg *config.Config, sm *stats.Manager) (store.Store, error) {
	driver, dsn := cfg.DatabaseDSN()
	if driver == "memory" {
		slog.Info("using in-memory store")
		return store.NewMemory(), nil
	}
	st, err := sqldb.Open(ctx, driver, dsn, sm)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", driver, err)
	}
	return st, nil
}

// openBroker picks the broker backend from broker.driver. Redis
// Streams is the deployment transport; "memory" serves standalone
// single-process runs.
func openBroker(ctx context.Context, cfg *config.Config, consumerName string) (messageBus, error) {
	if cfg.String("broker.driver", "redis") == "memory" {
		slog.Info("using in-process broker")
		return broker.NewMemoryBus(), nil
	}
	return broker.NewRedisBroker(ctx, cfg.RedisAddr(), consumerName)
}

// openCoord opens a coordination session. The memory hub only makes
// sense in standalone mode where everything shares one process.
func openCoord(ctx context.Context, cfg *config.Config) (coord.Coordinator, error) {
	if cfg.String("coord.driver", "redis") == "memory" {
		slog.Info("using in-process coordination hub")
		return coord.NewMemoryHub().Session(), nil
	}
	return coord.NewRedisCoord(ctx, cfg.RedisAddr())
}
