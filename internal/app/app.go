// Сборка зависимостей для процессов сервиса баллов
package app

import (
	"context"

	cfg "github.com/glkeru/loyalty/ledger/internal/config"
	db "github.com/glkeru/loyalty/ledger/internal/db"
	interf "github.com/glkeru/loyalty/ledger/internal/interfaces"
	services "github.com/glkeru/loyalty/ledger/internal/services"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

type App struct {
	Logger *zap.Logger
	Config cfg.Points
	Pool   *pgxpool.Pool
	Ledger *db.PointsDB
	Orders *db.OrdersDB
	Points *services.PointsService

	cache *db.CacheService
}

// База обязательна, кэш нет: без redis баланс читается из базы
func New(ctx context.Context, logger *zap.Logger) (*App, error) {
	config := cfg.Load()

	// database
	pool, err := db.NewPool(ctx)
	if err != nil {
		return nil, err
	}
	if err = db.Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	a := &App{
		Logger: logger,
		Config: config,
		Pool:   pool,
		Ledger: db.NewPointsDB(logger, pool, config.LockTimeout),
		Orders: db.NewOrdersDB(logger, pool, config.LockTimeout),
	}

	// cache
	var cache interf.CacheStorage
	a.cache, err = db.NewCacheService()
	if err != nil {
		logger.Error("cache is disabled", zap.Error(err))
	} else {
		cache = a.cache
	}

	a.Points = services.NewPointService(logger, a.Ledger, cache)
	return a, nil
}

func (a *App) Expiry(events interf.EventPublisher) *services.ExpiryScheduler {
	return services.NewExpiryScheduler(a.Logger, a.Points, a.Ledger, events, a.Config)
}

func (a *App) Workflow(tiers interf.TierProvider, gateway interf.PaymentGateway, events interf.EventPublisher, tasks interf.TaskQueue) *services.Workflow {
	return services.NewWorkflow(a.Logger, a.Orders, a.Points, tiers, gateway, events, tasks, a.Config)
}

func (a *App) Close() {
	if a.cache != nil {
		a.cache.Close()
	}
	a.Pool.Close()
}
