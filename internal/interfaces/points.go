package points

import (
	"context"
	"time"

	model "github.com/glkeru/loyalty/ledger/internal/models"
	"github.com/google/uuid"
)

//go:generate mockgen -destination=./../services/mock_points_test.go -package=points . TierProvider,PaymentGateway,EventPublisher,TaskQueue

// Журнал баллов
type PointsStorage interface {
	// fn выполняется в транзакции под блокировкой строки счета.
	// Ошибка fn откатывает транзакцию целиком.
	WithAccountLock(ctx context.Context, account uuid.UUID, fn func(tx LedgerTx) error) error

	GetUserUUID(ctx context.Context, user string) (account uuid.UUID, err error)
	GetBalance(ctx context.Context, account uuid.UUID) (points int64, err error)
	GetLot(ctx context.Context, id int64) (model.PointLot, error)
	GetConsumption(ctx context.Context, id int64) (model.PointConsumption, error)
	ExpiredLots(ctx context.Context, asOf time.Time, afterID int64, limit int) ([]model.PointLot, error)
	ExpiringLots(ctx context.Context, from time.Time, to time.Time) ([]model.PointLot, error)
	GetAccounts(ctx context.Context) ([]model.PointAccount, error)
	GetHistory(ctx context.Context, account uuid.UUID, from time.Time, to time.Time) (model.History, error)
}

// Операции внутри транзакции счета
type LedgerTx interface {
	Account() model.PointAccount
	// активные партии с остатком в порядке FIFO: срок действия, nulls last, дата, id
	ActiveLots(ctx context.Context) ([]model.PointLot, error)
	Lot(ctx context.Context, id int64) (model.PointLot, error)
	LotByKey(ctx context.Context, key string) (lot model.PointLot, found bool, err error)
	Consumption(ctx context.Context, id int64) (model.PointConsumption, error)
	ConsumptionByKey(ctx context.Context, key string) (c model.PointConsumption, found bool, err error)
	Reversed(ctx context.Context, consumptionID int64) (bool, error)
	SumRemaining(ctx context.Context) (int64, error)

	InsertLot(ctx context.Context, lot *model.PointLot) error
	UpdateLot(ctx context.Context, lot model.PointLot) error
	InsertConsumption(ctx context.Context, c *model.PointConsumption) error
	InsertReversal(ctx context.Context, r *model.PointReversal) error
	SetBalance(ctx context.Context, balance int64) error
}

type CacheStorage interface {
	GetBalance(ctx context.Context, account uuid.UUID) (points int64, err error)
	SetBalance(ctx context.Context, account uuid.UUID, points int64) (err error)
	InvalidateBalance(ctx context.Context, account uuid.UUID) error
}

// Уровни участников
type TierProvider interface {
	GetTier(ctx context.Context, user string) (model.Tier, error)
}
