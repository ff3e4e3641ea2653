package points

import (
	"context"

	model "github.com/glkeru/loyalty/ledger/internal/models"
)

// Заказы и склад
type OrderStorage interface {
	GetOrder(ctx context.Context, id string) (model.Order, error)
	// новый заказ, повтор с тем же id ничего не меняет
	CreateOrder(ctx context.Context, order model.Order) (created bool, err error)
	// fn выполняется в короткой транзакции под блокировкой строки заказа
	WithOrderLock(ctx context.Context, id string, fn func(tx OrderTx) error) error
}

type OrderTx interface {
	Order() model.Order
	Save(ctx context.Context, order model.Order) error
	DecrementStock(ctx context.Context, productID string, qty int64) error
	RestoreStock(ctx context.Context, productID string, qty int64) error
}

// Платежный шлюз. Ошибки - *model.GatewayError
type PaymentGateway interface {
	Confirm(ctx context.Context, req model.PaymentConfirm) (model.PaymentApproval, error)
}

type EventPublisher interface {
	Publish(ctx context.Context, event model.Event) error
}

// Очередь повторов этапа баллов
type TaskQueue interface {
	Enqueue(ctx context.Context, task model.PointsTask) error
}
