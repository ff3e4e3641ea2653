package points

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	interf "github.com/glkeru/loyalty/ledger/internal/interfaces"
	model "github.com/glkeru/loyalty/ledger/internal/models"
	"github.com/google/uuid"
	"github.com/jackc/pgtype"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// Заказы и остатки товаров
type OrdersDB struct {
	store
	pool        *pgxpool.Pool
	lockTimeout time.Duration
}

var _ interf.OrderStorage = (*OrdersDB)(nil)

func NewOrdersDB(logger *zap.Logger, pool *pgxpool.Pool, lockTimeout time.Duration) *OrdersDB {
	return &OrdersDB{store{pool, logger}, pool, lockTimeout}
}

var orderColumns = []string{"id", "userid", "account", "gateway_ref", "amount", "points_spent", "items", "state",
	"approval_txn_id", "failure_reason", "reconcile", "points_stage", "spend_id", "earn_lot_id", "earned_points",
	"points_attempt", "created_at", "updated_at"}

func (o *OrdersDB) GetOrder(ctx context.Context, id string) (model.Order, error) {
	return o.selectOrder(ctx, o.store, id, "")
}

// Вставка, если заказа с таким id еще нет
func (o *OrdersDB) CreateOrder(ctx context.Context, order model.Order) (created bool, err error) {
	if order.State == "" {
		order.State = model.OrderPending
	}
	if order.PointsStage == "" {
		order.PointsStage = model.PointsStagePending
	}
	now := time.Now()
	if order.CreatedAt.IsZero() {
		order.CreatedAt = now
	}
	order.UpdatedAt = now
	items, err := json.Marshal(order.Items)
	if err != nil {
		return false, err
	}
	tag, err := o.exec(ctx, sq.Insert("orders").
		Columns(orderColumns...).
		Values(order.ID, order.User, order.Account, order.GatewayRef, order.Amount, order.PointsSpent, items,
			string(order.State), order.ApprovalTxnID, order.FailureReason, order.Reconcile, string(order.PointsStage),
			order.SpendID, order.EarnLotID, order.EarnedPoints, order.PointsAttempt, order.CreatedAt, order.UpdatedAt).
		Suffix("ON CONFLICT (id) DO NOTHING").
		PlaceholderFormat(sq.Dollar))
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// Транзакция под блокировкой строки заказа
func (o *OrdersDB) WithOrderLock(ctx context.Context, id string, fn func(tx interf.OrderTx) error) (err error) {
	tx, err := begin(ctx, o.pool, o.lockTimeout)
	if err != nil {
		return mapError(err)
	}
	defer func() {
		if err != nil {
			tx.Rollback(ctx)
		}
	}()

	otx := &orderTx{store: store{tx, o.logger}}
	otx.order, err = o.selectOrder(ctx, otx.store, id, "FOR UPDATE")
	if err != nil {
		return err
	}
	if err = fn(otx); err != nil {
		return err
	}
	if err = tx.Commit(ctx); err != nil {
		o.logger.Error("Commit error",
			zap.Error(err),
			zap.String("order", id))
		return mapError(err)
	}
	return nil
}

func (o *OrdersDB) selectOrder(ctx context.Context, s store, id string, suffix string) (order model.Order, err error) {
	b := sq.Select(orderColumns...).
		From("orders").
		Where(sq.Eq{"id": id}).
		PlaceholderFormat(sq.Dollar)
	if suffix != "" {
		b = b.Suffix(suffix)
	}
	var (
		account pgtype.UUID
		items   []byte
		state   string
		stage   string
	)
	err = s.queryRow(ctx, b, &order.ID, &order.User, &account, &order.GatewayRef, &order.Amount, &order.PointsSpent,
		&items, &state, &order.ApprovalTxnID, &order.FailureReason, &order.Reconcile, &stage, &order.SpendID,
		&order.EarnLotID, &order.EarnedPoints, &order.PointsAttempt, &order.CreatedAt, &order.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return order, fmt.Errorf("order %s %w", id, model.ErrNotFound)
		}
		return order, err
	}
	if account.Status == pgtype.Present {
		order.Account, _ = uuid.FromBytes(account.Bytes[:])
	}
	order.State = model.OrderState(state)
	order.PointsStage = model.PointsStage(stage)
	if err = json.Unmarshal(items, &order.Items); err != nil {
		return order, fmt.Errorf("order %s items: %w", id, err)
	}
	return order, nil
}

type orderTx struct {
	store
	order model.Order
}

func (t *orderTx) Order() model.Order {
	return t.order
}

func (t *orderTx) Save(ctx context.Context, order model.Order) error {
	if order.ID != t.order.ID {
		return fmt.Errorf("order %s: save outside of lock", order.ID)
	}
	order.UpdatedAt = time.Now()
	_, err := t.exec(ctx, sq.Update("orders").
		SetMap(map[string]any{
			"account":         order.Account,
			"gateway_ref":     order.GatewayRef,
			"amount":          order.Amount,
			"points_spent":    order.PointsSpent,
			"state":           string(order.State),
			"approval_txn_id": order.ApprovalTxnID,
			"failure_reason":  order.FailureReason,
			"reconcile":       order.Reconcile,
			"points_stage":    string(order.PointsStage),
			"spend_id":        order.SpendID,
			"earn_lot_id":     order.EarnLotID,
			"earned_points":   order.EarnedPoints,
			"points_attempt":  order.PointsAttempt,
			"updated_at":      order.UpdatedAt,
		}).
		Where(sq.Eq{"id": order.ID}).
		PlaceholderFormat(sq.Dollar))
	if err != nil {
		return err
	}
	t.order = order
	return nil
}

// Условный UPDATE: остаток не уходит в минус
func (t *orderTx) DecrementStock(ctx context.Context, productID string, qty int64) error {
	if qty <= 0 {
		return fmt.Errorf("product %s: quantity %d: %w", productID, qty, model.ErrInvalidOrder)
	}
	tag, err := t.exec(ctx, sq.Update("stock").
		Set("quantity", sq.Expr("quantity - ?", qty)).
		Where(sq.Eq{"product_id": productID}).
		Where(sq.GtOrEq{"quantity": qty}).
		PlaceholderFormat(sq.Dollar))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &model.StockError{ProductID: productID, Requested: qty}
	}
	return nil
}

func (t *orderTx) RestoreStock(ctx context.Context, productID string, qty int64) error {
	if qty <= 0 {
		return fmt.Errorf("product %s: quantity %d: %w", productID, qty, model.ErrInvalidOrder)
	}
	_, err := t.exec(ctx, sq.Insert("stock").
		Columns("product_id", "quantity").
		Values(productID, qty).
		Suffix("ON CONFLICT (product_id) DO UPDATE SET quantity = stock.quantity + EXCLUDED.quantity").
		PlaceholderFormat(sq.Dollar))
	return err
}
