package points

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	cfg "github.com/glkeru/loyalty/ledger/internal/config"
	interf "github.com/glkeru/loyalty/ledger/internal/interfaces"
	model "github.com/glkeru/loyalty/ledger/internal/models"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// Обработка заказа: подтверждение оплаты в шлюзе, фиксация заказа со списанием
// остатков, затем отдельным этапом баллы. Вызов шлюза никогда не выполняется
// под блокировкой заказа или счета.
type Workflow struct {
	logger  *zap.Logger
	orders  interf.OrderStorage
	points  *PointsService
	tiers   interf.TierProvider
	gateway interf.PaymentGateway
	events  interf.EventPublisher
	tasks   interf.TaskQueue
	config  cfg.Points
}

func NewWorkflow(logger *zap.Logger, orders interf.OrderStorage, points *PointsService, tiers interf.TierProvider,
	gateway interf.PaymentGateway, events interf.EventPublisher, tasks interf.TaskQueue, config cfg.Points) *Workflow {
	return &Workflow{logger, orders, points, tiers, gateway, events, tasks, config}
}

// ключи идемпотентности операций по заказу
func spendKey(orderID string) string    { return "order:" + orderID + ":spend" }
func earnKey(orderID string) string     { return "order:" + orderID + ":earn" }
func clawbackKey(orderID string) string { return "order:" + orderID + ":clawback" }

// Баллы к начислению: процент уровня от оплаченной суммы, с округлением вниз
func earnPoints(paid decimal.Decimal, percent int32) int64 {
	if !paid.IsPositive() || percent <= 0 {
		return 0
	}
	return paid.Mul(decimal.NewFromInt32(percent)).Div(decimal.NewFromInt(100)).Floor().IntPart()
}

// Заказ от сервиса корзины: сохраняется один раз и проходит все этапы.
// Повторная доставка того же заказа доводит его обработку.
func (w *Workflow) Submit(ctx context.Context, order model.Order) (model.Transition, error) {
	if order.ID == "" || order.User == "" {
		return model.Transition{OrderID: order.ID}, fmt.Errorf("order id and user are required: %w", model.ErrInvalidOrder)
	}
	order.State = model.OrderPending
	order.PointsStage = model.PointsStagePending
	order.CreatedAt = w.points.now()
	created, err := w.orders.CreateOrder(ctx, order)
	if err != nil {
		return model.Transition{OrderID: order.ID}, err
	}
	if !created {
		w.logger.Info("order redelivered", zap.String("order", order.ID))
	}
	return w.Process(ctx, order.ID)
}

// Проверка заказа до обращения к шлюзу: позиции заданы, участник известен, баллов хватает
func (w *Workflow) Start(ctx context.Context, orderID string) (tr model.Transition, err error) {
	ctx, span := tracer.Start(ctx, "workflow.Start")
	defer func() { endSpan(span, err) }()
	span.SetAttributes(attribute.String("order", orderID))

	order, err := w.orders.GetOrder(ctx, orderID)
	if err != nil {
		return model.Transition{OrderID: orderID}, err
	}
	if order.State != model.OrderPending {
		return model.Transition{OrderID: orderID, From: order.State, To: order.State, Noop: true}, nil
	}

	account := order.Account
	if account == uuid.Nil {
		account, err = w.points.Account(ctx, order.User)
		if err != nil {
			return model.Transition{OrderID: orderID}, err
		}
	}
	invalid, err := w.validate(ctx, order, account)
	if err != nil {
		return model.Transition{OrderID: orderID}, err
	}

	tr, _, err = w.transition(ctx, orderID, []model.OrderState{model.OrderPending}, func(_ interf.OrderTx, o *model.Order) error {
		o.Account = account
		if invalid != nil {
			o.State = model.OrderFailed
			o.FailureReason = invalid.Error()
			return nil
		}
		o.State = model.OrderAwaiting
		return nil
	})
	if err != nil {
		return tr, err
	}
	if invalid != nil && !tr.Noop {
		return tr, invalid
	}
	return tr, nil
}

// Ошибка валидации возвращается первым значением, второе - ошибка инфраструктуры
func (w *Workflow) validate(ctx context.Context, order model.Order, account uuid.UUID) (invalid error, err error) {
	if order.PointsSpent < 0 {
		return fmt.Errorf("points spent %d: %w", order.PointsSpent, model.ErrInvalidAmount), nil
	}
	// к оплате уже за вычетом баллов, поэтому баллы не превышают сумму заказа
	if order.Amount.IsNegative() {
		return fmt.Errorf("amount %s: %w", order.Amount, model.ErrInvalidAmount), nil
	}
	if order.PointsSpent > 0 && order.PointsSpent < w.config.MinPointsSpend {
		return fmt.Errorf("points spent %d below minimum %d: %w", order.PointsSpent, w.config.MinPointsSpend, model.ErrInvalidAmount), nil
	}
	if len(order.Items) == 0 {
		return fmt.Errorf("order %s has no items: %w", order.ID, model.ErrInvalidOrder), nil
	}
	for _, item := range order.Items {
		if item.ProductID == "" || item.Quantity <= 0 {
			return fmt.Errorf("item %q quantity %d: %w", item.ProductID, item.Quantity, model.ErrInvalidOrder), nil
		}
	}
	if _, err := w.tiers.GetTier(ctx, order.User); err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return fmt.Errorf("member %s: %w", order.User, err), nil
		}
		return nil, err
	}
	if order.PointsSpent == 0 {
		return nil, nil
	}
	available, err := w.points.Available(ctx, account, w.points.now())
	if err != nil {
		return nil, err
	}
	if available < order.PointsSpent {
		return &model.InsufficientBalanceError{Account: account, Available: available, Requested: order.PointsSpent}, nil
	}
	return nil, nil
}

// Этап 1: подтверждение оплаты в шлюзе, вне транзакций
func (w *Workflow) ConfirmPayment(ctx context.Context, orderID string) (tr model.Transition, err error) {
	ctx, span := tracer.Start(ctx, "workflow.ConfirmPayment")
	defer func() { endSpan(span, err) }()
	span.SetAttributes(attribute.String("order", orderID))

	order, err := w.orders.GetOrder(ctx, orderID)
	if err != nil {
		return model.Transition{OrderID: orderID}, err
	}
	// подтверждение уже получено или заказ ушел дальше
	if order.State != model.OrderAwaiting || order.ApprovalTxnID != "" {
		return model.Transition{OrderID: orderID, From: order.State, To: order.State, Noop: true}, nil
	}

	req := model.PaymentConfirm{GatewayRef: order.GatewayRef, OrderRef: order.ID, Amount: order.Amount}
	approval, err := confirmWithRetry(ctx, w.logger, w.gateway, req, w.config)
	if err == nil && !approval.Approved {
		err = &model.GatewayError{Code: "declined", Message: "payment is not approved"}
	}
	if err == nil {
		tr, _, err = w.transition(ctx, orderID, []model.OrderState{model.OrderAwaiting}, func(_ interf.OrderTx, o *model.Order) error {
			o.ApprovalTxnID = approval.TxnID
			return nil
		})
		return tr, err
	}
	// остановка процесса, заказ остается ждать подтверждения
	if ctx.Err() != nil {
		return model.Transition{OrderID: orderID, From: order.State, To: order.State, Noop: true}, err
	}

	payErr := err
	tr, _, err = w.transition(ctx, orderID, []model.OrderState{model.OrderAwaiting}, func(_ interf.OrderTx, o *model.Order) error {
		o.State = model.OrderFailed
		o.FailureReason = "payment: " + payErr.Error()
		return nil
	})
	if err != nil {
		return tr, err
	}
	if !tr.Noop {
		w.publish(ctx, model.Event{
			Type:    model.EventOrderFailed,
			OrderID: order.ID,
			User:    order.User,
			Payload: map[string]any{
				"stage":     "confirm",
				"reason":    payErr.Error(),
				"retryable": errors.Is(payErr, model.ErrGatewayTransient),
			},
		})
	}
	return tr, payErr
}

// Этап 2: фиксация заказа. Повторный вызов по подтвержденному заказу ничего не меняет.
func (w *Workflow) Finalize(ctx context.Context, orderID string) (tr model.Transition, err error) {
	ctx, span := tracer.Start(ctx, "workflow.Finalize")
	defer func() { endSpan(span, err) }()
	span.SetAttributes(attribute.String("order", orderID))

	var stockErr error
	tr = model.Transition{OrderID: orderID}
	err = w.orders.WithOrderLock(ctx, orderID, func(tx interf.OrderTx) error {
		o := tx.Order()
		tr.From = o.State
		tr.To = o.State
		switch o.State {
		case model.OrderAwaiting, model.OrderFinalizing:
		case model.OrderPending:
			return fmt.Errorf("order %s: finalize before payment confirmation: %w", orderID, model.ErrInvalidState)
		default:
			tr.Noop = true
			return nil
		}
		if o.ApprovalTxnID == "" {
			return fmt.Errorf("order %s: payment is not confirmed: %w", orderID, model.ErrInvalidState)
		}
		for _, item := range o.Items {
			if err := tx.DecrementStock(ctx, item.ProductID, item.Quantity); err != nil {
				if errors.Is(err, model.ErrInsufficientStock) {
					stockErr = err
				}
				return err
			}
		}
		o.State = model.OrderConfirmed
		tr.Via = model.OrderFinalizing
		tr.To = o.State
		return tx.Save(ctx, o)
	})

	if stockErr != nil {
		// транзакция откатилась, оплата прошла: заказ на ручную сверку со шлюзом
		failed, order, ferr := w.transition(ctx, orderID, []model.OrderState{model.OrderAwaiting, model.OrderFinalizing}, func(_ interf.OrderTx, o *model.Order) error {
			o.State = model.OrderFailed
			o.Reconcile = true
			o.FailureReason = stockErr.Error()
			return nil
		})
		if ferr != nil {
			return failed, ferr
		}
		if !failed.Noop {
			failed.Via = model.OrderFinalizing
			w.publish(ctx, model.Event{
				Type:    model.EventOrderFailed,
				OrderID: orderID,
				User:    order.User,
				Payload: map[string]any{
					"stage":     "finalize",
					"reason":    stockErr.Error(),
					"reconcile": true,
					"txnId":     order.ApprovalTxnID,
				},
			})
		}
		return failed, stockErr
	}
	if err != nil {
		return tr, err
	}
	if !tr.Noop {
		w.logTransition(tr)
	}
	return tr, nil
}

// Этап 3: списание потраченных и начисление заработанных баллов.
// Повторяется независимо от заказа, повтор не дублирует операции журнала.
func (w *Workflow) ApplyPoints(ctx context.Context, orderID string) (err error) {
	ctx, span := tracer.Start(ctx, "workflow.ApplyPoints")
	defer func() { endSpan(span, err) }()
	span.SetAttributes(attribute.String("order", orderID))

	order, err := w.orders.GetOrder(ctx, orderID)
	if err != nil {
		return err
	}
	switch {
	case order.State == model.OrderCanceled:
		return w.settleCancel(ctx, order)
	case order.State != model.OrderConfirmed:
		return fmt.Errorf("order %s in state %s: %w", orderID, order.State, model.ErrInvalidState)
	case order.PointsStage != model.PointsStagePending:
		return nil
	}

	var spendID int64
	if order.PointsSpent > 0 {
		res, err := w.points.Consume(ctx, ConsumeRequest{
			Account:     order.Account,
			Amount:      order.PointsSpent,
			Type:        model.ConsumeUse,
			Correlation: model.OrderRef{OrderID: order.ID},
			Key:         spendKey(order.ID),
		})
		if err != nil {
			var insufficient *model.InsufficientBalanceError
			if errors.As(err, &insufficient) {
				w.integrityAlert(ctx, order, "spend", err)
				pointsStageFailures.WithLabelValues("insufficient_balance").Inc()
				if merr := w.MarkPointsFailed(ctx, orderID, err.Error()); merr != nil {
					return errors.Join(err, merr)
				}
			}
			return err
		}
		spendID = res.Consumption.ID
	}

	tier, err := w.tiers.GetTier(ctx, order.User)
	if err != nil {
		return err
	}
	earned := earnPoints(order.Amount, tier.Percent)
	var lotID int64
	if earned > 0 {
		expiry := w.config.EarnExpiry
		if tier.ExpiryDays > 0 {
			expiry = time.Duration(tier.ExpiryDays) * 24 * time.Hour
		}
		lot, _, err := w.points.Accrue(ctx, AccrueRequest{
			Account:     order.Account,
			Amount:      earned,
			Type:        model.LotEarn,
			ExpiresIn:   expiry,
			Correlation: model.OrderRef{OrderID: order.ID, Rate: tier.Percent},
			Key:         earnKey(order.ID),
		})
		if err != nil {
			pointsStageFailures.WithLabelValues("accrual").Inc()
			return err
		}
		lotID = lot.ID
	}

	canceled := false
	var current model.Order
	err = w.orders.WithOrderLock(ctx, orderID, func(tx interf.OrderTx) error {
		o := tx.Order()
		o.SpendID = spendID
		o.EarnLotID = lotID
		o.EarnedPoints = earned
		switch o.State {
		case model.OrderConfirmed:
			o.PointsStage = model.PointsStageDone
		case model.OrderCanceled:
			canceled = true
		}
		current = o
		return tx.Save(ctx, o)
	})
	if err != nil {
		return err
	}
	// заказ отменили, пока шел этап баллов
	if canceled {
		return w.settleCancel(ctx, current)
	}
	w.logger.Info("points applied",
		zap.String("order", orderID),
		zap.Int64("spent", order.PointsSpent),
		zap.Int64("earned", earned))
	return nil
}

// Полный проход заказа. Ошибка этапа баллов не делает заказ неуспешным,
// этап ставится в очередь повторов. Если поставить не удалось, ошибка возвращается
// и сообщение о заказе должно быть доставлено повторно.
func (w *Workflow) Process(ctx context.Context, orderID string) (model.Transition, error) {
	tr, err := w.Start(ctx, orderID)
	if err != nil {
		return tr, err
	}
	if tr.To == model.OrderAwaiting {
		if tr, err = w.ConfirmPayment(ctx, orderID); err != nil {
			return tr, err
		}
		if tr, err = w.Finalize(ctx, orderID); err != nil {
			return tr, err
		}
	}
	// повторная доставка после фиксации доводит этап баллов
	if tr.To != model.OrderConfirmed {
		return tr, nil
	}
	if err := w.ApplyPoints(ctx, orderID); err != nil {
		w.logger.Error("points stage",
			zap.String("order", orderID),
			zap.Error(err))
		if !errors.Is(err, model.ErrInsufficientBalance) {
			if rerr := w.retryPoints(ctx, model.PointsTask{OrderID: orderID, Attempt: 1}, err); rerr != nil {
				return tr, rerr
			}
		}
	}
	return tr, nil
}

// Задача этапа баллов из очереди. После исчерпания попыток этап помечается неуспешным.
func (w *Workflow) HandlePointsTask(ctx context.Context, task model.PointsTask) error {
	err := w.ApplyPoints(ctx, task.OrderID)
	if err == nil {
		return nil
	}
	if errors.Is(err, model.ErrInsufficientBalance) || model.IsValidation(err) {
		w.logger.Warn("points task dropped",
			zap.String("order", task.OrderID),
			zap.Error(err))
		return nil
	}
	if task.Attempt+1 >= w.config.PointsAttempts {
		pointsStageFailures.WithLabelValues("attempts").Inc()
		if err := w.notePointsAttempt(ctx, task.OrderID, task.Attempt+1); err != nil {
			return err
		}
		return w.MarkPointsFailed(ctx, task.OrderID, err.Error())
	}
	// при ошибке очереди задача вернется из брокера повторно
	return w.retryPoints(ctx, model.PointsTask{OrderID: task.OrderID, Attempt: task.Attempt + 1}, err)
}

// Повтор этапа баллов через очередь. Без очереди возвращается исходная ошибка этапа.
func (w *Workflow) retryPoints(ctx context.Context, task model.PointsTask, cause error) error {
	if err := w.notePointsAttempt(ctx, task.OrderID, task.Attempt); err != nil {
		return err
	}
	if w.tasks == nil {
		return cause
	}
	if err := w.tasks.Enqueue(ctx, task); err != nil {
		w.logger.Error("enqueue points task",
			zap.String("order", task.OrderID),
			zap.Int("attempt", task.Attempt),
			zap.Error(err))
		return fmt.Errorf("enqueue points task for order %s: %w", task.OrderID, err)
	}
	return nil
}

// Число неудачных попыток этапа баллов в заказе
func (w *Workflow) notePointsAttempt(ctx context.Context, orderID string, attempt int) error {
	return w.orders.WithOrderLock(ctx, orderID, func(tx interf.OrderTx) error {
		o := tx.Order()
		if o.PointsStage != model.PointsStagePending || o.PointsAttempt >= attempt {
			return nil
		}
		o.PointsAttempt = attempt
		return tx.Save(ctx, o)
	})
}

// Отмена подтвержденного заказа: возврат остатков, сторно списания баллов,
// отмена начисления. Повторная отмена не создает новых записей.
func (w *Workflow) Cancel(ctx context.Context, orderID string) (tr model.Transition, err error) {
	ctx, span := tracer.Start(ctx, "workflow.Cancel")
	defer func() { endSpan(span, err) }()
	span.SetAttributes(attribute.String("order", orderID))

	tr, order, err := w.transition(ctx, orderID, []model.OrderState{model.OrderConfirmed}, func(tx interf.OrderTx, o *model.Order) error {
		for _, item := range o.Items {
			if err := tx.RestoreStock(ctx, item.ProductID, item.Quantity); err != nil {
				return err
			}
		}
		o.State = model.OrderCanceled
		return nil
	})
	if err != nil {
		return tr, err
	}
	if tr.Noop && tr.From != model.OrderCanceled {
		return tr, fmt.Errorf("order %s in state %s: %w", orderID, tr.From, model.ErrInvalidState)
	}
	// для уже отмененного заказа журнал досверяется, новых записей не будет
	return tr, w.settleCancel(ctx, order)
}

// Компенсация баллов по отмененному заказу, по ключам идемпотентности журнала
func (w *Workflow) settleCancel(ctx context.Context, order model.Order) error {
	if order.Account == uuid.Nil {
		return nil
	}
	spend, found, err := w.points.ConsumptionByKey(ctx, order.Account, spendKey(order.ID))
	if err != nil {
		return err
	}
	if found {
		if _, err := w.points.ReverseConsumption(ctx, spend.ID); err != nil && !errors.Is(err, model.ErrAlreadyReversed) {
			return err
		}
	}

	lot, found, err := w.points.LotByKey(ctx, order.Account, earnKey(order.ID))
	if err != nil {
		return err
	}
	if found {
		res, err := w.points.Clawback(ctx, ClawbackRequest{
			Account:     order.Account,
			LotID:       lot.ID,
			Amount:      lot.Original,
			Correlation: model.OrderRef{OrderID: order.ID},
			Key:         clawbackKey(order.ID),
		})
		if err != nil {
			return err
		}
		if res.Shortfall > 0 {
			w.integrityAlert(ctx, order, "clawback", fmt.Errorf("clawback shortfall %d of %d", res.Shortfall, lot.Original))
		}
	}

	return w.orders.WithOrderLock(ctx, order.ID, func(tx interf.OrderTx) error {
		o := tx.Order()
		if o.State != model.OrderCanceled || o.PointsStage != model.PointsStagePending {
			return nil
		}
		o.PointsStage = model.PointsStageSkipped
		return tx.Save(ctx, o)
	})
}

// Этап баллов на ручной разбор
func (w *Workflow) MarkPointsFailed(ctx context.Context, orderID string, reason string) error {
	var order model.Order
	marked := false
	err := w.orders.WithOrderLock(ctx, orderID, func(tx interf.OrderTx) error {
		o := tx.Order()
		if o.PointsStage != model.PointsStagePending {
			return nil
		}
		o.PointsStage = model.PointsStageFailed
		o.FailureReason = reason
		order = o
		marked = true
		return tx.Save(ctx, o)
	})
	if err != nil || !marked {
		return err
	}
	w.logger.Error("points stage failed",
		zap.String("order", orderID),
		zap.String("reason", reason))
	w.publish(ctx, model.Event{
		Type:    model.EventPointsFailed,
		OrderID: orderID,
		User:    order.User,
		Payload: map[string]any{"reason": reason},
	})
	return nil
}

// Переход под блокировкой заказа. Если текущее состояние не из from, ничего не меняется.
func (w *Workflow) transition(ctx context.Context, orderID string, from []model.OrderState, apply func(tx interf.OrderTx, o *model.Order) error) (model.Transition, model.Order, error) {
	tr := model.Transition{OrderID: orderID}
	var order model.Order
	err := w.orders.WithOrderLock(ctx, orderID, func(tx interf.OrderTx) error {
		o := tx.Order()
		tr.From = o.State
		tr.To = o.State
		order = o
		if !slices.Contains(from, o.State) {
			tr.Noop = true
			return nil
		}
		if err := apply(tx, &o); err != nil {
			return err
		}
		tr.To = o.State
		order = o
		return tx.Save(ctx, o)
	})
	if err != nil {
		return tr, order, err
	}
	if !tr.Noop && tr.From != tr.To {
		w.logTransition(tr)
	}
	return tr, order, nil
}

func (w *Workflow) logTransition(tr model.Transition) {
	orderTransitions.WithLabelValues(string(tr.From), string(tr.To)).Inc()
	w.logger.Info("order",
		zap.String("id", tr.OrderID),
		zap.String("from", string(tr.From)),
		zap.String("to", string(tr.To)))
}

func (w *Workflow) integrityAlert(ctx context.Context, order model.Order, stage string, err error) {
	w.logger.Error("points integrity alert",
		zap.String("order", order.ID),
		zap.String("account", order.Account.String()),
		zap.String("stage", stage),
		zap.Bool("integrity", true),
		zap.Error(err))
	w.publish(ctx, model.Event{
		Type:    model.EventIntegrityAlert,
		OrderID: order.ID,
		User:    order.User,
		Payload: map[string]any{"stage": stage, "reason": err.Error()},
	})
}

// События не влияют на результат операции
func (w *Workflow) publish(ctx context.Context, event model.Event) {
	if w.events == nil {
		return
	}
	event.ID = uuid.New()
	event.At = w.points.now()
	if err := w.events.Publish(ctx, event); err != nil {
		w.logger.Error("publish event",
			zap.String("type", event.Type),
			zap.String("order", event.OrderID),
			zap.Error(err))
	}
}
