package points

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	interf "github.com/glkeru/loyalty/ledger/internal/interfaces"
	model "github.com/glkeru/loyalty/ledger/internal/models"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

type PointsService struct {
	logger *zap.Logger
	db     interf.PointsStorage
	cache  interf.CacheStorage
	now    func() time.Time
	writes atomic.Uint64 // изменения счетов в процессе, см. BalanceOf
}

func NewPointService(logger *zap.Logger, db interf.PointsStorage, cache interf.CacheStorage) (service *PointsService) {
	return &PointsService{logger: logger, db: db, cache: cache, now: time.Now}
}

// Подмена часов (тесты, пересчет на дату)
func (p *PointsService) WithClock(now func() time.Time) *PointsService {
	p.now = now
	return p
}

// Начисление
type AccrueRequest struct {
	Account     uuid.UUID
	Amount      int64
	Type        model.LotType
	ExpiresIn   time.Duration // 0 - бессрочно
	Correlation model.Correlation
	Key         string
}

// Списание
type ConsumeRequest struct {
	Account     uuid.UUID
	Amount      int64
	Type        model.ConsumptionType
	Correlation model.Correlation
	Key         string
}

// Отмена начисления: сначала из партии LotID, затем по FIFO, сколько получится
type ClawbackRequest struct {
	Account     uuid.UUID
	LotID       int64
	Amount      int64
	Correlation model.Correlation
	Key         string
}

// Счет пользователя, создается при первом обращении
func (p *PointsService) Account(ctx context.Context, user string) (uuid.UUID, error) {
	return p.db.GetUserUUID(ctx, user)
}

// Начисление партии
func (p *PointsService) Accrue(ctx context.Context, req AccrueRequest) (lot model.PointLot, balance int64, err error) {
	ctx, span := tracer.Start(ctx, "points.Accrue")
	defer func() { endSpan(span, err) }()
	span.SetAttributes(attribute.String("account", req.Account.String()), attribute.Int64("amount", req.Amount))

	if req.Amount <= 0 {
		return lot, 0, fmt.Errorf("accrue %d: %w", req.Amount, model.ErrInvalidAmount)
	}
	if req.ExpiresIn < 0 {
		return lot, 0, fmt.Errorf("accrue: negative expiry %s: %w", req.ExpiresIn, model.ErrInvalidAmount)
	}
	if err = model.ValidateLotCorrelation(req.Type, req.Correlation); err != nil {
		return lot, 0, err
	}

	now := p.now()
	created := false
	err = p.db.WithAccountLock(ctx, req.Account, func(tx interf.LedgerTx) error {
		if req.Key != "" {
			existing, found, err := tx.LotByKey(ctx, req.Key)
			if err != nil {
				return err
			}
			if found {
				lot = existing
				balance = tx.Account().Balance
				return nil
			}
		}
		lot = model.PointLot{
			Original:    req.Amount,
			Remaining:   req.Amount,
			CreatedAt:   now,
			Type:        req.Type,
			Status:      model.LotActive,
			Correlation: req.Correlation,
			Key:         req.Key,
		}
		if req.ExpiresIn > 0 {
			expires := now.Add(req.ExpiresIn)
			lot.ExpiresAt = &expires
		}
		if err := tx.InsertLot(ctx, &lot); err != nil {
			return err
		}
		balance = tx.Account().Balance + req.Amount
		created = true
		return tx.SetBalance(ctx, balance)
	})
	if err != nil {
		p.Log("Accrue", req.Account, err)
		return model.PointLot{}, 0, err
	}
	if created {
		pointsAccrued.WithLabelValues(string(req.Type)).Add(float64(req.Amount))
		p.invalidate(ctx, req.Account)
	}
	return lot, balance, nil
}

// Списание по FIFO, все или ничего
func (p *PointsService) Consume(ctx context.Context, req ConsumeRequest) (result model.ConsumptionResult, err error) {
	ctx, span := tracer.Start(ctx, "points.Consume")
	defer func() { endSpan(span, err) }()
	span.SetAttributes(attribute.String("account", req.Account.String()), attribute.Int64("amount", req.Amount))

	if err = p.validateConsume(req.Type, req.Amount, req.Correlation); err != nil {
		return result, err
	}
	err = p.db.WithAccountLock(ctx, req.Account, func(tx interf.LedgerTx) error {
		prev, replay, err := p.replay(ctx, tx, req.Key)
		if err != nil {
			return err
		}
		if replay {
			result = prev
			return nil
		}
		result, err = p.consumeLocked(ctx, tx, req, 0, false)
		return err
	})
	if err != nil {
		p.Log("Consume", req.Account, err)
		return model.ConsumptionResult{}, err
	}
	p.invalidate(ctx, req.Account)
	return result, nil
}

// Отмена начисления по заказу. Недостающая сумма возвращается в Shortfall:
// начисленные баллы могли быть уже потрачены или сгореть.
func (p *PointsService) Clawback(ctx context.Context, req ClawbackRequest) (result model.ConsumptionResult, err error) {
	ctx, span := tracer.Start(ctx, "points.Clawback")
	defer func() { endSpan(span, err) }()
	span.SetAttributes(attribute.String("account", req.Account.String()), attribute.Int64("amount", req.Amount))

	if err = p.validateConsume(model.ConsumeCancelReversal, req.Amount, req.Correlation); err != nil {
		return result, err
	}
	consume := ConsumeRequest{
		Account:     req.Account,
		Amount:      req.Amount,
		Type:        model.ConsumeCancelReversal,
		Correlation: req.Correlation,
		Key:         req.Key,
	}
	err = p.db.WithAccountLock(ctx, req.Account, func(tx interf.LedgerTx) error {
		prev, replay, err := p.replay(ctx, tx, req.Key)
		if err != nil {
			return err
		}
		if replay {
			result = prev
			result.Shortfall = req.Amount - prev.Consumption.Amount
			return nil
		}
		result, err = p.consumeLocked(ctx, tx, consume, req.LotID, true)
		return err
	})
	if err != nil {
		p.Log("Clawback", req.Account, err)
		return model.ConsumptionResult{}, err
	}
	if result.Shortfall > 0 {
		p.logger.Warn("clawback shortfall",
			zap.String("account", req.Account.String()),
			zap.Int64("requested", req.Amount),
			zap.Int64("shortfall", result.Shortfall))
	}
	p.invalidate(ctx, req.Account)
	return result, nil
}

func (p *PointsService) validateConsume(t model.ConsumptionType, amount int64, c model.Correlation) error {
	if amount <= 0 {
		return fmt.Errorf("consume %d: %w", amount, model.ErrInvalidAmount)
	}
	// сгорание только через ExpireLot
	if t == model.ConsumeExpire {
		return fmt.Errorf("consume: type %q: %w", t, model.ErrInvalidCorrelation)
	}
	return model.ValidateConsumptionCorrelation(t, c)
}

// Повтор по ключу идемпотентности возвращает исходный результат
func (p *PointsService) replay(ctx context.Context, tx interf.LedgerTx, key string) (model.ConsumptionResult, bool, error) {
	if key == "" {
		return model.ConsumptionResult{}, false, nil
	}
	c, found, err := tx.ConsumptionByKey(ctx, key)
	if err != nil || !found {
		return model.ConsumptionResult{}, false, err
	}
	return model.ConsumptionResult{
		Consumption: c,
		Breakdown:   c.Draws,
		Balance:     tx.Account().Balance,
	}, true, nil
}

// Списание под блокировкой счета. Просроченные, но еще не погашенные партии
// в расчет не идут и гасятся в той же транзакции.
func (p *PointsService) consumeLocked(ctx context.Context, tx interf.LedgerTx, req ConsumeRequest, prefer int64, partial bool) (model.ConsumptionResult, error) {
	result := model.ConsumptionResult{}
	now := p.now()

	lots, err := tx.ActiveLots(ctx)
	if err != nil {
		return result, err
	}
	model.SortFIFO(lots)
	var live, overdue []model.PointLot
	for _, lot := range lots {
		if lot.ExpiredAt(now) {
			overdue = append(overdue, lot)
		} else {
			live = append(live, lot)
		}
	}
	live = preferLot(live, prefer)

	draws, available := planFIFO(live, req.Amount)
	if available < req.Amount && !partial {
		return result, &model.InsufficientBalanceError{Account: req.Account, Available: available, Requested: req.Amount}
	}

	for _, lot := range overdue {
		if _, err := p.expireLocked(ctx, tx, lot); err != nil {
			return result, err
		}
	}

	amount := sumDraws(draws)
	result.Shortfall = req.Amount - amount
	if amount == 0 {
		result.Balance = tx.Account().Balance
		return result, nil
	}

	byID := make(map[int64]model.PointLot, len(live))
	for _, lot := range live {
		byID[lot.ID] = lot
	}
	for _, d := range draws {
		lot := byID[d.LotID]
		lot.Remaining -= d.Amount
		if lot.Remaining == 0 {
			lot.Status = model.LotFullyConsumed
		}
		if err := tx.UpdateLot(ctx, lot); err != nil {
			return result, err
		}
	}

	c := model.PointConsumption{
		Amount:      amount,
		Type:        req.Type,
		Draws:       draws,
		CreatedAt:   now,
		Correlation: req.Correlation,
		Key:         req.Key,
	}
	if err := tx.InsertConsumption(ctx, &c); err != nil {
		return result, err
	}
	balance := tx.Account().Balance - amount
	if err := tx.SetBalance(ctx, balance); err != nil {
		return result, err
	}
	pointsConsumed.WithLabelValues(string(req.Type)).Add(float64(amount))

	result.Consumption = c
	result.Breakdown = c.Draws
	result.Balance = balance
	return result, nil
}

// Сторно списания: баллы возвращаются в исходные партии, если те еще живы,
// иначе на новую бессрочную партию
func (p *PointsService) ReverseConsumption(ctx context.Context, consumptionID int64) (rev model.PointReversal, err error) {
	ctx, span := tracer.Start(ctx, "points.ReverseConsumption")
	defer func() { endSpan(span, err) }()
	span.SetAttributes(attribute.Int64("consumption", consumptionID))

	c, err := p.db.GetConsumption(ctx, consumptionID)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return rev, fmt.Errorf("consumption %d: %w", consumptionID, model.ErrConsumptionNotFound)
		}
		return rev, err
	}
	if c.Type == model.ConsumeExpire {
		return rev, fmt.Errorf("consumption %d (%s): %w", consumptionID, c.Type, model.ErrNotReversible)
	}

	err = p.db.WithAccountLock(ctx, c.Account, func(tx interf.LedgerTx) error {
		reversed, err := tx.Reversed(ctx, consumptionID)
		if err != nil {
			return err
		}
		if reversed {
			return fmt.Errorf("consumption %d: %w", consumptionID, model.ErrAlreadyReversed)
		}

		now := p.now()
		rev = model.PointReversal{ConsumptionID: consumptionID, Amount: c.Amount, CreatedAt: now}
		var shortfall int64
		for _, d := range c.Draws {
			lot, err := tx.Lot(ctx, d.LotID)
			if err != nil {
				return err
			}
			if lot.Status == model.LotExpired || lot.ExpiredAt(now) {
				shortfall += d.Amount
				continue
			}
			if lot.Remaining+d.Amount > lot.Original {
				return fmt.Errorf("lot %d: restore %d over original %d: %w", lot.ID, d.Amount, lot.Original, model.ErrIntegrity)
			}
			lot.Remaining += d.Amount
			lot.Status = model.LotActive
			if err := tx.UpdateLot(ctx, lot); err != nil {
				return err
			}
			rev.Restored = append(rev.Restored, d)
		}

		if shortfall > 0 {
			ref := model.ReversalRef{ConsumptionID: consumptionID}
			if order, ok := c.Correlation.(model.OrderRef); ok {
				ref.OrderID = order.OrderID
			}
			refund := model.PointLot{
				Original:    shortfall,
				Remaining:   shortfall,
				CreatedAt:   now,
				Type:        model.LotCancelRefund,
				Status:      model.LotActive,
				Correlation: ref,
				Key:         fmt.Sprintf("reversal:%d", consumptionID),
			}
			if err := tx.InsertLot(ctx, &refund); err != nil {
				return err
			}
			rev.RefundLotID = refund.ID
		}
		if err := tx.InsertReversal(ctx, &rev); err != nil {
			return err
		}
		return tx.SetBalance(ctx, tx.Account().Balance+c.Amount)
	})
	if err != nil {
		p.Log("ReverseConsumption", c.Account, err)
		return model.PointReversal{}, err
	}
	pointsReversed.Add(float64(c.Amount))
	p.invalidate(ctx, c.Account)
	return rev, nil
}

// Сгорание остатка партии. Повторный вызов по погашенной партии ничего не делает.
func (p *PointsService) ExpireLot(ctx context.Context, lotID int64, asOf time.Time) (result model.ExpireResult, err error) {
	ctx, span := tracer.Start(ctx, "points.ExpireLot")
	defer func() { endSpan(span, err) }()
	span.SetAttributes(attribute.Int64("lot", lotID))

	lot, err := p.db.GetLot(ctx, lotID)
	if err != nil {
		return result, err
	}
	err = p.db.WithAccountLock(ctx, lot.Account, func(tx interf.LedgerTx) error {
		cur, err := tx.Lot(ctx, lotID)
		if err != nil {
			return err
		}
		if cur.Status != model.LotActive || cur.Remaining == 0 {
			return nil
		}
		if !cur.ExpiredAt(asOf) {
			return fmt.Errorf("lot %d: %w", lotID, model.ErrLotNotExpired)
		}
		c, err := p.expireLocked(ctx, tx, cur)
		if err != nil {
			return err
		}
		result = model.ExpireResult{Consumption: c, Expired: true}
		return nil
	})
	if err != nil {
		if !errors.Is(err, model.ErrLotNotExpired) {
			p.Log("ExpireLot", lot.Account, err)
		}
		return model.ExpireResult{}, err
	}
	if result.Expired {
		p.invalidate(ctx, lot.Account)
	}
	return result, nil
}

func (p *PointsService) expireLocked(ctx context.Context, tx interf.LedgerTx, lot model.PointLot) (model.PointConsumption, error) {
	amount := lot.Remaining
	lot.Remaining = 0
	lot.Status = model.LotExpired
	if err := tx.UpdateLot(ctx, lot); err != nil {
		return model.PointConsumption{}, err
	}
	c := model.PointConsumption{
		Amount:      amount,
		Type:        model.ConsumeExpire,
		Draws:       []model.Draw{{LotID: lot.ID, Amount: amount}},
		CreatedAt:   p.now(),
		Correlation: model.ExpiryRef{LotID: lot.ID},
		Key:         fmt.Sprintf("expire:%d", lot.ID),
	}
	if err := tx.InsertConsumption(ctx, &c); err != nil {
		return model.PointConsumption{}, err
	}
	if err := tx.SetBalance(ctx, tx.Account().Balance-amount); err != nil {
		return model.PointConsumption{}, err
	}
	lotsExpired.Inc()
	pointsConsumed.WithLabelValues(string(model.ConsumeExpire)).Add(float64(amount))
	return c, nil
}

// Списание по ключу идемпотентности
func (p *PointsService) ConsumptionByKey(ctx context.Context, account uuid.UUID, key string) (c model.PointConsumption, found bool, err error) {
	err = p.db.WithAccountLock(ctx, account, func(tx interf.LedgerTx) error {
		c, found, err = tx.ConsumptionByKey(ctx, key)
		return err
	})
	return c, found, err
}

// Партия по ключу идемпотентности
func (p *PointsService) LotByKey(ctx context.Context, account uuid.UUID, key string) (lot model.PointLot, found bool, err error) {
	err = p.db.WithAccountLock(ctx, account, func(tx interf.LedgerTx) error {
		lot, found, err = tx.LotByKey(ctx, key)
		return err
	})
	return lot, found, err
}

// Баланс, кэш заполняется при чтении из базы. Если за время чтения этот процесс
// изменил какой-либо счет, прочитанное значение в кэш не пишется. Изменения из других
// процессов могут оставить в кэше старое значение не дольше TTL.
func (p *PointsService) BalanceOf(ctx context.Context, account uuid.UUID) (points int64, err error) {
	// cache
	if p.cache != nil {
		points, err = p.cache.GetBalance(ctx, account)
		if err == nil {
			return points, nil
		}
	}
	// database
	writes := p.writes.Load()
	points, err = p.db.GetBalance(ctx, account)
	if err != nil {
		return 0, err
	}
	if p.cache != nil && p.writes.Load() == writes {
		_ = p.cache.SetBalance(ctx, account, points)
	}
	return points, nil
}

// Доступно к списанию на дату: без просроченных партий
func (p *PointsService) Available(ctx context.Context, account uuid.UUID, asOf time.Time) (available int64, err error) {
	err = p.db.WithAccountLock(ctx, account, func(tx interf.LedgerTx) error {
		lots, err := tx.ActiveLots(ctx)
		if err != nil {
			return err
		}
		for _, lot := range lots {
			if lot.Spendable(asOf) {
				available += lot.Remaining
			}
		}
		return nil
	})
	return available, err
}

// Сверка кэшированного баланса с остатками партий
func (p *PointsService) Reconcile(ctx context.Context, account uuid.UUID, fix bool) (drift model.Drift, err error) {
	drift.Account = account
	err = p.db.WithAccountLock(ctx, account, func(tx interf.LedgerTx) error {
		sum, err := tx.SumRemaining(ctx)
		if err != nil {
			return err
		}
		drift.Cached = tx.Account().Balance
		drift.Ledger = sum
		if drift.Delta() != 0 && fix {
			return tx.SetBalance(ctx, sum)
		}
		return nil
	})
	if err != nil {
		return drift, err
	}
	if drift.Delta() != 0 {
		balanceDrift.Inc()
		p.logger.Error("balance drift",
			zap.String("account", account.String()),
			zap.Int64("cached", drift.Cached),
			zap.Int64("ledger", drift.Ledger),
			zap.Bool("fixed", fix),
			zap.Error(model.ErrIntegrity))
		if fix {
			p.invalidate(ctx, account)
		}
	}
	return drift, nil
}

// Сверка всех счетов, возвращает только расхождения
func (p *PointsService) ReconcileAll(ctx context.Context, fix bool) ([]model.Drift, error) {
	accounts, err := p.db.GetAccounts(ctx)
	if err != nil {
		return nil, err
	}
	var drifts []model.Drift
	for _, acc := range accounts {
		if err := ctx.Err(); err != nil {
			return drifts, err
		}
		d, err := p.Reconcile(ctx, acc.UUID, fix)
		if err != nil {
			return drifts, err
		}
		if d.Delta() != 0 {
			drifts = append(drifts, d)
		}
	}
	return drifts, nil
}

// история операций
func (p *PointsService) History(ctx context.Context, account uuid.UUID, from time.Time, to time.Time) (model.History, error) {
	return p.db.GetHistory(ctx, account, from, to)
}

// инвалидировать кэш баланса
func (p *PointsService) invalidate(ctx context.Context, account uuid.UUID) {
	if p.cache == nil {
		return
	}
	p.writes.Add(1)
	if err := p.cache.InvalidateBalance(ctx, account); err != nil {
		p.logger.Error("invalidate balance",
			zap.String("account", account.String()),
			zap.Error(err))
	}
}

func (p *PointsService) Log(op string, account uuid.UUID, err error) {
	p.logger.Error("Points",
		zap.String("service", op),
		zap.String("account", account.String()),
		zap.Error(err),
	)
}
