package points

import (
	"context"
	"errors"
	"sync"
	"time"

	cfg "github.com/glkeru/loyalty/ledger/internal/config"
	interf "github.com/glkeru/loyalty/ledger/internal/interfaces"
	model "github.com/glkeru/loyalty/ledger/internal/models"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Сгорание партий по сроку
type ExpiryScheduler struct {
	logger *zap.Logger
	points *PointsService
	db     interf.PointsStorage
	events interf.EventPublisher
	config cfg.Points
}

func NewExpiryScheduler(logger *zap.Logger, points *PointsService, db interf.PointsStorage, events interf.EventPublisher, config cfg.Points) *ExpiryScheduler {
	return &ExpiryScheduler{logger, points, db, events, config}
}

// Прогон сгорания на дату. Ошибка по одной партии не останавливает прогон,
// такие партии считаются в Errors и подхватываются следующим запуском.
func (s *ExpiryScheduler) RunExpirySweep(ctx context.Context, asOf time.Time) (report model.SweepReport, err error) {
	ctx, span := tracer.Start(ctx, "points.RunExpirySweep")
	defer func() { endSpan(span, err) }()
	started := time.Now()
	defer func() { sweepDuration.Observe(time.Since(started).Seconds()) }()

	mu := &sync.Mutex{}
	affected := make(map[uuid.UUID]struct{})
	var afterID int64
	for {
		if err = ctx.Err(); err != nil {
			break
		}
		var lots []model.PointLot
		lots, err = s.db.ExpiredLots(ctx, asOf, afterID, s.config.SweepBatch)
		if err != nil {
			break
		}
		if len(lots) == 0 {
			break
		}
		afterID = lots[len(lots)-1].ID

		// партии одного счета гасятся последовательно, счета параллельно
		byAccount := make(map[uuid.UUID][]model.PointLot)
		for _, lot := range lots {
			byAccount[lot.Account] = append(byAccount[lot.Account], lot)
		}
		g := &errgroup.Group{}
		g.SetLimit(s.config.SweepWorkers)
		for account, accountLots := range byAccount {
			g.Go(func() error {
				for _, lot := range accountLots {
					res, err := s.points.ExpireLot(ctx, lot.ID, asOf)
					mu.Lock()
					switch {
					case err != nil:
						report.Errors++
						sweepErrors.Inc()
						s.logger.Error("expire lot",
							zap.Int64("lot", lot.ID),
							zap.String("account", account.String()),
							zap.Error(err))
					case res.Expired:
						report.Expired++
						report.TotalAmount += res.Consumption.Amount
						affected[account] = struct{}{}
					}
					mu.Unlock()
				}
				return nil
			})
		}
		_ = g.Wait()

		if len(lots) < s.config.SweepBatch {
			break
		}
	}
	report.AccountsAffected = len(affected)
	span.SetAttributes(
		attribute.Int("expired", report.Expired),
		attribute.Int64("amount", report.TotalAmount),
		attribute.Int("errors", report.Errors))
	s.logger.Info("expiry sweep",
		zap.Time("asOf", asOf),
		zap.Int("expired", report.Expired),
		zap.Int64("amount", report.TotalAmount),
		zap.Int("accounts", report.AccountsAffected),
		zap.Int("errors", report.Errors))
	return report, err
}

// Периодический запуск сгорания и уведомлений до отмены контекста
func (s *ExpiryScheduler) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		now := s.points.now()
		if _, err := s.RunExpirySweep(ctx, now); err != nil && ctx.Err() == nil {
			s.logger.Error("expiry sweep", zap.Error(err))
		}
		if _, err := s.NotifyExpiring(ctx, now, s.config.NotifyWindow); err != nil && ctx.Err() == nil {
			s.logger.Error("expiring notices", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Уведомления о партиях, сгорающих в (asOf, asOf+within]. Одно событие на счет.
func (s *ExpiryScheduler) NotifyExpiring(ctx context.Context, asOf time.Time, within time.Duration) ([]model.ExpiringNotice, error) {
	lots, err := s.db.ExpiringLots(ctx, asOf, asOf.Add(within))
	if err != nil {
		return nil, err
	}
	if len(lots) == 0 {
		return nil, nil
	}
	accounts, err := s.db.GetAccounts(ctx)
	if err != nil {
		return nil, err
	}
	users := make(map[uuid.UUID]string, len(accounts))
	for _, a := range accounts {
		users[a.UUID] = a.User
	}

	var notices []model.ExpiringNotice
	index := make(map[uuid.UUID]int)
	for _, lot := range lots {
		i, ok := index[lot.Account]
		if !ok {
			i = len(notices)
			index[lot.Account] = i
			notices = append(notices, model.ExpiringNotice{
				Account:    lot.Account,
				User:       users[lot.Account],
				EarliestAt: *lot.ExpiresAt,
			})
		}
		n := &notices[i]
		n.Total += lot.Remaining
		n.Lots = append(n.Lots, model.Draw{LotID: lot.ID, Amount: lot.Remaining})
		if lot.ExpiresAt.Before(n.EarliestAt) {
			n.EarliestAt = *lot.ExpiresAt
		}
	}

	if s.events == nil {
		return notices, nil
	}
	var errs []error
	for _, n := range notices {
		event := model.Event{
			ID:      uuid.New(),
			Type:    model.EventPointsExpiring,
			User:    n.User,
			Payload: n,
			At:      s.points.now(),
		}
		if err := s.events.Publish(ctx, event); err != nil {
			s.logger.Error("publish expiring notice",
				zap.String("account", n.Account.String()),
				zap.Error(err))
			errs = append(errs, err)
		}
	}
	return notices, errors.Join(errs...)
}
