package points

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	cfg "github.com/glkeru/loyalty/ledger/internal/config"
	"github.com/glkeru/loyalty/ledger/internal/db/memory"
	model "github.com/glkeru/loyalty/ledger/internal/models"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
	"go.uber.org/zap"
)

type fixture struct {
	ledger  *memory.Ledger
	orders  *memory.Orders
	points  *PointsService
	tiers   *MockTierProvider
	gateway *MockPaymentGateway
	events  *MockEventPublisher
	tasks   *MockTaskQueue
	flow    *Workflow
	clock   *testClock

	mu        sync.Mutex
	published []model.Event
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cont := gomock.NewController(t)

	f := &fixture{
		ledger:  memory.NewLedger(),
		orders:  memory.NewOrders(),
		tiers:   NewMockTierProvider(cont),
		gateway: NewMockPaymentGateway(cont),
		events:  NewMockEventPublisher(cont),
		tasks:   NewMockTaskQueue(cont),
		clock:   newClock(),
	}
	f.points = NewPointService(zap.NewNop(), f.ledger, nil).WithClock(f.clock.Now)

	config := cfg.Default()
	config.RetryInitial = time.Millisecond
	config.ConfirmTimeout = time.Second
	config.ConfirmAttempts = 3
	config.PointsAttempts = 3
	f.flow = NewWorkflow(zap.NewNop(), f.orders, f.points, f.tiers, f.gateway, f.events, f.tasks, config)

	f.events.EXPECT().
		Publish(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, e model.Event) error {
			f.mu.Lock()
			defer f.mu.Unlock()
			f.published = append(f.published, e)
			return nil
		}).
		AnyTimes()
	return f
}

func (f *fixture) eventTypes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var types []string
	for _, e := range f.published {
		types = append(types, e.Type)
	}
	return types
}

func (f *fixture) silver(user string) {
	f.tiers.EXPECT().
		GetTier(gomock.Any(), user).
		Return(model.Tier{Level: "silver", Percent: 2}, nil).
		AnyTimes()
}

func (f *fixture) approve() {
	f.gateway.EXPECT().
		Confirm(gomock.Any(), gomock.Any()).
		Return(model.PaymentApproval{Approved: true, TxnID: "txn-1"}, nil).
		Times(1)
}

// участник с баллами
func (f *fixture) member(t *testing.T, user string, points int64) uuid.UUID {
	t.Helper()
	account, err := f.ledger.GetUserUUID(context.Background(), user)
	require.NoError(t, err)
	if points > 0 {
		accrue(t, f.points, account, points, 0)
	}
	return account
}

func (f *fixture) order(id string, user string, spent int64) {
	f.orders.SetStock("p1", 10)
	f.orders.AddOrder(model.Order{
		ID:          id,
		User:        user,
		GatewayRef:  "gw-" + id,
		Amount:      decimal.NewFromInt(1000),
		PointsSpent: spent,
		Items:       []model.OrderItem{{ProductID: "p1", Quantity: 2}},
	})
}

func (f *fixture) get(t *testing.T, id string) model.Order {
	t.Helper()
	o, err := f.orders.GetOrder(context.Background(), id)
	require.NoError(t, err)
	return o
}

func (f *fixture) balance(t *testing.T, account uuid.UUID) int64 {
	t.Helper()
	b, err := f.points.BalanceOf(context.Background(), account)
	require.NoError(t, err)
	return b
}

func TestEarnPoints(t *testing.T) {
	tests := []struct {
		paid     string
		percent  int32
		expected int64
	}{
		{"1000", 2, 20},
		{"999.99", 1, 9},
		{"1234.50", 5, 61},
		{"0", 3, 0},
		{"-10", 3, 0},
		{"1000", 0, 0},
	}
	for _, ts := range tests {
		require.Equal(t, ts.expected, earnPoints(decimal.RequireFromString(ts.paid), ts.percent), "paid=%s percent=%d", ts.paid, ts.percent)
	}
}

func TestProcessOrder(t *testing.T) {
	f := newFixture(t)
	account := f.member(t, "u1", 600)
	f.silver("u1")
	f.order("o1", "u1", 500)
	f.gateway.EXPECT().
		Confirm(gomock.Any(), model.PaymentConfirm{GatewayRef: "gw-o1", OrderRef: "o1", Amount: decimal.NewFromInt(1000)}).
		Return(model.PaymentApproval{Approved: true, TxnID: "txn-1"}, nil).
		Times(1)

	tr, err := f.flow.Process(context.Background(), "o1")
	require.NoError(t, err)
	require.Equal(t, model.OrderConfirmed, tr.To)

	order := f.get(t, "o1")
	require.Equal(t, model.OrderConfirmed, order.State)
	require.Equal(t, "txn-1", order.ApprovalTxnID)
	require.Equal(t, model.PointsStageDone, order.PointsStage)
	require.Equal(t, account, order.Account)
	require.Equal(t, int64(20), order.EarnedPoints)
	require.NotZero(t, order.SpendID)
	require.NotZero(t, order.EarnLotID)
	require.Equal(t, int64(8), f.orders.Stock("p1"))

	// 600 - 500 + 2% от 1000
	require.Equal(t, int64(120), f.balance(t, account))
	earn := lotByID(t, f.ledger, account, order.EarnLotID)
	require.Equal(t, model.LotEarn, earn.Type)
	require.Equal(t, f.clock.Now().Add(365*day), *earn.ExpiresAt)
	require.Equal(t, model.OrderRef{OrderID: "o1", Rate: 2}, earn.Correlation)

	// повторная доставка ничего не меняет
	tr, err = f.flow.Process(context.Background(), "o1")
	require.NoError(t, err)
	require.True(t, tr.Noop)
	require.Len(t, f.ledger.Consumptions(account), 1)
	require.Equal(t, int64(8), f.orders.Stock("p1"))
}

func TestStartValidation(t *testing.T) {
	t.Run("insufficient points", func(t *testing.T) {
		f := newFixture(t)
		f.member(t, "u1", 100)
		f.silver("u1")
		f.order("o1", "u1", 500)

		tr, err := f.flow.Process(context.Background(), "o1")
		var insufficient *model.InsufficientBalanceError
		require.True(t, errors.As(err, &insufficient))
		require.Equal(t, int64(100), insufficient.Available)
		require.Equal(t, model.OrderFailed, tr.To)
		require.Equal(t, model.OrderFailed, f.get(t, "o1").State)
	})

	t.Run("unknown member", func(t *testing.T) {
		f := newFixture(t)
		f.tiers.EXPECT().GetTier(gomock.Any(), "ghost").Return(model.Tier{}, model.ErrNotFound)
		f.order("o1", "ghost", 0)

		_, err := f.flow.Start(context.Background(), "o1")
		require.ErrorIs(t, err, model.ErrNotFound)
		require.Equal(t, model.OrderFailed, f.get(t, "o1").State)
	})

	t.Run("points below minimum", func(t *testing.T) {
		f := newFixture(t)
		f.member(t, "u1", 600)
		f.order("o1", "u1", 50)

		_, err := f.flow.Process(context.Background(), "o1")
		require.ErrorIs(t, err, model.ErrInvalidAmount)
		require.Equal(t, model.OrderFailed, f.get(t, "o1").State)
	})

	t.Run("provider unavailable", func(t *testing.T) {
		f := newFixture(t)
		down := errors.New("mongo is down")
		f.tiers.EXPECT().GetTier(gomock.Any(), "u1").Return(model.Tier{}, down)
		f.order("o1", "u1", 0)

		_, err := f.flow.Start(context.Background(), "o1")
		require.ErrorIs(t, err, down)
		require.Equal(t, model.OrderPending, f.get(t, "o1").State)
	})
}

func TestInvalidItems(t *testing.T) {
	tests := []struct {
		name  string
		items []model.OrderItem
	}{
		{"negative quantity", []model.OrderItem{{ProductID: "p1", Quantity: -5}}},
		{"zero quantity", []model.OrderItem{{ProductID: "p1", Quantity: 2}, {ProductID: "p1", Quantity: 0}}},
		{"empty product", []model.OrderItem{{Quantity: 1}}},
		{"no items", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.member(t, "u1", 0)
			f.orders.SetStock("p1", 10)

			// до шлюза дело не доходит
			tr, err := f.flow.Submit(context.Background(), model.Order{
				ID:         "o1",
				User:       "u1",
				GatewayRef: "gw-o1",
				Amount:     decimal.NewFromInt(100),
				Items:      tt.items,
			})
			require.ErrorIs(t, err, model.ErrInvalidOrder)
			require.Equal(t, model.OrderFailed, tr.To)
			require.Equal(t, model.OrderFailed, f.get(t, "o1").State)
			require.Equal(t, int64(10), f.orders.Stock("p1"))
		})
	}
}

func TestConfirmPaymentTransientThenApproved(t *testing.T) {
	f := newFixture(t)
	f.member(t, "u1", 0)
	f.silver("u1")
	f.order("o1", "u1", 0)

	transient := &model.GatewayError{Code: "503", Message: "unavailable", Transient: true}
	gomock.InOrder(
		f.gateway.EXPECT().Confirm(gomock.Any(), gomock.Any()).Return(model.PaymentApproval{}, transient),
		f.gateway.EXPECT().Confirm(gomock.Any(), gomock.Any()).Return(model.PaymentApproval{}, transient),
		f.gateway.EXPECT().Confirm(gomock.Any(), gomock.Any()).Return(model.PaymentApproval{Approved: true, TxnID: "txn-9"}, nil),
	)

	tr, err := f.flow.Process(context.Background(), "o1")
	require.NoError(t, err)
	require.Equal(t, model.OrderConfirmed, tr.To)
	require.Equal(t, "txn-9", f.get(t, "o1").ApprovalTxnID)
}

func TestConfirmPaymentTimeoutIsTransient(t *testing.T) {
	f := newFixture(t)
	f.member(t, "u1", 0)
	f.silver("u1")
	f.order("o1", "u1", 0)
	f.flow.config.ConfirmTimeout = 10 * time.Millisecond

	gomock.InOrder(
		f.gateway.EXPECT().Confirm(gomock.Any(), gomock.Any()).
			DoAndReturn(func(ctx context.Context, _ model.PaymentConfirm) (model.PaymentApproval, error) {
				<-ctx.Done()
				return model.PaymentApproval{}, ctx.Err()
			}),
		f.gateway.EXPECT().Confirm(gomock.Any(), gomock.Any()).
			Return(model.PaymentApproval{Approved: true, TxnID: "txn-2"}, nil),
	)

	_, err := f.flow.Start(context.Background(), "o1")
	require.NoError(t, err)
	_, err = f.flow.ConfirmPayment(context.Background(), "o1")
	require.NoError(t, err)
	require.Equal(t, "txn-2", f.get(t, "o1").ApprovalTxnID)
}

func TestConfirmPaymentTerminal(t *testing.T) {
	f := newFixture(t)
	account := f.member(t, "u1", 600)
	f.silver("u1")
	f.order("o1", "u1", 500)
	f.gateway.EXPECT().
		Confirm(gomock.Any(), gomock.Any()).
		Return(model.PaymentApproval{}, &model.GatewayError{Code: "402", Message: "declined"}).
		Times(1)

	tr, err := f.flow.Process(context.Background(), "o1")
	require.ErrorIs(t, err, model.ErrGatewayTerminal)
	require.Equal(t, model.OrderFailed, tr.To)

	order := f.get(t, "o1")
	require.Equal(t, model.OrderFailed, order.State)
	require.Contains(t, order.FailureReason, "declined")
	require.Equal(t, int64(10), f.orders.Stock("p1"))
	require.Equal(t, int64(600), f.balance(t, account))
	require.Empty(t, f.ledger.Consumptions(account))
	require.Equal(t, []string{model.EventOrderFailed}, f.eventTypes())
}

func TestConfirmPaymentNotApproved(t *testing.T) {
	f := newFixture(t)
	f.member(t, "u1", 0)
	f.silver("u1")
	f.order("o1", "u1", 0)
	f.gateway.EXPECT().
		Confirm(gomock.Any(), gomock.Any()).
		Return(model.PaymentApproval{Approved: false}, nil).
		Times(1)

	_, err := f.flow.Process(context.Background(), "o1")
	require.ErrorIs(t, err, model.ErrGatewayTerminal)
	require.Equal(t, model.OrderFailed, f.get(t, "o1").State)
}

func TestConfirmPaymentBudgetExhausted(t *testing.T) {
	f := newFixture(t)
	f.member(t, "u1", 0)
	f.silver("u1")
	f.order("o1", "u1", 0)
	f.gateway.EXPECT().
		Confirm(gomock.Any(), gomock.Any()).
		Return(model.PaymentApproval{}, &model.GatewayError{Code: "504", Message: "timeout", Transient: true}).
		Times(3)

	tr, err := f.flow.Process(context.Background(), "o1")
	require.ErrorIs(t, err, model.ErrGatewayTransient)
	require.Equal(t, model.OrderFailed, tr.To)
	require.Equal(t, model.OrderFailed, f.get(t, "o1").State)
	require.Equal(t, []string{model.EventOrderFailed}, f.eventTypes())
}

func TestFinalizeConcurrent(t *testing.T) {
	f := newFixture(t)
	f.orders.SetStock("p1", 10)
	f.orders.AddOrder(model.Order{
		ID:            "o1",
		User:          "u1",
		State:         model.OrderAwaiting,
		ApprovalTxnID: "txn-1",
		Items:         []model.OrderItem{{ProductID: "p1", Quantity: 3}},
	})

	const calls = 10
	results := make([]model.Transition, calls)
	wg := &sync.WaitGroup{}
	for i := 0; i < calls; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tr, err := f.flow.Finalize(context.Background(), "o1")
			require.NoError(t, err)
			results[i] = tr
		}(i)
	}
	wg.Wait()

	applied := 0
	for _, tr := range results {
		require.Equal(t, model.OrderConfirmed, tr.To)
		if !tr.Noop {
			applied++
			require.Equal(t, model.OrderAwaiting, tr.From)
			require.Equal(t, model.OrderFinalizing, tr.Via)
		}
	}
	require.Equal(t, 1, applied)
	require.Equal(t, int64(7), f.orders.Stock("p1"))
	require.Equal(t, model.OrderConfirmed, f.get(t, "o1").State)
}

func TestFinalizeInsufficientStock(t *testing.T) {
	f := newFixture(t)
	f.orders.SetStock("p1", 5)
	f.orders.SetStock("p2", 1)
	f.orders.AddOrder(model.Order{
		ID:            "o1",
		User:          "u1",
		State:         model.OrderAwaiting,
		ApprovalTxnID: "txn-1",
		Items: []model.OrderItem{
			{ProductID: "p1", Quantity: 2},
			{ProductID: "p2", Quantity: 2},
		},
	})

	tr, err := f.flow.Finalize(context.Background(), "o1")
	require.ErrorIs(t, err, model.ErrInsufficientStock)
	var stock *model.StockError
	require.True(t, errors.As(err, &stock))
	require.Equal(t, "p2", stock.ProductID)
	require.Equal(t, model.OrderFailed, tr.To)
	require.Equal(t, model.OrderFinalizing, tr.Via)

	// списание p1 откатилось вместе с транзакцией
	require.Equal(t, int64(5), f.orders.Stock("p1"))
	require.Equal(t, int64(1), f.orders.Stock("p2"))
	order := f.get(t, "o1")
	require.Equal(t, model.OrderFailed, order.State)
	require.True(t, order.Reconcile)
	require.Equal(t, []string{model.EventOrderFailed}, f.eventTypes())
}

func TestFinalizeBeforeConfirmation(t *testing.T) {
	f := newFixture(t)
	f.order("o1", "u1", 0)

	_, err := f.flow.Finalize(context.Background(), "o1")
	require.ErrorIs(t, err, model.ErrInvalidState)
	require.Equal(t, int64(10), f.orders.Stock("p1"))
}

func TestCancelOrder(t *testing.T) {
	f := newFixture(t)
	account := f.member(t, "u1", 600)
	f.silver("u1")
	f.order("o1", "u1", 500)
	f.approve()

	_, err := f.flow.Process(context.Background(), "o1")
	require.NoError(t, err)
	require.Equal(t, int64(120), f.balance(t, account))

	tr, err := f.flow.Cancel(context.Background(), "o1")
	require.NoError(t, err)
	require.Equal(t, model.OrderConfirmed, tr.From)
	require.Equal(t, model.OrderCanceled, tr.To)
	require.Equal(t, int64(10), f.orders.Stock("p1"))
	require.Equal(t, int64(600), f.balance(t, account))

	h, err := f.points.History(context.Background(), account, f.clock.Now().Add(-day), f.clock.Now().Add(day))
	require.NoError(t, err)
	require.Len(t, h.Reversals, 1)
	require.Equal(t, int64(500), h.Reversals[0].Amount)
	var clawback *model.PointConsumption
	for i, c := range h.Consumptions {
		if c.Type == model.ConsumeCancelReversal {
			clawback = &h.Consumptions[i]
		}
	}
	require.NotNil(t, clawback)
	require.Equal(t, int64(20), clawback.Amount)

	// повторная отмена ничего не добавляет
	consumptions := len(f.ledger.Consumptions(account))
	tr, err = f.flow.Cancel(context.Background(), "o1")
	require.NoError(t, err)
	require.True(t, tr.Noop)
	require.Equal(t, consumptions, len(f.ledger.Consumptions(account)))
	require.Equal(t, int64(10), f.orders.Stock("p1"))
	require.Equal(t, int64(600), f.balance(t, account))
	requireConsistent(t, f.ledger, account)
}

func TestCancelAfterEarnedPointsSpent(t *testing.T) {
	f := newFixture(t)
	account := f.member(t, "u1", 0)
	f.silver("u1")
	f.order("o1", "u1", 0)
	f.approve()

	_, err := f.flow.Process(context.Background(), "o1")
	require.NoError(t, err)
	_, err = f.points.Consume(context.Background(), use(account, 15, "o2"))
	require.NoError(t, err)

	_, err = f.flow.Cancel(context.Background(), "o1")
	require.NoError(t, err)
	require.Zero(t, f.balance(t, account))
	require.Equal(t, []string{model.EventIntegrityAlert}, f.eventTypes())
}

func TestCancelNotConfirmed(t *testing.T) {
	f := newFixture(t)
	f.order("o1", "u1", 0)

	_, err := f.flow.Cancel(context.Background(), "o1")
	require.ErrorIs(t, err, model.ErrInvalidState)
	require.Equal(t, model.OrderPending, f.get(t, "o1").State)
}

func TestCancelBeforePointsStage(t *testing.T) {
	f := newFixture(t)
	account := f.member(t, "u1", 600)
	f.orders.SetStock("p1", 8)
	f.orders.AddOrder(model.Order{
		ID:            "o1",
		User:          "u1",
		Account:       account,
		Amount:        decimal.NewFromInt(1000),
		PointsSpent:   500,
		State:         model.OrderConfirmed,
		ApprovalTxnID: "txn-1",
		Items:         []model.OrderItem{{ProductID: "p1", Quantity: 2}},
	})

	_, err := f.flow.Cancel(context.Background(), "o1")
	require.NoError(t, err)
	require.Equal(t, model.PointsStageSkipped, f.get(t, "o1").PointsStage)

	// задача этапа баллов пришла после отмены
	require.NoError(t, f.flow.ApplyPoints(context.Background(), "o1"))
	require.Empty(t, f.ledger.Consumptions(account))
	require.Equal(t, int64(600), f.balance(t, account))
	require.Equal(t, int64(10), f.orders.Stock("p1"))
}

func TestApplyPointsInsufficientBalance(t *testing.T) {
	f := newFixture(t)
	account := f.member(t, "u1", 100)
	f.orders.AddOrder(model.Order{
		ID:          "o1",
		User:        "u1",
		Account:     account,
		Amount:      decimal.NewFromInt(1000),
		PointsSpent: 500,
		State:       model.OrderConfirmed,
	})

	err := f.flow.ApplyPoints(context.Background(), "o1")
	require.ErrorIs(t, err, model.ErrInsufficientBalance)

	order := f.get(t, "o1")
	require.Equal(t, model.OrderConfirmed, order.State)
	require.Equal(t, model.PointsStageFailed, order.PointsStage)
	require.Equal(t, []string{model.EventIntegrityAlert, model.EventPointsFailed}, f.eventTypes())
	require.Equal(t, int64(100), f.balance(t, account))

	// этап на ручном разборе, повтор ничего не делает
	require.NoError(t, f.flow.ApplyPoints(context.Background(), "o1"))
}

func TestApplyPointsIdempotent(t *testing.T) {
	f := newFixture(t)
	account := f.member(t, "u1", 300)
	f.silver("u1")
	f.orders.AddOrder(model.Order{
		ID:          "o1",
		User:        "u1",
		Account:     account,
		Amount:      decimal.NewFromInt(500),
		PointsSpent: 200,
		State:       model.OrderConfirmed,
	})

	wg := &sync.WaitGroup{}
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			require.NoError(t, f.flow.ApplyPoints(context.Background(), "o1"))
		}()
	}
	wg.Wait()

	require.Len(t, f.ledger.Consumptions(account), 1)
	require.Len(t, f.ledger.Lots(account), 2)
	require.Equal(t, int64(110), f.balance(t, account))
	require.Equal(t, model.PointsStageDone, f.get(t, "o1").PointsStage)
}

func TestHandlePointsTask(t *testing.T) {
	f := newFixture(t)
	account := f.member(t, "u1", 0)
	f.orders.AddOrder(model.Order{
		ID:      "o1",
		User:    "u1",
		Account: account,
		Amount:  decimal.NewFromInt(1000),
		State:   model.OrderConfirmed,
	})
	down := errors.New("mongo is down")
	f.tiers.EXPECT().GetTier(gomock.Any(), "u1").Return(model.Tier{}, down).Times(2)
	f.tasks.EXPECT().Enqueue(gomock.Any(), model.PointsTask{OrderID: "o1", Attempt: 1}).Return(nil)

	require.NoError(t, f.flow.HandlePointsTask(context.Background(), model.PointsTask{OrderID: "o1", Attempt: 0}))
	order := f.get(t, "o1")
	require.Equal(t, model.PointsStagePending, order.PointsStage)
	require.Equal(t, 1, order.PointsAttempt)

	// последняя попытка
	require.NoError(t, f.flow.HandlePointsTask(context.Background(), model.PointsTask{OrderID: "o1", Attempt: 2}))
	order = f.get(t, "o1")
	require.Equal(t, model.PointsStageFailed, order.PointsStage)
	require.Equal(t, 3, order.PointsAttempt)
	require.Equal(t, []string{model.EventPointsFailed}, f.eventTypes())
}

func TestProcessQueuesPointsRetry(t *testing.T) {
	f := newFixture(t)
	f.member(t, "u1", 0)
	f.order("o1", "u1", 0)
	f.approve()
	down := errors.New("mongo is down")
	gomock.InOrder(
		f.tiers.EXPECT().GetTier(gomock.Any(), "u1").Return(model.Tier{Level: "gold", Percent: 3}, nil),
		f.tiers.EXPECT().GetTier(gomock.Any(), "u1").Return(model.Tier{}, down),
	)
	f.tasks.EXPECT().Enqueue(gomock.Any(), model.PointsTask{OrderID: "o1", Attempt: 1}).Return(nil)

	tr, err := f.flow.Process(context.Background(), "o1")
	require.NoError(t, err)
	require.Equal(t, model.OrderConfirmed, tr.To)
	order := f.get(t, "o1")
	require.Equal(t, model.PointsStagePending, order.PointsStage)
	require.Equal(t, 1, order.PointsAttempt)
}

func TestPointsRetryQueueDown(t *testing.T) {
	f := newFixture(t)
	f.member(t, "u1", 0)
	f.order("o1", "u1", 0)
	f.approve()
	down := errors.New("mongo is down")
	rabbitDown := errors.New("rabbit is down")
	gomock.InOrder(
		f.tiers.EXPECT().GetTier(gomock.Any(), "u1").Return(model.Tier{Level: "gold", Percent: 3}, nil),
		f.tiers.EXPECT().GetTier(gomock.Any(), "u1").Return(model.Tier{}, down).Times(2),
	)
	f.tasks.EXPECT().Enqueue(gomock.Any(), gomock.Any()).Return(rabbitDown).Times(2)

	// заказ подтвержден, но сообщение должно прийти повторно
	tr, err := f.flow.Process(context.Background(), "o1")
	require.ErrorIs(t, err, rabbitDown)
	require.True(t, model.IsInfrastructure(err))
	require.Equal(t, model.OrderConfirmed, tr.To)
	require.Equal(t, model.OrderConfirmed, f.get(t, "o1").State)

	// задача из очереди не подтверждается
	err = f.flow.HandlePointsTask(context.Background(), model.PointsTask{OrderID: "o1", Attempt: 1})
	require.ErrorIs(t, err, rabbitDown)
	require.True(t, model.IsInfrastructure(err))
	order := f.get(t, "o1")
	require.Equal(t, model.PointsStagePending, order.PointsStage)
	require.Equal(t, 2, order.PointsAttempt)
}

func TestSubmit(t *testing.T) {
	f := newFixture(t)
	account := f.member(t, "u1", 0)
	f.silver("u1")
	f.orders.SetStock("p1", 10)
	f.approve()

	order := model.Order{
		ID:         "o1",
		User:       "u1",
		GatewayRef: "gw-o1",
		Amount:     decimal.NewFromInt(250),
		Items:      []model.OrderItem{{ProductID: "p1", Quantity: 1}},
	}
	tr, err := f.flow.Submit(context.Background(), order)
	require.NoError(t, err)
	require.Equal(t, model.OrderConfirmed, tr.To)
	require.Equal(t, int64(5), f.balance(t, account))

	// повторная доставка
	_, err = f.flow.Submit(context.Background(), order)
	require.NoError(t, err)
	require.Equal(t, int64(9), f.orders.Stock("p1"))
	require.Equal(t, int64(5), f.balance(t, account))

	_, err = f.flow.Submit(context.Background(), model.Order{ID: "o2"})
	require.ErrorIs(t, err, model.ErrInvalidOrder)
}
