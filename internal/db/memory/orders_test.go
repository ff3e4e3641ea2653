package memory

import (
	"context"
	"errors"
	"testing"

	interf "github.com/glkeru/loyalty/ledger/internal/interfaces"
	model "github.com/glkeru/loyalty/ledger/internal/models"
	"github.com/stretchr/testify/require"
)

func TestWithOrderLockRollback(t *testing.T) {
	s := NewOrders()
	ctx := context.Background()
	s.SetStock("p1", 5)
	s.AddOrder(model.Order{ID: "o1"})

	err := s.WithOrderLock(ctx, "o1", func(tx interf.OrderTx) error {
		require.NoError(t, tx.DecrementStock(ctx, "p1", 3))
		o := tx.Order()
		o.State = model.OrderConfirmed
		require.NoError(t, tx.Save(ctx, o))
		return tx.DecrementStock(ctx, "p1", 3)
	})
	var stock *model.StockError
	require.True(t, errors.As(err, &stock))
	require.Equal(t, int64(5), s.Stock("p1"))

	o, err := s.GetOrder(ctx, "o1")
	require.NoError(t, err)
	require.Equal(t, model.OrderPending, o.State)
	require.Equal(t, model.PointsStagePending, o.PointsStage)
}

func TestWithOrderLockSave(t *testing.T) {
	s := NewOrders()
	ctx := context.Background()
	s.SetStock("p1", 5)
	s.AddOrder(model.Order{ID: "o1"})

	err := s.WithOrderLock(ctx, "o1", func(tx interf.OrderTx) error {
		if err := tx.DecrementStock(ctx, "p1", 2); err != nil {
			return err
		}
		o := tx.Order()
		o.State = model.OrderConfirmed
		return tx.Save(ctx, o)
	})
	require.NoError(t, err)
	require.Equal(t, int64(3), s.Stock("p1"))
	o, err := s.GetOrder(ctx, "o1")
	require.NoError(t, err)
	require.Equal(t, model.OrderConfirmed, o.State)
	require.False(t, o.UpdatedAt.IsZero())

	err = s.WithOrderLock(ctx, "o1", func(tx interf.OrderTx) error {
		return tx.Save(ctx, model.Order{ID: "o2"})
	})
	require.Error(t, err)

	_, err = s.GetOrder(ctx, "missing")
	require.ErrorIs(t, err, model.ErrNotFound)
}

func TestStockQuantityMustBePositive(t *testing.T) {
	s := NewOrders()
	ctx := context.Background()
	s.SetStock("p1", 10)
	s.AddOrder(model.Order{ID: "o1"})

	for _, qty := range []int64{0, -5} {
		err := s.WithOrderLock(ctx, "o1", func(tx interf.OrderTx) error {
			return tx.DecrementStock(ctx, "p1", qty)
		})
		require.ErrorIs(t, err, model.ErrInvalidOrder)
		err = s.WithOrderLock(ctx, "o1", func(tx interf.OrderTx) error {
			return tx.RestoreStock(ctx, "p1", qty)
		})
		require.ErrorIs(t, err, model.ErrInvalidOrder)
	}
	require.Equal(t, int64(10), s.Stock("p1"))
}
