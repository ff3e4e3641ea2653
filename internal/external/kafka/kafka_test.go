package points

import (
	"encoding/json"
	"testing"
	"time"

	model "github.com/glkeru/loyalty/ledger/internal/models"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func TestDecodeOrder(t *testing.T) {
	order, err := DecodeOrder([]byte(`{"orderId":"o-1","userId":"u1","gatewayRef":"g-1","amount":"99.90","pointsSpent":10,
		"items":[{"productId":"p1","quantity":2}]}`))
	require.NoError(t, err)
	require.Equal(t, "o-1", order.ID)
	require.Equal(t, "u1", order.User)
	require.Equal(t, "g-1", order.GatewayRef)
	require.True(t, decimal.RequireFromString("99.9").Equal(order.Amount))
	require.Equal(t, int64(10), order.PointsSpent)
	require.Equal(t, []model.OrderItem{{ProductID: "p1", Quantity: 2}}, order.Items)

	for _, raw := range []string{`{`, `{"orderId":"o-1"}`, `{"userId":"u1"}`} {
		_, err = DecodeOrder([]byte(raw))
		require.ErrorIs(t, err, model.ErrInvalidOrder, raw)
	}
}

func TestDecodeCancel(t *testing.T) {
	id, err := DecodeCancel([]byte(`{"orderId":"o-1"}`))
	require.NoError(t, err)
	require.Equal(t, "o-1", id)

	_, err = DecodeCancel([]byte(`{}`))
	require.ErrorIs(t, err, model.ErrInvalidOrder)
}

func TestEncodeEvent(t *testing.T) {
	event := model.Event{
		ID:      uuid.New(),
		Type:    model.EventOrderFailed,
		OrderID: "o-1",
		At:      time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	msg, err := EncodeEvent(event)
	require.NoError(t, err)
	require.Equal(t, "o-1", string(msg.Key))
	require.Equal(t, model.EventOrderFailed, string(msg.Headers[0].Value))

	decoded := model.Event{}
	require.NoError(t, json.Unmarshal(msg.Value, &decoded))
	require.Equal(t, event, decoded)

	event.User = "u1"
	msg, err = EncodeEvent(event)
	require.NoError(t, err)
	require.Equal(t, "u1", string(msg.Key))
}
