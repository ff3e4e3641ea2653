package points

import (
	"testing"

	model "github.com/glkeru/loyalty/ledger/internal/models"
	"github.com/stretchr/testify/require"
)

func TestDecodeTask(t *testing.T) {
	task, err := DecodeTask([]byte(`{"orderId":"o-1","attempt":2}`))
	require.NoError(t, err)
	require.Equal(t, model.PointsTask{OrderID: "o-1", Attempt: 2}, task)

	_, err = DecodeTask([]byte(`{"attempt":2}`))
	require.ErrorIs(t, err, model.ErrInvalidOrder)

	_, err = DecodeTask([]byte(`[`))
	require.Error(t, err)
}
