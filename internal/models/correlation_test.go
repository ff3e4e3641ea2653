package points

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCorrelationEnvelope(t *testing.T) {
	for _, c := range []Correlation{
		OrderRef{OrderID: "o-1", Rate: 3},
		AdminRef{Actor: "admin", Reason: "fix"},
		ReversalRef{ConsumptionID: 7, OrderID: "o-1"},
		ExpiryRef{LotID: 12},
	} {
		raw, err := EncodeCorrelation(c)
		require.NoError(t, err)
		decoded, err := DecodeCorrelation(raw)
		require.NoError(t, err)
		require.Equal(t, c, decoded)
	}

	raw, err := EncodeCorrelation(nil)
	require.NoError(t, err)
	require.Nil(t, raw)
	decoded, err := DecodeCorrelation(nil)
	require.NoError(t, err)
	require.Nil(t, decoded)

	_, err = DecodeCorrelation([]byte(`{"kind":"transfer","data":{}}`))
	require.ErrorIs(t, err, ErrInvalidCorrelation)
}

func TestValidateCorrelation(t *testing.T) {
	require.NoError(t, ValidateLotCorrelation(LotEarn, OrderRef{OrderID: "o-1"}))
	require.NoError(t, ValidateLotCorrelation(LotAdminAdjust, AdminRef{Actor: "a"}))
	require.NoError(t, ValidateLotCorrelation(LotCancelRefund, ReversalRef{ConsumptionID: 1}))
	require.ErrorIs(t, ValidateLotCorrelation(LotEarn, AdminRef{Actor: "a"}), ErrInvalidCorrelation)
	require.ErrorIs(t, ValidateLotCorrelation(LotEarn, nil), ErrInvalidCorrelation)
	require.ErrorIs(t, ValidateLotCorrelation("bonus", OrderRef{}), ErrInvalidCorrelation)

	require.NoError(t, ValidateConsumptionCorrelation(ConsumeUse, OrderRef{OrderID: "o-1"}))
	require.NoError(t, ValidateConsumptionCorrelation(ConsumeUse, AdminRef{Actor: "a"}))
	require.NoError(t, ValidateConsumptionCorrelation(ConsumeExpire, ExpiryRef{LotID: 1}))
	require.NoError(t, ValidateConsumptionCorrelation(ConsumeCancelReversal, OrderRef{OrderID: "o-1"}))
	require.ErrorIs(t, ValidateConsumptionCorrelation(ConsumeExpire, OrderRef{}), ErrInvalidCorrelation)
}
