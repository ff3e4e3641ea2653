package points

import (
	"encoding/json"
	"fmt"
)

// Контекст операции в журнале. Набор вариантов закрыт, у каждого типа операции
// свой допустимый вариант.
type Correlation interface {
	Kind() string
}

// Заказ
type OrderRef struct {
	OrderID string `json:"orderId"`
	Rate    int32  `json:"rate,omitempty"` // процент начисления по уровню
}

// Ручная операция
type AdminRef struct {
	Actor  string `json:"actor"`
	Reason string `json:"reason"`
}

// Сторно списания
type ReversalRef struct {
	ConsumptionID int64  `json:"consumptionId"`
	OrderID       string `json:"orderId,omitempty"`
}

// Сгорание партии
type ExpiryRef struct {
	LotID int64 `json:"lotId"`
}

func (OrderRef) Kind() string    { return "order" }
func (AdminRef) Kind() string    { return "admin" }
func (ReversalRef) Kind() string { return "reversal" }
func (ExpiryRef) Kind() string   { return "expiry" }

// допустимые варианты по типам операций
var lotCorrelations = map[LotType][]string{
	LotEarn:         {"order"},
	LotAdminAdjust:  {"admin"},
	LotCancelRefund: {"reversal"},
}

var consumptionCorrelations = map[ConsumptionType][]string{
	ConsumeUse:            {"order", "admin"},
	ConsumeExpire:         {"expiry"},
	ConsumeCancelReversal: {"order"},
}

// Проверка варианта контекста для партии
func ValidateLotCorrelation(t LotType, c Correlation) error {
	kinds, ok := lotCorrelations[t]
	if !ok {
		return fmt.Errorf("lot type %q: %w", t, ErrInvalidCorrelation)
	}
	return matchKind(string(t), kinds, c)
}

// Проверка варианта контекста для списания
func ValidateConsumptionCorrelation(t ConsumptionType, c Correlation) error {
	kinds, ok := consumptionCorrelations[t]
	if !ok {
		return fmt.Errorf("consumption type %q: %w", t, ErrInvalidCorrelation)
	}
	return matchKind(string(t), kinds, c)
}

func matchKind(t string, kinds []string, c Correlation) error {
	if c == nil {
		return fmt.Errorf("%s: correlation is required: %w", t, ErrInvalidCorrelation)
	}
	for _, k := range kinds {
		if k == c.Kind() {
			return nil
		}
	}
	return fmt.Errorf("%s: correlation %q is not allowed: %w", t, c.Kind(), ErrInvalidCorrelation)
}

type correlationEnvelope struct {
	Kind string          `json:"kind"`
	Data json.RawMessage `json:"data"`
}

// Сериализация для хранения (JSONB)
func EncodeCorrelation(c Correlation) ([]byte, error) {
	if c == nil {
		return nil, nil
	}
	data, err := json.Marshal(c)
	if err != nil {
		return nil, err
	}
	return json.Marshal(correlationEnvelope{Kind: c.Kind(), Data: data})
}

func DecodeCorrelation(raw []byte) (Correlation, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	env := correlationEnvelope{}
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, err
	}
	var c Correlation
	var err error
	switch env.Kind {
	case "order":
		v := OrderRef{}
		err = json.Unmarshal(env.Data, &v)
		c = v
	case "admin":
		v := AdminRef{}
		err = json.Unmarshal(env.Data, &v)
		c = v
	case "reversal":
		v := ReversalRef{}
		err = json.Unmarshal(env.Data, &v)
		c = v
	case "expiry":
		v := ExpiryRef{}
		err = json.Unmarshal(env.Data, &v)
		c = v
	default:
		return nil, fmt.Errorf("unknown correlation kind %q: %w", env.Kind, ErrInvalidCorrelation)
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}
