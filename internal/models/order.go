package points

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Состояние заказа
type OrderState string

const (
	OrderPending    OrderState = "pending"
	OrderAwaiting   OrderState = "awaiting-external-confirmation"
	OrderFinalizing OrderState = "finalizing"
	OrderConfirmed  OrderState = "confirmed"
	OrderFailed     OrderState = "failed"
	OrderCanceled   OrderState = "canceled"
)

// Конечное состояние
func (s OrderState) Terminal() bool {
	return s == OrderFailed || s == OrderCanceled
}

// Статус этапа баллов
type PointsStage string

const (
	PointsStagePending PointsStage = "pending"
	PointsStageDone    PointsStage = "done"
	PointsStageFailed  PointsStage = "failed"
	PointsStageSkipped PointsStage = "skipped"
)

// Позиция заказа
type OrderItem struct {
	ProductID string `json:"productId"`
	Quantity  int64  `json:"quantity"`
}

// Заказ - приходит от сервиса корзины
type Order struct {
	ID          string
	User        string
	Account     uuid.UUID
	GatewayRef  string          // ключ платежа в шлюзе
	Amount      decimal.Decimal // к оплате после списания баллов
	PointsSpent int64           // баллы, которые пользователь решил потратить
	Items       []OrderItem
	State       OrderState

	ApprovalTxnID string // ID транзакции шлюза
	FailureReason string
	Reconcile     bool // требуется ручная сверка с шлюзом

	PointsStage   PointsStage
	SpendID       int64 // списание баллов по заказу
	EarnLotID     int64 // партия начисления по заказу
	EarnedPoints  int64
	PointsAttempt int // неудачных попыток этапа баллов

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Ответ шлюза
type PaymentApproval struct {
	Approved bool
	TxnID    string
}

// Запрос подтверждения платежа
type PaymentConfirm struct {
	GatewayRef string
	OrderRef   string
	Amount     decimal.Decimal
}

// Переход состояния заказа
type Transition struct {
	OrderID string
	From    OrderState
	To      OrderState
	Via     OrderState // промежуточное состояние внутри перехода, если было
	Noop    bool       // повторный вызов, состояние не менялось
}

// Уровень участника программы
type Tier struct {
	Level      string
	Percent    int32 // процент начисления от оплаченной суммы
	ExpiryDays int   // срок жизни начисленных баллов, 0 - значение по умолчанию
}

// Событие для внешних получателей (уведомления, ручной разбор)
type Event struct {
	ID      uuid.UUID `json:"id"`
	Type    string    `json:"type"`
	OrderID string    `json:"orderId,omitempty"`
	User    string    `json:"userId,omitempty"`
	Payload any       `json:"payload,omitempty"`
	At      time.Time `json:"at"`
}

const (
	EventOrderFailed    = "order.failed"
	EventIntegrityAlert = "points.integrity_alert"
	EventPointsExpiring = "points.expiring"
	EventPointsFailed   = "points.stage_failed"
)

// Задача этапа баллов (очередь)
type PointsTask struct {
	OrderID string `json:"orderId"`
	Attempt int    `json:"attempt"`
}
