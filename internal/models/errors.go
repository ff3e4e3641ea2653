package points

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	// валидация
	ErrNotFound           = errors.New("not found")
	ErrInvalidAmount      = errors.New("invalid amount")
	ErrInvalidCorrelation = errors.New("invalid correlation")
	ErrInvalidState       = errors.New("invalid order state")
	ErrInvalidOrder       = errors.New("invalid order")
	ErrNotReversible      = errors.New("consumption is not reversible")
	ErrLotNotExpired      = errors.New("lot is not expired")

	// баланс и журнал
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrConsumptionNotFound = errors.New("consumption not found")
	ErrAlreadyReversed     = errors.New("consumption already reversed")
	ErrIntegrity           = errors.New("ledger integrity violation")

	// склад
	ErrInsufficientStock = errors.New("insufficient stock")

	// платежный шлюз
	ErrGatewayTransient = errors.New("payment gateway transient error")
	ErrGatewayTerminal  = errors.New("payment gateway terminal error")

	// блокировки
	ErrLockTimeout = errors.New("lock wait timeout")
)

// Недостаточно баллов: сколько доступно и сколько запрошено
type InsufficientBalanceError struct {
	Account   uuid.UUID
	Available int64
	Requested int64
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance: available %d, requested %d", e.Available, e.Requested)
}

func (e *InsufficientBalanceError) Unwrap() error {
	return ErrInsufficientBalance
}

// Нет остатка товара
type StockError struct {
	ProductID string
	Requested int64
}

func (e *StockError) Error() string {
	return fmt.Sprintf("insufficient stock: product %s, requested %d", e.ProductID, e.Requested)
}

func (e *StockError) Unwrap() error {
	return ErrInsufficientStock
}

// Ошибка платежного шлюза
type GatewayError struct {
	Code      string
	Message   string
	Transient bool
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("gateway %s: %s", e.Code, e.Message)
}

func (e *GatewayError) Unwrap() error {
	if e.Transient {
		return ErrGatewayTransient
	}
	return ErrGatewayTerminal
}

// Ошибка может пройти при повторе
func IsRetryable(err error) bool {
	return errors.Is(err, ErrLockTimeout) || errors.Is(err, ErrGatewayTransient)
}

// Ошибка входных данных, повтор бессмысленен
func IsValidation(err error) bool {
	return errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrInvalidCorrelation) ||
		errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrInvalidState) ||
		errors.Is(err, ErrInvalidOrder) ||
		errors.Is(err, ErrNotReversible) ||
		errors.Is(err, ErrLotNotExpired)
}

// Сбой инфраструктуры (база, блокировки, сеть): сообщение очереди нужно доставить повторно.
// Отказы шлюза, нехватка остатков и ошибки данных уже отражены в состоянии заказа.
func IsInfrastructure(err error) bool {
	return err != nil &&
		!IsValidation(err) &&
		!errors.Is(err, ErrGatewayTransient) &&
		!errors.Is(err, ErrGatewayTerminal) &&
		!errors.Is(err, ErrInsufficientStock) &&
		!errors.Is(err, ErrInsufficientBalance) &&
		!errors.Is(err, ErrAlreadyReversed)
}
