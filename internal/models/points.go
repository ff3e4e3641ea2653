package points

import (
	"sort"
	"time"

	"github.com/google/uuid"
)

// Счет баллов
type PointAccount struct {
	UUID    uuid.UUID
	Balance int64  // кэшированный баланс, пересчитывается из партий
	User    string // ID пользователя
}

// Тип партии (начисления)
type LotType string

const (
	LotEarn         LotType = "earn"
	LotAdminAdjust  LotType = "admin-adjust"
	LotCancelRefund LotType = "cancel-refund"
)

// Статус партии
type LotStatus string

const (
	LotActive        LotStatus = "active"
	LotFullyConsumed LotStatus = "fully-consumed"
	LotExpired       LotStatus = "expired"
)

// Партия баллов - одно начисление со своим остатком и сроком действия
type PointLot struct {
	ID          int64
	Account     uuid.UUID
	Original    int64      // начислено, не меняется
	Remaining   int64      // остаток
	CreatedAt   time.Time  // дата начисления
	ExpiresAt   *time.Time // nil - бессрочно
	Type        LotType
	Status      LotStatus
	Correlation Correlation
	Key         string // ключ идемпотентности
}

// Партия просрочена на момент asOf
func (l PointLot) ExpiredAt(asOf time.Time) bool {
	return l.ExpiresAt != nil && !l.ExpiresAt.After(asOf)
}

// Партия участвует в балансе
func (l PointLot) Spendable(asOf time.Time) bool {
	return l.Status == LotActive && l.Remaining > 0 && !l.ExpiredAt(asOf)
}

// Тип списания
type ConsumptionType string

const (
	ConsumeUse            ConsumptionType = "use"
	ConsumeExpire         ConsumptionType = "expire"
	ConsumeCancelReversal ConsumptionType = "cancel-reversal"
)

// Списание из одной партии
type Draw struct {
	LotID  int64 `json:"lotId"`
	Amount int64 `json:"amount"`
}

// Списание баллов (использование, сгорание, отмена начисления)
type PointConsumption struct {
	ID          int64
	Account     uuid.UUID
	Amount      int64
	Type        ConsumptionType
	Draws       []Draw // разбивка по партиям в порядке FIFO
	CreatedAt   time.Time
	Correlation Correlation
	Key         string
}

// Сторно списания
type PointReversal struct {
	ID            int64
	ConsumptionID int64
	Account       uuid.UUID
	Amount        int64
	Restored      []Draw // возвращено в исходные партии
	RefundLotID   int64  // новая бессрочная партия на недостающую сумму, 0 - не создавалась
	CreatedAt     time.Time
}

// Результат списания
type ConsumptionResult struct {
	Consumption PointConsumption
	Breakdown   []Draw
	Balance     int64
	Shortfall   int64 // не удалось списать (только для Clawback)
}

// Результат сгорания партии
type ExpireResult struct {
	Consumption PointConsumption
	Expired     bool // false - партия уже была погашена
}

// Расхождение кэша и журнала
type Drift struct {
	Account uuid.UUID
	Cached  int64
	Ledger  int64
}

func (d Drift) Delta() int64 {
	return d.Cached - d.Ledger
}

// История по счету
type History struct {
	Lots         []PointLot
	Consumptions []PointConsumption
	Reversals    []PointReversal
}

// Итог прогона сгорания
type SweepReport struct {
	Expired          int
	TotalAmount      int64
	AccountsAffected int
	Errors           int
}

// Уведомление о скором сгорании
type ExpiringNotice struct {
	Account    uuid.UUID `json:"account"`
	User       string    `json:"userId"`
	Total      int64     `json:"points"`
	Lots       []Draw    `json:"lots"`
	EarliestAt time.Time `json:"earliestAt"`
}

// Порядок списания: раньше сгорающие первыми, бессрочные последними,
// затем по дате начисления и id
func SortFIFO(lots []PointLot) {
	sort.SliceStable(lots, func(i, j int) bool {
		a, b := lots[i], lots[j]
		switch {
		case a.ExpiresAt == nil && b.ExpiresAt != nil:
			return false
		case a.ExpiresAt != nil && b.ExpiresAt == nil:
			return true
		case a.ExpiresAt != nil && b.ExpiresAt != nil && !a.ExpiresAt.Equal(*b.ExpiresAt):
			return a.ExpiresAt.Before(*b.ExpiresAt)
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}
