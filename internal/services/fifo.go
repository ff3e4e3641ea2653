package points

import (
	model "github.com/glkeru/loyalty/ledger/internal/models"
)

// План списания по партиям, уже упорядоченным по FIFO.
// Возвращает разбивку на min(amount, available) и сумму доступного остатка.
func planFIFO(lots []model.PointLot, amount int64) (draws []model.Draw, available int64) {
	rest := amount
	for _, lot := range lots {
		if lot.Remaining <= 0 {
			continue
		}
		available += lot.Remaining
		if rest == 0 {
			continue
		}
		take := min(lot.Remaining, rest)
		draws = append(draws, model.Draw{LotID: lot.ID, Amount: take})
		rest -= take
	}
	return draws, available
}

// Партия поднимается в начало очереди (отмена начисления по заказу)
func preferLot(lots []model.PointLot, lotID int64) []model.PointLot {
	if lotID == 0 {
		return lots
	}
	for i, lot := range lots {
		if lot.ID != lotID {
			continue
		}
		out := make([]model.PointLot, 0, len(lots))
		out = append(out, lot)
		out = append(out, lots[:i]...)
		return append(out, lots[i+1:]...)
	}
	return lots
}

func sumDraws(draws []model.Draw) (total int64) {
	for _, d := range draws {
		total += d.Amount
	}
	return total
}
