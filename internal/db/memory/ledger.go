// Хранилище журнала в памяти: те же гарантии, что и у Postgres (блокировка счета,
// атомарная фиксация), используется в тестах и локальном запуске.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	interf "github.com/glkeru/loyalty/ledger/internal/interfaces"
	model "github.com/glkeru/loyalty/ledger/internal/models"
	"github.com/google/uuid"
)

type Ledger struct {
	locksMu sync.Mutex
	locks   map[uuid.UUID]*sync.Mutex

	mu       sync.RWMutex
	accounts map[uuid.UUID]model.PointAccount
	users    map[string]uuid.UUID
	lots     map[int64]model.PointLot
	cons     map[int64]model.PointConsumption
	revs     map[int64]model.PointReversal // по ID списания
	lotKeys  map[string]int64
	consKeys map[string]int64
	nextLot  int64
	nextCons int64
	nextRev  int64
}

func NewLedger() *Ledger {
	return &Ledger{
		locks:    make(map[uuid.UUID]*sync.Mutex),
		accounts: make(map[uuid.UUID]model.PointAccount),
		users:    make(map[string]uuid.UUID),
		lots:     make(map[int64]model.PointLot),
		cons:     make(map[int64]model.PointConsumption),
		revs:     make(map[int64]model.PointReversal),
		lotKeys:  make(map[string]int64),
		consKeys: make(map[string]int64),
	}
}

var _ interf.PointsStorage = (*Ledger)(nil)

func (s *Ledger) accountLock(account uuid.UUID) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	m, ok := s.locks[account]
	if !ok {
		m = &sync.Mutex{}
		s.locks[account] = m
	}
	return m
}

func (s *Ledger) WithAccountLock(ctx context.Context, account uuid.UUID, fn func(tx interf.LedgerTx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	lock := s.accountLock(account)
	lock.Lock()
	defer lock.Unlock()

	s.mu.RLock()
	acc, ok := s.accounts[account]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("account %s %w", account, model.ErrNotFound)
	}

	tx := &ledgerTx{
		s:       s,
		account: acc,
		balance: acc.Balance,
		lots:    make(map[int64]model.PointLot),
	}
	if err := fn(tx); err != nil {
		return err
	}
	tx.commit()
	return nil
}

// Счет создается при первом обращении
func (s *Ledger) GetUserUUID(_ context.Context, user string) (uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.users[user]; ok {
		return id, nil
	}
	id := uuid.New()
	s.users[user] = id
	s.accounts[id] = model.PointAccount{UUID: id, User: user}
	return id, nil
}

func (s *Ledger) GetBalance(_ context.Context, account uuid.UUID) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	acc, ok := s.accounts[account]
	if !ok {
		return 0, fmt.Errorf("account %w", model.ErrNotFound)
	}
	return acc.Balance, nil
}

func (s *Ledger) GetLot(_ context.Context, id int64) (model.PointLot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	lot, ok := s.lots[id]
	if !ok {
		return model.PointLot{}, fmt.Errorf("lot %d %w", id, model.ErrNotFound)
	}
	return lot, nil
}

func (s *Ledger) GetConsumption(_ context.Context, id int64) (model.PointConsumption, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.cons[id]
	if !ok {
		return model.PointConsumption{}, fmt.Errorf("consumption %d %w", id, model.ErrNotFound)
	}
	return c, nil
}

func (s *Ledger) ExpiredLots(_ context.Context, asOf time.Time, afterID int64, limit int) ([]model.PointLot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var lots []model.PointLot
	for _, l := range s.lots {
		if l.ID > afterID && l.Status == model.LotActive && l.Remaining > 0 && l.ExpiredAt(asOf) {
			lots = append(lots, l)
		}
	}
	sort.Slice(lots, func(i, j int) bool { return lots[i].ID < lots[j].ID })
	if limit > 0 && len(lots) > limit {
		lots = lots[:limit]
	}
	return lots, nil
}

func (s *Ledger) ExpiringLots(_ context.Context, from time.Time, to time.Time) ([]model.PointLot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var lots []model.PointLot
	for _, l := range s.lots {
		if l.Status != model.LotActive || l.Remaining == 0 || l.ExpiresAt == nil {
			continue
		}
		if l.ExpiresAt.After(from) && !l.ExpiresAt.After(to) {
			lots = append(lots, l)
		}
	}
	model.SortFIFO(lots)
	return lots, nil
}

func (s *Ledger) GetAccounts(_ context.Context) ([]model.PointAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	accounts := make([]model.PointAccount, 0, len(s.accounts))
	for _, a := range s.accounts {
		accounts = append(accounts, a)
	}
	sort.Slice(accounts, func(i, j int) bool { return accounts[i].User < accounts[j].User })
	return accounts, nil
}

func (s *Ledger) GetHistory(_ context.Context, account uuid.UUID, from time.Time, to time.Time) (model.History, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h := model.History{}
	in := func(t time.Time) bool { return !t.Before(from) && !t.After(to) }
	for _, l := range s.lots {
		if l.Account == account && in(l.CreatedAt) {
			h.Lots = append(h.Lots, l)
		}
	}
	for _, c := range s.cons {
		if c.Account == account && in(c.CreatedAt) {
			h.Consumptions = append(h.Consumptions, c)
		}
	}
	for _, r := range s.revs {
		if r.Account == account && in(r.CreatedAt) {
			h.Reversals = append(h.Reversals, r)
		}
	}
	sort.Slice(h.Lots, func(i, j int) bool { return h.Lots[i].ID < h.Lots[j].ID })
	sort.Slice(h.Consumptions, func(i, j int) bool { return h.Consumptions[i].ID < h.Consumptions[j].ID })
	sort.Slice(h.Reversals, func(i, j int) bool { return h.Reversals[i].ID < h.Reversals[j].ID })
	return h, nil
}

// Все партии счета, для проверок инвариантов
func (s *Ledger) Lots(account uuid.UUID) []model.PointLot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var lots []model.PointLot
	for _, l := range s.lots {
		if l.Account == account {
			lots = append(lots, l)
		}
	}
	sort.Slice(lots, func(i, j int) bool { return lots[i].ID < lots[j].ID })
	return lots
}

// Все списания счета
func (s *Ledger) Consumptions(account uuid.UUID) []model.PointConsumption {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var cons []model.PointConsumption
	for _, c := range s.cons {
		if c.Account == account {
			cons = append(cons, c)
		}
	}
	sort.Slice(cons, func(i, j int) bool { return cons[i].ID < cons[j].ID })
	return cons
}

// Искажение кэшированного баланса, для тестов сверки
func (s *Ledger) ForceBalance(account uuid.UUID, balance int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	acc := s.accounts[account]
	acc.Balance = balance
	s.accounts[account] = acc
}

// Транзакция: изменения копятся и применяются при успешном завершении fn
type ledgerTx struct {
	s       *Ledger
	account model.PointAccount
	balance int64
	lots    map[int64]model.PointLot
	cons    []model.PointConsumption
	revs    []model.PointReversal
}

func (t *ledgerTx) Account() model.PointAccount {
	acc := t.account
	acc.Balance = t.balance
	return acc
}

func (t *ledgerTx) lot(id int64) (model.PointLot, bool) {
	if l, ok := t.lots[id]; ok {
		return l, true
	}
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	l, ok := t.s.lots[id]
	return l, ok
}

func (t *ledgerTx) ActiveLots(_ context.Context) ([]model.PointLot, error) {
	t.s.mu.RLock()
	merged := make(map[int64]model.PointLot)
	for id, l := range t.s.lots {
		if l.Account == t.account.UUID {
			merged[id] = l
		}
	}
	t.s.mu.RUnlock()
	for id, l := range t.lots {
		merged[id] = l
	}
	var lots []model.PointLot
	for _, l := range merged {
		if l.Status == model.LotActive && l.Remaining > 0 {
			lots = append(lots, l)
		}
	}
	model.SortFIFO(lots)
	return lots, nil
}

func (t *ledgerTx) Lot(_ context.Context, id int64) (model.PointLot, error) {
	l, ok := t.lot(id)
	if !ok || l.Account != t.account.UUID {
		return model.PointLot{}, fmt.Errorf("lot %d %w", id, model.ErrNotFound)
	}
	return l, nil
}

func (t *ledgerTx) LotByKey(_ context.Context, key string) (model.PointLot, bool, error) {
	for _, l := range t.lots {
		if l.Key == key {
			return l, true, nil
		}
	}
	t.s.mu.RLock()
	id, ok := t.s.lotKeys[key]
	t.s.mu.RUnlock()
	if !ok {
		return model.PointLot{}, false, nil
	}
	l, _ := t.lot(id)
	return l, true, nil
}

func (t *ledgerTx) Consumption(_ context.Context, id int64) (model.PointConsumption, error) {
	for _, c := range t.cons {
		if c.ID == id {
			return c, nil
		}
	}
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	c, ok := t.s.cons[id]
	if !ok || c.Account != t.account.UUID {
		return model.PointConsumption{}, fmt.Errorf("consumption %d %w", id, model.ErrNotFound)
	}
	return c, nil
}

func (t *ledgerTx) ConsumptionByKey(_ context.Context, key string) (model.PointConsumption, bool, error) {
	for _, c := range t.cons {
		if c.Key == key {
			return c, true, nil
		}
	}
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	id, ok := t.s.consKeys[key]
	if !ok {
		return model.PointConsumption{}, false, nil
	}
	return t.s.cons[id], true, nil
}

func (t *ledgerTx) Reversed(_ context.Context, consumptionID int64) (bool, error) {
	for _, r := range t.revs {
		if r.ConsumptionID == consumptionID {
			return true, nil
		}
	}
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	_, ok := t.s.revs[consumptionID]
	return ok, nil
}

func (t *ledgerTx) SumRemaining(ctx context.Context) (int64, error) {
	lots, err := t.ActiveLots(ctx)
	if err != nil {
		return 0, err
	}
	var sum int64
	for _, l := range lots {
		sum += l.Remaining
	}
	return sum, nil
}

func (t *ledgerTx) InsertLot(_ context.Context, lot *model.PointLot) error {
	if lot.Key != "" {
		if _, found, _ := t.LotByKey(context.Background(), lot.Key); found {
			return fmt.Errorf("lot key %s: duplicate", lot.Key)
		}
	}
	t.s.mu.Lock()
	t.s.nextLot++
	lot.ID = t.s.nextLot
	t.s.mu.Unlock()
	lot.Account = t.account.UUID
	t.lots[lot.ID] = *lot
	return nil
}

func (t *ledgerTx) UpdateLot(_ context.Context, lot model.PointLot) error {
	cur, ok := t.lot(lot.ID)
	if !ok || cur.Account != t.account.UUID {
		return fmt.Errorf("lot %d %w", lot.ID, model.ErrNotFound)
	}
	cur.Remaining = lot.Remaining
	cur.Status = lot.Status
	t.lots[lot.ID] = cur
	return nil
}

func (t *ledgerTx) InsertConsumption(_ context.Context, c *model.PointConsumption) error {
	if c.Key != "" {
		if _, found, _ := t.ConsumptionByKey(context.Background(), c.Key); found {
			return fmt.Errorf("consumption key %s: duplicate", c.Key)
		}
	}
	t.s.mu.Lock()
	t.s.nextCons++
	c.ID = t.s.nextCons
	t.s.mu.Unlock()
	c.Account = t.account.UUID
	c.Draws = append([]model.Draw(nil), c.Draws...)
	t.cons = append(t.cons, *c)
	return nil
}

func (t *ledgerTx) InsertReversal(ctx context.Context, r *model.PointReversal) error {
	if ok, _ := t.Reversed(ctx, r.ConsumptionID); ok {
		return fmt.Errorf("consumption %d: %w", r.ConsumptionID, model.ErrAlreadyReversed)
	}
	t.s.mu.Lock()
	t.s.nextRev++
	r.ID = t.s.nextRev
	t.s.mu.Unlock()
	r.Account = t.account.UUID
	t.revs = append(t.revs, *r)
	return nil
}

func (t *ledgerTx) SetBalance(_ context.Context, balance int64) error {
	t.balance = balance
	return nil
}

func (t *ledgerTx) commit() {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	for id, l := range t.lots {
		t.s.lots[id] = l
		if l.Key != "" {
			t.s.lotKeys[l.Key] = id
		}
	}
	for _, c := range t.cons {
		t.s.cons[c.ID] = c
		if c.Key != "" {
			t.s.consKeys[c.Key] = c.ID
		}
	}
	for _, r := range t.revs {
		t.s.revs[r.ConsumptionID] = r
	}
	acc := t.s.accounts[t.account.UUID]
	acc.Balance = t.balance
	t.s.accounts[t.account.UUID] = acc
}
