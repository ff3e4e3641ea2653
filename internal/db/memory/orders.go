package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	interf "github.com/glkeru/loyalty/ledger/internal/interfaces"
	model "github.com/glkeru/loyalty/ledger/internal/models"
)

type Orders struct {
	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	mu     sync.RWMutex
	orders map[string]model.Order
	stock  map[string]int64
}

func NewOrders() *Orders {
	return &Orders{
		locks:  make(map[string]*sync.Mutex),
		orders: make(map[string]model.Order),
		stock:  make(map[string]int64),
	}
}

var _ interf.OrderStorage = (*Orders)(nil)

// Заказ от сервиса корзины
func (s *Orders) AddOrder(order model.Order) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.add(order)
}

func (s *Orders) CreateOrder(_ context.Context, order model.Order) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.orders[order.ID]; ok {
		return false, nil
	}
	s.add(order)
	return true, nil
}

func (s *Orders) add(order model.Order) {
	if order.State == "" {
		order.State = model.OrderPending
	}
	if order.PointsStage == "" {
		order.PointsStage = model.PointsStagePending
	}
	if order.CreatedAt.IsZero() {
		order.CreatedAt = time.Now()
	}
	s.orders[order.ID] = order
}

func (s *Orders) SetStock(productID string, qty int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stock[productID] = qty
}

func (s *Orders) Stock(productID string) int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stock[productID]
}

func (s *Orders) GetOrder(_ context.Context, id string) (model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.orders[id]
	if !ok {
		return model.Order{}, fmt.Errorf("order %s %w", id, model.ErrNotFound)
	}
	return o, nil
}

func (s *Orders) orderLock(id string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	m, ok := s.locks[id]
	if !ok {
		m = &sync.Mutex{}
		s.locks[id] = m
	}
	return m
}

func (s *Orders) WithOrderLock(ctx context.Context, id string, fn func(tx interf.OrderTx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	lock := s.orderLock(id)
	lock.Lock()
	defer lock.Unlock()

	order, err := s.GetOrder(ctx, id)
	if err != nil {
		return err
	}
	tx := &orderTx{s: s, order: order, stock: make(map[string]int64)}
	if err := fn(tx); err != nil {
		tx.rollback()
		return err
	}
	s.mu.Lock()
	if tx.saved {
		s.orders[id] = tx.order
	}
	s.mu.Unlock()
	return nil
}

// Остатки меняются сразу (как UPDATE с блокировкой строки товара), при откате возвращаются
type orderTx struct {
	s     *Orders
	order model.Order
	saved bool
	stock map[string]int64 // примененные изменения
}

func (t *orderTx) Order() model.Order {
	return t.order
}

func (t *orderTx) Save(_ context.Context, order model.Order) error {
	if order.ID != t.order.ID {
		return fmt.Errorf("order %s: save outside of lock", order.ID)
	}
	order.UpdatedAt = time.Now()
	t.order = order
	t.saved = true
	return nil
}

func (t *orderTx) DecrementStock(_ context.Context, productID string, qty int64) error {
	if qty <= 0 {
		return fmt.Errorf("product %s: quantity %d: %w", productID, qty, model.ErrInvalidOrder)
	}
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	if t.s.stock[productID] < qty {
		return &model.StockError{ProductID: productID, Requested: qty}
	}
	t.s.stock[productID] -= qty
	t.stock[productID] -= qty
	return nil
}

func (t *orderTx) RestoreStock(_ context.Context, productID string, qty int64) error {
	if qty <= 0 {
		return fmt.Errorf("product %s: quantity %d: %w", productID, qty, model.ErrInvalidOrder)
	}
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	t.s.stock[productID] += qty
	t.stock[productID] += qty
	return nil
}

func (t *orderTx) rollback() {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	for p, delta := range t.stock {
		t.s.stock[p] -= delta
	}
}
