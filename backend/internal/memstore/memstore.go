// Package memstore is an in-process implementation of store.Store and store.Users.
//
// Transactions are serialized by a single mutex and buffer their writes until commit,
// so concurrent orders observe either the state before or after a settlement and a
// failed transaction leaves nothing behind.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/user/spotexchange/backend/internal/models"
	"github.com/user/spotexchange/backend/internal/store"
)

type walletKey struct {
	userID uuid.UUID
	asset  string
}

// Store keeps all rows in maps guarded by mu; txMu admits one writer at a time.
type Store struct {
	txMu sync.Mutex
	mu   sync.RWMutex

	wallets map[walletKey]models.Wallet
	orders  map[uuid.UUID]models.Order
	seq     map[uuid.UUID]int // insertion order, breaks created_at ties
	nextSeq int
	trades  []models.Trade
	users   map[string]models.User
}

var (
	_ store.Store = (*Store)(nil)
	_ store.Users = (*Store)(nil)
)

// New creates an empty store.
func New() *Store {
	return &Store{
		wallets: make(map[walletKey]models.Wallet),
		orders:  make(map[uuid.UUID]models.Order),
		seq:     make(map[uuid.UUID]int),
		users:   make(map[string]models.User),
	}
}

// WithTx runs fn against a write buffer and applies it only if fn succeeds.
func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.txMu.Lock()
	defer s.txMu.Unlock()

	tx := &memTx{
		s:       s,
		wallets: make(map[walletKey]models.Wallet),
		orders:  make(map[uuid.UUID]models.Order),
	}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	tx.commit()
	return nil
}

type memTx struct {
	s         *Store
	wallets   map[walletKey]models.Wallet
	orders    map[uuid.UUID]models.Order
	newOrders []uuid.UUID
	trades    []models.Trade
}

func (t *memTx) LockWallet(ctx context.Context, userID uuid.UUID, asset string, create bool) (*models.Wallet, error) {
	key := walletKey{userID: userID, asset: asset}
	if w, ok := t.wallets[key]; ok {
		return &w, nil
	}
	t.s.mu.RLock()
	w, ok := t.s.wallets[key]
	t.s.mu.RUnlock()
	if !ok {
		if !create {
			return nil, nil
		}
		w = models.Wallet{
			UserID:        userID,
			Asset:         asset,
			Balance:       decimal.Zero,
			LockedBalance: decimal.Zero,
			UpdatedAt:     time.Now().UTC(),
		}
		t.wallets[key] = w
	}
	return &w, nil
}

func (t *memTx) SaveWallet(ctx context.Context, w *models.Wallet) error {
	cp := *w
	cp.UpdatedAt = time.Now().UTC()
	t.wallets[walletKey{userID: w.UserID, asset: w.Asset}] = cp
	return nil
}

func (t *memTx) InsertOrder(ctx context.Context, order *models.Order) error {
	if order.ID == uuid.Nil {
		order.ID = uuid.New()
	}
	t.orders[order.ID] = *order
	t.newOrders = append(t.newOrders, order.ID)
	return nil
}

func (t *memTx) LockOrder(ctx context.Context, orderID uuid.UUID) (*models.Order, error) {
	if o, ok := t.orders[orderID]; ok {
		return &o, nil
	}
	t.s.mu.RLock()
	o, ok := t.s.orders[orderID]
	t.s.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	return &o, nil
}

func (t *memTx) UpdateOrder(ctx context.Context, order *models.Order) error {
	t.orders[order.ID] = *order
	return nil
}

func (t *memTx) InsertTrade(ctx context.Context, trade *models.Trade) error {
	if trade.ID == uuid.Nil {
		trade.ID = uuid.New()
	}
	t.trades = append(t.trades, *trade)
	return nil
}

func (t *memTx) commit() {
	s := t.s
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, w := range t.wallets {
		s.wallets[k] = w
	}
	for _, id := range t.newOrders {
		s.seq[id] = s.nextSeq
		s.nextSeq++
	}
	for id, o := range t.orders {
		s.orders[id] = o
	}
	s.trades = append(s.trades, t.trades...)
}

// GetOrder returns nil, nil when the order does not exist.
func (s *Store) GetOrder(ctx context.Context, orderID uuid.UUID) (*models.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.orders[orderID]
	if !ok {
		return nil, nil
	}
	return &o, nil
}

func (s *Store) ListOrders(ctx context.Context, userID uuid.UUID, filter models.OrderFilter) ([]*models.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	orders := make([]*models.Order, 0)
	for _, o := range s.orders {
		if o.UserID != userID {
			continue
		}
		if filter.Status != "" && o.Status != filter.Status {
			continue
		}
		if filter.Pair != "" && o.Pair != filter.Pair {
			continue
		}
		if filter.Type != "" && o.Type != filter.Type {
			continue
		}
		o := o
		orders = append(orders, &o)
	}
	s.sortNewestFirst(orders)
	if limit := store.ClampLimit(filter.Limit); len(orders) > limit {
		orders = orders[:limit]
	}
	return orders, nil
}

func (s *Store) ListOpenOrders(ctx context.Context) ([]*models.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	orders := make([]*models.Order, 0)
	for _, o := range s.orders {
		if o.Status == models.StatusOpen || o.Status == models.StatusPartiallyFilled {
			o := o
			orders = append(orders, &o)
		}
	}
	s.sortNewestFirst(orders)
	return orders, nil
}

func (s *Store) sortNewestFirst(orders []*models.Order) {
	sort.Slice(orders, func(i, j int) bool {
		if !orders[i].CreatedAt.Equal(orders[j].CreatedAt) {
			return orders[i].CreatedAt.After(orders[j].CreatedAt)
		}
		return s.seq[orders[i].ID] > s.seq[orders[j].ID]
	})
}

func (s *Store) ListTrades(ctx context.Context, userID uuid.UUID, limit int) ([]*models.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	limit = store.ClampLimit(limit)
	trades := make([]*models.Trade, 0)
	for i := len(s.trades) - 1; i >= 0 && len(trades) < limit; i-- {
		if s.trades[i].UserID == userID {
			tr := s.trades[i]
			trades = append(trades, &tr)
		}
	}
	return trades, nil
}

func (s *Store) ListWallets(ctx context.Context, userID uuid.UUID) ([]*models.Wallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	wallets := make([]*models.Wallet, 0)
	for k, w := range s.wallets {
		if k.userID == userID {
			w := w
			wallets = append(wallets, &w)
		}
	}
	sort.Slice(wallets, func(i, j int) bool { return wallets[i].Asset < wallets[j].Asset })
	return wallets, nil
}

func (s *Store) CreateUser(ctx context.Context, username, passwordHash string) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.users[username]; exists {
		return nil, store.ErrUsernameTaken
	}
	u := models.User{
		ID:        uuid.New(),
		Username:  username,
		Password:  passwordHash,
		CreatedAt: time.Now().UTC(),
	}
	s.users[username] = u
	return &u, nil
}

func (s *Store) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[username]
	if !ok {
		return nil, nil
	}
	return &u, nil
}
