package main

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/mock"
	"go.uber.org/zap"
)

// memoryStore é um LedgerRepository/AgreementRepository em memória.
// GetWalletForUpdate segura um mutex por usuário até Commit/Rollback, como o FOR UPDATE.
type memoryStore struct {
	mu           sync.Mutex
	wallets      map[int64]*Wallet
	transactions []WalletTransaction
	agreements   []Agreement
	refunds      []Refund
	rowLocks     map[int64]*sync.Mutex
	clock        time.Time
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		wallets:  map[int64]*Wallet{},
		rowLocks: map[int64]*sync.Mutex{},
		clock:    time.Date(2026, 1, 12, 10, 0, 0, 0, time.UTC),
	}
}

type memoryTx struct {
	store    *memoryStore
	locked   []int64
	balances map[string]decimal.Decimal
	inserts  []WalletTransaction
	done     bool
}

func (t *memoryTx) holds(userID int64) bool {
	for _, id := range t.locked {
		if id == userID {
			return true
		}
	}
	return false
}

func (t *memoryTx) release() {
	for _, id := range t.locked {
		t.store.rowLock(id).Unlock()
	}
	t.locked = nil
	t.done = true
}

func (t *memoryTx) Commit() error {
	if t.done {
		return errors.New("tx already closed")
	}
	defer t.release()

	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, trx := range t.inserts {
		if trx.ReferenceID == "" {
			continue
		}
		for _, existing := range s.transactions {
			if existing.ReferenceID == trx.ReferenceID && existing.Type == trx.Type {
				return errors.New("duplicate key value violates unique constraint")
			}
		}
	}
	for _, w := range s.wallets {
		if b, ok := t.balances[w.ID]; ok {
			w.Balance = b
		}
	}
	for _, trx := range t.inserts {
		s.clock = s.clock.Add(time.Second)
		trx.CreatedAt = s.clock
		s.transactions = append(s.transactions, trx)
	}
	return nil
}

func (t *memoryTx) Rollback() error {
	if t.done {
		return nil
	}
	t.release()
	return nil
}

func (s *memoryStore) rowLock(userID int64) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.rowLocks[userID]
	if !ok {
		l = &sync.Mutex{}
		s.rowLocks[userID] = l
	}
	return l
}

func (s *memoryStore) seedWallet(userID int64, balance string) *Wallet {
	s.mu.Lock()
	defer s.mu.Unlock()
	w := NewWallet(uuid.New().String(), userID)
	w.Balance = decimal.RequireFromString(balance)
	s.wallets[userID] = w
	return w
}

func (s *memoryStore) seedAgreement(userID int64, agreementID string, status AgreementStatus) *Agreement {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clock = s.clock.Add(time.Second)
	a := Agreement{
		ID:             uuid.New().String(),
		UserID:         userID,
		AgreementID:    agreementID,
		PayerReference: "01770618575",
		Status:         status,
		CreatedAt:      s.clock,
		UpdatedAt:      s.clock,
	}
	s.agreements = append(s.agreements, a)
	return &a
}

func (s *memoryStore) balance(userID int64) decimal.Decimal {
	s.mu.Lock()
	defer s.mu.Unlock()
	if w, ok := s.wallets[userID]; ok {
		return w.Balance
	}
	return decimal.Zero
}

func (s *memoryStore) committed() []WalletTransaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]WalletTransaction, len(s.transactions))
	copy(out, s.transactions)
	return out
}

func (s *memoryStore) activeAgreements(userID int64) []Agreement {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Agreement
	for _, a := range s.agreements {
		if a.UserID == userID && a.IsActive() {
			out = append(out, a)
		}
	}
	return out
}

func (s *memoryStore) agreementCount(userID int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, a := range s.agreements {
		if a.UserID == userID {
			n++
		}
	}
	return n
}

func (s *memoryStore) BeginTx(ctx context.Context) (Tx, error) {
	return &memoryTx{store: s, balances: map[string]decimal.Decimal{}}, nil
}

func (s *memoryStore) EnsureWallet(ctx context.Context, userID int64) (*Wallet, error) {
	s.mu.Lock()
	if _, ok := s.wallets[userID]; !ok {
		s.wallets[userID] = NewWallet(uuid.New().String(), userID)
	}
	s.mu.Unlock()
	return s.GetWalletByUserID(ctx, userID)
}

func (s *memoryStore) GetWalletByUserID(ctx context.Context, userID int64) (*Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.wallets[userID]
	if !ok {
		return nil, ErrWalletNotFound
	}
	cp := *w
	return &cp, nil
}

func (s *memoryStore) CreateWalletIfMissing(ctx context.Context, tx Tx, userID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.wallets[userID]; !ok {
		s.wallets[userID] = NewWallet(uuid.New().String(), userID)
	}
	return nil
}

func (s *memoryStore) GetWalletForUpdate(ctx context.Context, tx Tx, userID int64) (*Wallet, error) {
	mtx := tx.(*memoryTx)
	if !mtx.holds(userID) {
		s.rowLock(userID).Lock()
		mtx.locked = append(mtx.locked, userID)
	}
	w, err := s.GetWalletByUserID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if b, ok := mtx.balances[w.ID]; ok {
		w.Balance = b
	}
	return w, nil
}

func (s *memoryStore) FindTransactionByReference(ctx context.Context, tx Tx, referenceID string, txType TransactionType) (*WalletTransaction, error) {
	for _, trx := range tx.(*memoryTx).inserts {
		if trx.ReferenceID == referenceID && trx.Type == txType {
			cp := trx
			return &cp, nil
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, trx := range s.transactions {
		if trx.ReferenceID == referenceID && trx.Type == txType {
			cp := trx
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *memoryStore) UpdateWalletBalance(ctx context.Context, tx Tx, walletID string, balance decimal.Decimal) error {
	tx.(*memoryTx).balances[walletID] = balance
	return nil
}

func (s *memoryStore) InsertTransaction(ctx context.Context, tx Tx, trx *WalletTransaction) error {
	mtx := tx.(*memoryTx)
	mtx.inserts = append(mtx.inserts, *trx)
	return nil
}

func (s *memoryStore) ListTransactions(ctx context.Context, walletID string, limit, offset int) ([]WalletTransaction, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var all []WalletTransaction
	for i := len(s.transactions) - 1; i >= 0; i-- {
		if s.transactions[i].WalletID == walletID {
			all = append(all, s.transactions[i])
		}
	}
	total := len(all)
	if limit <= 0 {
		return append([]WalletTransaction{}, all...), total, nil
	}
	if offset >= total {
		return []WalletTransaction{}, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return append([]WalletTransaction{}, all[offset:end]...), total, nil
}

func (s *memoryStore) GetTransaction(ctx context.Context, walletID, transactionID string) (*WalletTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, trx := range s.transactions {
		if trx.WalletID == walletID && trx.ID == transactionID {
			cp := trx
			return &cp, nil
		}
	}
	return nil, ErrTransactionNotFound
}

func (s *memoryStore) InsertRefund(ctx context.Context, refund *Refund) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refunds = append(s.refunds, *refund)
	return nil
}

func (s *memoryStore) RefundedAmount(ctx context.Context, walletTransactionID string) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := decimal.Zero
	for _, r := range s.refunds {
		if r.WalletTransactionID == walletTransactionID && r.Status == RefundStatusCompleted {
			total = total.Add(r.Amount)
		}
	}
	return total, nil
}

func (s *memoryStore) ListActiveAgreements(ctx context.Context, userID int64) ([]Agreement, error) {
	out := s.activeAgreements(userID)
	if out == nil {
		out = []Agreement{}
	}
	return out, nil
}

func (s *memoryStore) GetAgreementForUser(ctx context.Context, userID int64, id string) (*Agreement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.agreements {
		if a.UserID == userID && a.ID == id {
			cp := a
			return &cp, nil
		}
	}
	return nil, ErrAgreementNotFound
}

func (s *memoryStore) GetLatestActiveAgreement(ctx context.Context, userID int64) (*Agreement, error) {
	active := s.activeAgreements(userID)
	if len(active) == 0 {
		return nil, ErrAgreementNotFound
	}
	cp := active[len(active)-1]
	return &cp, nil
}

func (s *memoryStore) ActivateExclusive(ctx context.Context, userID int64, agreementID, payerReference string) (*Agreement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clock = s.clock.Add(time.Second)

	var target *Agreement
	for i := range s.agreements {
		a := &s.agreements[i]
		if a.AgreementID == agreementID && a.UserID != userID {
			return nil, ErrAgreementLinkedElsewhere
		}
		if a.UserID == userID && a.IsActive() {
			a.Status = AgreementStatusInactive
			a.UpdatedAt = s.clock
		}
		if a.UserID == userID && a.AgreementID == agreementID {
			target = a
		}
	}
	if target == nil {
		s.agreements = append(s.agreements, Agreement{
			ID:          uuid.New().String(),
			UserID:      userID,
			AgreementID: agreementID,
			CreatedAt:   s.clock,
		})
		target = &s.agreements[len(s.agreements)-1]
	}
	target.PayerReference = payerReference
	target.Status = AgreementStatusActive
	target.UpdatedAt = s.clock

	w, ok := s.wallets[userID]
	if !ok {
		w = NewWallet(uuid.New().String(), userID)
		s.wallets[userID] = w
	}
	w.Token = agreementID
	w.Masked = payerReference

	cp := *target
	return &cp, nil
}

// memoryLocker é um Locker em processo com a mesma semântica de TryLock do Redis
type memoryLocker struct {
	mu   sync.Mutex
	held map[int64]bool
}

func newMemoryLocker() *memoryLocker {
	return &memoryLocker{held: map[int64]bool{}}
}

func (l *memoryLocker) TryLock(ctx context.Context, userID int64) (Lock, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[userID] {
		return nil, ErrLockBusy
	}
	l.held[userID] = true
	return &memoryLock{locker: l, userID: userID}, nil
}

func (l *memoryLocker) isHeld(userID int64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.held[userID]
}

type memoryLock struct {
	locker *memoryLocker
	userID int64
}

func (l *memoryLock) Release(ctx context.Context) error {
	l.locker.mu.Lock()
	defer l.locker.mu.Unlock()
	delete(l.locker.held, l.userID)
	return nil
}

// noopLocker sempre concede o lock
type noopLocker struct{}

func (noopLocker) TryLock(ctx context.Context, userID int64) (Lock, error) {
	return noopLock{}, nil
}

type noopLock struct{}

func (noopLock) Release(ctx context.Context) error { return nil }

// busyLocker devolve ErrLockBusy nas primeiras n tentativas
type busyLocker struct {
	mu       sync.Mutex
	n        int
	attempts int
}

func (l *busyLocker) TryLock(ctx context.Context, userID int64) (Lock, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.attempts++
	if l.attempts <= l.n {
		return nil, ErrLockBusy
	}
	return noopLock{}, nil
}

// scriptedLocker devolve ErrLockBusy nas tentativas marcadas em busy (contadas a partir de 1)
type scriptedLocker struct {
	mu       sync.Mutex
	busy     func(attempt int) bool
	attempts int
}

func (l *scriptedLocker) TryLock(ctx context.Context, userID int64) (Lock, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.attempts++
	if l.busy(l.attempts) {
		return nil, ErrLockBusy
	}
	return noopLock{}, nil
}

// memoryCache é um CorrelationCache em memória, sem expiração
type memoryCache struct {
	mu      sync.Mutex
	entries map[string]string
}

func newMemoryCache() *memoryCache {
	return &memoryCache{entries: map[string]string{}}
}

func (c *memoryCache) Put(ctx context.Context, key, value string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = value
	return nil
}

func (c *memoryCache) Get(ctx context.Context, key string) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.entries[key]
	return v, ok, nil
}

func (c *memoryCache) Delete(ctx context.Context, keys ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range keys {
		delete(c.entries, k)
	}
	return nil
}

func (c *memoryCache) value(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.entries[key]
	return v, ok
}

func (c *memoryCache) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// mockGateway é um mock de PaymentGateway
type mockGateway struct {
	mock.Mock
}

func (m *mockGateway) CreateAgreement(ctx context.Context, callbackURL string) (*CheckoutSession, error) {
	args := m.Called(ctx, callbackURL)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*CheckoutSession), args.Error(1)
}

func (m *mockGateway) ExecuteAgreement(ctx context.Context, paymentID string) (*AgreementExecution, error) {
	args := m.Called(ctx, paymentID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*AgreementExecution), args.Error(1)
}

func (m *mockGateway) CreatePayment(ctx context.Context, agreementID string, amount decimal.Decimal, invoice, callbackURL string) (*CheckoutSession, error) {
	args := m.Called(ctx, agreementID, amount, invoice, callbackURL)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*CheckoutSession), args.Error(1)
}

func (m *mockGateway) ExecutePayment(ctx context.Context, paymentID string) (*PaymentExecution, error) {
	args := m.Called(ctx, paymentID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*PaymentExecution), args.Error(1)
}

func (m *mockGateway) QueryPayment(ctx context.Context, paymentID string) (*PaymentExecution, error) {
	args := m.Called(ctx, paymentID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*PaymentExecution), args.Error(1)
}

func (m *mockGateway) Refund(ctx context.Context, req RefundRequest) (*RefundResult, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*RefundResult), args.Error(1)
}

func newTestUseCase(store LedgerRepository, locker Locker) *WalletUseCase {
	return NewWalletUseCase(store, locker, zap.NewNop(), NewNoopMetrics())
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}
