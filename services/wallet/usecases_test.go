package main

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDebit_ReducesBalanceAndRecordsTransaction(t *testing.T) {
	store := newMemoryStore()
	store.seedWallet(1, "500.00")
	uc := newTestUseCase(store, newMemoryLocker())

	trx, err := uc.Debit(context.Background(), 1, dec("200.00"), "T1", "ref-T1", "Purchase", nil)

	require.NoError(t, err)
	assert.True(t, dec("300.00").Equal(store.balance(1)))
	assert.Equal(t, TransactionTypeDebit, trx.Type)
	assert.True(t, dec("200.00").Equal(trx.Amount))
	assert.True(t, dec("300.00").Equal(trx.BalanceAfter))
	assert.Equal(t, "T1", trx.TrxID)

	rows := store.committed()
	require.Len(t, rows, 1)
	assert.Equal(t, TransactionTypeDebit, rows[0].Type)
	assert.True(t, dec("300.00").Equal(rows[0].BalanceAfter))
}

func TestDebit_InsufficientBalanceLeavesWalletUntouched(t *testing.T) {
	store := newMemoryStore()
	store.seedWallet(1, "100.00")
	locker := newMemoryLocker()
	uc := newTestUseCase(store, locker)

	_, err := uc.Debit(context.Background(), 1, dec("100.01"), "", "", "", nil)

	assert.ErrorIs(t, err, ErrInsufficientBalance)
	assert.True(t, dec("100.00").Equal(store.balance(1)))
	assert.Empty(t, store.committed())
	assert.False(t, locker.isHeld(1), "lock must be released on failure")
}

func TestDebit_MissingWallet(t *testing.T) {
	uc := newTestUseCase(newMemoryStore(), newMemoryLocker())

	_, err := uc.Debit(context.Background(), 42, dec("1.00"), "", "", "", nil)

	assert.ErrorIs(t, err, ErrWalletNotFound)
}

func TestCredit_CreatesWalletLazily(t *testing.T) {
	store := newMemoryStore()
	uc := newTestUseCase(store, newMemoryLocker())

	trx, err := uc.Credit(context.Background(), 7, dec("150"), "TRX7", "pay-7", "Added money via bKash", map[string]any{"trxID": "TRX7"})

	require.NoError(t, err)
	assert.True(t, dec("150.00").Equal(store.balance(7)))
	assert.True(t, dec("150.00").Equal(trx.BalanceAfter))
	assert.Equal(t, "pay-7", trx.ReferenceID)
}

func TestCredit_InvalidAmount(t *testing.T) {
	uc := newTestUseCase(newMemoryStore(), newMemoryLocker())

	for _, amount := range []string{"0", "-5", "0.001"} {
		_, err := uc.Credit(context.Background(), 1, dec(amount), "", "", "", nil)
		assert.ErrorIs(t, err, ErrInvalidAmount, amount)

		var fe *FieldError
		require.True(t, errors.As(err, &fe))
		assert.Equal(t, "amount", fe.Field)
	}
}

func TestCredit_SameReferenceIsAppliedOnce(t *testing.T) {
	store := newMemoryStore()
	uc := newTestUseCase(store, newMemoryLocker())
	ctx := context.Background()

	first, err := uc.Credit(ctx, 1, dec("50.00"), "TRX1", "pay-1", "", nil)
	require.NoError(t, err)
	second, err := uc.Credit(ctx, 1, dec("50.00"), "TRX1", "pay-1", "", nil)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.True(t, dec("50.00").Equal(store.balance(1)))
	assert.Len(t, store.committed(), 1)
}

func TestCredit_LockBusy(t *testing.T) {
	store := newMemoryStore()
	locker := newMemoryLocker()
	uc := newTestUseCase(store, locker)

	held, err := locker.TryLock(context.Background(), 1)
	require.NoError(t, err)
	defer held.Release(context.Background())

	_, err = uc.Credit(context.Background(), 1, dec("10.00"), "", "", "", nil)

	assert.ErrorIs(t, err, ErrLockBusy)
	assert.Equal(t, KindBusy, errorKind(err))
	assert.Empty(t, store.committed())
}

func TestCredit_ReleasesLockWhenContextCancelled(t *testing.T) {
	store := newMemoryStore()
	locker := newMemoryLocker()
	uc := newTestUseCase(store, locker)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := uc.Credit(ctx, 1, dec("10.00"), "", "", "", nil)

	require.NoError(t, err)
	assert.False(t, locker.isHeld(1))
}

// applyConcurrently dispara as operações em paralelo, repetindo enquanto o lock estiver ocupado
func applyConcurrently(t *testing.T, uc *WalletUseCase, userID int64, credits, debits []decimal.Decimal) (int, int) {
	t.Helper()
	var (
		wg              sync.WaitGroup
		mu              sync.Mutex
		okCount, failed int
	)
	run := func(fn func() error) {
		defer wg.Done()
		for {
			err := fn()
			if errors.Is(err, ErrLockBusy) {
				time.Sleep(time.Millisecond)
				continue
			}
			mu.Lock()
			if err == nil {
				okCount++
			} else {
				failed++
			}
			mu.Unlock()
			return
		}
	}

	ctx := context.Background()
	for i, amount := range credits {
		wg.Add(1)
		amount, ref := amount, fmt.Sprintf("credit-%d", i)
		go run(func() error {
			_, err := uc.Credit(ctx, userID, amount, "", ref, "", nil)
			return err
		})
	}
	for i, amount := range debits {
		wg.Add(1)
		amount, ref := amount, fmt.Sprintf("debit-%d", i)
		go run(func() error {
			_, err := uc.Debit(ctx, userID, amount, "", ref, "", nil)
			return err
		})
	}
	wg.Wait()
	return okCount, failed
}

func assertRunningBalance(t *testing.T, initial decimal.Decimal, rows []WalletTransaction) decimal.Decimal {
	t.Helper()
	running := initial
	for i, row := range rows {
		if row.Type == TransactionTypeCredit {
			running = running.Add(row.Amount)
		} else {
			running = running.Sub(row.Amount)
		}
		assert.True(t, running.Equal(row.BalanceAfter), "row %d: expected balance_after %s, got %s", i, running, row.BalanceAfter)
		assert.False(t, running.IsNegative(), "row %d: balance went negative", i)
	}
	return running
}

func TestConcurrentMutations_NoLostUpdates(t *testing.T) {
	store := newMemoryStore()
	store.seedWallet(1, "1000.00")
	uc := newTestUseCase(store, newMemoryLocker())

	var credits, debits []decimal.Decimal
	for i := 0; i < 25; i++ {
		credits = append(credits, dec("10.25"))
		debits = append(debits, dec("7.50"))
	}

	ok, failed := applyConcurrently(t, uc, 1, credits, debits)

	assert.Equal(t, 50, ok)
	assert.Zero(t, failed)
	expected := dec("1000.00").Add(dec("10.25").Mul(decimal.NewFromInt(25))).Sub(dec("7.50").Mul(decimal.NewFromInt(25)))
	assert.True(t, expected.Equal(store.balance(1)), "expected %s got %s", expected, store.balance(1))

	final := assertRunningBalance(t, dec("1000.00"), store.committed())
	assert.True(t, final.Equal(store.balance(1)))
}

func TestConcurrentDebits_NeverOverdraw(t *testing.T) {
	store := newMemoryStore()
	store.seedWallet(1, "100.00")
	uc := newTestUseCase(store, newMemoryLocker())

	var debits []decimal.Decimal
	for i := 0; i < 20; i++ {
		debits = append(debits, dec("15.00"))
	}

	ok, failed := applyConcurrently(t, uc, 1, nil, debits)

	assert.Equal(t, 6, ok)
	assert.Equal(t, 14, failed)
	assert.True(t, dec("10.00").Equal(store.balance(1)))
	assertRunningBalance(t, dec("100.00"), store.committed())
}

func TestConcurrentMutations_RowLockSerializesWithoutDistributedLock(t *testing.T) {
	store := newMemoryStore()
	store.seedWallet(1, "0.00")
	uc := newTestUseCase(store, noopLocker{})

	var credits []decimal.Decimal
	for i := 0; i < 40; i++ {
		credits = append(credits, dec("2.50"))
	}

	ok, _ := applyConcurrently(t, uc, 1, credits, nil)

	assert.Equal(t, 40, ok)
	assert.True(t, dec("100.00").Equal(store.balance(1)))
	assertRunningBalance(t, decimal.Zero, store.committed())
}

func TestConcurrentCredits_SameReference(t *testing.T) {
	store := newMemoryStore()
	uc := newTestUseCase(store, noopLocker{})

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = uc.Credit(context.Background(), 1, dec("25.00"), "TRX", "pay-dup", "", nil)
		}()
	}
	wg.Wait()

	assert.Len(t, store.committed(), 1)
	assert.True(t, dec("25.00").Equal(store.balance(1)))
}

func TestHistory_PaginatesNewestFirst(t *testing.T) {
	store := newMemoryStore()
	uc := newTestUseCase(store, newMemoryLocker())
	ctx := context.Background()

	for i := 1; i <= 12; i++ {
		_, err := uc.Credit(ctx, 1, decimal.NewFromInt(int64(i)), "", fmt.Sprintf("pay-%d", i), "", nil)
		require.NoError(t, err)
	}

	page1, err := uc.History(ctx, 1, 1)
	require.NoError(t, err)
	assert.Len(t, page1.Data, 10)
	assert.Equal(t, 12, page1.Total)
	assert.Equal(t, 2, page1.LastPage)
	assert.Equal(t, "pay-12", page1.Data[0].ReferenceID)

	page2, err := uc.History(ctx, 1, 2)
	require.NoError(t, err)
	assert.Len(t, page2.Data, 2)
	assert.Equal(t, "pay-1", page2.Data[1].ReferenceID)
}

// offsetRecorder registra o OFFSET enviado ao repositório
type offsetRecorder struct {
	*memoryStore
	offsets []int
}

func (r *offsetRecorder) ListTransactions(ctx context.Context, walletID string, limit, offset int) ([]WalletTransaction, int, error) {
	r.offsets = append(r.offsets, offset)
	return r.memoryStore.ListTransactions(ctx, walletID, limit, offset)
}

func TestHistory_HugePageStaysInRange(t *testing.T) {
	store := &offsetRecorder{memoryStore: newMemoryStore()}
	store.seedWallet(1, "10.00")
	uc := newTestUseCase(store, newMemoryLocker())

	page, err := uc.History(context.Background(), 1, math.MaxInt)

	require.NoError(t, err)
	assert.Empty(t, page.Data)
	require.Len(t, store.offsets, 1)
	assert.GreaterOrEqual(t, store.offsets[0], 0)
	assert.LessOrEqual(t, store.offsets[0], math.MaxInt32)
}

func TestHistory_NoWallet(t *testing.T) {
	uc := newTestUseCase(newMemoryStore(), newMemoryLocker())

	page, err := uc.History(context.Background(), 99, 0)

	require.NoError(t, err)
	assert.Empty(t, page.Data)
	assert.NotNil(t, page.Data)
	assert.Equal(t, 1, page.CurrentPage)
}

func TestGetOrCreateWallet(t *testing.T) {
	store := newMemoryStore()
	uc := newTestUseCase(store, newMemoryLocker())

	w1, err := uc.GetOrCreateWallet(context.Background(), 3)
	require.NoError(t, err)
	w2, err := uc.GetOrCreateWallet(context.Background(), 3)
	require.NoError(t, err)

	assert.Equal(t, w1.ID, w2.ID)
	assert.Equal(t, DefaultCurrency, w1.Currency)
	assert.True(t, w1.Balance.IsZero())
}
