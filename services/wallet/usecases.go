package main

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

// HistoryPerPage é o tamanho de página do histórico
const HistoryPerPage = 10

// maxHistoryPage mantém o OFFSET dentro de um int32 positivo
const maxHistoryPage = math.MaxInt32/HistoryPerPage + 1

// WalletUseCase contém a lógica de negócio do ledger
type WalletUseCase struct {
	repository LedgerRepository
	locker     Locker
	logger     *zap.Logger
	metrics    *Metrics
}

// NewWalletUseCase cria uma nova instância de WalletUseCase
func NewWalletUseCase(
	repository LedgerRepository,
	locker Locker,
	logger *zap.Logger,
	metrics *Metrics,
) *WalletUseCase {
	return &WalletUseCase{
		repository: repository,
		locker:     locker,
		logger:     logger,
		metrics:    metrics,
	}
}

// mutation descreve um lançamento a ser aplicado na carteira
type mutation struct {
	txType      TransactionType
	amount      decimal.Decimal
	trxID       string
	referenceID string
	description string
	meta        map[string]any
}

// Credit credita um valor na carteira do usuário, criando a carteira se necessário
func (uc *WalletUseCase) Credit(ctx context.Context, userID int64, amount decimal.Decimal, trxID, referenceID, description string, meta map[string]any) (*WalletTransaction, error) {
	trx, _, err := uc.apply(ctx, userID, mutation{
		txType:      TransactionTypeCredit,
		amount:      amount,
		trxID:       trxID,
		referenceID: referenceID,
		description: description,
		meta:        meta,
	})
	return trx, err
}

// Debit debita um valor da carteira do usuário; falha com ErrInsufficientBalance se faltar saldo
func (uc *WalletUseCase) Debit(ctx context.Context, userID int64, amount decimal.Decimal, trxID, referenceID, description string, meta map[string]any) (*WalletTransaction, error) {
	trx, _, err := uc.apply(ctx, userID, mutation{
		txType:      TransactionTypeDebit,
		amount:      amount,
		trxID:       trxID,
		referenceID: referenceID,
		description: description,
		meta:        meta,
	})
	return trx, err
}

// Refund registra a saída de saldo de um estorno ao gateway
func (uc *WalletUseCase) Refund(ctx context.Context, userID int64, amount decimal.Decimal, trxID, referenceID, description string, meta map[string]any) (*WalletTransaction, error) {
	trx, _, err := uc.apply(ctx, userID, mutation{
		txType:      TransactionTypeRefund,
		amount:      amount,
		trxID:       trxID,
		referenceID: referenceID,
		description: description,
		meta:        meta,
	})
	return trx, err
}

// apply executa o lançamento sob o lock do usuário e o lock pessimista da linha.
// created é false quando a referência já havia sido lançada.
func (uc *WalletUseCase) apply(ctx context.Context, userID int64, m mutation) (trx *WalletTransaction, created bool, err error) {
	ctx, span := StartLedgerSpan(ctx, m.txType, userID, m.referenceID)
	defer span.End()

	fields := []zap.Field{
		zap.Int64("user_id", userID),
		zap.String("type", string(m.txType)),
		zap.String("amount", m.amount.StringFixed(2)),
		zap.String("trx_id", m.trxID),
		zap.String("reference_id", m.referenceID),
	}
	tag := "[" + ledgerTag(m.txType) + "]"

	// 1. Valida o valor
	m.amount = m.amount.Round(2)
	if !m.amount.IsPositive() {
		return nil, false, fieldError("amount", ErrInvalidAmount)
	}

	// 2. Adquire o lock do usuário sem esperar
	lock, err := uc.locker.TryLock(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrLockBusy) {
			uc.metrics.recordLockBusy(ctx)
			uc.logger.Warn(tag+" wallet lock busy", fields...)
		} else {
			uc.logger.Error(tag+" failed to acquire lock", append(fields, zap.Error(err))...)
		}
		span.SetStatus(codes.Error, err.Error())
		return nil, false, err
	}
	defer func() {
		if err := lock.Release(context.WithoutCancel(ctx)); err != nil {
			uc.logger.Error(tag+" failed to release lock", append(fields, zap.Error(err))...)
		}
	}()

	// 3. Inicia a transação
	tx, err := uc.repository.BeginTx(ctx)
	if err != nil {
		uc.logger.Error(tag+" failed to begin transaction", append(fields, zap.Error(err))...)
		return nil, false, err
	}
	defer tx.Rollback()

	// 4. Obtém a carteira com LOCK PESSIMISTA (SELECT FOR UPDATE)
	if m.txType == TransactionTypeCredit {
		if err := uc.repository.CreateWalletIfMissing(ctx, tx, userID); err != nil {
			uc.logger.Error(tag+" failed to create wallet", append(fields, zap.Error(err))...)
			return nil, false, err
		}
	}
	wallet, err := uc.repository.GetWalletForUpdate(ctx, tx, userID)
	if err != nil {
		uc.logger.Error(tag+" GetWalletForUpdate failed", append(fields, zap.Error(err))...)
		return nil, false, err
	}

	// 5. Verifica idempotência dentro da transação
	if m.referenceID != "" {
		existing, err := uc.repository.FindTransactionByReference(ctx, tx, m.referenceID, m.txType)
		if err != nil {
			return nil, false, fmt.Errorf("failed to check idempotency: %w", err)
		}
		if existing != nil {
			uc.metrics.recordDuplicate(ctx, m.txType)
			uc.logger.Info(tag+" already applied for reference", append(fields, zap.String("transaction_id", existing.ID))...)
			return existing, false, nil
		}
	}

	// 6. Aplica o delta respeitando o saldo
	balance := wallet.Balance.Add(m.amount)
	if m.txType != TransactionTypeCredit {
		if m.amount.GreaterThan(wallet.Balance) {
			uc.logger.Warn(tag+" insufficient balance",
				append(fields, zap.String("balance", wallet.Balance.StringFixed(2)))...)
			span.SetStatus(codes.Error, ErrInsufficientBalance.Error())
			return nil, false, ErrInsufficientBalance
		}
		balance = wallet.Balance.Sub(m.amount)
	}

	if err := uc.repository.UpdateWalletBalance(ctx, tx, wallet.ID, balance); err != nil {
		uc.logger.Error(tag+" failed to update balance", append(fields, zap.Error(err))...)
		return nil, false, err
	}

	trx = NewWalletTransaction(uuid.New().String(), wallet.ID, m.txType, m.amount, balance,
		m.trxID, m.referenceID, m.description, m.meta)
	if err := uc.repository.InsertTransaction(ctx, tx, trx); err != nil {
		uc.logger.Error(tag+" failed to insert transaction", append(fields, zap.Error(err))...)
		return nil, false, err
	}

	// 7. Commit da transação
	if err := tx.Commit(); err != nil {
		uc.logger.Error(tag+" failed to commit", append(fields, zap.Error(err))...)
		return nil, false, fmt.Errorf("failed to commit %s: %w", m.txType, err)
	}

	uc.metrics.recordMutation(ctx, m.txType)
	uc.logger.Info(tag+" success", append(fields,
		zap.String("transaction_id", trx.ID),
		zap.String("balance_after", balance.StringFixed(2)))...)
	return trx, true, nil
}

func ledgerTag(t TransactionType) string {
	switch t {
	case TransactionTypeCredit:
		return "CREDIT"
	case TransactionTypeDebit:
		return "DEBIT"
	default:
		return "REFUND"
	}
}

// GetOrCreateWallet devolve a carteira do usuário, criando-a no primeiro acesso
func (uc *WalletUseCase) GetOrCreateWallet(ctx context.Context, userID int64) (*Wallet, error) {
	wallet, err := uc.repository.EnsureWallet(ctx, userID)
	if err != nil {
		uc.logger.Error("[WALLET] failed to load wallet", zap.Int64("user_id", userID), zap.Error(err))
		return nil, err
	}
	return wallet, nil
}

// History devolve uma página do histórico, mais recentes primeiro
func (uc *WalletUseCase) History(ctx context.Context, userID int64, page int) (*TransactionPage, error) {
	if page < 1 {
		page = 1
	}
	if page > maxHistoryPage {
		page = maxHistoryPage
	}
	wallet, err := uc.repository.GetWalletByUserID(ctx, userID)
	if errors.Is(err, ErrWalletNotFound) {
		return NewTransactionPage(nil, page, HistoryPerPage, 0), nil
	}
	if err != nil {
		return nil, err
	}

	transactions, total, err := uc.repository.ListTransactions(ctx, wallet.ID, HistoryPerPage, (page-1)*HistoryPerPage)
	if err != nil {
		uc.logger.Error("[HISTORY] failed to list transactions", zap.Int64("user_id", userID), zap.Error(err))
		return nil, err
	}
	return NewTransactionPage(transactions, page, HistoryPerPage, total), nil
}

// AllTransactions devolve todo o histórico para o extrato
func (uc *WalletUseCase) AllTransactions(ctx context.Context, userID int64) ([]WalletTransaction, error) {
	wallet, err := uc.repository.GetWalletByUserID(ctx, userID)
	if errors.Is(err, ErrWalletNotFound) {
		return []WalletTransaction{}, nil
	}
	if err != nil {
		return nil, err
	}
	transactions, _, err := uc.repository.ListTransactions(ctx, wallet.ID, 0, 0)
	return transactions, err
}

// GetTransaction busca um lançamento do usuário
func (uc *WalletUseCase) GetTransaction(ctx context.Context, userID int64, transactionID string) (*WalletTransaction, error) {
	if _, err := uuid.Parse(transactionID); err != nil {
		return nil, fieldError("transaction_id", ErrTransactionNotFound)
	}
	wallet, err := uc.repository.GetWalletByUserID(ctx, userID)
	if err != nil {
		return nil, err
	}
	return uc.repository.GetTransaction(ctx, wallet.ID, transactionID)
}

// RefundedAmount soma os estornos concluídos de um crédito
func (uc *WalletUseCase) RefundedAmount(ctx context.Context, walletTransactionID string) (decimal.Decimal, error) {
	return uc.repository.RefundedAmount(ctx, walletTransactionID)
}

// RecordRefund persiste o registro de estorno
func (uc *WalletUseCase) RecordRefund(ctx context.Context, refund *Refund) error {
	if err := uc.repository.InsertRefund(ctx, refund); err != nil {
		uc.logger.Error("[REFUND] failed to store refund",
			zap.String("payment_id", refund.PaymentID),
			zap.String("trx_id", refund.TrxID),
			zap.Error(err))
		return err
	}
	return nil
}
