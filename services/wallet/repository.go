package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
)

// LedgerRepository define a interface para operações de banco de dados do ledger
type LedgerRepository interface {
	BeginTx(ctx context.Context) (Tx, error)
	EnsureWallet(ctx context.Context, userID int64) (*Wallet, error)
	GetWalletByUserID(ctx context.Context, userID int64) (*Wallet, error)
	CreateWalletIfMissing(ctx context.Context, tx Tx, userID int64) error
	GetWalletForUpdate(ctx context.Context, tx Tx, userID int64) (*Wallet, error)
	FindTransactionByReference(ctx context.Context, tx Tx, referenceID string, txType TransactionType) (*WalletTransaction, error)
	UpdateWalletBalance(ctx context.Context, tx Tx, walletID string, balance decimal.Decimal) error
	InsertTransaction(ctx context.Context, tx Tx, trx *WalletTransaction) error
	ListTransactions(ctx context.Context, walletID string, limit, offset int) ([]WalletTransaction, int, error)
	GetTransaction(ctx context.Context, walletID, transactionID string) (*WalletTransaction, error)
	InsertRefund(ctx context.Context, refund *Refund) error
	RefundedAmount(ctx context.Context, walletTransactionID string) (decimal.Decimal, error)
}

// AgreementRepository define a unidade de trabalho dos agreements
type AgreementRepository interface {
	ListActiveAgreements(ctx context.Context, userID int64) ([]Agreement, error)
	GetAgreementForUser(ctx context.Context, userID int64, id string) (*Agreement, error)
	GetLatestActiveAgreement(ctx context.Context, userID int64) (*Agreement, error)
	// ActivateExclusive desativa todos os agreements ativos do usuário e ativa
	// o novo na mesma transação.
	ActivateExclusive(ctx context.Context, userID int64, agreementID, payerReference string) (*Agreement, error)
}

// Tx interface para transações
type Tx interface {
	Commit() error
	Rollback() error
}

// PostgresTx implementa a interface Tx
type PostgresTx struct {
	tx pgx.Tx
}

func (t *PostgresTx) Commit() error {
	return t.tx.Commit(context.Background())
}

func (t *PostgresTx) Rollback() error {
	return t.tx.Rollback(context.Background())
}

// DBPool é o subconjunto do *pgxpool.Pool usado pelo repositório
type DBPool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresLedgerRepository implementa LedgerRepository e AgreementRepository usando PostgreSQL
type PostgresLedgerRepository struct {
	db     DBPool
	cipher FieldCipher
}

// NewLedgerRepository cria uma nova instância de PostgresLedgerRepository
func NewLedgerRepository(db DBPool, cipher FieldCipher) *PostgresLedgerRepository {
	return &PostgresLedgerRepository{
		db:     db,
		cipher: cipher,
	}
}

const walletColumns = `id, user_id, balance, currency, token, masked, created_at, updated_at`

const transactionColumns = `id, wallet_id, type, amount, trx_id, reference_id, balance_after, description, meta, created_at`

// BeginTx inicia uma nova transação
func (r *PostgresLedgerRepository) BeginTx(ctx context.Context) (Tx, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	return &PostgresTx{tx: tx}, nil
}

// EnsureWallet busca a carteira do usuário criando-a se ainda não existir
func (r *PostgresLedgerRepository) EnsureWallet(ctx context.Context, userID int64) (*Wallet, error) {
	_, err := r.db.Exec(ctx, `
		INSERT INTO wallets (id, user_id, balance, currency)
		VALUES ($1, $2, 0, $3)
		ON CONFLICT (user_id) DO NOTHING
	`, uuid.New().String(), userID, DefaultCurrency)
	if err != nil {
		return nil, fmt.Errorf("failed to create wallet: %w", err)
	}
	return r.GetWalletByUserID(ctx, userID)
}

// GetWalletByUserID busca a carteira do usuário
func (r *PostgresLedgerRepository) GetWalletByUserID(ctx context.Context, userID int64) (*Wallet, error) {
	row := r.db.QueryRow(ctx, `SELECT `+walletColumns+` FROM wallets WHERE user_id = $1`, userID)
	return r.scanWallet(row)
}

// CreateWalletIfMissing cria a carteira dentro da transação se ela não existir
func (r *PostgresLedgerRepository) CreateWalletIfMissing(ctx context.Context, tx Tx, userID int64) error {
	pgTx := tx.(*PostgresTx).tx

	_, err := pgTx.Exec(ctx, `
		INSERT INTO wallets (id, user_id, balance, currency)
		VALUES ($1, $2, 0, $3)
		ON CONFLICT (user_id) DO NOTHING
	`, uuid.New().String(), userID, DefaultCurrency)
	if err != nil {
		return fmt.Errorf("failed to create wallet: %w", err)
	}
	return nil
}

// GetWalletForUpdate obtém a carteira com lock pessimista (FOR UPDATE)
func (r *PostgresLedgerRepository) GetWalletForUpdate(ctx context.Context, tx Tx, userID int64) (*Wallet, error) {
	pgTx := tx.(*PostgresTx).tx

	row := pgTx.QueryRow(ctx, `
		SELECT `+walletColumns+`
		FROM wallets
		WHERE user_id = $1
		FOR UPDATE
	`, userID)
	wallet, err := r.scanWallet(row)
	if err != nil {
		return nil, fmt.Errorf("failed to get wallet with lock: %w", err)
	}
	return wallet, nil
}

// FindTransactionByReference verifica se já existe lançamento para a referência e tipo
func (r *PostgresLedgerRepository) FindTransactionByReference(ctx context.Context, tx Tx, referenceID string, txType TransactionType) (*WalletTransaction, error) {
	pgTx := tx.(*PostgresTx).tx

	row := pgTx.QueryRow(ctx, `
		SELECT `+transactionColumns+`
		FROM wallet_transactions
		WHERE reference_id = $1 AND type = $2
		LIMIT 1
	`, referenceID, string(txType))
	trx, err := scanTransaction(row)
	if errors.Is(err, ErrTransactionNotFound) {
		return nil, nil
	}
	return trx, err
}

// UpdateWalletBalance grava o novo saldo da carteira
func (r *PostgresLedgerRepository) UpdateWalletBalance(ctx context.Context, tx Tx, walletID string, balance decimal.Decimal) error {
	pgTx := tx.(*PostgresTx).tx

	_, err := pgTx.Exec(ctx, `
		UPDATE wallets
		SET balance = $1,
		    updated_at = NOW()
		WHERE id = $2
	`, balance, walletID)
	if err != nil {
		return fmt.Errorf("failed to update wallet balance: %w", err)
	}
	return nil
}

// InsertTransaction insere o lançamento imutável
func (r *PostgresLedgerRepository) InsertTransaction(ctx context.Context, tx Tx, trx *WalletTransaction) error {
	pgTx := tx.(*PostgresTx).tx

	meta, err := marshalMeta(trx.Meta)
	if err != nil {
		return err
	}

	_, err = pgTx.Exec(ctx, `
		INSERT INTO wallet_transactions (id, wallet_id, type, amount, trx_id, reference_id, balance_after, description, meta, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, trx.ID, trx.WalletID, string(trx.Type), trx.Amount, nullString(trx.TrxID), nullString(trx.ReferenceID),
		trx.BalanceAfter, nullString(trx.Description), meta, trx.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert wallet transaction: %w", err)
	}
	return nil
}

// ListTransactions lista os lançamentos mais recentes primeiro; limit <= 0 traz todos
func (r *PostgresLedgerRepository) ListTransactions(ctx context.Context, walletID string, limit, offset int) ([]WalletTransaction, int, error) {
	var total int
	if err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM wallet_transactions WHERE wallet_id = $1`, walletID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count wallet transactions: %w", err)
	}

	query := `SELECT ` + transactionColumns + ` FROM wallet_transactions WHERE wallet_id = $1 ORDER BY created_at DESC, id DESC`
	args := []any{walletID}
	if limit > 0 {
		query += ` LIMIT $2 OFFSET $3`
		args = append(args, limit, offset)
	}

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list wallet transactions: %w", err)
	}
	defer rows.Close()

	transactions := make([]WalletTransaction, 0)
	for rows.Next() {
		trx, err := scanTransaction(rows)
		if err != nil {
			return nil, 0, err
		}
		transactions = append(transactions, *trx)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("failed to iterate wallet transactions: %w", err)
	}
	return transactions, total, nil
}

// GetTransaction busca um lançamento da carteira pelo ID
func (r *PostgresLedgerRepository) GetTransaction(ctx context.Context, walletID, transactionID string) (*WalletTransaction, error) {
	row := r.db.QueryRow(ctx, `
		SELECT `+transactionColumns+`
		FROM wallet_transactions
		WHERE wallet_id = $1 AND id = $2
	`, walletID, transactionID)
	return scanTransaction(row)
}

// InsertRefund registra o estorno
func (r *PostgresLedgerRepository) InsertRefund(ctx context.Context, refund *Refund) error {
	meta, err := marshalMeta(refund.Meta)
	if err != nil {
		return err
	}
	_, err = r.db.Exec(ctx, `
		INSERT INTO refunds (id, wallet_transaction_id, payment_id, trx_id, refund_trx_id, amount, reason, status, meta, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, refund.ID, refund.WalletTransactionID, refund.PaymentID, refund.TrxID, nullString(refund.RefundTrxID),
		refund.Amount, refund.Reason, refund.Status, meta, refund.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert refund: %w", err)
	}
	return nil
}

// RefundedAmount soma os estornos concluídos de um lançamento
func (r *PostgresLedgerRepository) RefundedAmount(ctx context.Context, walletTransactionID string) (decimal.Decimal, error) {
	var total decimal.Decimal
	err := r.db.QueryRow(ctx, `
		SELECT COALESCE(SUM(amount), 0)
		FROM refunds
		WHERE wallet_transaction_id = $1 AND status = $2
	`, walletTransactionID, RefundStatusCompleted).Scan(&total)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to sum refunds: %w", err)
	}
	return total, nil
}

// ListActiveAgreements lista os agreements ativos do usuário
func (r *PostgresLedgerRepository) ListActiveAgreements(ctx context.Context, userID int64) ([]Agreement, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, user_id, agreement_id, payer_reference, status, created_at, updated_at
		FROM agreements
		WHERE user_id = $1 AND status = $2
		ORDER BY created_at DESC
	`, userID, string(AgreementStatusActive))
	if err != nil {
		return nil, fmt.Errorf("failed to list agreements: %w", err)
	}
	defer rows.Close()

	agreements := make([]Agreement, 0)
	for rows.Next() {
		agreement, err := r.scanAgreement(rows)
		if err != nil {
			return nil, err
		}
		agreements = append(agreements, *agreement)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate agreements: %w", err)
	}
	return agreements, nil
}

// GetAgreementForUser busca um agreement pelo ID somente se pertencer ao usuário
func (r *PostgresLedgerRepository) GetAgreementForUser(ctx context.Context, userID int64, id string) (*Agreement, error) {
	row := r.db.QueryRow(ctx, `
		SELECT id, user_id, agreement_id, payer_reference, status, created_at, updated_at
		FROM agreements
		WHERE user_id = $1 AND id = $2
	`, userID, id)
	return r.scanAgreement(row)
}

// GetLatestActiveAgreement busca o agreement ativo mais recente do usuário
func (r *PostgresLedgerRepository) GetLatestActiveAgreement(ctx context.Context, userID int64) (*Agreement, error) {
	row := r.db.QueryRow(ctx, `
		SELECT id, user_id, agreement_id, payer_reference, status, created_at, updated_at
		FROM agreements
		WHERE user_id = $1 AND status = $2
		ORDER BY created_at DESC
		LIMIT 1
	`, userID, string(AgreementStatusActive))
	return r.scanAgreement(row)
}

// ActivateExclusive aplica a política de conta única vinculada
func (r *PostgresLedgerRepository) ActivateExclusive(ctx context.Context, userID int64, agreementID, payerReference string) (*Agreement, error) {
	encrypted, err := r.cipher.Encrypt(agreementID)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt agreement id: %w", err)
	}
	fingerprint := r.cipher.Fingerprint(agreementID)

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(context.Background())

	// serializa ativações concorrentes/repetidas do mesmo usuário
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, userID); err != nil {
		return nil, fmt.Errorf("failed to lock agreements: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		UPDATE agreements
		SET status = $1, updated_at = NOW()
		WHERE user_id = $2 AND status = $3
	`, string(AgreementStatusInactive), userID, string(AgreementStatusActive)); err != nil {
		return nil, fmt.Errorf("failed to deactivate agreements: %w", err)
	}

	agreement := Agreement{AgreementID: agreementID}
	err = tx.QueryRow(ctx, `
		INSERT INTO agreements (id, user_id, agreement_id, agreement_hash, payer_reference, status)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (agreement_hash) DO UPDATE
		SET agreement_id = EXCLUDED.agreement_id,
		    payer_reference = EXCLUDED.payer_reference,
		    status = EXCLUDED.status,
		    updated_at = NOW()
		WHERE agreements.user_id = EXCLUDED.user_id
		RETURNING id, user_id, payer_reference, status, created_at, updated_at
	`, uuid.New().String(), userID, encrypted, fingerprint, payerReference, string(AgreementStatusActive)).Scan(
		&agreement.ID,
		&agreement.UserID,
		&agreement.PayerReference,
		&agreement.Status,
		&agreement.CreatedAt,
		&agreement.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAgreementLinkedElsewhere
		}
		return nil, fmt.Errorf("failed to upsert agreement: %w", err)
	}

	// o token da carteira espelha o agreement vinculado
	if _, err := tx.Exec(ctx, `
		INSERT INTO wallets (id, user_id, balance, currency, token, masked)
		VALUES ($1, $2, 0, $3, $4, $5)
		ON CONFLICT (user_id) DO UPDATE
		SET token = EXCLUDED.token, masked = EXCLUDED.masked, updated_at = NOW()
	`, uuid.New().String(), userID, DefaultCurrency, encrypted, payerReference); err != nil {
		return nil, fmt.Errorf("failed to update wallet token: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit agreement activation: %w", err)
	}
	return &agreement, nil
}

func (r *PostgresLedgerRepository) scanWallet(row pgx.Row) (*Wallet, error) {
	var (
		wallet Wallet
		token  *string
		masked *string
	)
	err := row.Scan(
		&wallet.ID,
		&wallet.UserID,
		&wallet.Balance,
		&wallet.Currency,
		&token,
		&masked,
		&wallet.CreatedAt,
		&wallet.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrWalletNotFound
		}
		return nil, fmt.Errorf("failed to scan wallet: %w", err)
	}
	if token != nil && *token != "" {
		plain, err := r.cipher.Decrypt(*token)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt wallet token: %w", err)
		}
		wallet.Token = plain
	}
	if masked != nil {
		wallet.Masked = *masked
	}
	return &wallet, nil
}

func (r *PostgresLedgerRepository) scanAgreement(row pgx.Row) (*Agreement, error) {
	var (
		agreement Agreement
		encrypted string
		status    string
	)
	err := row.Scan(
		&agreement.ID,
		&agreement.UserID,
		&encrypted,
		&agreement.PayerReference,
		&status,
		&agreement.CreatedAt,
		&agreement.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAgreementNotFound
		}
		return nil, fmt.Errorf("failed to scan agreement: %w", err)
	}
	plain, err := r.cipher.Decrypt(encrypted)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt agreement id: %w", err)
	}
	agreement.AgreementID = plain
	agreement.Status = AgreementStatus(status)
	return &agreement, nil
}

func scanTransaction(row pgx.Row) (*WalletTransaction, error) {
	var (
		trx         WalletTransaction
		txType      string
		trxID       *string
		referenceID *string
		description *string
		meta        []byte
	)
	err := row.Scan(
		&trx.ID,
		&trx.WalletID,
		&txType,
		&trx.Amount,
		&trxID,
		&referenceID,
		&trx.BalanceAfter,
		&description,
		&meta,
		&trx.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTransactionNotFound
		}
		return nil, fmt.Errorf("failed to scan wallet transaction: %w", err)
	}
	trx.Type = TransactionType(txType)
	trx.TrxID = derefString(trxID)
	trx.ReferenceID = derefString(referenceID)
	trx.Description = derefString(description)
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &trx.Meta); err != nil {
			return nil, fmt.Errorf("failed to decode transaction meta: %w", err)
		}
	}
	return &trx, nil
}

func marshalMeta(meta map[string]any) ([]byte, error) {
	if len(meta) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("failed to encode meta: %w", err)
	}
	return b, nil
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
