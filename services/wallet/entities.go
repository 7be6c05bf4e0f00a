package main

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// DefaultCurrency é a moeda das carteiras abastecidas via bKash
const DefaultCurrency = "BDT"

// TransactionType representa os tipos de lançamento no ledger
type TransactionType string

const (
	TransactionTypeCredit TransactionType = "credit"
	TransactionTypeDebit  TransactionType = "debit"
	TransactionTypeRefund TransactionType = "refund"
)

// Wallet representa a carteira de um usuário
type Wallet struct {
	ID        string          `json:"id" db:"id"`
	UserID    int64           `json:"user_id" db:"user_id"`
	Balance   decimal.Decimal `json:"balance" db:"balance"`
	Currency  string          `json:"currency" db:"currency"`
	Token     string          `json:"-" db:"token"`
	Masked    string          `json:"masked,omitempty" db:"masked"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt time.Time       `json:"updated_at" db:"updated_at"`
}

// NewWallet cria uma nova instância de Wallet com saldo zero
func NewWallet(id string, userID int64) *Wallet {
	return &Wallet{
		ID:        id,
		UserID:    userID,
		Balance:   decimal.Zero,
		Currency:  DefaultCurrency,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
}

// WalletTransaction representa um lançamento imutável do ledger
type WalletTransaction struct {
	ID           string          `json:"id" db:"id"`
	WalletID     string          `json:"wallet_id" db:"wallet_id"`
	Type         TransactionType `json:"type" db:"type"`
	Amount       decimal.Decimal `json:"amount" db:"amount"`
	TrxID        string          `json:"trx_id,omitempty" db:"trx_id"`
	ReferenceID  string          `json:"reference_id,omitempty" db:"reference_id"`
	BalanceAfter decimal.Decimal `json:"balance_after" db:"balance_after"`
	Description  string          `json:"description,omitempty" db:"description"`
	Meta         map[string]any  `json:"meta,omitempty" db:"meta"`
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`
}

// NewWalletTransaction cria uma nova instância de WalletTransaction
func NewWalletTransaction(id, walletID string, txType TransactionType, amount, balanceAfter decimal.Decimal, trxID, referenceID, description string, meta map[string]any) *WalletTransaction {
	return &WalletTransaction{
		ID:           id,
		WalletID:     walletID,
		Type:         txType,
		Amount:       amount,
		TrxID:        trxID,
		ReferenceID:  referenceID,
		BalanceAfter: balanceAfter,
		Description:  description,
		Meta:         meta,
		CreatedAt:    time.Now(),
	}
}

// TransactionPage é uma página do histórico de lançamentos
type TransactionPage struct {
	Data        []WalletTransaction `json:"data"`
	CurrentPage int                 `json:"current_page"`
	PerPage     int                 `json:"per_page"`
	Total       int                 `json:"total"`
	LastPage    int                 `json:"last_page"`
}

// NewTransactionPage monta a página calculando a última página disponível
func NewTransactionPage(data []WalletTransaction, page, perPage, total int) *TransactionPage {
	if data == nil {
		data = []WalletTransaction{}
	}
	lastPage := 1
	if perPage > 0 && total > 0 {
		lastPage = (total + perPage - 1) / perPage
	}
	return &TransactionPage{
		Data:        data,
		CurrentPage: page,
		PerPage:     perPage,
		Total:       total,
		LastPage:    lastPage,
	}
}

// AgreementStatus representa os possíveis status de um agreement
type AgreementStatus string

const (
	AgreementStatusActive    AgreementStatus = "Active"
	AgreementStatusInactive  AgreementStatus = "Inactive"
	AgreementStatusCancelled AgreementStatus = "Cancelled"
)

// Agreement vincula um usuário a uma identidade de cobrança no gateway.
// AgreementID é confidencial e só existe em claro na memória.
type Agreement struct {
	ID             string          `json:"id" db:"id"`
	UserID         int64           `json:"user_id" db:"user_id"`
	AgreementID    string          `json:"-" db:"agreement_id"`
	PayerReference string          `json:"payer_reference" db:"payer_reference"`
	Status         AgreementStatus `json:"status" db:"status"`
	CreatedAt      time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at" db:"updated_at"`
}

// IsActive indica se o agreement pode ser usado para novos pagamentos
func (a *Agreement) IsActive() bool {
	return a.Status == AgreementStatusActive
}

const (
	RefundStatusCompleted       = "Completed"
	RefundStatusFailed          = "Failed"
	RefundStatusReversalPending = "ReversalPending"
)

// Refund registra um estorno enviado ao gateway
type Refund struct {
	ID                  string          `json:"id" db:"id"`
	WalletTransactionID string          `json:"wallet_transaction_id" db:"wallet_transaction_id"`
	PaymentID           string          `json:"payment_id" db:"payment_id"`
	TrxID               string          `json:"trx_id" db:"trx_id"`
	RefundTrxID         string          `json:"refund_trx_id" db:"refund_trx_id"`
	Amount              decimal.Decimal `json:"amount" db:"amount"`
	Reason              string          `json:"reason" db:"reason"`
	Status              string          `json:"status" db:"status"`
	Meta                map[string]any  `json:"meta,omitempty" db:"meta"`
	CreatedAt           time.Time       `json:"created_at" db:"created_at"`
}

// User é o usuário autenticado resolvido pela sessão externa
type User struct {
	ID    int64  `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

// FlowState representa os estados de uma tentativa de recarga
type FlowState string

const (
	FlowStateIdle               FlowState = "idle"
	FlowStateAgreementRequested FlowState = "agreement_requested"
	FlowStateAgreementLinked    FlowState = "agreement_linked"
	FlowStatePaymentRequested   FlowState = "payment_requested"
	FlowStateCredited           FlowState = "credited"
	FlowStateFailed             FlowState = "failed"
)

var flowTransitions = map[FlowState][]FlowState{
	FlowStateIdle:               {FlowStateAgreementRequested, FlowStatePaymentRequested},
	FlowStateAgreementRequested: {FlowStateAgreementLinked},
	FlowStateAgreementLinked:    {FlowStatePaymentRequested},
	FlowStatePaymentRequested:   {FlowStateCredited},
}

// TopUpAttempt acompanha uma tentativa de vinculação/recarga de um usuário
type TopUpAttempt struct {
	UserID      int64              `json:"user_id"`
	PaymentID   string             `json:"payment_id,omitempty"`
	Amount      decimal.Decimal    `json:"amount"`
	State       FlowState          `json:"state"`
	RedirectURL string             `json:"redirect_url,omitempty"`
	Agreement   *Agreement         `json:"agreement,omitempty"`
	Transaction *WalletTransaction `json:"transaction,omitempty"`
	Err         error              `json:"-"`
}

// NewTopUpAttempt cria uma tentativa no estado idle
func NewTopUpAttempt(userID int64) *TopUpAttempt {
	return &TopUpAttempt{
		UserID: userID,
		Amount: decimal.Zero,
		State:  FlowStateIdle,
	}
}

// Advance move a tentativa para o próximo estado se a transição for válida
func (a *TopUpAttempt) Advance(next FlowState) error {
	if a.State == FlowStateFailed {
		return fmt.Errorf("attempt already failed, cannot move to %s", next)
	}
	for _, allowed := range flowTransitions[a.State] {
		if allowed == next {
			a.State = next
			return nil
		}
	}
	return fmt.Errorf("invalid transition %s -> %s", a.State, next)
}

// Fail marca a tentativa como falha; Failed é alcançável de qualquer estado
func (a *TopUpAttempt) Fail(err error) *TopUpAttempt {
	a.State = FlowStateFailed
	a.Err = err
	return a
}

// Failed indica se a tentativa terminou em falha
func (a *TopUpAttempt) Failed() bool {
	return a.State == FlowStateFailed
}
