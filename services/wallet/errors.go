package main

import (
	"errors"
	"fmt"
)

// ErrorKind agrupa os erros pelo tratamento que recebem na borda HTTP
type ErrorKind string

const (
	KindValidation  ErrorKind = "validation"
	KindDomain      ErrorKind = "domain"
	KindBusy        ErrorKind = "busy"
	KindGateway     ErrorKind = "gateway"
	KindInitiation  ErrorKind = "initiation"
	KindFlow        ErrorKind = "flow"
	KindUnavailable ErrorKind = "unavailable"
)

// WalletError é o erro de domínio do serviço de carteira
type WalletError struct {
	Kind    ErrorKind
	Message string
}

func (e *WalletError) Error() string {
	return e.Message
}

// Erros customizados
var (
	ErrInvalidAmount       = &WalletError{Kind: KindValidation, Message: "amount must be greater than 0"}
	ErrAgreementNotFound   = &WalletError{Kind: KindValidation, Message: "agreement not found"}
	ErrWalletNotFound      = &WalletError{Kind: KindValidation, Message: "wallet not found"}
	ErrTransactionNotFound = &WalletError{Kind: KindValidation, Message: "transaction not found"}
	ErrNotRefundable       = &WalletError{Kind: KindValidation, Message: "transaction is not refundable"}

	ErrAgreementLinkedElsewhere = &WalletError{Kind: KindDomain, Message: "agreement is linked to another user"}

	ErrInsufficientBalance = &WalletError{Kind: KindDomain, Message: "insufficient balance"}

	ErrLockBusy = &WalletError{Kind: KindBusy, Message: "another operation is in progress for this wallet"}

	ErrGatewayUnavailable = &WalletError{Kind: KindGateway, Message: "payment gateway unavailable"}
	ErrGatewayAuth        = &WalletError{Kind: KindGateway, Message: "payment gateway authentication failed"}

	ErrLinkInitiationFailed    = &WalletError{Kind: KindInitiation, Message: "failed to initiate agreement"}
	ErrPaymentInitiationFailed = &WalletError{Kind: KindInitiation, Message: "payment creation failed"}
	ErrRefundFailed            = &WalletError{Kind: KindInitiation, Message: "refund rejected by gateway"}

	ErrCallbackRejected         = &WalletError{Kind: KindFlow, Message: "callback cancelled or incomplete"}
	ErrSessionExpired           = &WalletError{Kind: KindFlow, Message: "session expired or invalid payment"}
	ErrAgreementExecutionFailed = &WalletError{Kind: KindFlow, Message: "agreement execution failed"}
	ErrPaymentExecutionFailed   = &WalletError{Kind: KindFlow, Message: "payment execution failed"}

	ErrStatementUnavailable     = &WalletError{Kind: KindUnavailable, Message: "PDF Service Unavailable"}
	ErrRefundCompensationFailed = &WalletError{Kind: KindUnavailable, Message: "refund failed and wallet reversal is pending"}
)

// FieldError associa um erro de validação ao campo da requisição
type FieldError struct {
	Field string
	Err   error
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Err.Error())
}

func (e *FieldError) Unwrap() error {
	return e.Err
}

func fieldError(field string, err error) error {
	return &FieldError{Field: field, Err: err}
}

// InitiationError é devolvido quando o gateway responde sem paymentID ou URL de aprovação
type InitiationError struct {
	Err           error
	StatusCode    string
	StatusMessage string
	Details       map[string]any
}

func (e *InitiationError) Error() string {
	if e.StatusMessage == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %s", e.Err.Error(), e.StatusMessage)
}

func (e *InitiationError) Unwrap() error {
	return e.Err
}

// GatewayError carrega o status e o corpo bruto devolvidos pelo gateway
type GatewayError struct {
	Operation  string
	StatusCode int
	Body       string
	Err        error
}

func (e *GatewayError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("%s: %s", e.Operation, e.Err.Error())
	}
	return fmt.Sprintf("%s: %s (status %d)", e.Operation, e.Err.Error(), e.StatusCode)
}

func (e *GatewayError) Unwrap() error {
	return e.Err
}

// errorKind devolve a categoria do erro, ou "" para erros desconhecidos
func errorKind(err error) ErrorKind {
	var we *WalletError
	if errors.As(err, &we) {
		return we.Kind
	}
	return ""
}
