package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

const callbackStatusSuccess = "success"

// OrchestratorConfig contém as URLs de callback e os limites do fluxo de recarga
type OrchestratorConfig struct {
	AgreementCallbackURL string
	PaymentCallbackURL   string
	CorrelationTTL       time.Duration
	CreditRetries        int
	CreditRetryDelay     time.Duration
}

// TopUpOrchestrator conduz a vinculação da conta bKash e a recarga da carteira
type TopUpOrchestrator struct {
	gateway     PaymentGateway
	cache       CorrelationCache
	agreements  AgreementRepository
	wallets     *WalletUseCase
	topUpLocker Locker
	cfg         OrchestratorConfig
	logger      *zap.Logger
	metrics     *Metrics
}

// NewTopUpOrchestrator cria uma nova instância de TopUpOrchestrator
func NewTopUpOrchestrator(
	gateway PaymentGateway,
	cache CorrelationCache,
	agreements AgreementRepository,
	wallets *WalletUseCase,
	topUpLocker Locker,
	cfg OrchestratorConfig,
	logger *zap.Logger,
	metrics *Metrics,
) *TopUpOrchestrator {
	if cfg.CorrelationTTL <= 0 {
		cfg.CorrelationTTL = CorrelationTTL
	}
	return &TopUpOrchestrator{
		gateway:     gateway,
		cache:       cache,
		agreements:  agreements,
		wallets:     wallets,
		topUpLocker: topUpLocker,
		cfg:         cfg,
		logger:      logger,
		metrics:     metrics,
	}
}

// DashboardView é o resumo da carteira exibido no dashboard
type DashboardView struct {
	Balance      decimal.Decimal `json:"balance"`
	Currency     string          `json:"currency"`
	Agreements   []Agreement     `json:"agreements"`
	HasAgreement bool            `json:"has_agreement"`
}

// Dashboard devolve saldo e contas vinculadas, criando a carteira no primeiro acesso
func (o *TopUpOrchestrator) Dashboard(ctx context.Context, userID int64) (*DashboardView, error) {
	wallet, err := o.wallets.GetOrCreateWallet(ctx, userID)
	if err != nil {
		return nil, err
	}
	agreements, err := o.agreements.ListActiveAgreements(ctx, userID)
	if err != nil {
		o.logger.Error("[DASHBOARD] failed to list agreements", zap.Int64("user_id", userID), zap.Error(err))
		return nil, err
	}
	return &DashboardView{
		Balance:      wallet.Balance,
		Currency:     wallet.Currency,
		Agreements:   agreements,
		HasAgreement: len(agreements) > 0,
	}, nil
}

// LinkWallet inicia a criação de um agreement e devolve a URL de aprovação
func (o *TopUpOrchestrator) LinkWallet(ctx context.Context, userID int64) (*TopUpAttempt, error) {
	return o.linkWallet(ctx, NewTopUpAttempt(userID))
}

func (o *TopUpOrchestrator) linkWallet(ctx context.Context, attempt *TopUpAttempt) (*TopUpAttempt, error) {
	ctx, span := StartFlowSpan(ctx, "link_wallet", attempt.UserID, "")
	defer span.End()

	session, err := o.gateway.CreateAgreement(ctx, o.cfg.AgreementCallbackURL)
	if err != nil {
		o.logger.Error("[LINK] create agreement failed", zap.Int64("user_id", attempt.UserID), zap.Error(err))
		span.SetStatus(codes.Error, err.Error())
		return attempt, err
	}
	if session.PaymentID == "" || session.ApprovalURL == "" {
		o.logger.Error("[LINK] gateway response missing paymentID or bkashURL",
			zap.Int64("user_id", attempt.UserID),
			zap.String("status_code", session.StatusCode),
			zap.String("status_message", session.StatusMessage))
		span.SetStatus(codes.Error, ErrLinkInitiationFailed.Error())
		return attempt, &InitiationError{
			Err:           ErrLinkInitiationFailed,
			StatusCode:    session.StatusCode,
			StatusMessage: session.StatusMessage,
			Details:       session.Raw,
		}
	}

	if err := o.cache.Put(ctx, agreementKey(session.PaymentID), strconv.FormatInt(attempt.UserID, 10), o.cfg.CorrelationTTL); err != nil {
		o.logger.Error("[LINK] failed to store correlation",
			zap.Int64("user_id", attempt.UserID),
			zap.String("payment_id", session.PaymentID),
			zap.Error(err))
		return attempt, err
	}

	if err := attempt.Advance(FlowStateAgreementRequested); err != nil {
		return attempt, err
	}
	attempt.PaymentID = session.PaymentID
	attempt.RedirectURL = session.ApprovalURL

	o.logger.Info("[LINK] agreement requested",
		zap.Int64("user_id", attempt.UserID),
		zap.String("payment_id", session.PaymentID))
	return attempt, nil
}

// AgreementCallback trata o retorno do gateway após a aprovação do agreement
func (o *TopUpOrchestrator) AgreementCallback(ctx context.Context, status, paymentID string) (*TopUpAttempt, error) {
	ctx, span := StartFlowSpan(ctx, "agreement_callback", 0, paymentID)
	defer span.End()

	attempt := &TopUpAttempt{PaymentID: paymentID, Amount: decimal.Zero, State: FlowStateAgreementRequested}
	fail := func(err error) (*TopUpAttempt, error) {
		span.SetStatus(codes.Error, err.Error())
		o.metrics.recordCallback(ctx, "agreement", FlowStateFailed)
		attempt.Fail(err)
		return attempt, err
	}

	o.logger.Info("[LINK CALLBACK] received", zap.String("status", status), zap.String("payment_id", paymentID))

	if status != callbackStatusSuccess || paymentID == "" {
		o.logger.Warn("[LINK CALLBACK] cancelled or incomplete", zap.String("status", status), zap.String("payment_id", paymentID))
		return fail(ErrCallbackRejected)
	}

	userID, err := o.resolveUser(ctx, agreementKey(paymentID))
	if err != nil {
		o.logger.Error("[LINK CALLBACK] user lookup failed", zap.String("payment_id", paymentID), zap.Error(err))
		return fail(err)
	}
	attempt.UserID = userID

	result, err := o.gateway.ExecuteAgreement(ctx, paymentID)
	if err != nil {
		o.logger.Error("[LINK CALLBACK] execute agreement failed",
			zap.Int64("user_id", userID), zap.String("payment_id", paymentID), zap.Error(err))
		return fail(fmt.Errorf("%w: %w", ErrAgreementExecutionFailed, err))
	}
	if result.AgreementID == "" {
		o.logger.Error("[LINK CALLBACK] agreementID missing in response",
			zap.Int64("user_id", userID),
			zap.String("payment_id", paymentID),
			zap.String("status_code", result.StatusCode),
			zap.String("status_message", result.StatusMessage))
		return fail(ErrAgreementExecutionFailed)
	}

	payerReference := result.PayerReference
	if payerReference == "" {
		payerReference = result.CustomerMsisdn
	}
	if payerReference == "" {
		payerReference = "N/A"
	}

	agreement, err := o.agreements.ActivateExclusive(ctx, userID, result.AgreementID, payerReference)
	if err != nil {
		o.logger.Error("[LINK CALLBACK] failed to activate agreement",
			zap.Int64("user_id", userID), zap.String("payment_id", paymentID), zap.Error(err))
		return fail(err)
	}
	if err := attempt.Advance(FlowStateAgreementLinked); err != nil {
		return fail(err)
	}
	attempt.Agreement = agreement

	if err := o.cache.Delete(ctx, agreementKey(paymentID)); err != nil {
		o.logger.Warn("[LINK CALLBACK] failed to clear correlation", zap.String("payment_id", paymentID), zap.Error(err))
	}
	o.metrics.recordCallback(ctx, "agreement", FlowStateAgreementLinked)
	o.logger.Info("[LINK CALLBACK] agreement linked",
		zap.Int64("user_id", userID),
		zap.String("payment_id", paymentID),
		zap.String("agreement", agreement.ID))

	pending, ok := o.takePendingTopUp(ctx, userID)
	if !ok {
		return attempt, nil
	}

	o.logger.Info("[LINK CALLBACK] resuming pending top-up",
		zap.Int64("user_id", userID),
		zap.String("amount", pending.StringFixed(2)))
	attempt.Amount = pending
	if _, err := o.initiatePayment(ctx, attempt, result.AgreementID, pending); err != nil {
		return fail(err)
	}
	return attempt, nil
}

// takePendingTopUp lê e remove o valor de recarga guardado antes da vinculação
func (o *TopUpOrchestrator) takePendingTopUp(ctx context.Context, userID int64) (decimal.Decimal, bool) {
	key := pendingTopUpKey(userID)
	value, ok, err := o.cache.Get(ctx, key)
	if err != nil {
		o.logger.Warn("[LINK CALLBACK] failed to read pending top-up", zap.Int64("user_id", userID), zap.Error(err))
		return decimal.Zero, false
	}
	if !ok {
		return decimal.Zero, false
	}
	if err := o.cache.Delete(ctx, key); err != nil {
		o.logger.Warn("[LINK CALLBACK] failed to clear pending top-up", zap.Int64("user_id", userID), zap.Error(err))
	}
	amount, err := decimal.NewFromString(value)
	if err != nil || !amount.IsPositive() {
		o.logger.Warn("[LINK CALLBACK] ignoring invalid pending top-up", zap.Int64("user_id", userID), zap.String("value", value))
		return decimal.Zero, false
	}
	return amount, true
}

// AddMoney inicia uma recarga escolhendo o agreement ou iniciando a vinculação
func (o *TopUpOrchestrator) AddMoney(ctx context.Context, userID int64, amount decimal.Decimal, agreementID *string, forceNew bool) (*TopUpAttempt, error) {
	ctx, span := StartFlowSpan(ctx, "add_money", userID, "")
	defer span.End()

	amount = amount.Round(2)
	if !amount.IsPositive() {
		return nil, fieldError("amount", ErrInvalidAmount)
	}

	lock, err := o.topUpLocker.TryLock(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrLockBusy) {
			o.metrics.recordLockBusy(ctx)
			o.logger.Warn("[ADD MONEY] top-up already in progress", zap.Int64("user_id", userID))
		}
		return nil, err
	}
	defer func() {
		if err := lock.Release(context.WithoutCancel(ctx)); err != nil {
			o.logger.Error("[ADD MONEY] failed to release lock", zap.Int64("user_id", userID), zap.Error(err))
		}
	}()

	attempt := NewTopUpAttempt(userID)
	attempt.Amount = amount

	// 1. Agreement escolhido explicitamente
	if agreementID != nil && *agreementID != "" {
		agreement, err := o.ownedAgreement(ctx, userID, *agreementID)
		if err != nil {
			return nil, err
		}
		attempt.Agreement = agreement
		return o.initiatePayment(ctx, attempt, agreement.AgreementID, amount)
	}

	// 2. Agreement ativo mais recente, a menos que o usuário peça uma nova conta
	if !forceNew {
		agreement, err := o.agreements.GetLatestActiveAgreement(ctx, userID)
		if err == nil {
			attempt.Agreement = agreement
			return o.initiatePayment(ctx, attempt, agreement.AgreementID, amount)
		}
		if !errors.Is(err, ErrAgreementNotFound) {
			o.logger.Error("[ADD MONEY] failed to load agreement", zap.Int64("user_id", userID), zap.Error(err))
			return nil, err
		}
	}

	// 3. Sem agreement: guarda o valor e inicia a vinculação
	if err := o.cache.Put(ctx, pendingTopUpKey(userID), amount.StringFixed(2), o.cfg.CorrelationTTL); err != nil {
		o.logger.Error("[ADD MONEY] failed to store pending top-up", zap.Int64("user_id", userID), zap.Error(err))
		return nil, err
	}
	o.logger.Info("[ADD MONEY] no agreement, starting link flow",
		zap.Int64("user_id", userID),
		zap.String("amount", amount.StringFixed(2)))

	attempt, err = o.linkWallet(ctx, attempt)
	if err != nil {
		if delErr := o.cache.Delete(ctx, pendingTopUpKey(userID)); delErr != nil {
			o.logger.Warn("[ADD MONEY] failed to clear pending top-up", zap.Int64("user_id", userID), zap.Error(delErr))
		}
		return attempt, err
	}
	return attempt, nil
}

// ownedAgreement busca um agreement ativo que pertença ao usuário
func (o *TopUpOrchestrator) ownedAgreement(ctx context.Context, userID int64, id string) (*Agreement, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, fieldError("agreement_id", ErrAgreementNotFound)
	}
	agreement, err := o.agreements.GetAgreementForUser(ctx, userID, id)
	if errors.Is(err, ErrAgreementNotFound) || (err == nil && !agreement.IsActive()) {
		o.logger.Warn("[ADD MONEY] agreement not usable", zap.Int64("user_id", userID), zap.String("agreement", id))
		return nil, fieldError("agreement_id", ErrAgreementNotFound)
	}
	if err != nil {
		return nil, err
	}
	return agreement, nil
}

// initiatePayment cria o pagamento no gateway e guarda a correlação para o callback
func (o *TopUpOrchestrator) initiatePayment(ctx context.Context, attempt *TopUpAttempt, agreementID string, amount decimal.Decimal) (*TopUpAttempt, error) {
	ctx, span := StartFlowSpan(ctx, "create_payment", attempt.UserID, "")
	defer span.End()

	invoice := newInvoiceNumber()
	session, err := o.gateway.CreatePayment(ctx, agreementID, amount, invoice, o.cfg.PaymentCallbackURL)
	if err != nil {
		o.logger.Error("[PAYMENT] create payment failed",
			zap.Int64("user_id", attempt.UserID), zap.String("invoice", invoice), zap.Error(err))
		span.SetStatus(codes.Error, err.Error())
		return attempt, err
	}
	if session.PaymentID == "" || session.ApprovalURL == "" {
		o.logger.Error("[PAYMENT] gateway response missing paymentID or bkashURL",
			zap.Int64("user_id", attempt.UserID),
			zap.String("invoice", invoice),
			zap.String("status_code", session.StatusCode),
			zap.String("status_message", session.StatusMessage))
		span.SetStatus(codes.Error, ErrPaymentInitiationFailed.Error())
		return attempt, &InitiationError{
			Err:           ErrPaymentInitiationFailed,
			StatusCode:    session.StatusCode,
			StatusMessage: session.StatusMessage,
			Details:       session.Raw,
		}
	}

	user := strconv.FormatInt(attempt.UserID, 10)
	if err := o.cache.Put(ctx, paymentKey(session.PaymentID), user, o.cfg.CorrelationTTL); err != nil {
		o.logger.Error("[PAYMENT] failed to store correlation", zap.String("payment_id", session.PaymentID), zap.Error(err))
		return attempt, err
	}
	if err := o.cache.Put(ctx, paymentAmountKey(session.PaymentID), amount.StringFixed(2), o.cfg.CorrelationTTL); err != nil {
		o.logger.Error("[PAYMENT] failed to store amount", zap.String("payment_id", session.PaymentID), zap.Error(err))
		return attempt, err
	}

	if err := attempt.Advance(FlowStatePaymentRequested); err != nil {
		return attempt, err
	}
	attempt.PaymentID = session.PaymentID
	attempt.Amount = amount
	attempt.RedirectURL = session.ApprovalURL

	o.logger.Info("[PAYMENT] payment requested",
		zap.Int64("user_id", attempt.UserID),
		zap.String("payment_id", session.PaymentID),
		zap.String("invoice", invoice),
		zap.String("amount", amount.StringFixed(2)))
	return attempt, nil
}

// PaymentCallback executa o pagamento aprovado e credita a carteira
func (o *TopUpOrchestrator) PaymentCallback(ctx context.Context, status, paymentID string) (*TopUpAttempt, error) {
	ctx, span := StartFlowSpan(ctx, "payment_callback", 0, paymentID)
	defer span.End()

	attempt := &TopUpAttempt{PaymentID: paymentID, Amount: decimal.Zero, State: FlowStatePaymentRequested}
	fail := func(err error) (*TopUpAttempt, error) {
		span.SetStatus(codes.Error, err.Error())
		o.metrics.recordCallback(ctx, "payment", FlowStateFailed)
		attempt.Fail(err)
		return attempt, err
	}

	o.logger.Info("[PAYMENT CALLBACK] received", zap.String("status", status), zap.String("payment_id", paymentID))

	if status != callbackStatusSuccess || paymentID == "" {
		o.logger.Warn("[PAYMENT CALLBACK] cancelled or incomplete", zap.String("status", status), zap.String("payment_id", paymentID))
		return fail(ErrCallbackRejected)
	}

	userID, err := o.resolveUser(ctx, paymentKey(paymentID))
	if err != nil {
		o.logger.Error("[PAYMENT CALLBACK] user lookup failed", zap.String("payment_id", paymentID), zap.Error(err))
		return fail(err)
	}
	attempt.UserID = userID

	cachedAmount := decimal.Zero
	if value, ok, err := o.cache.Get(ctx, paymentAmountKey(paymentID)); err != nil {
		o.logger.Warn("[PAYMENT CALLBACK] failed to read cached amount", zap.String("payment_id", paymentID), zap.Error(err))
	} else if ok {
		if d, err := decimal.NewFromString(value); err == nil {
			cachedAmount = d
		}
	}

	execution, err := o.executeOrQuery(ctx, userID, paymentID)
	if err != nil {
		return fail(err)
	}

	// o valor informado pelo gateway prevalece sobre o solicitado
	amount := cachedAmount
	if execution.HasAmount && execution.Amount.IsPositive() {
		amount = execution.Amount
	}
	if !amount.IsPositive() {
		o.logger.Error("[PAYMENT CALLBACK] no amount to credit",
			zap.Int64("user_id", userID), zap.String("payment_id", paymentID), zap.String("trx_id", execution.TrxID))
		return fail(ErrPaymentExecutionFailed)
	}
	attempt.Amount = amount

	trx, err := o.creditWithRetry(ctx, userID, amount, execution.TrxID, paymentID, "Added money via bKash", execution.Raw)
	if err != nil {
		o.logger.Error("[PAYMENT CALLBACK] credit failed",
			zap.Int64("user_id", userID),
			zap.String("payment_id", paymentID),
			zap.String("trx_id", execution.TrxID),
			zap.Error(err))
		return fail(err)
	}
	if err := attempt.Advance(FlowStateCredited); err != nil {
		return fail(err)
	}
	attempt.Transaction = trx

	if err := o.cache.Delete(ctx, paymentKey(paymentID), paymentAmountKey(paymentID)); err != nil {
		o.logger.Warn("[PAYMENT CALLBACK] failed to clear correlation", zap.String("payment_id", paymentID), zap.Error(err))
	}
	o.metrics.recordCallback(ctx, "payment", FlowStateCredited)
	o.logger.Info("[PAYMENT CALLBACK] wallet credited",
		zap.Int64("user_id", userID),
		zap.String("payment_id", paymentID),
		zap.String("trx_id", execution.TrxID),
		zap.String("transaction_id", trx.ID))
	return attempt, nil
}

// executeOrQuery executa o pagamento e, se a execução não confirmar, consulta o status
func (o *TopUpOrchestrator) executeOrQuery(ctx context.Context, userID int64, paymentID string) (*PaymentExecution, error) {
	execution, execErr := o.gateway.ExecutePayment(ctx, paymentID)
	if execErr == nil && execution.Completed() {
		return execution, nil
	}

	fields := []zap.Field{zap.Int64("user_id", userID), zap.String("payment_id", paymentID)}
	if execErr != nil {
		fields = append(fields, zap.Error(execErr))
	} else {
		fields = append(fields,
			zap.String("status_code", execution.StatusCode),
			zap.String("status_message", execution.StatusMessage))
	}
	o.logger.Warn("[PAYMENT CALLBACK] execute did not confirm, querying status", fields...)

	query, err := o.gateway.QueryPayment(ctx, paymentID)
	if err == nil && query.Completed() {
		o.logger.Info("[PAYMENT CALLBACK] payment confirmed by status query",
			zap.Int64("user_id", userID), zap.String("payment_id", paymentID), zap.String("trx_id", query.TrxID))
		return query, nil
	}
	if err != nil {
		o.logger.Error("[PAYMENT CALLBACK] status query failed", zap.String("payment_id", paymentID), zap.Error(err))
	}
	if execErr != nil {
		return nil, fmt.Errorf("%w: %w", ErrPaymentExecutionFailed, execErr)
	}
	return nil, ErrPaymentExecutionFailed
}

// creditWithRetry tenta novamente enquanto o lock da carteira estiver ocupado.
// Usado quando o dinheiro já saiu do gateway e o crédito não pode ser perdido.
func (o *TopUpOrchestrator) creditWithRetry(ctx context.Context, userID int64, amount decimal.Decimal, trxID, referenceID, description string, meta map[string]any) (*WalletTransaction, error) {
	for attempt := 0; ; attempt++ {
		trx, err := o.wallets.Credit(ctx, userID, amount, trxID, referenceID, description, meta)
		if !errors.Is(err, ErrLockBusy) || attempt >= o.cfg.CreditRetries {
			return trx, err
		}
		o.logger.Warn("[CREDIT] wallet busy, retrying credit",
			zap.Int64("user_id", userID),
			zap.String("reference_id", referenceID),
			zap.Int("attempt", attempt+1))
		select {
		case <-time.After(o.cfg.CreditRetryDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// resolveUser lê o usuário associado ao paymentID na cache de correlação
func (o *TopUpOrchestrator) resolveUser(ctx context.Context, key string) (int64, error) {
	value, ok, err := o.cache.Get(ctx, key)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, ErrSessionExpired
	}
	userID, err := strconv.ParseInt(value, 10, 64)
	if err != nil || userID <= 0 {
		return 0, ErrSessionExpired
	}
	return userID, nil
}

// RefundTransaction estorna um crédito: debita a carteira, chama o gateway e compensa se o gateway recusar
func (o *TopUpOrchestrator) RefundTransaction(ctx context.Context, userID int64, transactionID string, amount *decimal.Decimal, reason string) (*WalletTransaction, error) {
	ctx, span := StartFlowSpan(ctx, "refund", userID, "")
	defer span.End()

	lock, err := o.topUpLocker.TryLock(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrLockBusy) {
			o.metrics.recordLockBusy(ctx)
			o.logger.Warn("[REFUND] top-up or refund already in progress",
				zap.Int64("user_id", userID), zap.String("transaction_id", transactionID))
		}
		return nil, err
	}
	defer func() {
		if err := lock.Release(context.WithoutCancel(ctx)); err != nil {
			o.logger.Error("[REFUND] failed to release lock", zap.Int64("user_id", userID), zap.Error(err))
		}
	}()

	original, err := o.wallets.GetTransaction(ctx, userID, transactionID)
	if err != nil {
		if errors.Is(err, ErrTransactionNotFound) || errors.Is(err, ErrWalletNotFound) {
			return nil, fieldError("transaction_id", ErrTransactionNotFound)
		}
		return nil, err
	}
	if original.Type != TransactionTypeCredit || original.TrxID == "" || original.ReferenceID == "" {
		return nil, fieldError("transaction_id", ErrNotRefundable)
	}

	refunded, err := o.wallets.RefundedAmount(ctx, original.ID)
	if err != nil {
		return nil, err
	}
	remaining := original.Amount.Sub(refunded)
	value := remaining
	if amount != nil {
		value = amount.Round(2)
	}
	if !value.IsPositive() || value.GreaterThan(remaining) {
		return nil, fieldError("amount", ErrInvalidAmount)
	}
	if strings.TrimSpace(reason) == "" {
		reason = "Requested by user"
	}

	fields := []zap.Field{
		zap.Int64("user_id", userID),
		zap.String("payment_id", original.ReferenceID),
		zap.String("trx_id", original.TrxID),
		zap.String("amount", value.StringFixed(2)),
	}

	// 1. Reserva o valor na carteira
	debit, err := o.wallets.Refund(ctx, userID, value, original.TrxID, "refund:"+uuid.New().String(),
		"Refund to bKash", map[string]any{"original_transaction_id": original.ID, "reason": reason})
	if err != nil {
		o.logger.Error("[REFUND] wallet debit failed", append(fields, zap.Error(err))...)
		return nil, err
	}

	refund := &Refund{
		ID:                  uuid.New().String(),
		WalletTransactionID: original.ID,
		PaymentID:           original.ReferenceID,
		TrxID:               original.TrxID,
		Amount:              value,
		Reason:              reason,
		CreatedAt:           time.Now(),
	}

	// 2. Estorna no gateway
	result, gwErr := o.gateway.Refund(ctx, RefundRequest{
		PaymentID: original.ReferenceID,
		TrxID:     original.TrxID,
		Amount:    value,
		Reason:    reason,
	})
	if gwErr != nil || result.RefundTrxID == "" {
		// 3. Compensa o débito
		if gwErr == nil {
			refund.Meta = result.Raw
			gwErr = &InitiationError{Err: ErrRefundFailed, StatusCode: result.StatusCode, StatusMessage: result.StatusMessage, Details: result.Raw}
		}
		o.logger.Error("[REFUND] gateway refund failed, compensating", append(fields, zap.Error(gwErr))...)

		refund.Status = RefundStatusFailed
		_, compErr := o.creditWithRetry(context.WithoutCancel(ctx), userID, value, original.TrxID, "refund-reversal:"+debit.ID,
			"Refund reversal", map[string]any{"refund_transaction_id": debit.ID})
		if compErr != nil {
			// o débito continua na carteira até a reconciliação manual
			refund.Status = RefundStatusReversalPending
			o.logger.Error("[REFUND] compensation failed", append(fields, zap.String("transaction_id", debit.ID), zap.Error(compErr))...)
			gwErr = fmt.Errorf("%w: %w", ErrRefundCompensationFailed, compErr)
		}
		if err := o.wallets.RecordRefund(context.WithoutCancel(ctx), refund); err != nil {
			o.logger.Warn("[REFUND] failed to record failed refund", append(fields, zap.Error(err))...)
		}
		span.SetStatus(codes.Error, gwErr.Error())
		return nil, gwErr
	}

	refund.Status = RefundStatusCompleted
	refund.RefundTrxID = result.RefundTrxID
	refund.Meta = result.Raw
	if err := o.wallets.RecordRefund(ctx, refund); err != nil {
		return nil, err
	}

	o.logger.Info("[REFUND] completed", append(fields,
		zap.String("refund_trx_id", result.RefundTrxID),
		zap.String("transaction_id", debit.ID))...)
	return debit, nil
}

// newInvoiceNumber gera o número de fatura do merchant no formato INV-XXXXXXXXXX
func newInvoiceNumber() string {
	id := strings.ToUpper(strings.ReplaceAll(uuid.New().String(), "-", ""))
	return "INV-" + id[:10]
}
