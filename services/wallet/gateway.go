package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	defaultTokenTTL   = 3500 * time.Second
	tokenSafetyMargin = 100 * time.Second

	agreementMode      = "0000"
	paymentMode        = "0001"
	linkPayerReference = "link_wallet"
	defaultRefundSKU   = "wallet-refund"
)

// PaymentGateway define as chamadas ao checkout tokenizado do bKash
type PaymentGateway interface {
	CreateAgreement(ctx context.Context, callbackURL string) (*CheckoutSession, error)
	ExecuteAgreement(ctx context.Context, paymentID string) (*AgreementExecution, error)
	CreatePayment(ctx context.Context, agreementID string, amount decimal.Decimal, invoice, callbackURL string) (*CheckoutSession, error)
	ExecutePayment(ctx context.Context, paymentID string) (*PaymentExecution, error)
	QueryPayment(ctx context.Context, paymentID string) (*PaymentExecution, error)
	Refund(ctx context.Context, req RefundRequest) (*RefundResult, error)
}

// CheckoutSession é a resposta de create: o paymentID e a URL de aprovação
type CheckoutSession struct {
	PaymentID     string
	ApprovalURL   string
	StatusCode    string
	StatusMessage string
	Raw           map[string]any
}

// AgreementExecution é a resposta de execute para o modo agreement
type AgreementExecution struct {
	AgreementID     string
	PayerReference  string
	CustomerMsisdn  string
	AgreementStatus string
	StatusCode      string
	StatusMessage   string
	Raw             map[string]any
}

// PaymentExecution é a resposta de execute ou de consulta de pagamento
type PaymentExecution struct {
	PaymentID         string
	TrxID             string
	TransactionStatus string
	Amount            decimal.Decimal
	HasAmount         bool
	StatusCode        string
	StatusMessage     string
	Raw               map[string]any
}

// Completed indica se o gateway confirmou a captura do valor
func (p *PaymentExecution) Completed() bool {
	return p.TrxID != "" && (p.TransactionStatus == "" || p.TransactionStatus == "Completed")
}

// RefundRequest são os dados de um estorno
type RefundRequest struct {
	PaymentID string
	TrxID     string
	Amount    decimal.Decimal
	Reason    string
	SKU       string
}

// RefundResult é a resposta do gateway para o estorno
type RefundResult struct {
	RefundTrxID       string
	OriginalTrxID     string
	TransactionStatus string
	Amount            decimal.Decimal
	StatusCode        string
	StatusMessage     string
	Raw               map[string]any
}

// GatewayConfig contém as credenciais do merchant
type GatewayConfig struct {
	BaseURL   string
	AppKey    string
	AppSecret string
	Username  string
	Password  string
	Timeout   time.Duration
}

// BkashGateway implementa PaymentGateway com resty
type BkashGateway struct {
	client *resty.Client
	cfg    GatewayConfig
	logger *zap.Logger
	now    func() time.Time

	mu        sync.Mutex
	token     string
	expiresAt time.Time
}

// NewBkashGateway cria uma nova instância de BkashGateway
func NewBkashGateway(cfg GatewayConfig, logger *zap.Logger) *BkashGateway {
	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")

	return &BkashGateway{
		client: client,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}
}

// accessToken devolve o token em cache ou solicita um novo
func (g *BkashGateway) accessToken(ctx context.Context) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.token != "" && g.now().Before(g.expiresAt) {
		return g.token, nil
	}

	resp, err := g.client.R().
		SetContext(ctx).
		SetHeader("username", g.cfg.Username).
		SetHeader("password", g.cfg.Password).
		SetBody(map[string]string{
			"app_key":    g.cfg.AppKey,
			"app_secret": g.cfg.AppSecret,
		}).
		Post("/tokenized/checkout/token/grant")
	if err != nil {
		g.logger.Error("[BKASH TOKEN] request failed", zap.Error(err))
		return "", &GatewayError{Operation: "token grant", Err: ErrGatewayAuth}
	}
	if !resp.IsSuccess() {
		g.logger.Error("[BKASH TOKEN] rejected",
			zap.Int("status", resp.StatusCode()),
			zap.String("body", resp.String()))
		return "", &GatewayError{Operation: "token grant", StatusCode: resp.StatusCode(), Body: resp.String(), Err: ErrGatewayAuth}
	}

	raw, err := decodeBody(resp.Body())
	if err != nil {
		return "", &GatewayError{Operation: "token grant", StatusCode: resp.StatusCode(), Body: resp.String(), Err: ErrGatewayAuth}
	}
	token := stringField(raw, "id_token")
	if token == "" {
		g.logger.Error("[BKASH TOKEN] id_token missing", zap.String("body", resp.String()))
		return "", &GatewayError{Operation: "token grant", StatusCode: resp.StatusCode(), Body: resp.String(), Err: ErrGatewayAuth}
	}

	ttl := defaultTokenTTL
	if expiresIn, ok := decimalField(raw, "expires_in"); ok {
		if d := time.Duration(expiresIn.IntPart())*time.Second - tokenSafetyMargin; d > 0 {
			ttl = d
		}
	}

	g.token = token
	g.expiresAt = g.now().Add(ttl)
	return g.token, nil
}

func (g *BkashGateway) invalidateToken() {
	g.mu.Lock()
	g.token = ""
	g.mu.Unlock()
}

// call executa uma chamada autenticada e decodifica o corpo
func (g *BkashGateway) call(ctx context.Context, operation, method, path string, body any, query map[string]string) (map[string]any, error) {
	token, err := g.accessToken(ctx)
	if err != nil {
		return nil, err
	}

	req := g.client.R().
		SetContext(ctx).
		SetHeader("Authorization", "Bearer "+token).
		SetHeader("X-APP-Key", g.cfg.AppKey)
	if body != nil {
		req.SetBody(body)
	}
	if query != nil {
		req.SetQueryParams(query)
	}

	resp, err := req.Execute(method, path)
	if err != nil {
		g.logger.Error("[BKASH] transport failure", zap.String("operation", operation), zap.Error(err))
		return nil, &GatewayError{Operation: operation, Err: fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)}
	}
	if resp.StatusCode() == http.StatusUnauthorized {
		g.invalidateToken()
	}
	if !resp.IsSuccess() {
		g.logger.Error("[BKASH] non-2xx response",
			zap.String("operation", operation),
			zap.Int("status", resp.StatusCode()),
			zap.String("body", resp.String()))
		return nil, &GatewayError{Operation: operation, StatusCode: resp.StatusCode(), Body: resp.String(), Err: ErrGatewayUnavailable}
	}

	raw, err := decodeBody(resp.Body())
	if err != nil {
		return nil, &GatewayError{Operation: operation, StatusCode: resp.StatusCode(), Body: resp.String(), Err: ErrGatewayUnavailable}
	}
	return raw, nil
}

// CreateAgreement inicia a vinculação da conta (modo 0000)
func (g *BkashGateway) CreateAgreement(ctx context.Context, callbackURL string) (*CheckoutSession, error) {
	raw, err := g.call(ctx, "create agreement", http.MethodPost, "/tokenized/checkout/create", map[string]string{
		"mode":           agreementMode,
		"callbackURL":    callbackURL,
		"payerReference": linkPayerReference,
	}, nil)
	if err != nil {
		return nil, err
	}
	return newCheckoutSession(raw), nil
}

// ExecuteAgreement confirma o agreement depois do callback
func (g *BkashGateway) ExecuteAgreement(ctx context.Context, paymentID string) (*AgreementExecution, error) {
	raw, err := g.call(ctx, "execute agreement", http.MethodPost, "/tokenized/checkout/execute", map[string]string{
		"paymentID": paymentID,
	}, nil)
	if err != nil {
		return nil, err
	}
	return &AgreementExecution{
		AgreementID:     stringField(raw, "agreementID"),
		PayerReference:  stringField(raw, "payerReference"),
		CustomerMsisdn:  stringField(raw, "customerMsisdn"),
		AgreementStatus: stringField(raw, "agreementStatus"),
		StatusCode:      stringField(raw, "statusCode"),
		StatusMessage:   stringField(raw, "statusMessage"),
		Raw:             raw,
	}, nil
}

// CreatePayment cria um pagamento com agreement (modo 0001)
func (g *BkashGateway) CreatePayment(ctx context.Context, agreementID string, amount decimal.Decimal, invoice, callbackURL string) (*CheckoutSession, error) {
	payload := map[string]string{
		"mode":                  paymentMode,
		"payerReference":        invoice,
		"callbackURL":           callbackURL,
		"agreementID":           agreementID,
		"amount":                amount.StringFixed(2),
		"currency":              DefaultCurrency,
		"intent":                "sale",
		"merchantInvoiceNumber": invoice,
	}
	g.logger.Info("[BKASH] create payment",
		zap.String("invoice", invoice),
		zap.String("amount", payload["amount"]))

	raw, err := g.call(ctx, "create payment", http.MethodPost, "/tokenized/checkout/create", payload, nil)
	if err != nil {
		return nil, err
	}
	return newCheckoutSession(raw), nil
}

// ExecutePayment captura o pagamento aprovado pelo cliente
func (g *BkashGateway) ExecutePayment(ctx context.Context, paymentID string) (*PaymentExecution, error) {
	raw, err := g.call(ctx, "execute payment", http.MethodPost, "/tokenized/checkout/execute", map[string]string{
		"paymentID": paymentID,
	}, nil)
	if err != nil {
		return nil, err
	}
	return newPaymentExecution(raw), nil
}

// QueryPayment consulta o status de um pagamento
func (g *BkashGateway) QueryPayment(ctx context.Context, paymentID string) (*PaymentExecution, error) {
	raw, err := g.call(ctx, "query payment", http.MethodGet, "/tokenized/checkout/payment/status", nil, map[string]string{
		"paymentID": paymentID,
	})
	if err != nil {
		return nil, err
	}
	return newPaymentExecution(raw), nil
}

// Refund estorna total ou parcialmente um pagamento capturado
func (g *BkashGateway) Refund(ctx context.Context, req RefundRequest) (*RefundResult, error) {
	if req.SKU == "" {
		req.SKU = defaultRefundSKU
	}
	if req.Reason == "" {
		req.Reason = "Requested by user"
	}
	raw, err := g.call(ctx, "refund", http.MethodPost, "/tokenized/checkout/payment/refund", map[string]string{
		"paymentID": req.PaymentID,
		"amount":    req.Amount.StringFixed(2),
		"trxID":     req.TrxID,
		"sku":       req.SKU,
		"reason":    req.Reason,
	}, nil)
	if err != nil {
		return nil, err
	}
	amount, _ := decimalField(raw, "amount")
	return &RefundResult{
		RefundTrxID:       stringField(raw, "refundTrxID"),
		OriginalTrxID:     stringField(raw, "originalTrxID"),
		TransactionStatus: stringField(raw, "transactionStatus"),
		Amount:            amount,
		StatusCode:        stringField(raw, "statusCode"),
		StatusMessage:     stringField(raw, "statusMessage"),
		Raw:               raw,
	}, nil
}

func newCheckoutSession(raw map[string]any) *CheckoutSession {
	return &CheckoutSession{
		PaymentID:     stringField(raw, "paymentID"),
		ApprovalURL:   stringField(raw, "bkashURL"),
		StatusCode:    stringField(raw, "statusCode"),
		StatusMessage: stringField(raw, "statusMessage"),
		Raw:           raw,
	}
}

func newPaymentExecution(raw map[string]any) *PaymentExecution {
	amount, ok := decimalField(raw, "amount")
	return &PaymentExecution{
		PaymentID:         stringField(raw, "paymentID"),
		TrxID:             stringField(raw, "trxID"),
		TransactionStatus: stringField(raw, "transactionStatus"),
		Amount:            amount,
		HasAmount:         ok,
		StatusCode:        stringField(raw, "statusCode"),
		StatusMessage:     stringField(raw, "statusMessage"),
		Raw:               raw,
	}
}

func decodeBody(body []byte) (map[string]any, error) {
	raw := map[string]any{}
	if len(bytes.TrimSpace(body)) == 0 {
		return raw, nil
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("failed to decode gateway response: %w", err)
	}
	return raw, nil
}

// stringField lê um campo que o gateway pode devolver como texto ou número
func stringField(raw map[string]any, key string) string {
	switch v := raw[key].(type) {
	case string:
		return v
	case json.Number:
		return v.String()
	default:
		return ""
	}
}

func decimalField(raw map[string]any, key string) (decimal.Decimal, bool) {
	s := stringField(raw, key)
	if s == "" {
		return decimal.Zero, false
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, false
	}
	return d, true
}
