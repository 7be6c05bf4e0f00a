package main

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// WalletService é a parte do ledger consumida pelos handlers
type WalletService interface {
	History(ctx context.Context, userID int64, page int) (*TransactionPage, error)
	AllTransactions(ctx context.Context, userID int64) ([]WalletTransaction, error)
}

// TopUpService é o fluxo de vinculação e recarga consumido pelos handlers
type TopUpService interface {
	Dashboard(ctx context.Context, userID int64) (*DashboardView, error)
	LinkWallet(ctx context.Context, userID int64) (*TopUpAttempt, error)
	AgreementCallback(ctx context.Context, status, paymentID string) (*TopUpAttempt, error)
	AddMoney(ctx context.Context, userID int64, amount decimal.Decimal, agreementID *string, forceNew bool) (*TopUpAttempt, error)
	PaymentCallback(ctx context.Context, status, paymentID string) (*TopUpAttempt, error)
	RefundTransaction(ctx context.Context, userID int64, transactionID string, amount *decimal.Decimal, reason string) (*WalletTransaction, error)
}

// AddMoneyRequest representa a requisição de recarga
type AddMoneyRequest struct {
	Amount      *decimal.Decimal `json:"amount"`
	AgreementID *string          `json:"agreement_id"`
	ForceNew    bool             `json:"force_new"`
}

// RefundRequestBody representa a requisição de estorno
type RefundRequestBody struct {
	TransactionID string           `json:"transaction_id" binding:"required"`
	Amount        *decimal.Decimal `json:"amount"`
	Reason        string           `json:"reason"`
}

// WalletHandler contém os handlers HTTP da carteira
type WalletHandler struct {
	wallets     WalletService
	topUp       TopUpService
	statements  StatementRenderer
	frontendURL string
	logger      *zap.Logger
}

// NewWalletHandler cria uma nova instância de WalletHandler
func NewWalletHandler(wallets WalletService, topUp TopUpService, statements StatementRenderer, frontendURL string, logger *zap.Logger) *WalletHandler {
	return &WalletHandler{
		wallets:     wallets,
		topUp:       topUp,
		statements:  statements,
		frontendURL: frontendURL,
		logger:      logger,
	}
}

// RegisterRoutes registra as rotas públicas e autenticadas
func (h *WalletHandler) RegisterRoutes(r gin.IRouter, auth gin.HandlerFunc) {
	r.GET("/health", h.HealthCheck)

	wallet := r.Group("/wallet")
	wallet.GET("/link/callback", h.AgreementCallback)
	wallet.GET("/payment/callback", h.PaymentCallback)

	session := wallet.Group("", auth)
	session.GET("/dashboard", h.Dashboard)
	session.GET("/history", h.History)
	session.POST("/link", h.LinkWallet)
	session.POST("/add-money", h.AddMoney)
	session.POST("/refund", h.Refund)
	session.GET("/statement/download", h.DownloadStatement)
}

// Dashboard devolve saldo, moeda e contas vinculadas
func (h *WalletHandler) Dashboard(c *gin.Context) {
	user, ok := h.user(c)
	if !ok {
		return
	}
	view, err := h.topUp.Dashboard(c.Request.Context(), user.ID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

// History devolve o histórico paginado
func (h *WalletHandler) History(c *gin.Context) {
	user, ok := h.user(c)
	if !ok {
		return
	}
	page, err := strconv.Atoi(c.DefaultQuery("page", "1"))
	if err != nil || page < 1 {
		page = 1
	}
	result, err := h.wallets.History(c.Request.Context(), user.ID, page)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// LinkWallet inicia a vinculação da conta bKash
func (h *WalletHandler) LinkWallet(c *gin.Context) {
	user, ok := h.user(c)
	if !ok {
		return
	}
	attempt, err := h.topUp.LinkWallet(c.Request.Context(), user.ID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"redirect_url": attempt.RedirectURL})
}

// AddMoney inicia uma recarga
func (h *WalletHandler) AddMoney(c *gin.Context) {
	user, ok := h.user(c)
	if !ok {
		return
	}
	var req AddMoneyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Amount == nil {
		h.writeError(c, fieldError("amount", ErrInvalidAmount))
		return
	}

	attempt, err := h.topUp.AddMoney(c.Request.Context(), user.ID, *req.Amount, req.AgreementID, req.ForceNew)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"redirect_url": attempt.RedirectURL})
}

// Refund estorna um crédito para a conta bKash
func (h *WalletHandler) Refund(c *gin.Context) {
	user, ok := h.user(c)
	if !ok {
		return
	}
	var req RefundRequestBody
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	trx, err := h.topUp.RefundTransaction(c.Request.Context(), user.ID, req.TransactionID, req.Amount, req.Reason)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction": trx})
}

// AgreementCallback recebe o redirect do gateway após o agreement
func (h *WalletHandler) AgreementCallback(c *gin.Context) {
	attempt, err := h.topUp.AgreementCallback(c.Request.Context(), c.Query("status"), c.Query("paymentID"))
	if err != nil {
		// o agreement foi vinculado mas a recarga encadeada falhou
		if attempt != nil && attempt.Agreement != nil {
			c.Redirect(http.StatusFound, h.dashboardURL("payment_status", "failed", callbackErrorMessage(err, "payment")))
			return
		}
		c.Redirect(http.StatusFound, h.dashboardURL("agreement_status", "failed", callbackErrorMessage(err, "agreement")))
		return
	}
	if attempt.State == FlowStatePaymentRequested && attempt.RedirectURL != "" {
		c.Redirect(http.StatusFound, attempt.RedirectURL)
		return
	}
	c.Redirect(http.StatusFound, h.dashboardURL("agreement_status", "success", ""))
}

// PaymentCallback recebe o redirect do gateway após o pagamento
func (h *WalletHandler) PaymentCallback(c *gin.Context) {
	_, err := h.topUp.PaymentCallback(c.Request.Context(), c.Query("status"), c.Query("paymentID"))
	if err != nil {
		c.Redirect(http.StatusFound, h.dashboardURL("payment_status", "failed", callbackErrorMessage(err, "payment")))
		return
	}
	c.Redirect(http.StatusFound, h.dashboardURL("payment_status", "success", ""))
}

// DownloadStatement gera o extrato em PDF
func (h *WalletHandler) DownloadStatement(c *gin.Context) {
	user, ok := h.user(c)
	if !ok {
		return
	}
	transactions, err := h.wallets.AllTransactions(c.Request.Context(), user.ID)
	if err != nil {
		h.writeError(c, err)
		return
	}

	pdf, err := h.statements.Render(c.Request.Context(), StatementData{
		User:         *user,
		Transactions: transactions,
		GeneratedAt:  time.Now(),
		Locale:       currentLocale(c),
	})
	if err != nil {
		h.logger.Error("[STATEMENT] PDF statement error", zap.Int64("user_id", user.ID), zap.Error(err))
		if !errors.Is(err, ErrStatementUnavailable) {
			err = ErrStatementUnavailable
		}
		h.writeError(c, err)
		return
	}

	c.Header("Content-Disposition", `attachment; filename="statement.pdf"`)
	c.Data(http.StatusOK, "application/pdf", pdf)
}

// HealthCheck verifica a saúde do serviço
func (h *WalletHandler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "healthy",
		"service": "wallet-service",
	})
}

func (h *WalletHandler) user(c *gin.Context) (*User, bool) {
	user, err := currentUser(c)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Unauthenticated."})
		return nil, false
	}
	return user, true
}

func (h *WalletHandler) dashboardURL(key, status, message string) string {
	q := url.Values{}
	q.Set(key, status)
	if message != "" {
		q.Set("error", message)
	}
	return h.frontendURL + "/dashboard?" + q.Encode()
}

// callbackErrorMessage traduz o erro do callback para a mensagem exibida no frontend
func callbackErrorMessage(err error, flow string) string {
	switch {
	case errors.Is(err, ErrCallbackRejected):
		if flow == "agreement" {
			return "Agreement Cancelled"
		}
		return "Payment Cancelled"
	case errors.Is(err, ErrSessionExpired):
		if flow == "agreement" {
			return "Session Expired or Invalid Payment"
		}
		return "Session Expired"
	case errors.Is(err, ErrAgreementExecutionFailed), errors.Is(err, ErrPaymentExecutionFailed):
		return "Execution Failed"
	case errors.Is(err, ErrPaymentInitiationFailed):
		var ie *InitiationError
		if errors.As(err, &ie) && ie.StatusMessage != "" {
			return ie.StatusMessage
		}
		return ErrPaymentInitiationFailed.Error()
	default:
		return "System Error"
	}
}

// writeError converte o erro de domínio no status HTTP correspondente
func (h *WalletHandler) writeError(c *gin.Context, err error) {
	switch errorKind(err) {
	case KindValidation:
		body := gin.H{"error": err.Error()}
		var fe *FieldError
		if errors.As(err, &fe) {
			body["error"] = fe.Err.Error()
			body["errors"] = gin.H{fe.Field: []string{fe.Err.Error()}}
		}
		c.JSON(http.StatusBadRequest, body)
	case KindDomain:
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
	case KindBusy:
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "Duplicate request, please try again shortly"})
	case KindInitiation:
		body := gin.H{"error": err.Error()}
		var ie *InitiationError
		if errors.As(err, &ie) {
			if ie.StatusMessage != "" {
				body["error"] = ie.StatusMessage
			}
			body["details"] = ie.Details
		}
		c.JSON(http.StatusBadRequest, body)
	case KindGateway:
		h.logger.Error("[HTTP] gateway error", zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "Payment gateway unavailable, please try again later"})
	case KindUnavailable:
		if !errors.Is(err, ErrStatementUnavailable) {
			h.logger.Error("[HTTP] operation left pending", zap.String("path", c.FullPath()), zap.Error(err))
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   ErrStatementUnavailable.Error(),
			"message": "Unable to generate PDF statement at this time. Please try again later.",
		})
	default:
		h.logger.Error("[HTTP] unexpected error", zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
	}
}
