package server

import (
	"github.com/Digital-Creators-Team/points-engine/auth"
	"github.com/Digital-Creators-Team/points-engine/errors"
	"github.com/Digital-Creators-Team/points-engine/middleware"
	"github.com/Digital-Creators-Team/points-engine/pkg/providers"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// AccountHandler exposes balances and the transaction log.
type AccountHandler struct {
	accounts AccountService
	logger   zerolog.Logger
}

// NewAccountHandler creates an account handler
func NewAccountHandler(app *App, accounts AccountService) *AccountHandler {
	return &AccountHandler{
		accounts: accounts,
		logger:   app.logger.With().Str("handler", "account").Logger(),
	}
}

type openAccountRequest struct {
	AccountID string `json:"account_id" binding:"required"`
}

type balanceResponse struct {
	AccountID string `json:"account_id"`
	Balance   int64  `json:"balance"`
}

type debitRequest struct {
	Points int64  `json:"points" binding:"required,gt=0"`
	Reason string `json:"reason" binding:"required"`
}

type transactionsResponse struct {
	AccountID    string                  `json:"account_id"`
	Transactions []providers.Transaction `json:"transactions"`
}

// Open handles POST /api/accounts. Opening an existing account returns it unchanged.
func (h *AccountHandler) Open(c *gin.Context) {
	var req openAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, err)
		return
	}

	account, err := h.accounts.OpenAccount(c.Request.Context(), req.AccountID)
	if err != nil {
		HandleAppError(c, err)
		return
	}
	Created(c, account)
}

// Balance handles GET /api/accounts/:account_id/balance
func (h *AccountHandler) Balance(c *gin.Context) {
	accountID := c.Param("account_id")
	account, err := h.accounts.GetAccount(c.Request.Context(), accountID)
	if err != nil {
		HandleAppError(c, err)
		return
	}
	OK(c, balanceResponse{AccountID: account.ID, Balance: account.Balance})
}

// Transactions handles GET /api/accounts/:account_id/transactions
func (h *AccountHandler) Transactions(c *gin.Context) {
	accountID := c.Param("account_id")
	txs, err := h.accounts.History(c.Request.Context(), accountID)
	if err != nil {
		HandleAppError(c, err)
		return
	}
	if txs == nil {
		txs = []providers.Transaction{}
	}
	OK(c, transactionsResponse{AccountID: accountID, Transactions: txs})
}

// Debit handles POST /api/accounts/:account_id/debit (redemptions).
func (h *AccountHandler) Debit(c *gin.Context) {
	var req debitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, err)
		return
	}

	accountID := c.Param("account_id")
	balance, err := h.accounts.Debit(c.Request.Context(), accountID, req.Points, req.Reason)
	if err != nil {
		if !errors.Is(err, errors.ErrInsufficientBalance) {
			reqLogger := middleware.GetLogger(c, h.logger)
			reqLogger.Warn().Err(err).Str("account_id", accountID).Msg("Debit failed")
		}
		HandleAppError(c, err)
		return
	}

	caller, _ := auth.GetAccountID(c)
	reqLogger := middleware.GetLogger(c, h.logger)
	reqLogger.Info().
		Str("account_id", accountID).
		Str("caller", caller).
		Int64("points", req.Points).
		Msg("Points debited")
	OK(c, balanceResponse{AccountID: accountID, Balance: balance})
}
