package server

import (
	"strconv"

	"github.com/Digital-Creators-Team/points-engine/errors"
	"github.com/Digital-Creators-Team/points-engine/middleware"
	"github.com/Digital-Creators-Team/points-engine/pkg/providers"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// WinnerHandler serves the winner registry.
type WinnerHandler struct {
	reader  PoolReader
	winners WinnerService
	logger  zerolog.Logger
}

// NewWinnerHandler creates a winner handler
func NewWinnerHandler(app *App, reader PoolReader, winners WinnerService) *WinnerHandler {
	return &WinnerHandler{
		reader:  reader,
		winners: winners,
		logger:  app.logger.With().Str("handler", "winner").Logger(),
	}
}

type recordWinRequest struct {
	AccountID   string          `json:"account_id" binding:"required"`
	TierID      string          `json:"tier_id" binding:"required"`
	SurveyID    string          `json:"survey_id"`
	PayoutValue decimal.Decimal `json:"payout_value"`
}

type listWinnersResponse struct {
	TierID  string                `json:"tier_id,omitempty"`
	Winners []providers.WinRecord `json:"winners"`
}

// List handles GET /api/winners?tier=&limit=
func (h *WinnerHandler) List(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			BadRequest(c, errors.New(errors.ErrInvalidRequest, "limit must be an integer"))
			return
		}
		limit = n
	}

	tierID := c.Query("tier")
	wins, err := h.reader.ListRecent(c.Request.Context(), tierID, limit)
	if err != nil {
		HandleAppError(c, err)
		return
	}
	if wins == nil {
		wins = []providers.WinRecord{}
	}
	OK(c, listWinnersResponse{TierID: tierID, Winners: wins})
}

// Record handles POST /api/winners, a manual award outside the completion flow.
func (h *WinnerHandler) Record(c *gin.Context) {
	var req recordWinRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, err)
		return
	}

	winID, err := h.winners.RecordWin(c.Request.Context(), providers.WinRecord{
		AccountID:   req.AccountID,
		TierID:      req.TierID,
		SurveyID:    req.SurveyID,
		PayoutValue: req.PayoutValue,
	})
	if err != nil {
		HandleAppError(c, err)
		return
	}

	reqLogger := middleware.GetLogger(c, h.logger)
	reqLogger.Info().
		Str("win_id", winID).
		Str("account_id", req.AccountID).
		Str("tier_id", req.TierID).
		Msg("Manual win recorded")
	Created(c, gin.H{"win_id": winID})
}

// MarkDelivered handles POST /api/winners/:win_id/delivered
func (h *WinnerHandler) MarkDelivered(c *gin.Context) {
	win, err := h.winners.MarkDelivered(c.Request.Context(), c.Param("win_id"))
	if err != nil {
		HandleAppError(c, err)
		return
	}
	OK(c, win)
}
