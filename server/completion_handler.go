package server

import (
	"net/http"

	"github.com/Digital-Creators-Team/points-engine/completion"
	"github.com/Digital-Creators-Team/points-engine/errors"
	"github.com/Digital-Creators-Team/points-engine/middleware"
	"github.com/Digital-Creators-Team/points-engine/types"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// CompletionHandler accepts survey completions from the survey service.
type CompletionHandler struct {
	processor CompletionProcessor
	logger    zerolog.Logger
}

// NewCompletionHandler creates a completion handler
func NewCompletionHandler(app *App, processor CompletionProcessor) *CompletionHandler {
	return &CompletionHandler{
		processor: processor,
		logger:    app.logger.With().Str("handler", "completion").Logger(),
	}
}

// Process handles POST /api/completions.
//
// A completion already finalized answers 409 with error code 1003 and the
// stored result under data, so a retrying caller can read what was credited.
func (h *CompletionHandler) Process(c *gin.Context) {
	var req completion.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, err)
		return
	}

	result, err := h.processor.ProcessCompletion(c.Request.Context(), req)
	if err != nil {
		if errors.Is(err, errors.ErrDuplicateCompletion) && result != nil {
			c.JSON(http.StatusConflict, ConflictResponse[*completion.Result]{
				ErrorResponse: types.NewErrorResponse(http.StatusConflict, c.Request.URL.Path,
					"completion already processed", errors.ErrDuplicateCompletion),
				Data: result,
			})
			return
		}
		reqLogger := middleware.GetLogger(c, h.logger)
		reqLogger.Warn().Err(err).
			Str("account_id", req.AccountID).
			Str("survey_id", req.SurveyID).
			Msg("Completion failed")
		HandleAppError(c, err)
		return
	}

	OK(c, result)
}
