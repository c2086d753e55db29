package server

import (
	"context"
	stderrors "errors"
	"net/http"

	"github.com/Digital-Creators-Team/points-engine/errors"
	"github.com/Digital-Creators-Team/points-engine/types"
	"github.com/gin-gonic/gin"
)

const ErrUndefinedErrorCode = -99

// ErrorDetail is an alias for types.ErrorDetail
type ErrorDetail = types.ErrorDetail

// ErrorResponse is an alias for types.ErrorResponse
type ErrorResponse = types.ErrorResponse

// SuccessResponse is a type alias for types.SuccessResponse[T]
type SuccessResponse[T any] = types.SuccessResponse[T]

// ConflictResponse is an error envelope that also carries the stored result,
// used when a request repeats one that has already been applied.
type ConflictResponse[T any] struct {
	ErrorResponse
	Data T `json:"data"`
}

// Success sends a success response
func Success(c *gin.Context, statusCode int, data interface{}) {
	c.JSON(statusCode, types.SuccessResponse[interface{}]{
		StatusCode: statusCode,
		IsSuccess:  true,
		Data:       data,
	})
}

// OK sends a 200 OK response
func OK(c *gin.Context, data interface{}) {
	Success(c, http.StatusOK, data)
}

// Created sends a 201 Created response
func Created(c *gin.Context, data interface{}) {
	Success(c, http.StatusCreated, data)
}

// Error sends an error response
func Error(c *gin.Context, statusCode int, err error) {
	errorMsg := err.Error()
	errCode := ErrUndefinedErrorCode
	if appErr, ok := errors.AsAppError(err); ok {
		errorMsg = appErr.Message
		errCode = appErr.Code
	}
	c.JSON(statusCode, types.NewErrorResponse(statusCode, c.Request.URL.Path, errorMsg, errCode))
}

// ErrorWithMessage sends an error response with a custom message
func ErrorWithMessage(c *gin.Context, statusCode int, message string) {
	c.JSON(statusCode, types.NewErrorResponse(statusCode, c.Request.URL.Path, message, ErrUndefinedErrorCode))
}

// BadRequest sends a 400 Bad Request response
func BadRequest(c *gin.Context, err error) {
	Error(c, http.StatusBadRequest, errors.Wrap(err, errors.ErrInvalidRequest, "invalid request: "+err.Error()))
}

// HandleAppError maps err to its HTTP status and sends the error envelope.
// Errors that are not AppErrors are logged by the caller and reported as 500
// without leaking their text.
func HandleAppError(c *gin.Context, err error) {
	if appErr, ok := errors.AsAppError(err); ok {
		Error(c, errors.HTTPStatusFromCode(appErr.Code), appErr)
		return
	}
	switch {
	case stderrors.Is(err, context.DeadlineExceeded):
		Error(c, http.StatusRequestTimeout, errors.New(errors.ErrUnavailable, "request timeout"))
	case stderrors.Is(err, context.Canceled):
		Error(c, http.StatusServiceUnavailable, errors.New(errors.ErrUnavailable, "request cancelled"))
	default:
		_ = c.Error(err)
		Error(c, http.StatusInternalServerError, errors.New(errors.ErrInternalServerError, "Internal server error"))
	}
}
