package api

import (
	"errors"
	"net/http"

	"github.com/apptrail-sh/orchestrator/internal/model"
	"github.com/gin-gonic/gin"
)

// ApiError is the JSON body of every failed request.
type ApiError struct {
	ErrorCode    string `json:"errorCode"`
	ErrorMessage string `json:"errorMessage"`
}

var errBadRequest = errors.New("bad request")

// statusOf maps domain errors to HTTP status codes.
func statusOf(err error) (int, string) {
	switch {
	case errors.Is(err, model.ErrConfigNotFound),
		errors.Is(err, model.ErrDeploymentNotFound),
		errors.Is(err, model.ErrFlagNotFound):
		return http.StatusNotFound, "NotFound"
	case errors.Is(err, model.ErrInvalidConfig),
		errors.Is(err, model.ErrInvalidStrategyParameters),
		errors.Is(err, errBadRequest):
		return http.StatusBadRequest, "BadRequest"
	case errors.Is(err, model.ErrAlreadyExists):
		return http.StatusConflict, "AlreadyExists"
	case errors.Is(err, model.ErrInvalidState):
		return http.StatusConflict, "InvalidState"
	default:
		return http.StatusInternalServerError, "InternalError"
	}
}

func abortWithApiError(c *gin.Context, err error) {
	code, reason := statusOf(err)
	_ = c.Error(err)
	c.AbortWithStatusJSON(code, ApiError{ErrorCode: reason, ErrorMessage: err.Error()})
}
