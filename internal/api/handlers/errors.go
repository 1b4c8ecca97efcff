package handlers

import (
	"net/http"

	"example.com/backstage/services/stocksync/internal/models"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// ErrorResponse defines the structure of an error response
type ErrorResponse struct {
	Message string                  `json:"message"`
	Code    string                  `json:"code,omitempty"`
	Result  *models.OperationResult `json:"result,omitempty"`
}

var errorStatuses = []struct {
	target error
	status int
	code   string
}{
	{models.ErrInvalidArgument, http.StatusBadRequest, "INVALID_ARGUMENT"},
	{models.ErrNotFound, http.StatusNotFound, "NOT_FOUND"},
	{models.ErrInsufficientStock, http.StatusUnprocessableEntity, "INSUFFICIENT_STOCK"},
	{models.ErrInsufficientReserved, http.StatusUnprocessableEntity, "INSUFFICIENT_RESERVED"},
	{models.ErrConcurrentModification, http.StatusConflict, "CONCURRENT_MODIFICATION"},
	{models.ErrPublishFailure, http.StatusInternalServerError, "PUBLISH_FAILURE"},
	{models.ErrRetryExhausted, http.StatusInternalServerError, "RETRY_EXHAUSTED"},
}

// StatusFor maps an error from the stock domain to an HTTP status and error code
func StatusFor(err error) (int, string) {
	for _, e := range errorStatuses {
		if errors.Is(err, e.target) {
			return e.status, e.code
		}
	}
	return http.StatusInternalServerError, "INTERNAL_ERROR"
}

// writeError writes err as an ErrorResponse. result, when present, carries the
// quantities the caller saw when a stock rule was violated.
func writeError(c *gin.Context, err error, result *models.OperationResult) {
	status, code := StatusFor(err)

	message := err.Error()
	if status == http.StatusInternalServerError {
		log.Error().Err(err).Str("path", c.FullPath()).Msg("Unhandled error")
		message = "Internal server error"
	}

	c.JSON(status, ErrorResponse{
		Message: message,
		Code:    code,
		Result:  result,
	})
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, ErrorResponse{
		Message: err.Error(),
		Code:    "INVALID_ARGUMENT",
	})
}
