package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"

	"github.com/scrypster/entityres/pkg/types"
)

// errorResponse is the body of every non-2xx response.
type errorResponse struct {
	Error   string            `json:"error"`
	Code    string            `json:"code"`
	Details map[string]string `json:"details,omitempty"`
}

var errorCodes = []struct {
	err    error
	status int
	code   string
}{
	{types.ErrEmptyQuery, http.StatusBadRequest, "EMPTY_QUERY"},
	{types.ErrInvalidEntityType, http.StatusBadRequest, "INVALID_ENTITY_TYPE"},
	{types.ErrInvalidChoice, http.StatusBadRequest, "INVALID_CHOICE"},
	{types.ErrInvalidFeedback, http.StatusBadRequest, "INVALID_FEEDBACK"},
	{types.ErrUnknownSignal, http.StatusBadRequest, "UNKNOWN_SIGNAL"},
	{types.ErrInvalidInput, http.StatusBadRequest, "INVALID_INPUT"},
	{types.ErrEntityNotFound, http.StatusNotFound, "ENTITY_NOT_FOUND"},
	{types.ErrEventNotFound, http.StatusNotFound, "EVENT_NOT_FOUND"},
	{types.ErrSessionNotFound, http.StatusNotFound, "SESSION_NOT_FOUND"},
	{types.ErrSessionAlreadyTerminal, http.StatusConflict, "SESSION_TERMINAL"},
	{types.ErrDuplicateSourceBinding, http.StatusConflict, "DUPLICATE_SOURCE_BINDING"},
	{types.ErrConcurrentModification, http.StatusConflict, "CONCURRENT_MODIFICATION"},
	{types.ErrStorageUnavailable, http.StatusServiceUnavailable, "STORAGE_UNAVAILABLE"},
}

// statusFor maps a domain error to an HTTP status and error code.
func statusFor(err error) (int, string) {
	for _, ec := range errorCodes {
		if errors.Is(err, ec.err) {
			return ec.status, ec.code
		}
	}
	return http.StatusInternalServerError, "INTERNAL"
}

func (s *Server) fail(c *gin.Context, err error) {
	status, code := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		s.log.WithError(err).WithField("path", c.Request.URL.Path).Error("unhandled error")
		msg = "internal error"
	}
	c.AbortWithStatusJSON(status, errorResponse{Error: msg, Code: code})
}

// bindFailed reports a request body that did not decode or validate. Any
// failure other than validation is a malformed body.
func (s *Server) bindFailed(c *gin.Context, err error) {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		details := make(map[string]string, len(verrs))
		for _, fe := range verrs {
			details[fe.Field()] = fe.Tag()
		}
		c.AbortWithStatusJSON(http.StatusBadRequest, errorResponse{Error: "validation failed", Code: "VALIDATION_FAILED", Details: details})
		return
	}
	c.AbortWithStatusJSON(http.StatusBadRequest, errorResponse{Error: err.Error(), Code: "INVALID_JSON"})
}
