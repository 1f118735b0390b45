package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/megamelange/melange-backend/internal/apperr"
)

type APIError struct {
	Message    string `json:"message"`
	Code       string `json:"code,omitempty"`
	Category   string `json:"category,omitempty"`
	Suggestion string `json:"suggestion,omitempty"`
	RetryAfter int    `json:"retry_after_seconds,omitempty"`
}

type ErrorEnvelope struct {
	Error APIError `json:"error"`
}

// RespondError maps any error through the apperr category → status table
// and emits the uniform envelope.
func RespondError(c *gin.Context, err error) {
	ae := apperr.As(err)
	c.JSON(ae.HTTPStatus(), ErrorEnvelope{
		Error: APIError{
			Message:    ae.Message,
			Code:       ae.Code,
			Category:   string(ae.Category),
			Suggestion: ae.Suggestion,
			RetryAfter: ae.RetryAfter,
		},
	})
}

func RespondOK(c *gin.Context, payload any) {
	c.JSON(http.StatusOK, payload)
}
