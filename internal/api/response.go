package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

type APIError struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Retryable bool           `json:"retryable"`
	Details   map[string]any `json:"details,omitempty"`
}

// Every response body is one of these two envelopes.
type dataEnvelope struct {
	Data    any    `json:"data"`
	TraceID string `json:"trace_id"`
}

type errorEnvelope struct {
	Error   APIError `json:"error"`
	TraceID string   `json:"trace_id"`
}

func writeData(c *gin.Context, status int, data any) {
	c.JSON(status, dataEnvelope{
		Data:    data,
		TraceID: traceIDFromContext(c),
	})
}

func writeError(c *gin.Context, status int, code, message string, retryable bool, details map[string]any) {
	c.JSON(status, errorEnvelope{
		Error: APIError{
			Code:      code,
			Message:   message,
			Retryable: retryable,
			Details:   details,
		},
		TraceID: traceIDFromContext(c),
	})
}

func writeUnauthorized(c *gin.Context) {
	writeError(c, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", false, nil)
}
