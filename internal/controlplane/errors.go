package controlplane

import (
	"errors"
	"net/http"
	"time"

	"github.com/artemis/pullhub/internal/endpoint"
	"github.com/artemis/pullhub/internal/transfer"
	"github.com/gin-gonic/gin"
)

// errorBody is the structured error shape every non-2xx response uses.
type errorBody struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Timestamp time.Time      `json:"timestamp"`
	Details   map[string]any `json:"details,omitempty"`
}

func writeError(c *gin.Context, status int, code, message string) {
	c.JSON(status, gin.H{
		"success": false,
		"error": errorBody{
			Code:      code,
			Message:   message,
			Timestamp: time.Now().UTC(),
		},
	})
}

// statusForTransferError maps a *transfer.Error's kind/code onto the
// HTTP status §6.2 documents for that code.
func statusForTransferError(err error) (int, string, string) {
	var te *transfer.Error
	if errors.As(err, &te) {
		switch te.Code {
		case transfer.CodeNotFound:
			return http.StatusNotFound, transfer.CodeNotFound, te.Message
		case transfer.CodeDownloadInProgress:
			return http.StatusConflict, transfer.CodeDownloadInProgress, te.Message
		default:
			switch te.Kind {
			case transfer.KindConflict:
				return http.StatusConflict, te.Code, te.Message
			case transfer.KindValidation:
				return http.StatusBadRequest, te.Code, te.Message
			default:
				return http.StatusInternalServerError, transfer.CodeInternalError, te.Message
			}
		}
	}

	var enf *endpoint.ErrNotFound
	if errors.As(err, &enf) {
		return http.StatusNotFound, transfer.CodeClientNotFound, enf.Error()
	}

	return http.StatusInternalServerError, transfer.CodeInternalError, err.Error()
}
