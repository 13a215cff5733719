package gateway

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/terminal-bench/settlegate/internal/apperror"
)

func statusFor(kind apperror.Kind) int {
	switch kind {
	case apperror.KindNotFound:
		return http.StatusNotFound
	case apperror.KindValidation:
		return http.StatusBadRequest
	case apperror.KindForbidden:
		return http.StatusForbidden
	case apperror.KindInvalidTransition:
		return http.StatusConflict
	case apperror.KindRoutingFailure:
		return http.StatusAccepted
	case apperror.KindNoEligibleCandidate, apperror.KindConcurrentCapacityViolation:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// errorBody never exposes the wrapped cause of an error
func errorBody(err error) gin.H {
	var appErr *apperror.Error
	if errors.As(err, &appErr) {
		return gin.H{"error": appErr.Message, "code": appErr.Code}
	}
	return gin.H{"error": "internal error", "code": string(apperror.KindInternal)}
}

func (g *Gateway) writeError(c *gin.Context, err error) {
	kind := apperror.KindOf(err)
	if kind == apperror.KindInternal {
		g.log.WithError(err).WithField("correlation_id", c.GetString(ctxCorrelationID)).Error("request failed")
	}
	c.JSON(statusFor(kind), errorBody(err))
}
