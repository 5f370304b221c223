package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/toolgate/toolgate/internal/errs"
)

// statusForError maps the gateway error taxonomy onto HTTP statuses:
// client mistakes are 400, a known-but-down backend is 503, a deadline is
// 504, and a failing backend is 502.
func statusForError(err error) int {
	switch errs.KindOf(err) {
	case errs.KindUnknownTool, errs.KindNotProvisioned, errs.KindBudgetExceeded,
		errs.KindConfig, errs.KindDiscovery:
		return http.StatusBadRequest
	case errs.KindNotConnected:
		return http.StatusServiceUnavailable
	case errs.KindTimeout:
		return http.StatusGatewayTimeout
	case errs.KindCancelled:
		return http.StatusServiceUnavailable
	default: // transport, protocol, tool
		return http.StatusBadGateway
	}
}

// respondError writes the error as {"detail": ...} with the mapped status.
func respondError(c *gin.Context, err error) {
	c.JSON(statusForError(err), gin.H{"detail": errs.Detail(err)})
}
