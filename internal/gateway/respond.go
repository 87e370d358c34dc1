package gateway

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/fyp/fyp/internal/common/apperr"
	"github.com/fyp/fyp/internal/inbox"
)

// respondError maps domain errors onto HTTP statuses, keeping the stable code
// and reason in the body.
func respondError(c *gin.Context, err error) {
	var ae *apperr.Error
	if errors.As(err, &ae) {
		body := gin.H{
			"ok":    false,
			"code":  string(ae.Code),
			"error": ae.Message,
		}
		if ae.Reason != "" {
			body["reason"] = ae.Reason
		}
		c.JSON(apperr.HTTPStatus(ae.Code), body)
		return
	}
	if errors.Is(err, inbox.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"ok": false, "code": "not_found", "error": err.Error()})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"ok": false, "error": err.Error()})
}

func badRequest(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, gin.H{"ok": false, "code": "bad_request", "error": message})
}
