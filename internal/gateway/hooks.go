package gateway

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// handlePermissionRequest creates or refreshes an attention item for an agent
// permission prompt relayed by the external hook bridge.
func (g *Gateway) handlePermissionRequest(c *gin.Context) {
	var body struct {
		SessionID string         `json:"sessionId"`
		Payload   map[string]any `json:"payload"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || body.SessionID == "" {
		badRequest(c, "sessionId is required")
		return
	}
	if !g.auth.hookAuthorized(c, body.SessionID) {
		c.JSON(http.StatusUnauthorized, gin.H{"ok": false, "code": "unauthorized", "error": "missing or invalid hook credentials"})
		return
	}
	signature, attentionID, err := g.inbox.CreatePermissionRequest(c.Request.Context(), body.SessionID, body.Payload)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"ok":          true,
		"signature":   signature,
		"attentionId": attentionID,
	})
}

// handlePermissionDecision is polled by the hook bridge until a decision is
// posted or the bridge times out. Delivered decisions are garbage collected
// shortly after the first poll that sees them.
func (g *Gateway) handlePermissionDecision(c *gin.Context) {
	sessionID := c.Query("sessionId")
	signature := c.Query("signature")
	if sessionID == "" || signature == "" {
		badRequest(c, "sessionId and signature are required")
		return
	}
	if !g.auth.hookAuthorized(c, sessionID) {
		c.JSON(http.StatusUnauthorized, gin.H{"ok": false, "code": "unauthorized", "error": "missing or invalid hook credentials"})
		return
	}
	decision := g.inbox.Decisions().Poll(c.Request.Context(), sessionID, signature)
	c.JSON(http.StatusOK, gin.H{"ok": true, "decision": decision})
}
