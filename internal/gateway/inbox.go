package gateway

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/fyp/fyp/internal/inbox"
)

func (g *Gateway) handleInboxList(c *gin.Context) {
	filter := inbox.ListFilter{
		SessionID: c.Query("sessionId"),
		Limit:     intQuery(c, "limit"),
	}

	// workspaceKey/cwd filters resolve to session id sets.
	workspaceKey := c.Query("workspaceKey")
	cwd := c.Query("cwd")
	if filter.SessionID == "" && (workspaceKey != "" || cwd != "") {
		infos, err := g.sessions.List(c.Request.Context())
		if err != nil {
			respondError(c, err)
			return
		}
		ids := make([]string, 0, len(infos))
		for _, info := range infos {
			if workspaceKey != "" && info.WorkspaceKey != workspaceKey {
				continue
			}
			if cwd != "" && info.Cwd != cwd {
				continue
			}
			ids = append(ids, info.ID)
		}
		if len(ids) == 0 {
			c.JSON(http.StatusOK, gin.H{"ok": true, "items": []*inbox.Item{}})
			return
		}
		filter.SessionIDs = ids
	}

	items, err := g.inbox.List(c.Request.Context(), filter)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "items": items})
}

func (g *Gateway) handleInboxRespond(c *gin.Context) {
	id, ok := inboxID(c)
	if !ok {
		return
	}
	var body struct {
		OptionID string         `json:"optionId"`
		Source   string         `json:"source"`
		Meta     map[string]any `json:"meta"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || body.OptionID == "" {
		badRequest(c, "optionId is required")
		return
	}
	if body.Source == "" {
		body.Source = "api"
	}
	status, err := g.inbox.Respond(c.Request.Context(), id, body.OptionID, body.Source, body.Meta)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "status": status})
}

func (g *Gateway) handleInboxDismiss(c *gin.Context) {
	id, ok := inboxID(c)
	if !ok {
		return
	}
	var body struct {
		Source string         `json:"source"`
		Meta   map[string]any `json:"meta"`
	}
	_ = c.ShouldBindJSON(&body)
	if body.Source == "" {
		body.Source = "api"
	}
	status, err := g.inbox.Dismiss(c.Request.Context(), id, body.Source, body.Meta)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "status": status})
}

func inboxID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		badRequest(c, "invalid attention item id")
		return 0, false
	}
	return id, true
}
