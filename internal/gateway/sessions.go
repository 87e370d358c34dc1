package gateway

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/fyp/fyp/internal/session"
)

func (g *Gateway) handleSessionCreate(c *gin.Context) {
	var req session.CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid session request: "+err.Error())
		return
	}
	info, err := g.sessions.Create(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}
	hookKey := g.auth.registerHookKey(info.ID)
	c.JSON(http.StatusCreated, gin.H{
		"ok":      true,
		"id":      info.ID,
		"taskId":  info.TaskID,
		"hookKey": hookKey,
		"session": info,
	})
}

func (g *Gateway) handleSessionList(c *gin.Context) {
	infos, err := g.sessions.List(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "sessions": infos})
}

func (g *Gateway) handleSessionGet(c *gin.Context) {
	info, err := g.sessions.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "session": info})
}

func (g *Gateway) handleSessionDelete(c *gin.Context) {
	id := c.Param("id")
	force := c.Query("force") == "true"
	if err := g.sessions.Delete(c.Request.Context(), id, force); err != nil {
		respondError(c, err)
		return
	}
	g.auth.dropHookKey(id)
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (g *Gateway) handleSessionInput(c *gin.Context) {
	var body struct {
		Text string `json:"text"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || body.Text == "" {
		badRequest(c, "text is required")
		return
	}
	seq, err := g.sessions.Input(c.Request.Context(), c.Param("id"), body.Text)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"ok":    true,
		"event": gin.H{"id": seq, "kind": "input"},
	})
}

func (g *Gateway) handleSessionRestart(c *gin.Context) {
	info, err := g.sessions.Restart(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "session": info})
}

func (g *Gateway) handleSessionInterrupt(c *gin.Context) {
	if err := g.sessions.Interrupt(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (g *Gateway) handleSessionStop(c *gin.Context) {
	if err := g.sessions.Stop(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (g *Gateway) handleSessionKill(c *gin.Context) {
	if err := g.sessions.Kill(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (g *Gateway) handleSessionResize(c *gin.Context) {
	var body struct {
		Cols int `json:"cols"`
		Rows int `json:"rows"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, "cols and rows are required")
		return
	}
	if body.Cols < session.MinCols || body.Cols > session.MaxCols ||
		body.Rows < session.MinRows || body.Rows > session.MaxRows {
		c.JSON(http.StatusBadRequest, gin.H{
			"ok":    false,
			"code":  "bad_size",
			"error": "cols/rows out of range",
		})
		return
	}
	if err := g.sessions.Resize(c.Param("id"), body.Cols, body.Rows); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (g *Gateway) handleSessionTranscript(c *gin.Context) {
	items, next, err := g.transcripts.Transcript(c.Request.Context(),
		c.Param("id"), intQuery(c, "limit"), c.Query("cursor"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "items": items, "nextCursor": next})
}

func (g *Gateway) handleSessionEvents(c *gin.Context) {
	items, next, err := g.transcripts.Events(c.Request.Context(),
		c.Param("id"), intQuery(c, "limit"), c.Query("cursor"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "items": items, "nextCursor": next})
}

func intQuery(c *gin.Context, name string) int {
	v, err := strconv.Atoi(c.Query(name))
	if err != nil {
		return 0
	}
	return v
}
