package gateway

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/fyp/fyp/internal/command"
	"github.com/fyp/fyp/internal/orchestration"
)

func (g *Gateway) handleOrchestrationCreate(c *gin.Context) {
	var req orchestration.CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid orchestration request: "+err.Error())
		return
	}
	o, err := g.orchestrations.Create(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"ok": true, "orchestration": o})
}

func (g *Gateway) handleOrchestrationList(c *gin.Context) {
	list, err := g.orchestrations.List(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "orchestrations": list})
}

func (g *Gateway) handleOrchestrationGet(c *gin.Context) {
	o, err := g.orchestrations.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "orchestration": o})
}

func (g *Gateway) handleOrchestrationProgress(c *gin.Context) {
	workers, err := g.orchestrations.Progress(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "workers": workers})
}

// dispatchBody accepts the loose field aliases the UI sends.
type dispatchBody struct {
	Text             string `json:"text"`
	Prompt           string `json:"prompt"`
	Task             string `json:"task"`
	Target           string `json:"target"`
	Interrupt        bool   `json:"interrupt"`
	ForceInterrupt   bool   `json:"forceInterrupt"`
	Initialize       *bool  `json:"initialize"`
	Init             *bool  `json:"init"`
	IncludeBootstrap *bool  `json:"includeBootstrap"`
}

func (b *dispatchBody) text() string {
	if b.Text != "" {
		return b.Text
	}
	if b.Task != "" {
		return b.Task
	}
	return b.Prompt
}

func (b *dispatchBody) initialize() bool {
	for _, v := range []*bool{b.Initialize, b.Init, b.IncludeBootstrap} {
		if v != nil {
			return *v
		}
	}
	return false
}

func (g *Gateway) handleOrchestrationDispatch(c *gin.Context) {
	var body dispatchBody
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, "invalid dispatch request: "+err.Error())
		return
	}
	res, err := g.orchestrations.Dispatch(c.Request.Context(), c.Param("id"), orchestration.DispatchRequest{
		Text:           body.text(),
		Target:         body.Target,
		Interrupt:      body.Interrupt,
		ForceInterrupt: body.ForceInterrupt,
		Source:         "api.dispatch",
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "result": res})
}

func (g *Gateway) handleOrchestrationSendTask(c *gin.Context) {
	var body dispatchBody
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, "invalid send-task request: "+err.Error())
		return
	}
	res, err := g.orchestrations.Dispatch(c.Request.Context(), c.Param("id"), orchestration.DispatchRequest{
		Text:                      body.text(),
		Target:                    body.Target,
		Interrupt:                 body.Interrupt,
		ForceInterrupt:            body.ForceInterrupt,
		IncludeBootstrapIfPresent: body.initialize(),
		Source:                    "api.send_task",
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "result": res})
}

func (g *Gateway) handleCommandExecute(c *gin.Context) {
	var req command.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid command request: "+err.Error())
		return
	}
	req.OrchestrationID = c.Param("id")
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = c.GetHeader("Idempotency-Key")
	}
	res, err := g.commands.Execute(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "result": res})
}

func (g *Gateway) handleOrchestrationSync(c *gin.Context) {
	var body struct {
		Force                 bool  `json:"force"`
		DeliverToOrchestrator *bool `json:"deliverToOrchestrator"`
	}
	_ = c.ShouldBindJSON(&body)
	res, err := g.orchestrations.RunSync(c.Request.Context(), c.Param("id"), orchestration.SyncRequest{
		Trigger:               "manual",
		Force:                 body.Force,
		DeliverToOrchestrator: body.DeliverToOrchestrator,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "result": res})
}

func (g *Gateway) handleSyncPolicy(c *gin.Context) {
	var policy orchestration.SyncPolicy
	if err := c.ShouldBindJSON(&policy); err != nil {
		badRequest(c, "invalid sync policy: "+err.Error())
		return
	}
	o, err := g.orchestrations.SetSyncPolicy(c.Request.Context(), c.Param("id"),
		policy, c.Query("runNow") == "true")
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "orchestration": o})
}

func (g *Gateway) handleAutomationPolicy(c *gin.Context) {
	var policy orchestration.AutomationPolicy
	if err := c.ShouldBindJSON(&policy); err != nil {
		badRequest(c, "invalid automation policy: "+err.Error())
		return
	}
	o, err := g.orchestrations.SetAutomationPolicy(c.Request.Context(), c.Param("id"),
		policy, c.Query("runNow") == "true")
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "orchestration": o})
}

func (g *Gateway) handleOrchestrationCleanup(c *gin.Context) {
	var req orchestration.CleanupRequest
	_ = c.ShouldBindJSON(&req)
	o, err := g.orchestrations.Cleanup(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "orchestration": o, "removed": o == nil})
}
