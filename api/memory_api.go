package api

import (
	"net/http"
	"strconv"

	"agentflow/domain"

	"github.com/gin-gonic/gin"
)

func (ctrl *Controller) GetMemoryHistoryHandler(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer"})
			return
		}
		limit = parsed
	}
	ctx := c.Request.Context()
	sessionId := c.Param("id")
	if _, err := ctrl.service.GetFlowSession(ctx, sessionId); err != nil {
		ctrl.ErrorHandler(c, err)
		return
	}
	history, err := ctrl.memory.History(ctx, sessionId, c.Param("channel"), limit)
	if err != nil {
		ctrl.ErrorHandler(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"history": history})
}

// SummarizeMemoryHandler rebuilds the channel summary right away.
func (ctrl *Controller) SummarizeMemoryHandler(c *gin.Context) {
	if ctrl.summarizer == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "summarizer is not configured"})
		return
	}
	ctx := c.Request.Context()
	sessionId := c.Param("id")
	if _, err := ctrl.service.GetFlowSession(ctx, sessionId); err != nil {
		ctrl.ErrorHandler(c, err)
		return
	}
	if err := ctrl.summarizer.ForceSummarize(ctx, sessionId, c.Param("channel"), domain.AgentRef{}); err != nil {
		ctrl.ErrorHandler(c, err)
		return
	}
	history, err := ctrl.memory.History(ctx, sessionId, c.Param("channel"), 0)
	if err != nil {
		ctrl.ErrorHandler(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"history": history})
}
