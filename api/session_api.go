package api

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"agentflow/domain"
	"agentflow/orchestrator"

	"github.com/gin-gonic/gin"
)

const (
	defaultPollTimeout = 25 * time.Second
	maxPollTimeout     = 60 * time.Second
	defaultEventLimit  = 200
)

type StartSessionRequest struct {
	DefinitionName   string                `json:"definitionName"`
	DefinitionId     string                `json:"definitionId"`
	Input            domain.Document       `json:"input"`
	LaunchParameters domain.Document       `json:"launchParameters"`
	Overrides        *domain.ChatOverrides `json:"overrides"`
}

type CancelSessionRequest struct {
	Reason string `json:"reason"`
}

func (ctrl *Controller) StartSessionHandler(c *gin.Context) {
	var req StartSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	session, err := ctrl.orchestrator.Start(c.Request.Context(), orchestrator.StartRequest{
		DefinitionName:   req.DefinitionName,
		DefinitionId:     req.DefinitionId,
		Input:            req.Input,
		LaunchParameters: req.LaunchParameters,
		Overrides:        req.Overrides,
	})
	if err != nil {
		ctrl.ErrorHandler(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"session": session})
}

func (ctrl *Controller) GetSessionHandler(c *gin.Context) {
	snapshot, err := ctrl.orchestrator.Snapshot(c.Request.Context(), c.Param("id"))
	if err != nil {
		ctrl.ErrorHandler(c, err)
		return
	}
	c.JSON(http.StatusOK, snapshot)
}

// PollSessionHandler long-polls for changes past sinceEventId and
// stateVersion, waiting at most timeoutMs.
func (ctrl *Controller) PollSessionHandler(c *gin.Context) {
	sinceEventId, err := int64Query(c, "sinceEventId", 0)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	stateVersion, err := int64Query(c, "stateVersion", 0)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	timeoutMs, err := int64Query(c, "timeoutMs", defaultPollTimeout.Milliseconds())
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	timeout := min(time.Duration(timeoutMs)*time.Millisecond, maxPollTimeout)

	result, err := ctrl.orchestrator.PollSession(c.Request.Context(), c.Param("id"), sinceEventId, stateVersion, timeout)
	if err != nil {
		ctrl.ErrorHandler(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (ctrl *Controller) GetSessionEventsHandler(c *gin.Context) {
	ctx := c.Request.Context()
	sessionId := c.Param("id")
	afterId, err := int64Query(c, "afterId", 0)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	limit, err := int64Query(c, "limit", defaultEventLimit)
	if err != nil || limit <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
		return
	}
	if _, err := ctrl.service.GetFlowSession(ctx, sessionId); err != nil {
		ctrl.ErrorHandler(c, err)
		return
	}
	events, err := ctrl.service.GetFlowEvents(ctx, sessionId, afterId, int(limit))
	if err != nil {
		ctrl.ErrorHandler(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

func (ctrl *Controller) PauseSessionHandler(c *gin.Context) {
	session, err := ctrl.orchestrator.Pause(c.Request.Context(), c.Param("id"))
	if err != nil {
		ctrl.ErrorHandler(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": session})
}

func (ctrl *Controller) ResumeSessionHandler(c *gin.Context) {
	session, err := ctrl.orchestrator.Resume(c.Request.Context(), c.Param("id"))
	if err != nil {
		ctrl.ErrorHandler(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": session})
}

func (ctrl *Controller) CancelSessionHandler(c *gin.Context) {
	var req CancelSessionRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	session, err := ctrl.orchestrator.Cancel(c.Request.Context(), c.Param("id"), req.Reason)
	if err != nil {
		ctrl.ErrorHandler(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": session})
}

func (ctrl *Controller) RetryStepHandler(c *gin.Context) {
	execution, err := ctrl.orchestrator.RetryStep(c.Request.Context(), c.Param("id"))
	if err != nil {
		ctrl.ErrorHandler(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"step": execution})
}

func (ctrl *Controller) SkipStepHandler(c *gin.Context) {
	session, err := ctrl.orchestrator.SkipStep(c.Request.Context(), c.Param("id"))
	if err != nil {
		ctrl.ErrorHandler(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": session})
}

func int64Query(c *gin.Context, key string, fallback int64) (int64, error) {
	raw := c.Query(key)
	if raw == "" {
		return fallback, nil
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %q", key, raw)
	}
	return value, nil
}
