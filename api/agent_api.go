package api

import (
	"net/http"

	"agentflow/blueprint"
	"agentflow/domain"

	"github.com/gin-gonic/gin"
)

type AgentVersionRequest struct {
	AgentId        string                `json:"agentId" binding:"required"`
	DisplayName    string                `json:"displayName"`
	Description    string                `json:"description"`
	ProviderId     string                `json:"providerId"`
	ModelId        string                `json:"modelId" binding:"required"`
	Tokenizer      string                `json:"tokenizer"`
	SystemPrompt   string                `json:"systemPrompt"`
	DefaultOptions *domain.ChatOverrides `json:"defaultOptions"`
	Pricing        *domain.Pricing       `json:"pricing"`
}

func (ctrl *Controller) CreateAgentVersionHandler(c *gin.Context) {
	var req AgentVersionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	version, err := ctrl.catalog.CreateVersion(c.Request.Context(), blueprint.AgentVersionRequest{
		AgentId:        req.AgentId,
		DisplayName:    req.DisplayName,
		Description:    req.Description,
		ProviderId:     req.ProviderId,
		ModelId:        req.ModelId,
		Tokenizer:      req.Tokenizer,
		SystemPrompt:   req.SystemPrompt,
		DefaultOptions: req.DefaultOptions,
		Pricing:        req.Pricing,
	})
	if err != nil {
		ctrl.ErrorHandler(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"agentVersion": version})
}

func (ctrl *Controller) GetAgentsHandler(c *gin.Context) {
	agents, err := ctrl.catalog.Agents(c.Request.Context())
	if err != nil {
		ctrl.ErrorHandler(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"agents": agents})
}

func (ctrl *Controller) GetAgentVersionsHandler(c *gin.Context) {
	versions, err := ctrl.catalog.Versions(c.Request.Context(), c.Param("agentId"))
	if err != nil {
		ctrl.ErrorHandler(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"agentVersions": versions})
}

func (ctrl *Controller) GetAgentVersionHandler(c *gin.Context) {
	version, err := ctrl.catalog.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		ctrl.ErrorHandler(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"agentVersion": version})
}

func (ctrl *Controller) PublishAgentVersionHandler(c *gin.Context) {
	version, err := ctrl.catalog.Publish(c.Request.Context(), c.Param("id"))
	if err != nil {
		ctrl.ErrorHandler(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"agentVersion": version})
}

func (ctrl *Controller) PreviewDefinitionHandler(c *gin.Context) {
	preview, err := ctrl.orchestrator.Preview(c.Request.Context(), c.Param("id"))
	if err != nil {
		ctrl.ErrorHandler(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"preview": preview})
}
