package api

import (
	"net/http"

	"agentflow/blueprint"

	"github.com/gin-gonic/gin"
)

// DefinitionRequest carries a blueprint as either YAML or JSON text.
type DefinitionRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Blueprint   string `json:"blueprint" binding:"required"`
}

type PublishRequest struct {
	ChangeNotes string `json:"changeNotes"`
	PublishedBy string `json:"publishedBy"`
}

func (ctrl *Controller) CreateDefinitionHandler(c *gin.Context) {
	var req DefinitionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	def, err := ctrl.definitions.CreateDraft(c.Request.Context(), blueprint.DraftRequest{
		Name:        req.Name,
		Description: req.Description,
		Blueprint:   []byte(req.Blueprint),
	})
	if err != nil {
		ctrl.ErrorHandler(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"definition": def})
}

func (ctrl *Controller) GetDefinitionHandler(c *gin.Context) {
	def, err := ctrl.definitions.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		ctrl.ErrorHandler(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"definition": def})
}

func (ctrl *Controller) UpdateDefinitionHandler(c *gin.Context) {
	var req DefinitionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	def, err := ctrl.definitions.UpdateDraft(c.Request.Context(), c.Param("id"), blueprint.DraftRequest{
		Name:        req.Name,
		Description: req.Description,
		Blueprint:   []byte(req.Blueprint),
	})
	if err != nil {
		ctrl.ErrorHandler(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"definition": def})
}

func (ctrl *Controller) PublishDefinitionHandler(c *gin.Context) {
	var req PublishRequest
	// the body is optional
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	def, err := ctrl.definitions.Publish(c.Request.Context(), c.Param("id"), req.ChangeNotes, req.PublishedBy)
	if err != nil {
		ctrl.ErrorHandler(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"definition": def})
}

func (ctrl *Controller) ArchiveDefinitionHandler(c *gin.Context) {
	def, err := ctrl.definitions.Archive(c.Request.Context(), c.Param("id"))
	if err != nil {
		ctrl.ErrorHandler(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"definition": def})
}

func (ctrl *Controller) GetDefinitionVersionsHandler(c *gin.Context) {
	versions, err := ctrl.definitions.Versions(c.Request.Context(), c.Param("name"))
	if err != nil {
		ctrl.ErrorHandler(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"definitions": versions})
}
