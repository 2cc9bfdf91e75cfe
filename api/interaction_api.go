package api

import (
	"net/http"

	"agentflow/domain"
	"agentflow/interaction"

	"github.com/gin-gonic/gin"
)

type RespondRequest struct {
	RespondedBy string          `json:"respondedBy"`
	Payload     domain.Document `json:"payload"`
}

func (ctrl *Controller) RespondInteractionHandler(c *gin.Context) {
	var req RespondRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	response, err := ctrl.gate.Respond(c.Request.Context(), interaction.RespondRequest{
		RequestId:   c.Param("id"),
		Source:      domain.InteractionSourceHuman,
		RespondedBy: req.RespondedBy,
		Payload:     req.Payload,
	})
	if err != nil {
		ctrl.ErrorHandler(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"response": response})
}
