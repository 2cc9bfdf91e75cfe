package api

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"agentflow/blueprint"
	"agentflow/common"
	"agentflow/interaction"
	"agentflow/memory"
	"agentflow/orchestrator"
	"agentflow/srv"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
)

const serviceName = "agentflow-api"

type Dependencies struct {
	Service      srv.Service
	Definitions  *blueprint.DefinitionService
	Catalog      *blueprint.AgentCatalog
	Orchestrator *orchestrator.Orchestrator
	Gate         *interaction.Gate
	Memory       *memory.Service
	// Summarizer is optional; forced summarization is unavailable without it.
	Summarizer *memory.Summarizer
}

type Controller struct {
	service      srv.Service
	definitions  *blueprint.DefinitionService
	catalog      *blueprint.AgentCatalog
	orchestrator *orchestrator.Orchestrator
	gate         *interaction.Gate
	memory       *memory.Service
	summarizer   *memory.Summarizer
}

func NewController(deps Dependencies) *Controller {
	return &Controller{
		service:      deps.Service,
		definitions:  deps.Definitions,
		catalog:      deps.Catalog,
		orchestrator: deps.Orchestrator,
		gate:         deps.Gate,
		memory:       deps.Memory,
		summarizer:   deps.Summarizer,
	}
}

// NewServer builds the http server for the API. The caller owns
// ListenAndServe and Shutdown.
func NewServer(config common.APIConfig, router http.Handler) *http.Server {
	return &http.Server{
		Addr:              fmt.Sprintf("%s:%d", config.Host, config.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

func DefineRoutes(ctrl *Controller, allowedOrigins *AllowedOrigins) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(), otelgin.Middleware(serviceName), CORSMiddleware(allowedOrigins))
	r.ForwardedByClientIP = true
	_ = r.SetTrustedProxies(nil)

	r.GET("/health", ctrl.HealthHandler)

	v1 := r.Group("/api/v1")

	definitionRoutes := v1.Group("/definitions")
	definitionRoutes.POST("", ctrl.CreateDefinitionHandler)
	definitionRoutes.GET("/:id", ctrl.GetDefinitionHandler)
	definitionRoutes.PUT("/:id", ctrl.UpdateDefinitionHandler)
	definitionRoutes.POST("/:id/publish", ctrl.PublishDefinitionHandler)
	definitionRoutes.POST("/:id/archive", ctrl.ArchiveDefinitionHandler)
	definitionRoutes.GET("/:id/preview", ctrl.PreviewDefinitionHandler)
	v1.GET("/definition_versions/:name", ctrl.GetDefinitionVersionsHandler)

	agentRoutes := v1.Group("/agents")
	agentRoutes.POST("", ctrl.CreateAgentVersionHandler)
	agentRoutes.GET("", ctrl.GetAgentsHandler)
	agentRoutes.GET("/:agentId/versions", ctrl.GetAgentVersionsHandler)
	v1.GET("/agent_versions/:id", ctrl.GetAgentVersionHandler)
	v1.POST("/agent_versions/:id/publish", ctrl.PublishAgentVersionHandler)

	sessionRoutes := v1.Group("/sessions")
	sessionRoutes.POST("", ctrl.StartSessionHandler)
	sessionRoutes.GET("/:id", ctrl.GetSessionHandler)
	sessionRoutes.GET("/:id/poll", ctrl.PollSessionHandler)
	sessionRoutes.GET("/:id/events", ctrl.GetSessionEventsHandler)
	sessionRoutes.POST("/:id/pause", ctrl.PauseSessionHandler)
	sessionRoutes.POST("/:id/resume", ctrl.ResumeSessionHandler)
	sessionRoutes.POST("/:id/cancel", ctrl.CancelSessionHandler)
	sessionRoutes.GET("/:id/memory/:channel", ctrl.GetMemoryHistoryHandler)
	sessionRoutes.POST("/:id/memory/:channel/summarize", ctrl.SummarizeMemoryHandler)

	stepRoutes := v1.Group("/steps")
	stepRoutes.POST("/:id/retry", ctrl.RetryStepHandler)
	stepRoutes.POST("/:id/skip", ctrl.SkipStepHandler)

	v1.POST("/interactions/:id/respond", ctrl.RespondInteractionHandler)

	wsRoutes := r.Group("/ws/v1")
	wsRoutes.GET("/sessions/:id/events", ctrl.SessionEventsWebsocketHandler(allowedOrigins))

	return r
}

func (ctrl *Controller) HealthHandler(c *gin.Context) {
	if err := ctrl.service.CheckConnection(c.Request.Context()); err != nil {
		log.Error().Err(err).Msg("Health check failed")
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// ErrorHandler responds with the status matching err's class.
func (ctrl *Controller) ErrorHandler(c *gin.Context, err error) {
	status := errorStatus(err)
	if status >= http.StatusInternalServerError {
		log.Error().Err(err).Str("path", c.FullPath()).Msg("Request failed")
	} else {
		log.Debug().Err(err).Str("path", c.FullPath()).Int("status", status).Msg("Request rejected")
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func errorStatus(err error) int {
	switch {
	case errors.Is(err, common.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, common.ErrAgentNotPublished):
		return http.StatusUnprocessableEntity
	case common.IsConfigurationError(err),
		errors.Is(err, orchestrator.ErrInvalidLaunchParameters),
		errors.Is(err, interaction.ErrInvalidPayload):
		return http.StatusBadRequest
	case errors.Is(err, orchestrator.ErrInvalidTransition),
		errors.Is(err, common.ErrInteractionResolved),
		errors.Is(err, common.ErrInteractionConflict),
		errors.Is(err, common.ErrStaleState),
		errors.Is(err, common.ErrSessionLocked):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		started := time.Now()
		c.Next()
		log.Debug().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("duration", time.Since(started)).
			Msg("Handled request")
	}
}
