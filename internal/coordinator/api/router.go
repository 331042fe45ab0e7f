package api

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/runfleet/runfleet/internal/common/httpmw"
	"github.com/runfleet/runfleet/internal/common/logger"
	"github.com/runfleet/runfleet/internal/coordinator"
	"github.com/runfleet/runfleet/internal/coordinator/auth"
)

// NewRouter builds the coordinator's HTTP engine: request logging, tracing,
// health, and the authenticated /api/v1 surface.
func NewRouter(coord *coordinator.Coordinator, authn auth.Authenticator, pollTimeout time.Duration, log *logger.Logger) *gin.Engine {
	handler := NewHandler(coord, pollTimeout, log)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(httpmw.RequestLogger(log, "coordinator"))
	router.Use(httpmw.OtelTracing("coordinator"))

	router.GET("/healthz", handler.Healthz)

	api := router.Group("/api/v1", auth.Middleware(authn))
	{
		runs := api.Group("/runs")
		{
			runs.POST("", handler.CreateRun)
			runs.GET("/:runId", handler.GetRun)
			runs.POST("/:runId/stop", handler.StopRun)
		}

		sessions := api.Group("/sessions")
		{
			sessions.GET("", handler.ListSessions)
			sessions.GET("/:sessionId", handler.GetSession)
			sessions.GET("/:sessionId/status", handler.GetSessionStatus)
			sessions.GET("/:sessionId/result", handler.GetSessionResult)
			sessions.GET("/:sessionId/affinity", handler.GetSessionAffinity)
			sessions.POST("/:sessionId/bind", handler.BindSession)
			sessions.GET("/:sessionId/events", handler.ListSessionEvents)
			sessions.POST("/:sessionId/events", handler.AppendSessionEvent)
			sessions.DELETE("/:sessionId", handler.DeleteSession)
		}

		runner := api.Group("/runner")
		{
			runner.POST("/register", handler.RegisterRunner)
			runner.POST("/heartbeat", handler.HeartbeatRunner)
			runner.POST("/deregister", handler.DeregisterRunner)
			runner.GET("/runs", handler.PollRuns)
			runner.POST("/runs/:runId/started", handler.ReportStarted)
			runner.POST("/runs/:runId/completed", handler.ReportCompleted)
			runner.POST("/runs/:runId/failed", handler.ReportFailed)
			runner.POST("/runs/:runId/stopped", handler.ReportStopped)
		}

		api.GET("/runners", handler.ListRunners)
		api.GET("/agents", handler.ListAgents)
		api.GET("/agents/:name", handler.GetAgent)
		api.GET("/events", handler.StreamEvents)
	}

	return router
}

// NewAuthenticator assembles the authenticator chain from configuration:
// disabled mode, a static admin key, an OIDC issuer, or any combination of
// the latter two.
func NewAuthenticator(disabled bool, adminAPIKey, oidcIssuer, oidcAudience string) auth.Authenticator {
	if disabled {
		return auth.Disabled{}
	}
	var chain auth.Chain
	if adminAPIKey != "" {
		chain = append(chain, &auth.StaticKey{Key: adminAPIKey})
	}
	if oidcIssuer != "" {
		chain = append(chain, auth.NewOIDC(oidcIssuer, oidcAudience))
	}
	return chain
}
