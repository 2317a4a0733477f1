package api

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"ghostplane.io/platform/internal/api/middleware"
	"ghostplane.io/platform/internal/config"
	"ghostplane.io/platform/internal/idempotency"
)

// NewRouter wires the control plane's HTTP surface: ambient middleware,
// CORS, bearer auth, and every C5 command/query endpoint.
func NewRouter(cfg *config.ControlPlaneConfig, deps *Deps, jwtCfg middleware.JWTConfig) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), middleware.RequestID(), middleware.ErrorHandler())
	router.Use(cors.New(buildCORSConfig(cfg.Server)))
	router.Use(middleware.RequireIdempotencyKeyLength(idempotency.MinKeyLength, idempotency.MaxKeyLength))

	h := &Handlers{deps: deps}

	v1 := router.Group("/v1")
	v1.Use(middleware.RequireBearerAuth(jwtCfg))
	{
		v1.POST("/orgs", h.CreateOrg)
		v1.POST("/orgs/:org_id/members", middleware.RequireOrgRole(deps.RoleResolver, "org_id", true), h.AddOrgMember)

		v1.POST("/orgs/:org_id/apps", middleware.RequireOrgRole(deps.RoleResolver, "org_id", false), h.CreateApp)
		v1.POST("/orgs/:org_id/apps/:app_id/envs", middleware.RequireOrgRole(deps.RoleResolver, "org_id", false), h.CreateEnv)

		v1.POST("/orgs/:org_id/envs/:env_id/releases", middleware.RequireOrgRole(deps.RoleResolver, "org_id", false), h.CreateRelease)
		v1.POST("/orgs/:org_id/envs/:env_id/deploys", middleware.RequireOrgRole(deps.RoleResolver, "org_id", false), h.CreateDeploy)
		v1.PUT("/orgs/:org_id/envs/:env_id/scale", middleware.RequireOrgRole(deps.RoleResolver, "org_id", false), h.SetScale)

		v1.GET("/orgs/:org_id/events", middleware.RequireOrgRole(deps.RoleResolver, "org_id", false), h.ListEvents)
		v1.GET("/debug/checkpoints", h.DebugCheckpoints)

		v1.POST("/orgs/:org_id/instances/:instance_id/exec", middleware.RequireOrgRole(deps.RoleResolver, "org_id", false), h.CreateExecSession)

		nodes := v1.Group("/nodes/:node_id")
		nodes.Use(middleware.RequireNodeActor("node_id"))
		{
			nodes.POST("/enroll", h.EnrollNode)
			nodes.POST("/heartbeat", h.NodeHeartbeat)
			nodes.GET("/plan", h.GetNodePlan)
			nodes.POST("/instances/:instance_id/status", h.ReportInstanceStatus)
			nodes.POST("/instances/:instance_id/exec/:exec_session_id/status", h.ReportExecSessionStatus)
		}
	}

	router.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	return router
}

func buildCORSConfig(cfg config.ServerConfig) cors.Config {
	corsCfg := cors.Config{
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", "Accept", "X-Request-ID", "Idempotency-Key"},
		ExposeHeaders:    []string{"Content-Length", "X-Request-ID"},
		AllowCredentials: cfg.AllowCredentials,
		MaxAge:           12 * time.Hour,
	}

	if cfg.UnsafeAllowAllOrigins {
		corsCfg.AllowAllOrigins = true
		corsCfg.AllowCredentials = false
		return corsCfg
	}

	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:3000"}
	}
	corsCfg.AllowOrigins = origins
	return corsCfg
}
