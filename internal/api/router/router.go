package router

import (
	sentrygin "github.com/getsentry/sentry-go/gin"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/d60-Lab/approval-gate/config"
	_ "github.com/d60-Lab/approval-gate/docs"
	"github.com/d60-Lab/approval-gate/internal/api/handler"
	"github.com/d60-Lab/approval-gate/internal/api/middleware"
	"github.com/d60-Lab/approval-gate/internal/signature"
	"github.com/d60-Lab/approval-gate/pkg/metrics"
)

// Setup 注册全部路由
func Setup(cfg *config.Config, h *handler.Handler) *gin.Engine {
	gin.SetMode(cfg.Server.Mode)
	r := gin.New()
	r.Use(gin.Recovery())
	if cfg.Sentry.DSN != "" {
		r.Use(sentrygin.New(sentrygin.Options{Repanic: true}))
	}
	if cfg.Tracing.Enabled {
		r.Use(otelgin.Middleware(cfg.Tracing.ServiceName))
	}
	r.Use(middleware.Logger())

	r.GET("/health", h.Health)
	r.GET("/metrics", gin.WrapH(metrics.Handler()))
	r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	// 回调路径不压缩，Slack 只关心状态码
	verifier := signature.NewVerifier(cfg.Slack.SigningSecret, cfg.Approval.MaxClockSkew())
	r.POST(cfg.Approval.DecisionPath,
		middleware.RateLimit(cfg.RateLimit.RPS, cfg.RateLimit.Burst),
		middleware.SlackSignature(verifier),
		h.SlackActions,
	)

	api := r.Group("/api/v1")
	api.Use(gzip.Gzip(gzip.DefaultCompression))
	api.Use(middleware.RateLimit(cfg.RateLimit.RPS, cfg.RateLimit.Burst))
	{
		api.POST("/auth/token", h.IssueToken)

		approvals := api.Group("/approvals")
		approvals.Use(middleware.JWTAuth(cfg.JWT.Secret, cfg.JWT.Issuer))
		{
			approvals.GET("/:run_id", h.ListRun)
			approvals.GET("/:run_id/:item_id", h.GetApproval)
			approvals.POST("/:run_id/:item_id/resolve", h.Resolve)
		}
	}
	return r
}
