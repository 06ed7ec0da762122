package handler

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"

	"github.com/d60-Lab/approval-gate/config"
	"github.com/d60-Lab/approval-gate/internal/service"
	"github.com/d60-Lab/approval-gate/pkg/response"
)

var validate = validator.New()

// Handler HTTP 入口，依赖注入各 service
type Handler struct {
	decisionService service.DecisionService
	jwtCfg          config.JWTConfig
	now             func() time.Time
}

func NewHandler(decisionService service.DecisionService, jwtCfg config.JWTConfig) *Handler {
	return &Handler{decisionService: decisionService, jwtCfg: jwtCfg, now: time.Now}
}

// Health 健康检查
// @Summary 健康检查
// @Tags 系统
// @Produce json
// @Success 200 {object} response.Response
// @Router /health [get]
func (h *Handler) Health(c *gin.Context) {
	response.Success(c, gin.H{"status": "ok"})
}
