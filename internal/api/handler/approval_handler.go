package handler

import (
	"errors"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"

	"github.com/d60-Lab/approval-gate/internal/api/middleware"
	"github.com/d60-Lab/approval-gate/internal/repository"
	"github.com/d60-Lab/approval-gate/internal/service"
	"github.com/d60-Lab/approval-gate/pkg/response"
)

const operatorSubject = "operator"

type tokenRequest struct {
	Password string `json:"password" binding:"required"`
}

type resolveRequest struct {
	Action string `json:"action" binding:"required,oneof=approve reject"`
	Reason string `json:"reason" binding:"max=500"`
}

// IssueToken 运维登录
// @Summary 获取运维 token
// @Tags 运维
// @Accept json
// @Produce json
// @Param request body tokenRequest true "密码"
// @Success 200 {object} response.Response{data=map[string]interface{}}
// @Failure 400 {object} response.Response
// @Failure 401 {object} response.Response
// @Failure 503 {object} response.Response
// @Router /api/v1/auth/token [post]
func (h *Handler) IssueToken(c *gin.Context) {
	var req tokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	if h.jwtCfg.Secret == "" || h.jwtCfg.OperatorPasswordHash == "" {
		response.ServiceUnavailable(c, "operator api disabled")
		return
	}
	if err := bcrypt.CompareHashAndPassword([]byte(h.jwtCfg.OperatorPasswordHash), []byte(req.Password)); err != nil {
		response.Unauthorized(c, "invalid credentials")
		return
	}
	token, expiresAt, err := middleware.IssueToken(h.jwtCfg.Secret, h.jwtCfg.Issuer, operatorSubject, h.jwtCfg.Expire, h.now())
	if err != nil {
		response.InternalError(c, err)
		return
	}
	response.Success(c, gin.H{"token": token, "expires_at": expiresAt})
}

// GetApproval 查询单条审批
// @Summary 查询审批记录
// @Tags 运维
// @Produce json
// @Security BearerAuth
// @Param run_id path string true "运行ID"
// @Param item_id path string true "条目ID"
// @Success 200 {object} response.Response{data=model.Approval}
// @Failure 404 {object} response.Response
// @Router /api/v1/approvals/{run_id}/{item_id} [get]
func (h *Handler) GetApproval(c *gin.Context) {
	rec, err := h.decisionService.Get(c.Request.Context(), c.Param("run_id"), c.Param("item_id"))
	if errors.Is(err, repository.ErrNotFound) {
		response.NotFound(c, "approval not found")
		return
	}
	if err != nil {
		response.InternalError(c, err)
		return
	}
	response.Success(c, rec)
}

// ListRun 查询某次运行的全部条目
// @Summary 查询运行内的审批记录
// @Tags 运维
// @Produce json
// @Security BearerAuth
// @Param run_id path string true "运行ID"
// @Success 200 {object} response.Response{data=[]model.Approval}
// @Router /api/v1/approvals/{run_id} [get]
func (h *Handler) ListRun(c *gin.Context) {
	list, err := h.decisionService.ListRun(c.Request.Context(), c.Param("run_id"))
	if err != nil {
		response.InternalError(c, err)
		return
	}
	response.Success(c, gin.H{"run_id": c.Param("run_id"), "list": list})
}

// Resolve 超时条目的手动处理
// @Summary 手动审批
// @Tags 运维
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param run_id path string true "运行ID"
// @Param item_id path string true "条目ID"
// @Param request body resolveRequest true "决定"
// @Success 200 {object} response.Response{data=model.Approval}
// @Failure 400 {object} response.Response
// @Failure 404 {object} response.Response
// @Router /api/v1/approvals/{run_id}/{item_id}/resolve [post]
func (h *Handler) Resolve(c *gin.Context) {
	var req resolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	status, err := service.StatusForAction(req.Action)
	if err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	operator := middleware.Operator(c)
	rec, err := h.decisionService.Resolve(c.Request.Context(), service.Decision{
		RunID:        c.Param("run_id"),
		ItemID:       c.Param("item_id"),
		Status:       status,
		ApproverID:   operator,
		ApproverName: operator,
		Reason:       req.Reason,
		Source:       "operator",
	})
	switch {
	case errors.Is(err, repository.ErrNotFound):
		response.NotFound(c, "approval not found")
	case err != nil:
		response.InternalError(c, err)
	default:
		response.Success(c, rec)
	}
}
