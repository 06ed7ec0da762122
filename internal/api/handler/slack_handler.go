package handler

import (
	"bytes"
	"encoding/json"
	"errors"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/d60-Lab/approval-gate/internal/notify"
	"github.com/d60-Lab/approval-gate/internal/repository"
	"github.com/d60-Lab/approval-gate/internal/service"
	"github.com/d60-Lab/approval-gate/pkg/logger"
	"github.com/d60-Lab/approval-gate/pkg/metrics"
	"github.com/d60-Lab/approval-gate/pkg/response"
)

// interactionPayload Slack block_actions 回调中用到的字段
type interactionPayload struct {
	Type string `json:"type"`
	User struct {
		ID       string `json:"id"`
		Name     string `json:"name"`
		Username string `json:"username"`
	} `json:"user"`
	Channel struct {
		ID string `json:"id"`
	} `json:"channel"`
	Message struct {
		TS string `json:"ts"`
	} `json:"message"`
	Actions []struct {
		ActionID string `json:"action_id"`
		Value    string `json:"value"`
	} `json:"actions"`
}

// actionValue 按钮携带的上下文，严格解析
type actionValue struct {
	Action string `json:"action" validate:"required,oneof=approve reject"`
	RunID  string `json:"run_id" validate:"required"`
	ItemID string `json:"item_id" validate:"required"`
}

func (p *interactionPayload) reviewer() string {
	if p.User.Name != "" {
		return p.User.Name
	}
	return p.User.Username
}

func decodeActionValue(raw string) (*actionValue, error) {
	dec := json.NewDecoder(bytes.NewReader([]byte(raw)))
	dec.DisallowUnknownFields()
	var v actionValue
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	if dec.More() {
		return nil, errors.New("trailing data in action value")
	}
	if err := validate.Struct(&v); err != nil {
		return nil, err
	}
	return &v, nil
}

// SlackActions 审核人点击按钮后的回调；签名已由中间件校验
// @Summary Slack 交互回调
// @Tags 审批
// @Accept x-www-form-urlencoded
// @Produce json
// @Param payload formData string true "interaction payload (JSON)"
// @Param X-Signature-Timestamp header string true "签名时间戳"
// @Param X-Signature header string true "v0= 签名"
// @Success 200 {object} map[string]string
// @Failure 400 {object} response.Response
// @Failure 404 {object} response.Response
// @Failure 503 {object} response.Response
// @Router /slack/actions [post]
func (h *Handler) SlackActions(c *gin.Context) {
	raw := c.PostForm("payload")
	if raw == "" {
		metrics.RecordWebhookRejection("missing_payload")
		response.BadRequest(c, "missing payload")
		return
	}
	var p interactionPayload
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		metrics.RecordWebhookRejection("malformed_payload")
		response.BadRequest(c, "malformed payload")
		return
	}
	if len(p.Actions) == 0 {
		metrics.RecordWebhookRejection("no_action")
		response.BadRequest(c, "payload has no action")
		return
	}
	av, err := decodeActionValue(p.Actions[0].Value)
	if err != nil {
		metrics.RecordWebhookRejection("malformed_action")
		response.BadRequest(c, "malformed action value")
		return
	}
	status, err := service.StatusForAction(av.Action)
	if err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	d := service.Decision{
		RunID:        av.RunID,
		ItemID:       av.ItemID,
		Status:       status,
		ApproverID:   p.User.ID,
		ApproverName: p.reviewer(),
		Source:       "slack",
	}
	if p.Channel.ID != "" && p.Message.TS != "" {
		d.Message = &notify.MessageRef{Channel: p.Channel.ID, TS: p.Message.TS}
	}

	if _, err := h.decisionService.Decide(c.Request.Context(), d); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			logger.Warn("decision for unknown item",
				zap.String("run_id", av.RunID),
				zap.String("item_id", av.ItemID))
			metrics.RecordWebhookRejection("unknown_item")
			response.NotFound(c, "unknown approval item")
			return
		}
		response.InternalError(c, err)
		return
	}
	response.SlackAck(c)
}
