package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/slack-go/slack"
	"go.uber.org/zap"

	"github.com/d60-Lab/approval-gate/config"
	"github.com/d60-Lab/approval-gate/internal/model"
	"github.com/d60-Lab/approval-gate/pkg/logger"
	"github.com/d60-Lab/approval-gate/pkg/metrics"
)

var (
	ErrTokenNotConfigured   = errors.New("slack bot token is not configured")
	ErrChannelNotConfigured = errors.New("slack channel is required for posting drafts")
)

const (
	ActionApprove = "approve"
	ActionReject  = "reject"

	actionsBlockID = "approval_actions"
)

// Draft 待审内容
type Draft struct {
	RunID  string
	ItemID string
	Title  string
	Body   string
}

// MessageRef 已发送消息的定位信息
type MessageRef struct {
	Channel string
	TS      string
}

// ActionValue 按钮携带的负载，webhook 无需回查存储即可还原上下文
type ActionValue struct {
	Action string `json:"action"`
	RunID  string `json:"run_id"`
	ItemID string `json:"item_id"`
}

// Notifier 通知渠道；消息只用于展示，存储才是状态的唯一来源
type Notifier interface {
	PostDraft(ctx context.Context, d Draft, previewLimit int) (MessageRef, error)
	UpdateMessage(ctx context.Context, ref MessageRef, status model.Status, approver string)
}

// SlackNotifier 基于 Slack Web API 的实现
type SlackNotifier struct {
	client  *slack.Client
	channel string
}

// NewSlackNotifier 创建 Slack 客户端，APIURL 非空时用于测试或代理
func NewSlackNotifier(cfg config.SlackConfig) (*SlackNotifier, error) {
	if cfg.BotToken == "" {
		return nil, ErrTokenNotConfigured
	}
	var opts []slack.Option
	if cfg.APIURL != "" {
		opts = append(opts, slack.OptionAPIURL(cfg.APIURL))
	}
	return &SlackNotifier{
		client:  slack.New(cfg.BotToken, opts...),
		channel: cfg.ChannelID,
	}, nil
}

// PostDraft 发送带“批准/要求修改”按钮的预览消息
func (n *SlackNotifier) PostDraft(ctx context.Context, d Draft, previewLimit int) (MessageRef, error) {
	if n.channel == "" {
		return MessageRef{}, ErrChannelNotConfigured
	}
	blocks, err := DraftBlocks(d, previewLimit)
	if err != nil {
		return MessageRef{}, err
	}
	channel, ts, err := n.client.PostMessageContext(ctx, n.channel,
		slack.MsgOptionText(fmt.Sprintf("%s (approval needed)", d.Title), false),
		slack.MsgOptionBlocks(blocks...),
	)
	if err != nil {
		metrics.RecordChannelError("post")
		return MessageRef{}, fmt.Errorf("failed to post draft %s/%s: %w", d.RunID, d.ItemID, err)
	}
	return MessageRef{Channel: channel, TS: ts}, nil
}

// UpdateMessage 将原消息改为最终状态，失败只记录日志
func (n *SlackNotifier) UpdateMessage(ctx context.Context, ref MessageRef, status model.Status, approver string) {
	text, blocks := DecisionBlocks(status, approver)
	_, _, _, err := n.client.UpdateMessageContext(ctx, ref.Channel, ref.TS,
		slack.MsgOptionText(text, false),
		slack.MsgOptionBlocks(blocks...),
	)
	if err != nil {
		metrics.RecordChannelError("update")
		logger.Warn("failed to update slack message",
			zap.String("channel", ref.Channel),
			zap.String("ts", ref.TS),
			zap.Error(err))
	}
}

// DraftBlocks 构造预览消息的 blocks
func DraftBlocks(d Draft, previewLimit int) ([]slack.Block, error) {
	approve, err := actionValue(ActionApprove, d)
	if err != nil {
		return nil, err
	}
	reject, err := actionValue(ActionReject, d)
	if err != nil {
		return nil, err
	}

	text := fmt.Sprintf("*%s*\n```%s```", EscapeTitle(d.Title), Preview(d.Body, previewLimit))
	section := slack.NewSectionBlock(slack.NewTextBlockObject(slack.MarkdownType, text, false, false), nil, nil)

	approveBtn := slack.NewButtonBlockElement(ActionApprove, approve,
		slack.NewTextBlockObject(slack.PlainTextType, "Approve", false, false)).
		WithStyle(slack.StylePrimary)
	rejectBtn := slack.NewButtonBlockElement(ActionReject, reject,
		slack.NewTextBlockObject(slack.PlainTextType, "Request changes", false, false)).
		WithStyle(slack.StyleDanger)

	return []slack.Block{section, slack.NewActionBlock(actionsBlockID, approveBtn, rejectBtn)}, nil
}

// DecisionBlocks 构造最终状态的 blocks
func DecisionBlocks(status model.Status, approver string) (string, []slack.Block) {
	statusText, emoji := "Changes requested", "✋"
	if status == model.StatusApproved {
		statusText, emoji = "Approved", "✅"
	}
	subtitle := statusText
	if approver != "" {
		subtitle = fmt.Sprintf("%s by %s", statusText, EscapeMrkdwn(approver))
	}
	text := fmt.Sprintf("%s *%s*\n%s", emoji, statusText, subtitle)
	return statusText, []slack.Block{
		slack.NewSectionBlock(slack.NewTextBlockObject(slack.MarkdownType, text, false, false), nil, nil),
	}
}

func actionValue(action string, d Draft) (string, error) {
	raw, err := json.Marshal(ActionValue{Action: action, RunID: d.RunID, ItemID: d.ItemID})
	if err != nil {
		return "", err
	}
	return string(raw), nil
}
