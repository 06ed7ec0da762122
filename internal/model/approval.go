package model

import "time"

// Status 审批状态；StatusTimeout 仅作为等待结果返回，从不落库
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
	StatusTimeout  Status = "timeout"
)

// Valid 是否为可持久化的状态
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusApproved, StatusRejected:
		return true
	}
	return false
}

// Terminal approved 或 rejected
func (s Status) Terminal() bool {
	return s == StatusApproved || s == StatusRejected
}

// Approval 每个 (run_id, item_id) 一行
type Approval struct {
	RunID        string    `json:"run_id" gorm:"primaryKey;type:varchar(64)"`
	ItemID       string    `json:"item_id" gorm:"primaryKey;type:varchar(128)"`
	Title        string    `json:"title" gorm:"type:text;not null"`
	Body         string    `json:"body" gorm:"type:text;not null"`
	Status       Status    `json:"status" gorm:"type:varchar(16);index;not null"`
	ChannelRef   *string   `json:"channel_ref,omitempty" gorm:"type:varchar(64)"`
	MessageRef   *string   `json:"message_ref,omitempty" gorm:"type:varchar(64)"`
	ApproverID   *string   `json:"approver_id,omitempty" gorm:"type:varchar(64)"`
	ApproverName *string   `json:"approver_name,omitempty" gorm:"type:varchar(255)"`
	Reason       *string   `json:"reason,omitempty" gorm:"type:text"`
	UpdatedAt    time.Time `json:"updated_at" gorm:"not null;autoUpdateTime:false"`
}

func (Approval) TableName() string { return "approvals" }

// Posted 渠道消息是否已发送成功
func (a *Approval) Posted() bool {
	return a.ChannelRef != nil && a.MessageRef != nil
}
