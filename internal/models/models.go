package models

import (
	"time"

	"github.com/goccy/go-json"
)

// TombstoneContent 是删除后的消息内容占位符，行本身保留以维持顺序与 id 稳定。
const TombstoneContent = "This message was deleted"

// Message 既是 messages 表的行，也是实时事件的载荷。
type Message struct {
	MessageID  string    `gorm:"primaryKey;column:message_id;size:64" json:"message_id" validate:"required"`
	GroupID    string    `gorm:"index:idx_messages_group_ts,priority:1;size:128;not null" json:"group_id" validate:"required"`
	UserID     string    `gorm:"index;size:128" json:"user_id"`
	UserName   string    `gorm:"size:128" json:"user_name"`
	Content    string    `gorm:"column:message_content;type:text" json:"message_content"`
	Timestamp  int64     `gorm:"index:idx_messages_group_ts,priority:2;not null;default:0" json:"timestamp"`
	Edited     bool      `gorm:"not null;default:false" json:"edited"`
	IsUser     bool      `gorm:"not null;default:false" json:"is_user"`
	ProfilePic *string   `json:"profile_pic"`
	Deleted    bool      `gorm:"not null;default:false" json:"deleted"`
	CreatedAt  time.Time `json:"-"`
}

// UnmarshalJSON 兼容旧客户端使用的 content 字段。
func (m *Message) UnmarshalJSON(data []byte) error {
	type plain Message
	var aux struct {
		plain
		LegacyContent *string `json:"content"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*m = Message(aux.plain)
	if m.Content == "" && aux.LegacyContent != nil {
		m.Content = *aux.LegacyContent
	}
	return nil
}

// NotificationToken 记录用户的推送 token，每个用户至多一个。
type NotificationToken struct {
	UserID    string    `gorm:"primaryKey;size:128" json:"user_id"`
	Token     string    `gorm:"uniqueIndex;size:512;not null" json:"token"`
	UpdatedAt time.Time `json:"updated_at"`
}
