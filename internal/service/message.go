package service

import (
	"context"
	"errors"
	"fmt"

	"chatrelay/internal/models"

	"gorm.io/gorm"
)

// MessageService 封装 messages 表上的参数化语句，不含业务逻辑。
type MessageService struct {
	db *gorm.DB
}

func NewMessageService(db *gorm.DB) *MessageService {
	return &MessageService{db: db}
}

// Insert 写入一条新消息。
func (s *MessageService) Insert(ctx context.Context, m *models.Message) error {
	if err := s.db.WithContext(ctx).Create(m).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return fmt.Errorf("insert %s: %w", m.MessageID, ErrDuplicateMessage)
		}
		return fmt.Errorf("insert %s: %w", m.MessageID, err)
	}
	return nil
}

// Update 覆盖内容与时间戳并标记 edited；只作用于 groupID 房间内未删除的消息。
func (s *MessageService) Update(ctx context.Context, groupID, id, content string, timestamp int64) error {
	res := s.db.WithContext(ctx).Model(&models.Message{}).
		Where("message_id = ? AND group_id = ? AND deleted = ?", id, groupID, false).
		Updates(map[string]interface{}{
			"message_content": content,
			"timestamp":       timestamp,
			"edited":          true,
		})
	if res.Error != nil {
		return fmt.Errorf("update %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return s.missingOrDeleted(ctx, groupID, id)
	}
	return nil
}

// Tombstone 用占位内容替换消息并标记 deleted，行本身保留。
func (s *MessageService) Tombstone(ctx context.Context, groupID, id string) error {
	res := s.db.WithContext(ctx).Model(&models.Message{}).
		Where("message_id = ? AND group_id = ? AND deleted = ?", id, groupID, false).
		Updates(map[string]interface{}{
			"message_content": models.TombstoneContent,
			"deleted":         true,
		})
	if res.Error != nil {
		return fmt.Errorf("tombstone %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return s.missingOrDeleted(ctx, groupID, id)
	}
	return nil
}

// missingOrDeleted 区分未命中的原因；其他房间的消息按不存在处理。
func (s *MessageService) missingOrDeleted(ctx context.Context, groupID, id string) error {
	var count int64
	err := s.db.WithContext(ctx).Model(&models.Message{}).
		Where("message_id = ? AND group_id = ?", id, groupID).
		Count(&count).Error
	if err != nil {
		return fmt.Errorf("lookup %s: %w", id, err)
	}
	if count == 0 {
		return fmt.Errorf("%s: %w", id, ErrMessageNotFound)
	}
	return fmt.Errorf("%s: %w", id, ErrMessageDeleted)
}

// ListByGroup 返回房间的全部消息，按 timestamp 升序。
func (s *MessageService) ListByGroup(ctx context.Context, groupID string) ([]models.Message, error) {
	msgs := make([]models.Message, 0)
	err := s.db.WithContext(ctx).
		Where("group_id = ?", groupID).
		Order("timestamp asc").Order("message_id asc").
		Find(&msgs).Error
	if err != nil {
		return nil, err
	}
	return msgs, nil
}

// Participants 返回在房间里发过言的所有用户 id（去重）。
func (s *MessageService) Participants(ctx context.Context, groupID string) ([]string, error) {
	var ids []string
	err := s.db.WithContext(ctx).Model(&models.Message{}).
		Where("group_id = ? AND user_id <> ''", groupID).
		Distinct().
		Pluck("user_id", &ids).Error
	if err != nil {
		return nil, err
	}
	return ids, nil
}
