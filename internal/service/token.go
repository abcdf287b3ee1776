package service

import (
	"context"
	"errors"
	"time"

	"chatrelay/internal/models"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// TokenService 管理推送 token：每个用户一个 token，一个 token 只属于一个用户。
type TokenService struct {
	db  *gorm.DB
	now func() time.Time
}

func NewTokenService(db *gorm.DB) *TokenService {
	return &TokenService{db: db, now: time.Now}
}

// GetToken 返回用户当前的 token，没有时返回 ErrTokenNotFound。
func (s *TokenService) GetToken(ctx context.Context, userID string) (string, error) {
	var rec models.NotificationToken
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).First(&rec).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", ErrTokenNotFound
		}
		return "", err
	}
	return rec.Token, nil
}

// UpsertToken 保存用户 token，后写覆盖先写。
// 同一个 token 之前属于别的用户时（设备换了登录用户），旧记录在同一事务中移除。
func (s *TokenService) UpsertToken(ctx context.Context, userID, token string) (*models.NotificationToken, error) {
	rec := models.NotificationToken{UserID: userID, Token: token, UpdatedAt: s.now().UTC()}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Where("token = ? AND user_id <> ?", token, userID).Delete(&models.NotificationToken{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected > 0 {
			log.Info().Str("user_id", userID).Msg("notification token moved from previous owner")
		}
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"token", "updated_at"}),
		}).Create(&rec).Error
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}
