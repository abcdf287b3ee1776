package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"chatrelay/internal/relay"
	"chatrelay/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// Handler 聚合所有 HTTP handler，依赖注入 service 层与事件路由。
type Handler struct {
	msgSvc   *service.MessageService
	tokenSvc *service.TokenService
	router   *relay.Router
}

func NewHandler(msgSvc *service.MessageService, tokenSvc *service.TokenService, router *relay.Router) *Handler {
	return &Handler{msgSvc: msgSvc, tokenSvc: tokenSvc, router: router}
}

// ListMessages 返回房间的完整消息记录，按 timestamp 升序；墓碑按原位置返回。
func (h *Handler) ListMessages(c *gin.Context) {
	groupID := strings.TrimSpace(c.Param("grp_id"))
	msgs, err := h.msgSvc.ListByGroup(c.Request.Context(), groupID)
	if err != nil {
		log.Error().Err(err).Str("group_id", groupID).Msg("list messages")
		c.JSON(http.StatusInternalServerError, gin.H{
			"status": "error",
			"error":  "Failed to fetch messages",
			"debug":  err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, msgs)
}

// SaveToken 保存用户的推送 token，同一用户以最后一次为准。
func (h *Handler) SaveToken(c *gin.Context) {
	var req struct {
		Token  string `json:"token"`
		UserID string `json:"user_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "invalid payload"})
		return
	}
	req.Token = strings.TrimSpace(req.Token)
	req.UserID = strings.TrimSpace(req.UserID)
	if req.Token == "" || req.UserID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "token and user_id are required"})
		return
	}
	rec, err := h.tokenSvc.UpsertToken(c.Request.Context(), req.UserID, req.Token)
	if err != nil {
		log.Error().Err(err).Str("user_id", req.UserID).Msg("save token")
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "message": "failed to save token", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": "Token saved successfully",
		"data": gin.H{
			"user_id":    rec.UserID,
			"token":      rec.Token,
			"updated_at": rec.UpdatedAt,
		},
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// ShowAlert 通知房间所有历史参与者（调用者除外）。
func (h *Handler) ShowAlert(c *gin.Context) {
	var req relay.AlertRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "invalid payload"})
		return
	}
	notified, err := h.router.Alert(c.Request.Context(), req)
	if err != nil {
		var verr *relay.ValidationError
		if errors.As(err, &verr) {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "userId and grpId are required", "error": verr.Error()})
			return
		}
		log.Error().Err(err).Str("group_id", req.GroupID).Msg("show alert")
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "message": "failed to send alert", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "notified": notified})
}
