// Package relay 编排实时事件：校验、持久化、房间广播，以及离线成员的通知拆分。
package relay

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"time"

	"chatrelay/internal/metrics"
	"chatrelay/internal/models"
	"chatrelay/internal/notify"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"
	"github.com/samber/lo"
)

// Conn 是传输层的一条活动连接，生命周期由传输层拥有。
type Conn interface {
	ID() string
	UserID() string
	SetUserID(userID string)
	// Send 非阻塞投递一帧，缓冲区满时返回 false。
	Send(frame []byte) bool
	Close()
}

// Store 是 router 依赖的持久层语句。
type Store interface {
	Insert(ctx context.Context, m *models.Message) error
	// Update 与 Tombstone 只命中 groupID 房间内的消息。
	Update(ctx context.Context, groupID, id, content string, timestamp int64) error
	Tombstone(ctx context.Context, groupID, id string) error
	Participants(ctx context.Context, groupID string) ([]string, error)
}

type Presence interface {
	Register(userID, sessionID string)
	UnregisterBySession(sessionID string) []string
	IsOnline(userID string) bool
	Session(userID string) (string, bool)
}

// Rooms 是房间订阅索引，只负责在线投递。
type Rooms interface {
	Join(c Conn, room string) bool
	LeaveAll(c Conn) []string
	// Broadcast 向房间内除 exclude 外的连接投递事件，返回投递数。
	Broadcast(room string, exclude Conn, event string, payload any) int
	Online(room string) int
}

type Notifier interface {
	Notify(userID string, n notify.Notification) bool
	// Submit 把任务放到通知 worker 上执行，队列满时返回 false。
	Submit(task func(ctx context.Context)) bool
}

type Options struct {
	// PersistTimeout 限制单次存储调用的时长。
	PersistTimeout time.Duration
}

func DefaultOptions() Options {
	return Options{PersistTimeout: 5 * time.Second}
}

type Router struct {
	store    Store
	presence Presence
	rooms    Rooms
	notifier Notifier
	opts     Options
	validate *validator.Validate
}

func NewRouter(store Store, presence Presence, rooms Rooms, notifier Notifier, opts Options) *Router {
	if opts.PersistTimeout <= 0 {
		opts.PersistTimeout = DefaultOptions().PersistTimeout
	}
	v := validator.New(validator.WithRequiredStructEnabled())
	// 错误里使用 json 字段名，和客户端看到的一致。
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return &Router{store: store, presence: presence, rooms: rooms, notifier: notifier, opts: opts, validate: v}
}

// persistCtx 与连接解耦：连接断开后已发起的写入仍然完成。
func (r *Router) persistCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), r.opts.PersistTimeout)
}

func (r *Router) validateMessage(m *models.Message) error {
	if m == nil {
		return &ValidationError{Err: ErrMissingMessageID}
	}
	if err := r.validate.Struct(m); err != nil {
		return newValidationError(err)
	}
	return nil
}

// HandleJoin 订阅房间，重复加入是成功的空操作。
func (r *Router) HandleJoin(c Conn, roomID string) Ack {
	roomID = strings.TrimSpace(roomID)
	if roomID == "" {
		metrics.EventsTotal.WithLabelValues(EventJoinRoom, StatusError).Inc()
		return Ack{Status: StatusError, Error: errMissingGroup}
	}
	if r.rooms.Join(c, roomID) {
		log.Debug().Str("session_id", c.ID()).Str("group_id", roomID).Int("online", r.rooms.Online(roomID)).Msg("joined room")
	}
	metrics.EventsTotal.WithLabelValues(EventJoinRoom, StatusOK).Inc()
	return Ack{Status: StatusOK, Joined: roomID}
}

// HandleRegister 记录用户在线；user id 为空时只记日志。
func (r *Router) HandleRegister(c Conn, userID string) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		metrics.EventsTotal.WithLabelValues(EventRegisterUser, StatusError).Inc()
		log.Warn().Str("session_id", c.ID()).Msg("register_user without user id")
		return
	}
	if prev, ok := r.presence.Session(userID); ok && prev != c.ID() {
		log.Info().Str("user_id", userID).Str("previous_session", prev).Str("session_id", c.ID()).Msg("presence superseded")
	}
	r.presence.Register(userID, c.ID())
	c.SetUserID(userID)
	metrics.EventsTotal.WithLabelValues(EventRegisterUser, StatusOK).Inc()
	log.Info().Str("session_id", c.ID()).Str("user_id", userID).Msg("user registered")
}

// HandleNewMessage 先落库再广播；落库失败时不广播也不通知。
// 回执发出后，离线成员的计算交给通知 worker，不占用读协程。
func (r *Router) HandleNewMessage(ctx context.Context, c Conn, m *models.Message, reply Reply) {
	if err := r.validateMessage(m); err != nil {
		r.fail(EventNewMessage, m, errNotSaved, err, reply)
		return
	}
	m.Edited = false
	m.Deleted = false

	pctx, cancel := r.persistCtx(ctx)
	err := r.store.Insert(pctx, m)
	cancel()
	if err != nil {
		r.fail(EventNewMessage, m, errNotSaved, &PersistenceError{Op: "insert", Err: err}, reply)
		return
	}

	r.rooms.Broadcast(m.GroupID, c, EventMessageReceived, m)
	metrics.EventsTotal.WithLabelValues(EventNewMessage, StatusOK).Inc()
	reply.send(okAck(m.MessageID))

	r.notifyOffline(m)
}

// HandleUpdateMessage 覆盖内容并强制 edited=true，广播给整个房间（包括发送者）。
func (r *Router) HandleUpdateMessage(ctx context.Context, c Conn, m *models.Message, reply Reply) {
	if err := r.validateMessage(m); err != nil {
		r.fail(EventUpdateMessage, m, errNotUpdated, err, reply)
		return
	}
	m.Edited = true

	pctx, cancel := r.persistCtx(ctx)
	err := r.store.Update(pctx, m.GroupID, m.MessageID, m.Content, m.Timestamp)
	cancel()
	if err != nil {
		r.fail(EventUpdateMessage, m, errNotUpdated, &PersistenceError{Op: "update", Err: err}, reply)
		return
	}

	r.rooms.Broadcast(m.GroupID, nil, EventUpdateReceived, m)
	metrics.EventsTotal.WithLabelValues(EventUpdateMessage, StatusOK).Inc()
	reply.send(okAck(m.MessageID))
}

// HandleDeleteMessage 写入墓碑并广播给整个房间。墓碑是终态。
func (r *Router) HandleDeleteMessage(ctx context.Context, c Conn, m *models.Message, reply Reply) {
	if err := r.validateMessage(m); err != nil {
		r.fail(EventDeleteMessage, m, errNotDeleted, err, reply)
		return
	}

	pctx, cancel := r.persistCtx(ctx)
	err := r.store.Tombstone(pctx, m.GroupID, m.MessageID)
	cancel()
	if err != nil {
		r.fail(EventDeleteMessage, m, errNotDeleted, &PersistenceError{Op: "tombstone", Err: err}, reply)
		return
	}

	m.Content = models.TombstoneContent
	m.Deleted = true
	r.rooms.Broadcast(m.GroupID, nil, EventDeleteReceived, m)
	metrics.EventsTotal.WithLabelValues(EventDeleteMessage, StatusOK).Inc()
	reply.send(okAck(m.MessageID))
}

// HandleDisconnect 清理在线状态和房间订阅。
func (r *Router) HandleDisconnect(c Conn) {
	users := r.presence.UnregisterBySession(c.ID())
	rooms := r.rooms.LeaveAll(c)
	log.Info().Str("session_id", c.ID()).Str("user_id", c.UserID()).Strs("offline", users).Int("rooms", len(rooms)).Msg("connection closed")
}

// Alert 通知房间的所有历史参与者（调用者除外），返回入队数量。
func (r *Router) Alert(ctx context.Context, req AlertRequest) (int, error) {
	if err := r.validate.Struct(req); err != nil {
		return 0, newValidationError(err)
	}
	participants, err := r.store.Participants(ctx, req.GroupID)
	if err != nil {
		return 0, &PersistenceError{Op: "participants", Err: err}
	}
	n := notify.Notification{
		GroupID:    req.GroupID,
		GroupName:  req.GroupName,
		SenderID:   req.UserID,
		SenderName: req.UserName,
	}
	queued := 0
	for _, uid := range lo.Without(participants, req.UserID) {
		if r.notifier.Notify(uid, n) {
			queued++
		}
	}
	log.Info().Str("group_id", req.GroupID).Str("user_id", req.UserID).Int("notified", queued).Msg("alert dispatched")
	return queued, nil
}

// notifyOffline 把离线拆分提交到通知队列；队列满时丢弃并记日志。
func (r *Router) notifyOffline(m *models.Message) {
	snapshot := *m
	if !r.notifier.Submit(func(ctx context.Context) { r.fanOutOffline(ctx, &snapshot) }) {
		log.Warn().Str("group_id", m.GroupID).Str("message_id", m.MessageID).Msg("offline fan-out dropped")
	}
}

// fanOutOffline 通知不在线的历史参与者；查询失败只记日志。
func (r *Router) fanOutOffline(ctx context.Context, m *models.Message) {
	pctx, cancel := context.WithTimeout(ctx, r.opts.PersistTimeout)
	participants, err := r.store.Participants(pctx, m.GroupID)
	cancel()
	if err != nil {
		log.Warn().Err(err).Str("group_id", m.GroupID).Str("message_id", m.MessageID).Msg("participant lookup failed")
		return
	}
	offline := lo.Filter(participants, func(uid string, _ int) bool {
		return uid != m.UserID && !r.presence.IsOnline(uid)
	})
	if len(offline) == 0 {
		return
	}
	n := notify.Notification{
		GroupID:    m.GroupID,
		GroupName:  m.GroupID,
		SenderID:   m.UserID,
		SenderName: m.UserName,
		MessageID:  m.MessageID,
		Preview:    m.Content,
	}
	for _, uid := range offline {
		r.notifier.Notify(uid, n)
	}
	log.Debug().Str("group_id", m.GroupID).Str("message_id", m.MessageID).Int("offline", len(offline)).Msg("offline participants notified")
}

func (r *Router) fail(event string, m *models.Message, text string, err error, reply Reply) {
	metrics.EventsTotal.WithLabelValues(event, StatusError).Inc()
	ev := log.Warn()
	var perr *PersistenceError
	if errors.As(err, &perr) {
		ev = log.Error()
	}
	if m != nil {
		ev = ev.Str("message_id", m.MessageID).Str("group_id", m.GroupID)
	}
	ev.Err(err).Str("event", event).Msg("event rejected")
	reply.send(errorAck(text, err))
}
