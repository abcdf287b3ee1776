package ws

import (
	"context"
	"net/http"
	"sync"
	"time"

	"chatrelay/internal/metrics"
	"chatrelay/internal/relay"

	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/samber/lo"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 1 << 20 // 1MB
	sendBufferSize = 256
)

// Client 是一条 WebSocket 连接。send 通道从不关闭，关闭信号走 done。
type Client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once

	mu     sync.RWMutex
	userID string
}

func newClient(conn *websocket.Conn) *Client {
	return &Client{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, sendBufferSize),
		done: make(chan struct{}),
	}
}

func (c *Client) ID() string { return c.id }

func (c *Client) UserID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userID
}

func (c *Client) SetUserID(userID string) {
	c.mu.Lock()
	c.userID = userID
	c.mu.Unlock()
}

// Send 非阻塞入队；连接已关闭或缓冲区满时返回 false。
func (c *Client) Send(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// Close 通知写协程发送 close 帧并断开连接，可重复调用。
func (c *Client) Close() {
	c.once.Do(func() { close(c.done) })
}

func newUpgrader(origins []string) websocket.Upgrader {
	allowAll := len(origins) == 0 || lo.Contains(origins, "*")
	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return allowAll || origin == "" || lo.Contains(origins, origin)
		},
	}
}

// Serve 升级连接并运行读写协程。事件处理使用 base 而不是请求的 context，
// 连接断开不会中断已发起的写入。
func Serve(base context.Context, hub *Hub, router *relay.Router, origins []string) gin.HandlerFunc {
	upgrader := newUpgrader(origins)
	return func(c *gin.Context) {
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			log.Warn().Err(err).Str("remote", c.Request.RemoteAddr).Msg("websocket upgrade")
			return
		}
		client := newClient(conn)
		hub.Add(client)
		log.Info().Str("session_id", client.id).Str("remote", c.Request.RemoteAddr).Msg("websocket connected")

		go client.writePump()
		client.readPump(base, router)

		router.HandleDisconnect(client)
		hub.Remove(client)
	}
}

func (c *Client) readPump(ctx context.Context, router *relay.Router) {
	defer c.Close()
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				log.Debug().Err(err).Str("session_id", c.id).Msg("websocket read")
			}
			return
		}
		c.handle(ctx, router, data)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case frame := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.Close()
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		case <-c.done:
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		}
	}
}

// handle 处理单个入站帧。单帧的错误或 panic 只影响该帧。
func (c *Client) handle(ctx context.Context, router *relay.Router, data []byte) {
	env, err := decodeEnvelope(data)
	defer func() {
		if rec := recover(); rec != nil {
			metrics.EventsTotal.WithLabelValues(env.Event, relay.StatusError).Inc()
			log.Error().Interface("panic", rec).Str("session_id", c.id).Str("event", env.Event).Msg("event handler panicked")
		}
	}()
	if err != nil {
		metrics.EventsTotal.WithLabelValues("malformed", relay.StatusError).Inc()
		log.Warn().Err(err).Str("session_id", c.id).Msg("malformed frame")
		// 缺少 event 的帧仍可能带着 ack id，客户端在等回执。
		if reply := c.replier(env.Ack); reply != nil {
			reply(relay.Ack{Status: relay.StatusError, Error: "Invalid payload", Debug: err.Error()})
		}
		return
	}
	reply := c.replier(env.Ack)

	switch env.Event {
	case eventPing:
		c.reply(eventPong, env.Ack, nil)
	case relay.EventJoinRoom:
		ack := router.HandleJoin(c, decodeID(env.Data, "id"))
		if reply != nil {
			reply(ack)
		}
	case relay.EventRegisterUser:
		router.HandleRegister(c, decodeID(env.Data, "user_id"))
	case relay.EventNewMessage, relay.EventUpdateMessage, relay.EventDeleteMessage:
		m, err := decodeMessage(env.Data)
		if err != nil {
			metrics.EventsTotal.WithLabelValues(env.Event, relay.StatusError).Inc()
			log.Warn().Err(err).Str("session_id", c.id).Str("event", env.Event).Msg("invalid message payload")
			if reply != nil {
				reply(relay.Ack{Status: relay.StatusError, Error: "Invalid payload", Debug: err.Error()})
			}
			return
		}
		switch env.Event {
		case relay.EventNewMessage:
			router.HandleNewMessage(ctx, c, m, reply)
		case relay.EventUpdateMessage:
			router.HandleUpdateMessage(ctx, c, m, reply)
		default:
			router.HandleDeleteMessage(ctx, c, m, reply)
		}
	default:
		metrics.EventsTotal.WithLabelValues("unknown", relay.StatusError).Inc()
		log.Debug().Str("session_id", c.id).Str("event", env.Event).Msg("unknown event")
		if reply != nil {
			reply(relay.Ack{Status: relay.StatusError, Error: "Unknown event"})
		}
	}
}

// replier 仅当客户端带了 ack id 时返回回执函数。
func (c *Client) replier(ackID json.RawMessage) relay.Reply {
	if len(ackID) == 0 || string(ackID) == "null" {
		return nil
	}
	return func(a relay.Ack) { c.reply(eventAck, ackID, a) }
}

func (c *Client) reply(event string, ackID json.RawMessage, data any) {
	frame, err := encodeFrame(event, ackID, data)
	if err != nil {
		log.Error().Err(err).Str("session_id", c.id).Msg("encode reply")
		return
	}
	if !c.Send(frame) {
		log.Warn().Str("session_id", c.id).Str("event", event).Msg("reply dropped, send buffer full")
	}
}
