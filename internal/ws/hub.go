package ws

import (
	"sync"

	"chatrelay/internal/metrics"
	"chatrelay/internal/relay"

	"github.com/rs/zerolog/log"
)

// Hub 维护 room -> session -> 连接 的订阅索引，只服务在线投递。
// 广播时在读锁下复制目标集合，在锁外发送，单个慢连接不会阻塞房间。
type Hub struct {
	mu     sync.RWMutex
	rooms  map[string]map[string]relay.Conn
	joined map[string]map[string]struct{}
	conns  map[string]relay.Conn
}

func NewHub() *Hub {
	return &Hub{
		rooms:  make(map[string]map[string]relay.Conn),
		joined: make(map[string]map[string]struct{}),
		conns:  make(map[string]relay.Conn),
	}
}

// Add 登记一条活动连接，用于停服时统一关闭。
func (h *Hub) Add(c relay.Conn) {
	h.mu.Lock()
	if _, ok := h.conns[c.ID()]; !ok {
		h.conns[c.ID()] = c
		metrics.WsConnections.Inc()
	}
	h.mu.Unlock()
}

// Remove 注销连接并退出它加入的所有房间。
func (h *Hub) Remove(c relay.Conn) {
	h.mu.Lock()
	if _, ok := h.conns[c.ID()]; ok {
		delete(h.conns, c.ID())
		metrics.WsConnections.Dec()
	}
	h.leaveAllLocked(c.ID())
	h.mu.Unlock()
}

// Join 订阅房间，返回是否为新订阅。
func (h *Hub) Join(c relay.Conn, room string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	members := h.rooms[room]
	if members == nil {
		members = make(map[string]relay.Conn)
		h.rooms[room] = members
	}
	if _, ok := members[c.ID()]; ok {
		return false
	}
	members[c.ID()] = c
	set := h.joined[c.ID()]
	if set == nil {
		set = make(map[string]struct{})
		h.joined[c.ID()] = set
	}
	set[room] = struct{}{}
	return true
}

// LeaveAll 退出连接加入的所有房间，返回这些房间。
func (h *Hub) LeaveAll(c relay.Conn) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.leaveAllLocked(c.ID())
}

func (h *Hub) leaveAllLocked(sessionID string) []string {
	set := h.joined[sessionID]
	if len(set) == 0 {
		delete(h.joined, sessionID)
		return nil
	}
	left := make([]string, 0, len(set))
	for room := range set {
		if members := h.rooms[room]; members != nil {
			delete(members, sessionID)
			if len(members) == 0 {
				delete(h.rooms, room)
			}
		}
		left = append(left, room)
	}
	delete(h.joined, sessionID)
	return left
}

// Targets 返回房间内除 exclude 以外的连接快照。
func (h *Hub) Targets(room string, exclude relay.Conn) []relay.Conn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	members := h.rooms[room]
	out := make([]relay.Conn, 0, len(members))
	for sid, c := range members {
		if exclude != nil && sid == exclude.ID() {
			continue
		}
		out = append(out, c)
	}
	return out
}

// Broadcast 编码一次后投递给房间的每个目标。发送缓冲已满的连接被视为失效：
// 移出所有房间并关闭。
func (h *Hub) Broadcast(room string, exclude relay.Conn, event string, payload any) int {
	targets := h.Targets(room, exclude)
	if len(targets) == 0 {
		return 0
	}
	frame, err := encodeFrame(event, nil, payload)
	if err != nil {
		log.Error().Err(err).Str("group_id", room).Str("event", event).Msg("broadcast encode")
		return 0
	}
	delivered := 0
	for _, c := range targets {
		if c.Send(frame) {
			delivered++
			continue
		}
		h.LeaveAll(c)
		c.Close()
		metrics.StaleConnectionsDropped.Inc()
		log.Warn().Str("session_id", c.ID()).Str("group_id", room).Msg("dropping stale connection")
	}
	metrics.BroadcastDeliveries.Add(float64(delivered))
	return delivered
}

// Online 返回房间当前订阅的连接数。
func (h *Hub) Online(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

// CloseAll 关闭所有活动连接，停服时调用。
func (h *Hub) CloseAll() {
	h.mu.RLock()
	conns := make([]relay.Conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.RUnlock()
	for _, c := range conns {
		c.Close()
	}
	log.Info().Int("connections", len(conns)).Msg("closed all websocket connections")
}
