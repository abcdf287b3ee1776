package presence

import (
	"sync"

	"chatrelay/internal/metrics"
)

// Registry 维护 user_id -> session_id 的在线映射，进程内有效，重启后清空。
// 每个用户只保留最后一次注册的会话。
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]string
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]string)}
}

// Register 安装或覆盖用户的会话。
func (r *Registry) Register(userID, sessionID string) {
	r.mu.Lock()
	r.sessions[userID] = sessionID
	metrics.PresenceOnline.Set(float64(len(r.sessions)))
	r.mu.Unlock()
}

// UnregisterBySession 移除仍指向该会话的所有用户，返回被移除的用户 id。
// 已被新会话覆盖的用户不受影响。
func (r *Registry) UnregisterBySession(sessionID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var removed []string
	for user, sid := range r.sessions {
		if sid == sessionID {
			delete(r.sessions, user)
			removed = append(removed, user)
		}
	}
	metrics.PresenceOnline.Set(float64(len(r.sessions)))
	return removed
}

func (r *Registry) IsOnline(userID string) bool {
	r.mu.RLock()
	_, ok := r.sessions[userID]
	r.mu.RUnlock()
	return ok
}

// Session 返回用户当前的会话 id。
func (r *Registry) Session(userID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sid, ok := r.sessions[userID]
	return sid, ok
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
