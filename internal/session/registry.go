package session

import (
	"encoding/json"
	"log"
	"sync"

	"github.com/Nitogx/clarky/internal/protocol"
)

// Registry 会话注册表/广播器
//
// 跟踪全部处于Open状态的会话。广播只序列化、编码一次，
// 对每个会话独立写出；单个坏连接不能阻断对其余会话的投递。
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry 创建空注册表
func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
	}
}

// Register 登记会话
func (r *Registry) Register(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.ID()] = s
}

// Unregister 注销会话，幂等（重复注销安全）
func (r *Registry) Unregister(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, s.ID())
}

// Count 返回当前在线会话数
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Broadcast 向所有已登记会话发送同一载荷
//
// 帧只编码一次；写失败的会话记录日志后跳过，不中断广播。
func (r *Registry) Broadcast(payload []byte) {
	frame := protocol.EncodeText(payload)

	r.mu.RLock()
	targets := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		targets = append(targets, s)
	}
	r.mu.RUnlock()

	for _, s := range targets {
		if err := s.writeFrame(frame); err != nil {
			log.Printf("Broadcast to session %s failed: %v", s.ID(), err)
		}
	}
}

// BroadcastJSON 序列化一次后广播
func (r *Registry) BroadcastJSON(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		log.Printf("Marshal broadcast message failed: %v", err)
		return
	}
	r.Broadcast(data)
}

// Drain 关停时注销并关闭全部会话
func (r *Registry) Drain() {
	r.mu.Lock()
	sessions := r.sessions
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
}
