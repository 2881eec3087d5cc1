package rag

import (
	"strings"
	"sync"
	"time"
)

// ── 会话记忆 ──────────────────────────────────────────────────

// Turn 一轮问答
type Turn struct {
	Question string
	Answer   string
	At       time.Time
}

// ConversationMemory 进程内会话记忆，按 (tenant, session) 维护最近若干轮。
// 仅存活于进程生命周期内，不落盘。并发安全。
type ConversationMemory struct {
	maxTurns  int
	foldTurns int
	ttl       time.Duration

	mu       sync.RWMutex
	sessions map[string]*session
}

type session struct {
	mu       sync.Mutex
	turns    []Turn
	lastSeen time.Time
}

// NewConversationMemory 创建会话记忆。
// maxTurns 为单会话保留上限，foldTurns 为折叠进查询上下文的轮数。
func NewConversationMemory(maxTurns, foldTurns int, ttl time.Duration) *ConversationMemory {
	if maxTurns <= 0 {
		maxTurns = 5
	}
	if foldTurns <= 0 || foldTurns > maxTurns {
		foldTurns = 3
	}
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &ConversationMemory{
		maxTurns:  maxTurns,
		foldTurns: foldTurns,
		ttl:       ttl,
		sessions:  make(map[string]*session),
	}
}

func sessionKey(tenantID, sessionID string) string {
	return tenantID + "/" + sessionID
}

// Fold 返回折叠进 prompt 的最近几轮对话上下文。无历史返回空串。
func (m *ConversationMemory) Fold(tenantID, sessionID string) string {
	if sessionID == "" {
		return ""
	}

	m.mu.RLock()
	s, ok := m.sessions[sessionKey(tenantID, sessionID)]
	m.mu.RUnlock()
	if !ok {
		return ""
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if time.Since(s.lastSeen) > m.ttl || len(s.turns) == 0 {
		return ""
	}

	start := len(s.turns) - m.foldTurns
	if start < 0 {
		start = 0
	}

	var sb strings.Builder
	sb.WriteString("Previous conversation:\n")
	for _, t := range s.turns[start:] {
		sb.WriteString("Q: ")
		sb.WriteString(t.Question)
		sb.WriteString("\nA: ")
		sb.WriteString(t.Answer)
		sb.WriteString("\n")
	}
	return sb.String()
}

// Append 追加一轮问答，超出上限淘汰最旧一轮。空 sessionID 不记录。
func (m *ConversationMemory) Append(tenantID, sessionID, question, answer string) {
	if sessionID == "" {
		return
	}
	key := sessionKey(tenantID, sessionID)

	m.mu.Lock()
	s, ok := m.sessions[key]
	if !ok {
		s = &session{}
		m.sessions[key] = s
	}
	m.mu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	// 过期会话重新开始
	if time.Since(s.lastSeen) > m.ttl {
		s.turns = s.turns[:0]
	}
	s.turns = append(s.turns, Turn{Question: question, Answer: answer, At: time.Now()})
	if len(s.turns) > m.maxTurns {
		s.turns = s.turns[len(s.turns)-m.maxTurns:]
	}
	s.lastSeen = time.Now()
}

// ActiveSessions 返回租户未过期会话数，顺带清理过期项。
func (m *ConversationMemory) ActiveSessions(tenantID string) int {
	prefix := tenantID + "/"
	now := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	count := 0
	for key, s := range m.sessions {
		s.mu.Lock()
		expired := now.Sub(s.lastSeen) > m.ttl
		s.mu.Unlock()
		if expired {
			delete(m.sessions, key)
			continue
		}
		if strings.HasPrefix(key, prefix) {
			count++
		}
	}
	return count
}

// DropTenant 丢弃租户的全部会话
func (m *ConversationMemory) DropTenant(tenantID string) {
	prefix := tenantID + "/"
	m.mu.Lock()
	defer m.mu.Unlock()
	for key := range m.sessions {
		if strings.HasPrefix(key, prefix) {
			delete(m.sessions, key)
		}
	}
}
