package rag

import (
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestMemoryFoldEmpty(t *testing.T) {
	m := NewConversationMemory(5, 3, time.Minute)
	if got := m.Fold("t1", "s1"); got != "" {
		t.Fatalf("expected empty fold for unknown session, got %q", got)
	}
	if got := m.Fold("t1", ""); got != "" {
		t.Fatalf("expected empty fold for empty session id, got %q", got)
	}
}

func TestMemoryFoldLastTurns(t *testing.T) {
	m := NewConversationMemory(5, 3, time.Minute)
	for i := 1; i <= 4; i++ {
		m.Append("t1", "s1", fmt.Sprintf("q%d", i), fmt.Sprintf("a%d", i))
	}

	folded := m.Fold("t1", "s1")
	if strings.Contains(folded, "q1") {
		t.Fatalf("fold must only contain last 3 turns, got %q", folded)
	}
	for _, want := range []string{"q2", "a2", "q3", "q4", "a4"} {
		if !strings.Contains(folded, want) {
			t.Fatalf("fold missing %q: %q", want, folded)
		}
	}
}

func TestMemoryMaxTurnsEviction(t *testing.T) {
	m := NewConversationMemory(2, 2, time.Minute)
	m.Append("t1", "s1", "q1", "a1")
	m.Append("t1", "s1", "q2", "a2")
	m.Append("t1", "s1", "q3", "a3")

	folded := m.Fold("t1", "s1")
	if strings.Contains(folded, "q1") {
		t.Fatalf("oldest turn not evicted: %q", folded)
	}
	if !strings.Contains(folded, "q2") || !strings.Contains(folded, "q3") {
		t.Fatalf("recent turns missing: %q", folded)
	}
}

func TestMemoryTenantIsolation(t *testing.T) {
	m := NewConversationMemory(5, 3, time.Minute)
	m.Append("t1", "s1", "tenant one question", "a")
	m.Append("t2", "s1", "tenant two question", "a")

	if folded := m.Fold("t1", "s1"); strings.Contains(folded, "tenant two") {
		t.Fatalf("tenant isolation violated: %q", folded)
	}
	if n := m.ActiveSessions("t1"); n != 1 {
		t.Fatalf("expected 1 active session for t1, got %d", n)
	}
}

func TestMemoryTTLExpiry(t *testing.T) {
	m := NewConversationMemory(5, 3, 10*time.Millisecond)
	m.Append("t1", "s1", "q1", "a1")
	time.Sleep(25 * time.Millisecond)

	if folded := m.Fold("t1", "s1"); folded != "" {
		t.Fatalf("expired session must fold empty, got %q", folded)
	}
	if n := m.ActiveSessions("t1"); n != 0 {
		t.Fatalf("expected 0 active sessions, got %d", n)
	}
}

func TestMemoryDropTenant(t *testing.T) {
	m := NewConversationMemory(5, 3, time.Minute)
	m.Append("t1", "s1", "q", "a")
	m.Append("t1", "s2", "q", "a")
	m.Append("t2", "s1", "q", "a")

	m.DropTenant("t1")
	if n := m.ActiveSessions("t1"); n != 0 {
		t.Fatalf("expected 0 sessions after drop, got %d", n)
	}
	if n := m.ActiveSessions("t2"); n != 1 {
		t.Fatalf("other tenant affected by drop, got %d sessions", n)
	}
}

func TestMemoryConcurrentAppend(t *testing.T) {
	m := NewConversationMemory(5, 3, time.Minute)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sid := fmt.Sprintf("s%d", i%4)
			m.Append("t1", sid, fmt.Sprintf("q%d", i), "a")
			m.Fold("t1", sid)
		}(i)
	}
	wg.Wait()

	if n := m.ActiveSessions("t1"); n != 4 {
		t.Fatalf("expected 4 sessions, got %d", n)
	}
}
