package rag

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
)

// ── Prompt 组装 ───────────────────────────────────────────────

// promptBuilder 按 token 预算组装生成 prompt。
// tiktoken 编码器加载失败时退化为 rune/4 估算，离线环境可用。
type promptBuilder struct {
	budget int
	enc    *tiktoken.Tiktoken
}

func newPromptBuilder(budget int) *promptBuilder {
	if budget <= 0 {
		budget = 3072
	}
	enc, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		enc = nil
	}
	return &promptBuilder{budget: budget, enc: enc}
}

// countTokens 估算文本 token 数
func (b *promptBuilder) countTokens(text string) int {
	if b.enc != nil {
		return len(b.enc.Encode(text, nil, nil))
	}
	n := utf8.RuneCountInString(text) / 4
	if n < 1 {
		n = 1
	}
	return n
}

// Build 组装最终 prompt。上下文片段按候选顺序填入直到耗尽预算。
// 层级模式下优先展开父块（同一父块只展开一次）。
func (b *promptBuilder) Build(question, history string, candidates []Candidate, resolveParent func(string) (Chunk, bool)) string {
	var sections []string
	seenParents := make(map[string]bool)
	used := 0

	for i, c := range candidates {
		text := c.Chunk.Text
		if c.Chunk.ParentID != "" && resolveParent != nil {
			if seenParents[c.Chunk.ParentID] {
				continue
			}
			if parent, ok := resolveParent(c.Chunk.ParentID); ok {
				text = parent.Text
				seenParents[c.Chunk.ParentID] = true
			}
		}

		section := fmt.Sprintf("[Source %d]\n%s", i+1, text)
		cost := b.countTokens(section)
		if used+cost > b.budget && len(sections) > 0 {
			break
		}
		sections = append(sections, section)
		used += cost
	}

	var sb strings.Builder
	sb.WriteString("You are a helpful customer support assistant. Answer the question using only the provided knowledge base context. If the context does not contain the answer, say you don't have that information. Answer in the same language as the question.\n\n")
	if history != "" {
		sb.WriteString(history)
		sb.WriteString("\n")
	}
	sb.WriteString("Knowledge base context:\n")
	sb.WriteString(strings.Join(sections, "\n\n"))
	sb.WriteString("\n\nQuestion: ")
	sb.WriteString(question)
	sb.WriteString("\nAnswer:")
	return sb.String()
}
