package rag

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func rerankCandidates(texts ...string) []Candidate {
	out := make([]Candidate, len(texts))
	for i, txt := range texts {
		out[i] = Candidate{
			Chunk: Chunk{ID: txt, DocID: "d", Ordinal: i, Text: txt, Length: len([]rune(txt))},
			Score: 1.0 - float64(i)*0.1,
		}
	}
	return out
}

func TestHTTPRerankerReorders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rerankHTTPRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req.Query != "refund policy" {
			t.Fatalf("unexpected query: %q", req.Query)
		}
		// 反转检索顺序的分数
		scores := make([]float64, len(req.Documents))
		for i := range scores {
			scores[i] = float64(i)
		}
		json.NewEncoder(w).Encode(&rerankHTTPResponse{Scores: scores})
	}))
	defer srv.Close()

	rr := NewHTTPReranker(srv.URL)
	got, err := rr.Rerank(context.Background(), "refund policy", rerankCandidates("a", "b", "c"))
	if err != nil {
		t.Fatalf("Rerank: %v", err)
	}
	if got[0].Chunk.ID != "c" || got[2].Chunk.ID != "a" {
		t.Fatalf("expected reversed order, got %s %s %s", got[0].Chunk.ID, got[1].Chunk.ID, got[2].Chunk.ID)
	}
}

func TestHTTPRerankerScoreCountMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(&rerankHTTPResponse{Scores: []float64{0.5}})
	}))
	defer srv.Close()

	rr := NewHTTPReranker(srv.URL)
	if _, err := rr.Rerank(context.Background(), "q", rerankCandidates("a", "b")); err == nil {
		t.Fatal("expected error on score count mismatch")
	}
}

func TestHTTPRerankerServiceError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not loaded", http.StatusInternalServerError)
	}))
	defer srv.Close()

	rr := NewHTTPReranker(srv.URL)
	if _, err := rr.Rerank(context.Background(), "q", rerankCandidates("a")); err == nil {
		t.Fatal("expected error on 500 response")
	}
}

func TestHTTPRerankerEmptyCandidates(t *testing.T) {
	rr := NewHTTPReranker("http://127.0.0.1:0")
	got, err := rr.Rerank(context.Background(), "q", nil)
	if err != nil {
		t.Fatalf("Rerank: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected no candidates, got %d", len(got))
	}
}

func TestParseScoresToleratesSurroundingText(t *testing.T) {
	lr := NewLLMReranker("openai", "gpt-4o-mini")

	tests := []struct {
		name    string
		content string
		want    int
		wantErr bool
	}{
		{name: "bare array", content: "[0.9, 0.1, 0.5]", want: 3},
		{name: "fenced array", content: "```json\n[0.9, 0.1]\n```", want: 2},
		{name: "prose around array", content: "评分结果如下：[0.3, 0.7]，供参考。", want: 2},
		{name: "garbage", content: "no scores here", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			scores, err := lr.parseScores(tt.content, 5)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected parse error")
				}
				return
			}
			if err != nil {
				t.Fatalf("parseScores: %v", err)
			}
			if len(scores) != tt.want {
				t.Fatalf("expected %d scores, got %d", tt.want, len(scores))
			}
		})
	}
}
