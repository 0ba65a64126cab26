package testing

import (
	"context"
	"strings"
	"sync"

	"github.com/jinford/meeting-snapshot/internal/core/snapshot"
)

// AnalysisJSON は解析リクエストに返す JSON
const AnalysisJSON = `{
  "entities": {"ORG": ["Acme Corp"], "PERSON": ["Jane Smith", "John Doe"], "PRODUCT": ["RoutePlanner Cloud"]},
  "topics": ["route planning", "adoption", "cost savings"],
  "structure": {"meeting_type": "review"},
  "data_availability": {"Customer Information": 0.9, "Financial Impact": 0.8}
}`

// CleanValidation は問題のない検証結果
const CleanValidation = `FACTUAL CONSISTENCY:
None

COMPLETENESS:
None

QUALITY ISSUES:
None

IMPROVEMENTS:
None`

// CompleteSection はすべての追跡対象フィールドを含むセクション本文
const CompleteSection = `Company Name: Acme Corp
Industry: Logistics
Product Name: RoutePlanner Cloud
Start Date: 2024-03-01
User Count: 500
Cost Savings: $250,000 annually
ROI: 150%
Acme Corp cut weekly planning time by 40 percent after rolling out RoutePlanner Cloud to every dispatch team.`

// MockLLM はリクエストの種類ごとに固定の応答を返す LLMClient です
type MockLLM struct {
	// SectionFunc が設定されている場合、セクション生成の応答に使います
	SectionFunc func(ctx context.Context, req snapshot.CompletionRequest) (string, error)

	mu       sync.Mutex
	requests []snapshot.CompletionRequest
}

// GenerateCompletion は解析・検証・セクション生成の各リクエストに応答します
func (m *MockLLM) GenerateCompletion(ctx context.Context, req snapshot.CompletionRequest) (snapshot.CompletionResponse, error) {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return snapshot.CompletionResponse{}, err
	}

	switch {
	case req.ResponseFormat == "json":
		return snapshot.CompletionResponse{Content: AnalysisJSON, Model: "mock"}, nil
	case strings.Contains(req.Prompt, "FACTUAL CONSISTENCY:"):
		return snapshot.CompletionResponse{Content: CleanValidation, Model: "mock"}, nil
	}

	content := CompleteSection
	if m.SectionFunc != nil {
		var err error
		content, err = m.SectionFunc(ctx, req)
		if err != nil {
			return snapshot.CompletionResponse{}, err
		}
	}
	return snapshot.CompletionResponse{Content: content, Model: "mock", TokensUsed: len(content) / 4}, nil
}

// Requests は受け取ったリクエストのコピーを返します
func (m *MockLLM) Requests() []snapshot.CompletionRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]snapshot.CompletionRequest(nil), m.requests...)
}
