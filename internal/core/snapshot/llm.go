package snapshot

import "context"

// LLMClient は LLM との通信インターフェース。
// 1回の呼び出しは1回の試行であり、リトライは retry.Invoker が担う。
type LLMClient interface {
	// GenerateCompletion はプロンプトに基づいて LLM から応答を生成する
	GenerateCompletion(ctx context.Context, req CompletionRequest) (CompletionResponse, error)
}

// CompletionRequest は LLM へのリクエストパラメータ
type CompletionRequest struct {
	// SystemPrompt はシステムメッセージ（空の場合は送らない）
	SystemPrompt string

	// Prompt は LLM に送信するプロンプト
	Prompt string

	// Temperature は生成の多様性を制御する (0.0-1.0)
	Temperature float64

	// MaxTokens は生成する最大トークン数
	MaxTokens int

	// ResponseFormat はレスポンスの形式 ("json" or "text")
	ResponseFormat string

	// Model は LLM モデル名 (省略時はデフォルトモデルを使用)
	Model string
}

// CompletionResponse は LLM からのレスポンス
type CompletionResponse struct {
	// Content は生成されたテキスト
	Content string

	// TokensUsed は使用されたトークン数
	TokensUsed int

	// Model は実際に使用されたモデル名
	Model string
}

// TemplateRegistry はセクションごとのプロンプトテンプレートを返す
type TemplateRegistry interface {
	TemplateFor(section SectionName) (string, error)
}

// TokenCounter はプロンプトに入れるテキストをトークン数で切り詰める
type TokenCounter interface {
	CountTokens(text string) int
	Truncate(text string, maxTokens int) string
}

// EntityExtractor は文字起こしからエンティティとトピックを抽出する
type EntityExtractor interface {
	Extract(text string) (entities map[string][]string, topics []string)
}
