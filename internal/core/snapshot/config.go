package snapshot

import "fmt"

// ConflictResolution はセクション間で事実が食い違った場合にどちらを正とするか
type ConflictResolution string

const (
	// LaterWins は正規順で後ろのセクションを正とする
	LaterWins ConflictResolution = "later-wins"

	// EarlierWins は正規順で前のセクションを正とする
	EarlierWins ConflictResolution = "earlier-wins"
)

// StageConfig は LLM 呼び出しのパラメータ
type StageConfig struct {
	Model string

	SectionTemperature float64
	SectionMaxTokens   int

	AnalysisTemperature float64
	AnalysisMaxTokens   int

	ValidationTemperature float64
	ValidationMaxTokens   int

	// TranscriptTokenBudget はプロンプトに入れる文字起こしの最大トークン数（0 は文字数で切り詰め）
	TranscriptTokenBudget int
}

// DefaultStageConfig はデフォルトの LLM 呼び出しパラメータを返す
func DefaultStageConfig() StageConfig {
	return StageConfig{
		SectionTemperature:    0.3,
		SectionMaxTokens:      1500,
		AnalysisTemperature:   0.2,
		AnalysisMaxTokens:     2000,
		ValidationTemperature: 0.2,
		ValidationMaxTokens:   1500,
	}
}

// WorkflowConfig はパイプラインの動作設定
type WorkflowConfig struct {
	// Parallel はセクションを並列に生成する（デフォルトは直列）
	Parallel bool

	// MaxParallelSections は並列生成時の同時実行数の上限（0 は無制限）
	MaxParallelSections int

	// MinConfidence はこれ未満の信頼度のセクションを改善対象とする閾値
	MinConfidence float64

	// MaxImprovementIterations はセクションごとの改善回数の上限
	MaxImprovementIterations int

	EnableValidation   bool
	EnableImprovements bool
	EnableElicitation  bool

	// ConflictResolution はセクション間の矛盾の解決方針
	ConflictResolution ConflictResolution
}

// DefaultWorkflowConfig はデフォルトの動作設定を返す
func DefaultWorkflowConfig() WorkflowConfig {
	return WorkflowConfig{
		Parallel:                 false,
		MinConfidence:            0.5,
		MaxImprovementIterations: 2,
		EnableValidation:         true,
		EnableImprovements:       true,
		EnableElicitation:        true,
		ConflictResolution:       LaterWins,
	}
}

// Validate は設定値の範囲を検証する
func (c WorkflowConfig) Validate() error {
	if c.MinConfidence < 0 || c.MinConfidence > 1 {
		return fmt.Errorf("min confidence must be within [0,1] (got %v)", c.MinConfidence)
	}
	if c.MaxImprovementIterations < 0 || c.MaxImprovementIterations > 5 {
		return fmt.Errorf("max improvement iterations must be within [0,5] (got %d)", c.MaxImprovementIterations)
	}
	if c.MaxParallelSections < 0 {
		return fmt.Errorf("max parallel sections must be >= 0 (got %d)", c.MaxParallelSections)
	}
	switch c.ConflictResolution {
	case LaterWins, EarlierWins, "":
	default:
		return fmt.Errorf("unknown conflict resolution %q", c.ConflictResolution)
	}
	return nil
}
