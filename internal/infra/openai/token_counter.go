package openai

import (
	"fmt"

	"github.com/pkoukk/tiktoken-go"

	"github.com/jinford/meeting-snapshot/internal/core/snapshot"
)

// DefaultEncoding はモデルに対応するエンコーディングが見つからない場合に使う
const DefaultEncoding = "cl100k_base"

// TokenCounter は tiktoken でトークン数を数え、文字起こしをトークン数で切り詰める
type TokenCounter struct {
	encoding *tiktoken.Tiktoken
}

// NewTokenCounter は model に対応するエンコーディングで TokenCounter を作成する。
// model が空または未知の場合は cl100k_base を使う。
func NewTokenCounter(model string) (*TokenCounter, error) {
	if model != "" {
		if encoding, err := tiktoken.EncodingForModel(model); err == nil {
			return &TokenCounter{encoding: encoding}, nil
		}
	}

	encoding, err := tiktoken.GetEncoding(DefaultEncoding)
	if err != nil {
		return nil, fmt.Errorf("failed to get tiktoken encoding: %w", err)
	}
	return &TokenCounter{encoding: encoding}, nil
}

// CountTokens はテキストのトークン数をカウントする
func (tc *TokenCounter) CountTokens(text string) int {
	if tc.encoding == nil {
		return 0
	}
	return len(tc.encoding.Encode(text, nil, nil))
}

// Truncate はテキストを先頭から maxTokens トークンまでに切り詰める。
// 切り詰めた場合は末尾に "..." を付ける。
func (tc *TokenCounter) Truncate(text string, maxTokens int) string {
	if tc.encoding == nil || maxTokens <= 0 {
		return text
	}
	tokens := tc.encoding.Encode(text, nil, nil)
	if len(tokens) <= maxTokens {
		return text
	}
	return tc.encoding.Decode(tokens[:maxTokens]) + "..."
}

// インターフェース実装の確認
var _ snapshot.TokenCounter = (*TokenCounter)(nil)
