package transcript

import (
	"regexp"
)

// RedactedMarker は秘匿情報を置き換える文字列
const RedactedMarker = "[REDACTED]"

// 会議のチャットや発言に貼られがちな秘匿情報
var secretPatterns = []string{
	// API キー (汎用)
	`(?i)api[_-]?key\s*[:=]\s*["']?[a-zA-Z0-9_\-]{20,}["']?`,
	// AWS
	`\b(AKIA|ASIA)[A-Z0-9]{16}\b`,
	`(?i)aws[_-]?secret[_-]?access[_-]?key\s*[:=]\s*["']?[A-Za-z0-9/+=]{40}["']?`,
	// GitHub / OpenAI / Slack のトークン
	`\bghp_[a-zA-Z0-9]{20,}\b`,
	`\bsk-[a-zA-Z0-9_\-]{20,}\b`,
	`\bxox[baprs]-[a-zA-Z0-9\-]{10,72}\b`,
	// 秘密鍵
	`-----BEGIN\s+(RSA\s+|ENCRYPTED\s+|OPENSSH\s+)?PRIVATE\s+KEY-----`,
	// パスワード
	`(?i)\b(password|passwd|passcode)\s*(is|[:=])\s*\S{6,}`,
	// 接続文字列中の資格情報
	`(?i)(postgres|mysql|mongodb|redis)://[^:\s]+:[^@\s]+@`,
	// JWT / Bearer トークン
	`eyJ[a-zA-Z0-9_\-]+\.eyJ[a-zA-Z0-9_\-]+\.[a-zA-Z0-9_\-]+`,
	`(?i)bearer\s+[a-zA-Z0-9_\-\.]{20,}`,
}

// Redactor はトランスクリプトから秘匿情報を取り除く
type Redactor struct {
	patterns []*regexp.Regexp
}

// NewRedactor はデフォルトのパターンに extra を加えた Redactor を作成する
func NewRedactor(extra ...string) (*Redactor, error) {
	r := &Redactor{}
	for _, p := range append(append([]string{}, secretPatterns...), extra...) {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, err
		}
		r.patterns = append(r.patterns, re)
	}
	return r, nil
}

// RedactText は text 内の秘匿情報を RedactedMarker に置き換え、置換した箇所の数を返す
func (r *Redactor) RedactText(text string) (string, int) {
	count := 0
	for _, re := range r.patterns {
		text = re.ReplaceAllStringFunc(text, func(string) string {
			count++
			return RedactedMarker
		})
	}
	return text, count
}

// Redact は秘匿情報を取り除いたコピーを返す。
// 何も置換しなかった場合は t をそのまま返す（キャッシュ済みの値は変更しない）。
func (r *Redactor) Redact(t *Transcript) (*Transcript, int) {
	if r == nil || t == nil {
		return t, 0
	}

	text, total := r.RedactText(t.Text)
	turns := make([]Turn, len(t.Turns))
	for i, turn := range t.Turns {
		var n int
		turn.Text, n = r.RedactText(turn.Text)
		total += n
		turns[i] = turn
	}
	if total == 0 {
		return t, 0
	}

	out := *t
	out.Text = text
	out.Turns = turns
	out.Speakers = append([]string(nil), t.Speakers...)
	return &out, total
}
