package transcript

import (
	"fmt"
	"strings"
	"time"
)

// Turn は話者1人分の発話
type Turn struct {
	Speaker string        `json:"speaker"`
	Text    string        `json:"text"`
	Start   time.Duration `json:"start"`
	End     time.Duration `json:"end"`
}

// Transcript は取得済みのトランスクリプト。
// キャッシュに格納された後は変更しない。
type Transcript struct {
	RecordingID string        `json:"recordingId"`
	Text        string        `json:"text"`
	Speakers    []string      `json:"speakers"`
	Turns       []Turn        `json:"turns,omitempty"`
	Duration    time.Duration `json:"duration"`
	Source      string        `json:"source,omitempty"`
}

// DurationSeconds は会議時間を秒で返す
func (t *Transcript) DurationSeconds() float64 {
	return t.Duration.Seconds()
}

// Summary はログやプロンプト用の短い要約を返す
func (t *Transcript) Summary() string {
	preview := t.Speakers
	suffix := ""
	if len(preview) > 3 {
		preview = preview[:3]
		suffix = "..."
	}

	minutes := int(t.Duration / time.Minute)
	seconds := int((t.Duration % time.Minute) / time.Second)

	var b strings.Builder
	b.WriteString("Transcript Summary:\n")
	fmt.Fprintf(&b, "- Speakers: %d (%s%s)\n", len(t.Speakers), strings.Join(preview, ", "), suffix)
	fmt.Fprintf(&b, "- Duration: %dm %ds\n", minutes, seconds)
	fmt.Fprintf(&b, "- Speaking turns: %d\n", len(t.Turns))
	fmt.Fprintf(&b, "- Total text length: %d characters\n", len(t.Text))
	return b.String()
}
