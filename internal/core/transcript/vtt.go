package transcript

import (
	"bufio"
	"fmt"
	"io"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

var (
	timingLine   = regexp.MustCompile(`^((?:\d+:)?\d{2}:\d{2}\.\d{3})\s+-->\s+((?:\d+:)?\d{2}:\d{2}\.\d{3})`)
	voiceTag     = regexp.MustCompile(`^<v(?:\.[^\s>]+)*\s+([^>]+)>`)
	markupTag    = regexp.MustCompile(`<[^>]+>`)
	whitespace   = regexp.MustCompile(`\s+`)
	speakerLabel = regexp.MustCompile(`^([^:(]+?)(?:\s*\([^)]+\))?\s*:\s*(.*)$`)
	quoteReplace = strings.NewReplacer("“", `"`, "”", `"`, "‘", "'", "’", "'")
)

// unknownSpeaker は話者を特定できない発話に付ける名前
const unknownSpeaker = "Unknown"

// ParseVTT は WebVTT 形式のトランスクリプトを解析する。
// 話者は "<v 名前>" タグまたは "名前: 本文" / "名前 (役割): 本文" 形式から取り出す。
func ParseVTT(r io.Reader, recordingID string) (*Transcript, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	headerSeen := false
	var (
		turns     []Turn
		textParts []string
		speakers  = make(map[string]struct{})
		cueStart  time.Duration
		cueEnd    time.Duration
		inCue     bool
		skipBlock bool
		cueLines  []string
	)

	flush := func() {
		if !inCue {
			return
		}
		inCue = false
		raw := strings.Join(cueLines, " ")
		cueLines = cueLines[:0]

		speaker, content := splitSpeaker(raw)
		if content == "" {
			return
		}
		if speaker != "" {
			speakers[speaker] = struct{}{}
			textParts = append(textParts, speaker+": "+content)
		} else {
			speaker = unknownSpeaker
			textParts = append(textParts, content)
		}
		turns = append(turns, Turn{Speaker: speaker, Text: content, Start: cueStart, End: cueEnd})
	}

	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")

		if !headerSeen {
			trimmed := strings.TrimPrefix(strings.TrimSpace(line), "\ufeff")
			if trimmed == "" {
				continue
			}
			if !strings.HasPrefix(trimmed, "WEBVTT") {
				return nil, fmt.Errorf("%w: content must start with WEBVTT", ErrInvalidFormat)
			}
			headerSeen = true
			skipBlock = true
			continue
		}

		if strings.TrimSpace(line) == "" {
			flush()
			skipBlock = false
			continue
		}
		if skipBlock {
			continue
		}

		if inCue {
			cueLines = append(cueLines, line)
			continue
		}

		if m := timingLine.FindStringSubmatch(line); m != nil {
			start, err := parseTimestamp(m[1])
			if err != nil {
				return nil, err
			}
			end, err := parseTimestamp(m[2])
			if err != nil {
				return nil, err
			}
			cueStart, cueEnd = start, end
			inCue = true
			continue
		}

		// NOTE / STYLE / REGION ブロックは読み飛ばす
		if strings.HasPrefix(line, "NOTE") || strings.HasPrefix(line, "STYLE") || strings.HasPrefix(line, "REGION") {
			skipBlock = true
		}
		// それ以外はキュー識別子
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read vtt: %w", err)
	}
	flush()

	if !headerSeen {
		return nil, fmt.Errorf("%w: vtt content is empty", ErrInvalidFormat)
	}

	names := make([]string, 0, len(speakers))
	for name := range speakers {
		names = append(names, name)
	}
	sort.Strings(names)

	var duration time.Duration
	if len(turns) > 0 {
		duration = turns[len(turns)-1].End
	}
	return &Transcript{
		RecordingID: recordingID,
		Text:        strings.Join(textParts, "\n"),
		Speakers:    names,
		Turns:       turns,
		Duration:    duration,
	}, nil
}

// ParseVTTString は文字列の WebVTT を解析する
func ParseVTTString(content, recordingID string) (*Transcript, error) {
	if strings.TrimSpace(content) == "" {
		return nil, fmt.Errorf("%w: vtt content is empty", ErrInvalidFormat)
	}
	return ParseVTT(strings.NewReader(content), recordingID)
}

func splitSpeaker(raw string) (string, string) {
	raw = strings.TrimSpace(raw)
	if m := voiceTag.FindStringSubmatch(raw); m != nil {
		return strings.TrimSpace(m[1]), cleanText(raw[len(m[0]):])
	}

	text := cleanText(raw)
	if m := speakerLabel.FindStringSubmatch(text); m != nil {
		return strings.TrimSpace(m[1]), strings.TrimSpace(m[2])
	}
	return "", text
}

func cleanText(text string) string {
	text = markupTag.ReplaceAllString(text, "")
	text = whitespace.ReplaceAllString(text, " ")
	text = quoteReplace.Replace(text)
	return strings.TrimSpace(text)
}

func parseTimestamp(ts string) (time.Duration, error) {
	parts := strings.Split(ts, ":")
	var hours, minutes int
	var secPart string
	var err error

	switch len(parts) {
	case 3:
		if hours, err = strconv.Atoi(parts[0]); err != nil {
			return 0, fmt.Errorf("%w: bad timestamp %q", ErrInvalidFormat, ts)
		}
		if minutes, err = strconv.Atoi(parts[1]); err != nil {
			return 0, fmt.Errorf("%w: bad timestamp %q", ErrInvalidFormat, ts)
		}
		secPart = parts[2]
	case 2:
		if minutes, err = strconv.Atoi(parts[0]); err != nil {
			return 0, fmt.Errorf("%w: bad timestamp %q", ErrInvalidFormat, ts)
		}
		secPart = parts[1]
	default:
		return 0, fmt.Errorf("%w: bad timestamp %q", ErrInvalidFormat, ts)
	}

	secStr, msStr, ok := strings.Cut(secPart, ".")
	if !ok {
		return 0, fmt.Errorf("%w: bad timestamp %q", ErrInvalidFormat, ts)
	}
	seconds, err := strconv.Atoi(secStr)
	if err != nil {
		return 0, fmt.Errorf("%w: bad timestamp %q", ErrInvalidFormat, ts)
	}
	millis, err := strconv.Atoi(msStr)
	if err != nil {
		return 0, fmt.Errorf("%w: bad timestamp %q", ErrInvalidFormat, ts)
	}

	total := time.Duration(hours)*time.Hour + time.Duration(minutes)*time.Minute
	total += time.Duration(seconds)*time.Second + time.Duration(millis)*time.Millisecond
	return total, nil
}
