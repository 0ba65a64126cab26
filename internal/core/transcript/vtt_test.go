package transcript

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleVTT = `WEBVTT
Kind: captions

NOTE recorded by the meeting platform
spanning two lines

1
00:00:01.000 --> 00:00:04.500
John Smith (CSM): Welcome everyone, thanks for joining.

2
00:00:05.000 --> 00:00:09.250
<v Jane Doe>We are Acme Corp, a company in the Technology industry.</v>

3
00:00:10.000 --> 00:00:12.000
Jane Doe: Our team
is about 50 people.

4
00:01:02.000 --> 00:01:05.125
okay, sounds good
`

func TestParseVTT(t *testing.T) {
	tr, err := ParseVTTString(sampleVTT, "rec-1")
	require.NoError(t, err)

	assert.Equal(t, "rec-1", tr.RecordingID)
	assert.Equal(t, []string{"Jane Doe", "John Smith"}, tr.Speakers)
	require.Len(t, tr.Turns, 4)

	assert.Equal(t, "John Smith", tr.Turns[0].Speaker)
	assert.Equal(t, "Welcome everyone, thanks for joining.", tr.Turns[0].Text)
	assert.Equal(t, time.Second, tr.Turns[0].Start)
	assert.Equal(t, 4500*time.Millisecond, tr.Turns[0].End)

	assert.Equal(t, "Jane Doe", tr.Turns[1].Speaker)
	assert.Equal(t, "We are Acme Corp, a company in the Technology industry.", tr.Turns[1].Text)

	assert.Equal(t, "Our team is about 50 people.", tr.Turns[2].Text)
	assert.Equal(t, unknownSpeaker, tr.Turns[3].Speaker)

	assert.Equal(t, 65125*time.Millisecond, tr.Duration)
	assert.Contains(t, tr.Text, "John Smith: Welcome everyone")
	assert.Contains(t, tr.Text, "\nokay, sounds good")
	assert.NotContains(t, tr.Text, "NOTE")
}

func TestParseVTT_InvalidContent(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{name: "空文字列", content: ""},
		{name: "空白のみ", content: "   \n\n"},
		{name: "ヘッダなし", content: "00:00:01.000 --> 00:00:02.000\nhello\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseVTTString(tt.content, "rec")
			assert.ErrorIs(t, err, ErrInvalidFormat)
		})
	}
}

func TestParseVTT_ShortTimestamps(t *testing.T) {
	tr, err := ParseVTTString("WEBVTT\n\n01:02.500 --> 01:03.000\nAlice: hi\n", "rec")
	require.NoError(t, err)
	assert.Equal(t, 63*time.Second, tr.Duration)
	assert.Equal(t, []string{"Alice"}, tr.Speakers)
}

func TestFileSource_Fetch(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "meeting.vtt"), []byte(sampleVTT), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o600))

	src := NewFileSource(dir)

	tr, err := src.Fetch(t.Context(), "meeting.vtt")
	require.NoError(t, err)
	assert.Equal(t, "file", tr.Source)
	assert.Len(t, tr.Speakers, 2)

	_, err = src.Fetch(t.Context(), "missing.vtt")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = src.Fetch(t.Context(), "notes.txt")
	assert.ErrorIs(t, err, ErrInvalidFormat)
}
