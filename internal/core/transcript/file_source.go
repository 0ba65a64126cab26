package transcript

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// FileSource はローカルの .vtt ファイルからトランスクリプトを読み込む
type FileSource struct {
	baseDir string
}

// NewFileSource は新しい FileSource を作成する。
// baseDir が空でない場合、相対パスは baseDir からの相対として解決する。
func NewFileSource(baseDir string) *FileSource {
	return &FileSource{baseDir: baseDir}
}

// Fetch は path の VTT ファイルを解析する
func (s *FileSource) Fetch(ctx context.Context, path string) (*Transcript, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	resolved := path
	if s.baseDir != "" && !filepath.IsAbs(path) {
		resolved = filepath.Join(s.baseDir, path)
	}
	resolved = filepath.Clean(resolved)

	if !strings.EqualFold(filepath.Ext(resolved), ".vtt") {
		return nil, fmt.Errorf("%w: file must have .vtt extension: %s", ErrInvalidFormat, path)
	}

	info, err := os.Stat(resolved)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%w: path is a directory: %s", ErrInvalidFormat, path)
	}

	f, err := os.Open(resolved)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	t, err := ParseVTT(f, path)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	t.Source = "file"
	return t, nil
}
