package prompts

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"text/template"

	"github.com/jinford/meeting-snapshot/internal/core/snapshot"
)

//go:embed templates/*.tmpl
var embedded embed.FS

// Registry はセクションごとのプロンプトテンプレートを保持する。
// 組み込みテンプレートを基本とし、上書き用ディレクトリに同名のファイルがあればそちらを使う。
type Registry struct {
	templates map[snapshot.SectionName]string
}

var _ snapshot.TemplateRegistry = (*Registry)(nil)

// NewRegistry は組み込みテンプレートと overrideDir のテンプレートから Registry を作成する。
// overrideDir が空の場合は組み込みテンプレートのみを使う。
func NewRegistry(overrideDir string) (*Registry, error) {
	var override fs.FS
	if overrideDir != "" {
		info, err := os.Stat(overrideDir)
		if err != nil {
			return nil, fmt.Errorf("failed to open prompt directory: %w", err)
		}
		if !info.IsDir() {
			return nil, fmt.Errorf("prompt directory %s is not a directory", overrideDir)
		}
		override = os.DirFS(overrideDir)
	}
	return NewRegistryFS(override)
}

// NewRegistryFS は override（nil 可）で組み込みテンプレートを上書きした Registry を作成する
func NewRegistryFS(override fs.FS) (*Registry, error) {
	r := &Registry{templates: make(map[snapshot.SectionName]string)}

	for _, section := range snapshot.CanonicalSections() {
		name := section.Slug() + ".tmpl"

		content, err := readTemplate(override, name)
		if err != nil {
			return nil, err
		}
		if _, err := template.New(name).Parse(content); err != nil {
			return nil, fmt.Errorf("invalid template %s: %w", name, err)
		}
		r.templates[section] = content
	}
	return r, nil
}

func readTemplate(override fs.FS, name string) (string, error) {
	if override != nil {
		b, err := fs.ReadFile(override, name)
		switch {
		case err == nil:
			return string(b), nil
		case !errors.Is(err, fs.ErrNotExist):
			return "", fmt.Errorf("failed to read template %s: %w", name, err)
		}
	}

	b, err := embedded.ReadFile(path.Join("templates", name))
	if err != nil {
		return "", fmt.Errorf("missing built-in template %s: %w", name, err)
	}
	return string(b), nil
}

// TemplateFor はセクションのテンプレートを返す
func (r *Registry) TemplateFor(section snapshot.SectionName) (string, error) {
	tmpl, ok := r.templates[section]
	if !ok {
		return "", fmt.Errorf("%w: %q", snapshot.ErrUnknownSection, section)
	}
	return tmpl, nil
}
