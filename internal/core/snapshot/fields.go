package snapshot

import (
	_ "embed"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed fields.yaml
var defaultFieldsYAML []byte

// FieldDefinition は入力要求と欠落検出に使うフィールドの定義
type FieldDefinition struct {
	Name        string        `yaml:"name" json:"name"`
	Description string        `yaml:"description" json:"description"`
	Type        string        `yaml:"type" json:"type"`
	Example     string        `yaml:"example" json:"example,omitempty"`
	Validation  string        `yaml:"validation" json:"validation,omitempty"`
	Labels      []string      `yaml:"labels" json:"labels,omitempty"`
	Evidence    string        `yaml:"evidence" json:"evidence,omitempty"`
	RequiredFor []SectionName `yaml:"-" json:"requiredFor"`

	validation *regexp.Regexp
	evidence   *regexp.Regexp
	labels     []*regexp.Regexp
}

// SectionFields はセクションごとのフィールド構成
type SectionFields struct {
	Name      SectionName        `yaml:"name" json:"name"`
	Critical  bool               `yaml:"critical" json:"critical"`
	Required  []string           `yaml:"required" json:"required"`
	Valuable  []string           `yaml:"valuable" json:"valuable"`
	Penalties map[string]float64 `yaml:"penalties" json:"penalties,omitempty"`
}

// FieldRegistry はフィールド定義の参照インターフェース
type FieldRegistry interface {
	Definition(name string) (FieldDefinition, bool)
	RequiredFields(section SectionName) []string
	TrackedFields(section SectionName) []string
	IsRequired(section SectionName, field string) bool
}

// StaticFieldRegistry は YAML から読み込んだ固定のフィールド定義
type StaticFieldRegistry struct {
	fields   map[string]*FieldDefinition
	order    []string
	sections map[SectionName]SectionFields
}

type registryFile struct {
	Fields   []FieldDefinition `yaml:"fields"`
	Sections []SectionFields   `yaml:"sections"`
}

// LoadFieldRegistry は YAML 形式のフィールド定義を読み込む
func LoadFieldRegistry(data []byte) (*StaticFieldRegistry, error) {
	var file registryFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse field registry: %w", err)
	}

	r := &StaticFieldRegistry{
		fields:   make(map[string]*FieldDefinition, len(file.Fields)),
		sections: make(map[SectionName]SectionFields, len(file.Sections)),
	}

	for i := range file.Fields {
		def := file.Fields[i]
		if def.Name == "" {
			return nil, fmt.Errorf("field #%d has no name", i)
		}
		if _, dup := r.fields[def.Name]; dup {
			return nil, fmt.Errorf("duplicate field %q", def.Name)
		}
		if err := def.compile(); err != nil {
			return nil, err
		}
		r.fields[def.Name] = &def
		r.order = append(r.order, def.Name)
	}

	for _, sec := range file.Sections {
		if !sec.Name.Valid() {
			return nil, fmt.Errorf("%w: %q", ErrUnknownSection, sec.Name)
		}
		for _, name := range append(append([]string{}, sec.Required...), sec.Valuable...) {
			if _, ok := r.fields[name]; !ok {
				return nil, fmt.Errorf("section %q references unknown field %q", sec.Name, name)
			}
		}
		for name, penalty := range sec.Penalties {
			if _, ok := r.fields[name]; !ok {
				return nil, fmt.Errorf("section %q penalizes unknown field %q", sec.Name, name)
			}
			if penalty < 0 || penalty > 1 {
				return nil, fmt.Errorf("section %q penalty for %q out of range: %v", sec.Name, name, penalty)
			}
		}
		for _, name := range sec.Required {
			r.fields[name].RequiredFor = append(r.fields[name].RequiredFor, sec.Name)
		}
		r.sections[sec.Name] = sec
	}

	return r, nil
}

// DefaultFieldRegistry は組み込みのフィールド定義を返す
func DefaultFieldRegistry() *StaticFieldRegistry {
	r, err := LoadFieldRegistry(defaultFieldsYAML)
	if err != nil {
		panic(fmt.Sprintf("embedded field registry is invalid: %v", err))
	}
	return r
}

func (d *FieldDefinition) compile() error {
	if d.Validation != "" {
		re, err := regexp.Compile(d.Validation)
		if err != nil {
			return fmt.Errorf("field %q: invalid validation pattern: %w", d.Name, err)
		}
		d.validation = re
	}
	if d.Evidence != "" {
		re, err := regexp.Compile(d.Evidence)
		if err != nil {
			return fmt.Errorf("field %q: invalid evidence pattern: %w", d.Name, err)
		}
		d.evidence = re
	}
	d.labels = d.labels[:0]
	for _, label := range d.Labels {
		// "Label:" / "**Label**:" の形だけをラベルとみなす
		re, err := regexp.Compile(`(?i)\b` + regexp.QuoteMeta(label) + `\b[\s*_]*:`)
		if err != nil {
			return fmt.Errorf("field %q: invalid label %q: %w", d.Name, label, err)
		}
		d.labels = append(d.labels, re)
	}
	return nil
}

// Definition はフィールド定義を返す
func (r *StaticFieldRegistry) Definition(name string) (FieldDefinition, bool) {
	def, ok := r.fields[name]
	if !ok {
		return FieldDefinition{}, false
	}
	return *def, true
}

// Fields は定義順のフィールド一覧を返す
func (r *StaticFieldRegistry) Fields() []FieldDefinition {
	out := make([]FieldDefinition, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, *r.fields[name])
	}
	return out
}

// RequiredFields はセクションの必須フィールドを返す
func (r *StaticFieldRegistry) RequiredFields(section SectionName) []string {
	return append([]string(nil), r.sections[section].Required...)
}

// ValuableFields はセクションの有用（任意）フィールドを返す
func (r *StaticFieldRegistry) ValuableFields(section SectionName) []string {
	return append([]string(nil), r.sections[section].Valuable...)
}

// TrackedFields は欠落検出の対象となるフィールド（必須 + 有用）を返す
func (r *StaticFieldRegistry) TrackedFields(section SectionName) []string {
	sec := r.sections[section]
	out := make([]string, 0, len(sec.Required)+len(sec.Valuable))
	out = append(out, sec.Required...)
	out = append(out, sec.Valuable...)
	return out
}

// IsRequired は field が section の必須フィールドかどうかを返す
func (r *StaticFieldRegistry) IsRequired(section SectionName, field string) bool {
	for _, name := range r.sections[section].Required {
		if name == field {
			return true
		}
	}
	return false
}

// Penalties はセクションの欠落時減点を返す
func (r *StaticFieldRegistry) Penalties(section SectionName) map[string]float64 {
	src := r.sections[section].Penalties
	out := make(map[string]float64, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}

// CriticalSections は文書に必ず含まれるべきセクションを正規順で返す
func (r *StaticFieldRegistry) CriticalSections() []SectionName {
	var out []SectionName
	for _, name := range canonicalSections {
		if r.sections[name].Critical {
			out = append(out, name)
		}
	}
	return out
}

// Section はセクションのフィールド構成を返す
func (r *StaticFieldRegistry) Section(section SectionName) (SectionFields, bool) {
	sec, ok := r.sections[section]
	return sec, ok
}

// ValidateValue は値がフィールドの検証パターンに合うかを確認する
func (r *StaticFieldRegistry) ValidateValue(field, value string) error {
	def, ok := r.fields[field]
	if !ok {
		return fmt.Errorf("%w: unknown field %q", ErrInvalidInput, field)
	}
	value = strings.TrimSpace(value)
	if value == "" {
		return fmt.Errorf("%w: value for %q is empty", ErrInvalidInput, field)
	}
	if def.validation != nil && !def.validation.MatchString(value) {
		return fmt.Errorf("%w: value for %q does not match %s (example: %s)", ErrInvalidInput, field, def.Validation, def.Example)
	}
	return nil
}

// FieldNames はすべてのフィールド名をソートして返す
func (r *StaticFieldRegistry) FieldNames() []string {
	out := append([]string(nil), r.order...)
	sort.Strings(out)
	return out
}

// findLabel はラベルの直後の位置を返す。見つからない場合は -1。
func (d *FieldDefinition) findLabel(content string) int {
	best := -1
	for _, re := range d.labels {
		if loc := re.FindStringIndex(content); loc != nil && (best < 0 || loc[1] < best) {
			best = loc[1]
		}
	}
	return best
}

// hasEvidence は値の存在を示すパターンに一致するかを返す
func (d *FieldDefinition) hasEvidence(content string) bool {
	return d.evidence != nil && d.evidence.MatchString(content)
}

var _ FieldRegistry = (*StaticFieldRegistry)(nil)
