package snapshot

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ElicitationGate は欠落フィールドの値を外部に求める入力要求を作る
type ElicitationGate struct {
	registry *StaticFieldRegistry
}

// NewElicitationGate は新しい ElicitationGate を作成する
func NewElicitationGate(registry *StaticFieldRegistry) *ElicitationGate {
	if registry == nil {
		registry = DefaultFieldRegistry()
	}
	return &ElicitationGate{registry: registry}
}

// RequestInput はセクションの欠落フィールドに対する入力要求を作る。
// 登録されていないフィールドは含めない。対象フィールドがなければ false を返す。
// 要求全体は、どのフィールドもそのセクションの必須でない場合に限りスキップ可能。
func (g *ElicitationGate) RequestInput(section SectionName, missingFields []string) (ElicitationRequest, bool) {
	req := ElicitationRequest{Section: section, Skippable: true}

	seen := make(map[string]bool)
	for _, name := range missingFields {
		if seen[name] {
			continue
		}
		seen[name] = true

		def, ok := g.registry.Definition(name)
		if !ok {
			continue
		}
		required := g.registry.IsRequired(section, name)
		if required {
			req.Skippable = false
		}
		req.Fields = append(req.Fields, ElicitationField{
			Name:        def.Name,
			Description: def.Description,
			Example:     def.Example,
			Validation:  def.Validation,
			Required:    required,
		})
	}
	if len(req.Fields) == 0 {
		return ElicitationRequest{}, false
	}

	names := make([]string, len(req.Fields))
	for i, f := range req.Fields {
		names[i] = f.Name
	}
	req.Message = fmt.Sprintf("The %s section is missing information that was not found in the transcript: %s. Please provide the values%s.",
		section, strings.Join(names, ", "), skippableSuffix(req.Skippable))

	return req, true
}

func skippableSuffix(skippable bool) string {
	if skippable {
		return " or skip this request"
	}
	return ""
}

// Requests は全セクションの欠落フィールドから入力要求を正規順で作る
func (g *ElicitationGate) Requests(sections []SectionResult) []ElicitationRequest {
	var out []ElicitationRequest
	for _, s := range sortCanonical(sections) {
		if req, ok := g.RequestInput(s.Section, s.MissingFields); ok {
			out = append(out, req)
		}
	}
	return out
}

// ValidateInput は入力値を検証し、セクションごとの値に振り分ける。
// 必須フィールドの未入力、未知のフィールド、検証パターンに合わない値はエラーとする。
func (g *ElicitationGate) ValidateInput(requests []ElicitationRequest, values map[string]string) (map[SectionName]map[string]string, error) {
	requested := make(map[string]bool)
	for _, req := range requests {
		for _, f := range req.Fields {
			requested[f.Name] = true
		}
	}

	var errs []error
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, name := range keys {
		value := strings.TrimSpace(values[name])
		if !requested[name] {
			errs = append(errs, fmt.Errorf("%w: field %q was not requested", ErrInvalidInput, name))
			continue
		}
		if value == "" {
			continue
		}
		if err := g.registry.ValidateValue(name, value); err != nil {
			errs = append(errs, err)
		}
	}

	for _, req := range requests {
		for _, f := range req.Fields {
			if f.Required && strings.TrimSpace(values[f.Name]) == "" {
				errs = append(errs, fmt.Errorf("%w: required field %q for %s is missing", ErrInvalidInput, f.Name, req.Section))
			}
		}
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	out := make(map[SectionName]map[string]string)
	for _, req := range requests {
		for _, f := range req.Fields {
			value := strings.TrimSpace(values[f.Name])
			if value == "" {
				continue
			}
			if out[req.Section] == nil {
				out[req.Section] = make(map[string]string)
			}
			out[req.Section][f.Name] = value
		}
	}
	return out, nil
}

// formatProvidedValues は入力値をプロンプト用に整形する
func formatProvidedValues(values map[string]string) string {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&sb, "- %s: %s\n", k, values[k])
	}
	return sb.String()
}
