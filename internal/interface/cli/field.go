package cli

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/jinford/meeting-snapshot/internal/core/snapshot"
)

// FieldListAction はフィールド定義の一覧を表示するコマンドのアクション
func FieldListAction(ctx context.Context, cmd *cli.Command) error {
	printFields(stdout(cmd), snapshot.DefaultFieldRegistry())
	return nil
}

// FieldShowAction はフィールド定義の詳細を表示するコマンドのアクション
func FieldShowAction(ctx context.Context, cmd *cli.Command) error {
	name := cmd.String("name")
	def, ok := snapshot.DefaultFieldRegistry().Definition(name)
	if !ok {
		return fmt.Errorf("%w: unknown field %q", snapshot.ErrInvalidInput, name)
	}
	printField(stdout(cmd), def)
	return nil
}

func printFields(w io.Writer, registry *snapshot.StaticFieldRegistry) {
	fmt.Fprintf(w, "%-24s  %-10s  %s\n", "NAME", "TYPE", "REQUIRED FOR")
	for _, def := range registry.Fields() {
		fmt.Fprintf(w, "%-24s  %-10s  %s\n", def.Name, def.Type, joinSectionNames(def.RequiredFor))
	}
}

func printField(w io.Writer, def snapshot.FieldDefinition) {
	fmt.Fprintf(w, "\n=== フィールド詳細 ===\n\n")
	fmt.Fprintf(w, "Name:          %s\n", def.Name)
	fmt.Fprintf(w, "Description:   %s\n", def.Description)
	fmt.Fprintf(w, "Type:          %s\n", def.Type)
	if def.Example != "" {
		fmt.Fprintf(w, "Example:       %s\n", def.Example)
	}
	if def.Validation != "" {
		fmt.Fprintf(w, "Validation:    %s\n", def.Validation)
	}
	if len(def.Labels) > 0 {
		fmt.Fprintf(w, "Labels:        %s\n", strings.Join(def.Labels, ", "))
	}
	fmt.Fprintf(w, "Required For:  %s\n", joinSectionNames(def.RequiredFor))
}

func joinSectionNames(names []snapshot.SectionName) string {
	if len(names) == 0 {
		return "-"
	}
	parts := make([]string, len(names))
	for i, name := range names {
		parts[i] = string(name)
	}
	return strings.Join(parts, ", ")
}
