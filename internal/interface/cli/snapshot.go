package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/urfave/cli/v3"

	"github.com/jinford/meeting-snapshot/internal/core/snapshot"
	"github.com/jinford/meeting-snapshot/internal/core/transcript"
)

// ErrInputRequired は入力待ちになったが値を得られなかった場合のエラー
var ErrInputRequired = errors.New("additional input is required")

// Answerer は入力要求に対する値を返す
type Answerer func(ctx context.Context, requests []snapshot.ElicitationRequest, previous error) (map[string]string, error)

// SnapshotGenerateAction はトランスクリプトからスナップショットを生成するコマンドのアクション
func SnapshotGenerateAction(ctx context.Context, cmd *cli.Command) error {
	appCtx, err := NewAppContext(ctx, cmd.String("env"))
	if err != nil {
		return err
	}
	defer appCtx.Close()

	params, err := buildSubmitParams(cmd, appCtx.Config.Workflow.DefaultOutputFormat)
	if err != nil {
		return err
	}
	format, ok := snapshot.ParseOutputFormat(params.Format)
	if !ok {
		return fmt.Errorf("%w: unsupported format %q", snapshot.ErrInvalidInput, params.Format)
	}

	presets, err := parseInputs(cmd.StringSlice("input"))
	if err != nil {
		return err
	}
	answer := presetAnswerer(presets)
	if cmd.Bool("interactive") {
		answer = promptAnswerer(presets, stdin(cmd), os.Stderr)
	}

	logger := appCtx.Logger()
	logger.Info("generating snapshot", "ref", params.TranscriptRef, "sections", len(params.Sections), "format", format)

	doc, err := GenerateSnapshot(ctx, appCtx.Container.SnapshotService, params, answer)
	if err != nil {
		return err
	}

	if err := writeDocument(doc, format, cmd.String("output"), stdout(cmd)); err != nil {
		return err
	}
	logger.Info("snapshot generated",
		"sections", doc.Metadata.TotalSections,
		"averageConfidence", doc.Metadata.AverageConfidence,
	)
	return nil
}

// SnapshotListAction はアーカイブ済みのジョブ一覧を表示するコマンドのアクション
func SnapshotListAction(ctx context.Context, cmd *cli.Command) error {
	appCtx, err := NewAppContext(ctx, cmd.String("env"))
	if err != nil {
		return err
	}
	defer appCtx.Close()

	jobs, err := appCtx.Container.SnapshotService.ListArchived(ctx, cmd.Int("limit"), cmd.Int("offset"))
	if err != nil {
		return err
	}
	printJobs(stdout(cmd), jobs)
	return nil
}

// SnapshotShowAction はアーカイブ済みのスナップショットを表示するコマンドのアクション
func SnapshotShowAction(ctx context.Context, cmd *cli.Command) error {
	id, err := uuid.Parse(cmd.String("id"))
	if err != nil {
		return fmt.Errorf("%w: invalid job id %q", snapshot.ErrInvalidInput, cmd.String("id"))
	}

	appCtx, err := NewAppContext(ctx, cmd.String("env"))
	if err != nil {
		return err
	}
	defer appCtx.Close()

	format, ok := snapshot.ParseOutputFormat(cmd.String("format"))
	if !ok {
		return fmt.Errorf("%w: unsupported format %q", snapshot.ErrInvalidInput, cmd.String("format"))
	}

	if slug := cmd.String("section"); slug != "" {
		section, err := appCtx.Container.SnapshotService.GetSection(ctx, id, slug)
		if err != nil {
			return err
		}
		fmt.Fprintf(stdout(cmd), "## %s\n\n%s\n", section.Section, section.Content)
		return nil
	}

	doc, err := appCtx.Container.SnapshotService.GetResult(ctx, id)
	if err != nil {
		return err
	}
	return writeDocument(doc, format, cmd.String("output"), stdout(cmd))
}

// GenerateSnapshot はジョブを投入して完了まで待ち、入力待ちになった場合は answer で得た値で再開する
func GenerateSnapshot(ctx context.Context, service *snapshot.SnapshotService, params snapshot.SubmitParams, answer Answerer) (*snapshot.FinalDocument, error) {
	job, err := service.Submit(ctx, params)
	if err != nil {
		return nil, err
	}

	var previous error
	for {
		current, err := service.Wait(ctx, job.ID)
		if err != nil {
			if ctx.Err() != nil {
				_ = service.Cancel(job.ID)
			}
			return nil, err
		}

		if current.Status != snapshot.StatusAwaitingInput {
			return service.GetResult(ctx, job.ID)
		}

		values, err := answer(ctx, current.Elicitation, previous)
		if err != nil {
			_ = service.Cancel(job.ID)
			return nil, err
		}
		if _, err := service.ResumeWithInput(ctx, job.ID, values); err != nil {
			if !errors.Is(err, snapshot.ErrInvalidInput) {
				return nil, err
			}
			// 不正な値の場合ジョブは入力待ちのまま残る
			previous = err
			continue
		}
		previous = nil
	}
}

func buildSubmitParams(cmd *cli.Command, defaultFormat string) (snapshot.SubmitParams, error) {
	params := snapshot.SubmitParams{
		TranscriptRef:     strings.TrimSpace(cmd.String("ref")),
		Sections:          cmd.StringSlice("sections"),
		Format:            cmd.String("format"),
		AdditionalContext: cmd.String("context"),
	}
	if params.Format == "" {
		params.Format = defaultFormat
	}

	path := cmd.String("file")
	switch {
	case path != "" && params.TranscriptRef != "":
		return params, fmt.Errorf("%w: specify either --ref or --file, not both", snapshot.ErrInvalidInput)
	case path != "":
		tr, err := readTranscriptFile(path)
		if err != nil {
			return params, err
		}
		params.Transcript = tr
	case params.TranscriptRef == "":
		return params, fmt.Errorf("%w: --ref or --file is required", snapshot.ErrInvalidInput)
	}
	return params, nil
}

func readTranscriptFile(path string) (*transcript.Transcript, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open transcript: %w", err)
	}
	defer f.Close()

	tr, err := transcript.ParseVTT(f, path)
	if err != nil {
		return nil, fmt.Errorf("failed to parse transcript %s: %w", path, err)
	}
	tr.Source = "file"
	return tr, nil
}

// parseInputs は "name=value" 形式の入力値を解釈する
func parseInputs(raw []string) (map[string]string, error) {
	values := make(map[string]string, len(raw))
	for _, item := range raw {
		name, value, ok := strings.Cut(item, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("%w: input must be name=value: %q", snapshot.ErrInvalidInput, item)
		}
		values[name] = strings.TrimSpace(value)
	}
	return values, nil
}

// requestedValues は要求されたフィールドの値だけを取り出す
func requestedValues(requests []snapshot.ElicitationRequest, values map[string]string) map[string]string {
	out := make(map[string]string)
	for _, req := range requests {
		for _, f := range req.Fields {
			if v, ok := values[f.Name]; ok && v != "" {
				out[f.Name] = v
			}
		}
	}
	return out
}

func presetAnswerer(presets map[string]string) Answerer {
	return func(_ context.Context, requests []snapshot.ElicitationRequest, previous error) (map[string]string, error) {
		if previous != nil {
			return nil, previous
		}
		values := requestedValues(requests, presets)
		var missing []string
		for _, req := range requests {
			for _, f := range req.Fields {
				if f.Required && values[f.Name] == "" {
					missing = append(missing, f.Name)
				}
			}
		}
		if len(missing) > 0 {
			return nil, fmt.Errorf("%w: provide --input for %s or use --interactive", ErrInputRequired, strings.Join(missing, ", "))
		}
		return values, nil
	}
}

// promptAnswerer は presets にない値を r から1行ずつ読み取る
func promptAnswerer(presets map[string]string, r io.Reader, w io.Writer) Answerer {
	scanner := bufio.NewScanner(r)
	return func(ctx context.Context, requests []snapshot.ElicitationRequest, previous error) (map[string]string, error) {
		values := requestedValues(requests, presets)
		if previous != nil {
			fmt.Fprintf(w, "\n⚠ %v\n", previous)
			values = make(map[string]string)
		}

		for _, req := range requests {
			fmt.Fprintf(w, "\n%s\n", req.Message)
			for _, f := range req.Fields {
				if values[f.Name] != "" {
					continue
				}
				if err := ctx.Err(); err != nil {
					return nil, err
				}
				fmt.Fprintf(w, "  %s", f.Name)
				if f.Description != "" {
					fmt.Fprintf(w, " (%s)", f.Description)
				}
				if f.Example != "" {
					fmt.Fprintf(w, " [例: %s]", f.Example)
				}
				if !f.Required {
					fmt.Fprint(w, " (省略可)")
				}
				fmt.Fprint(w, ": ")

				if !scanner.Scan() {
					if err := scanner.Err(); err != nil {
						return nil, fmt.Errorf("failed to read input: %w", err)
					}
					return nil, fmt.Errorf("%w: input closed before %s was provided", ErrInputRequired, f.Name)
				}
				if v := strings.TrimSpace(scanner.Text()); v != "" {
					values[f.Name] = v
				}
			}
		}
		return values, nil
	}
}

func writeDocument(doc *snapshot.FinalDocument, format snapshot.OutputFormat, path string, w io.Writer) error {
	if path == "" {
		return snapshot.Render(w, doc, format)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create output file: %w", err)
	}
	if err := snapshot.Render(f, doc, format); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func printJobs(w io.Writer, jobs []snapshot.Job) {
	if len(jobs) == 0 {
		fmt.Fprintln(w, "アーカイブ済みのジョブはありません")
		return
	}
	fmt.Fprintf(w, "%-36s  %-14s  %-20s  %s\n", "ID", "STATUS", "CREATED", "TRANSCRIPT")
	for _, job := range jobs {
		fmt.Fprintf(w, "%-36s  %-14s  %-20s  %s\n",
			job.ID, job.Status, job.CreatedAt.Format("2006-01-02 15:04:05"), job.TranscriptRef)
	}
}
