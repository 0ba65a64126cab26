package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/jinford/meeting-snapshot/internal/infra/zoom"
	"github.com/jinford/meeting-snapshot/internal/platform/container"
	"github.com/jinford/meeting-snapshot/internal/platform/logger"
	"github.com/jinford/meeting-snapshot/pkg/config"
)

const dateLayout = "2006-01-02"

// ZoomRecordingsAction は Zoom のクラウド録画一覧を表示するコマンドのアクション
func ZoomRecordingsAction(ctx context.Context, cmd *cli.Command) error {
	cfg, err := config.Load(cmd.String("env"))
	if err != nil {
		return fmt.Errorf("設定の読み込みに失敗: %w", err)
	}
	if !cfg.Zoom.Enabled() {
		return zoom.ErrCredentialsNotSet
	}

	opts, err := listOptions(cmd.String("from"), cmd.String("to"))
	if err != nil {
		return err
	}
	opts.Topic = cmd.String("topic")
	opts.TranscriptOnly = cmd.Bool("transcript-only")

	appLogger := logger.New(logger.Config{Level: logger.ParseLevel(cfg.Log.Level), Format: cfg.Log.Format})
	client, err := container.NewZoomClient(cfg.Zoom, zoom.WithLogger(appLogger))
	if err != nil {
		return err
	}

	recordings, err := client.ListRecordings(ctx, opts)
	if err != nil {
		return err
	}
	printRecordings(stdout(cmd), recordings)
	return nil
}

func listOptions(from, to string) (zoom.ListOptions, error) {
	var opts zoom.ListOptions
	if from != "" {
		t, err := time.Parse(dateLayout, from)
		if err != nil {
			return opts, fmt.Errorf("invalid --from %q (expected YYYY-MM-DD): %w", from, err)
		}
		opts.From = t
	}
	if to != "" {
		t, err := time.Parse(dateLayout, to)
		if err != nil {
			return opts, fmt.Errorf("invalid --to %q (expected YYYY-MM-DD): %w", to, err)
		}
		opts.To = t
	}
	if !opts.From.IsZero() && !opts.To.IsZero() && opts.To.Before(opts.From) {
		return opts, fmt.Errorf("--to must not be before --from")
	}
	return opts, nil
}

func printRecordings(w io.Writer, recordings []zoom.Recording) {
	if len(recordings) == 0 {
		fmt.Fprintln(w, "録画はありません")
		return
	}
	fmt.Fprintf(w, "%-14s  %-17s  %-8s  %-10s  %s\n", "MEETING ID", "START", "MINUTES", "TRANSCRIPT", "TOPIC")
	for _, r := range recordings {
		transcriptMark := "-"
		if r.HasTranscript {
			transcriptMark = "yes"
		}
		fmt.Fprintf(w, "%-14s  %-17s  %-8d  %-10s  %s\n",
			r.MeetingID, r.StartTime.Format("2006-01-02 15:04"), r.Duration, transcriptMark, r.Topic)
	}
	fmt.Fprintln(w, "\nzoom:<MEETING ID> を snapshot generate --ref に指定できます")
}
