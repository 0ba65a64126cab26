package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"

	"github.com/jinford/meeting-snapshot/internal/core/snapshot"
	appcli "github.com/jinford/meeting-snapshot/internal/interface/cli"
)

func envFlag() cli.Flag {
	return &cli.StringFlag{
		Name:  "env",
		Usage: "環境変数ファイルパス",
		Value: ".env",
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app := &cli.Command{
		Name:  "meeting-snapshot",
		Usage: "会議のトランスクリプトから Customer Success Snapshot を生成する",
		Commands: []*cli.Command{
			{
				Name:  "snapshot",
				Usage: "スナップショット生成コマンド",
				Commands: []*cli.Command{
					{
						Name:  "generate",
						Usage: "トランスクリプトからスナップショットを生成",
						Flags: []cli.Flag{
							envFlag(),
							&cli.StringFlag{
								Name:  "ref",
								Usage: "トランスクリプト参照（zoom:<meetingID> または file:<path>）",
							},
							&cli.StringFlag{
								Name:  "file",
								Usage: "ローカルの VTT ファイル（--ref の代わりに指定）",
							},
							&cli.StringSliceFlag{
								Name:  "sections",
								Usage: "生成するセクション（名前またはスラッグ、省略時は全セクション）",
							},
							&cli.StringFlag{
								Name:  "format",
								Usage: "出力形式（markdown, json。省略時は WORKFLOW_DEFAULT_OUTPUT_FORMAT）",
							},
							&cli.StringFlag{
								Name:  "context",
								Usage: "解析とセクション生成に渡す補足情報",
							},
							&cli.StringFlag{
								Name:  "output",
								Usage: "出力ファイル（省略時は標準出力）",
							},
							&cli.StringSliceFlag{
								Name:  "input",
								Usage: "入力要求への回答（name=value、複数指定可）",
							},
							&cli.BoolFlag{
								Name:  "interactive",
								Usage: "入力要求に標準入力から回答する",
							},
						},
						Action: appcli.SnapshotGenerateAction,
					},
					{
						Name:  "list",
						Usage: "アーカイブ済みのジョブ一覧を表示",
						Flags: []cli.Flag{
							envFlag(),
							&cli.IntFlag{
								Name:  "limit",
								Usage: "表示件数",
								Value: 20,
							},
							&cli.IntFlag{
								Name:  "offset",
								Usage: "開始位置",
							},
						},
						Action: appcli.SnapshotListAction,
					},
					{
						Name:  "show",
						Usage: "アーカイブ済みのスナップショットを表示",
						Flags: []cli.Flag{
							envFlag(),
							&cli.StringFlag{
								Name:     "id",
								Usage:    "ジョブID",
								Required: true,
							},
							&cli.StringFlag{
								Name:  "section",
								Usage: "表示するセクション（名前またはスラッグ）",
							},
							&cli.StringFlag{
								Name:  "format",
								Usage: "出力形式（markdown, json）",
								Value: "markdown",
							},
							&cli.StringFlag{
								Name:  "output",
								Usage: "出力ファイル（省略時は標準出力）",
							},
						},
						Action: appcli.SnapshotShowAction,
					},
				},
			},
			{
				Name:  "field",
				Usage: "フィールド定義コマンド",
				Commands: []*cli.Command{
					{
						Name:   "list",
						Usage:  "フィールド定義の一覧を表示",
						Action: appcli.FieldListAction,
					},
					{
						Name:  "show",
						Usage: "フィールド定義の詳細を表示",
						Flags: []cli.Flag{
							&cli.StringFlag{
								Name:     "name",
								Usage:    "フィールド名",
								Required: true,
							},
						},
						Action: appcli.FieldShowAction,
					},
				},
			},
			{
				Name:  "zoom",
				Usage: "Zoom 連携コマンド",
				Commands: []*cli.Command{
					{
						Name:  "recordings",
						Usage: "クラウド録画の一覧を表示",
						Flags: []cli.Flag{
							envFlag(),
							&cli.StringFlag{
								Name:  "from",
								Usage: "検索開始日（YYYY-MM-DD、省略時は30日前）",
							},
							&cli.StringFlag{
								Name:  "to",
								Usage: "検索終了日（YYYY-MM-DD、省略時は今日）",
							},
							&cli.StringFlag{
								Name:  "topic",
								Usage: "会議名の部分一致で絞り込み",
							},
							&cli.BoolFlag{
								Name:  "transcript-only",
								Usage: "トランスクリプトのある録画のみ表示",
							},
						},
						Action: appcli.ZoomRecordingsAction,
					},
				},
			},
			{
				Name:  "server",
				Usage: "サーバ関連コマンド",
				Commands: []*cli.Command{
					{
						Name:  "start",
						Usage: "HTTPサーバを起動",
						Flags: []cli.Flag{
							envFlag(),
							&cli.IntFlag{
								Name:  "port",
								Usage: "HTTPポート（省略時は SERVER_PORT またはデフォルトの8080）",
							},
						},
						Action: appcli.ServerStartAction,
					},
				},
			},
		},
	}

	if err := app.Run(ctx, os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "エラー: %v\n", err)
		os.Exit(exitCode(err))
	}
}

// exitCode は失敗の種類ごとに終了コードを分ける
func exitCode(err error) int {
	var stageErr *snapshot.StageError
	switch {
	case errors.Is(err, appcli.ErrInputRequired):
		return 3
	case errors.As(err, &stageErr):
		return 2
	default:
		return 1
	}
}
