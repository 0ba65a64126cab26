package snapshot

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// sectionTask は1セクション分の処理。
// 返すエラーはキャンセルのみで、それ以外の失敗は劣化した SectionResult として返す。
type sectionTask func(ctx context.Context, name SectionName) (SectionResult, error)

// fanOut は names の各セクションに task を実行し、names と同じ順序で結果を返す。
// parallel の場合はセクションごとに goroutine を起動し、すべて揃うまで待つ。
// いずれかがキャンセルを返した場合、残りも中断して部分的な結果は返さない。
func fanOut(ctx context.Context, parallel bool, limit int, names []SectionName, task sectionTask) ([]SectionResult, error) {
	results := make([]SectionResult, len(names))

	if !parallel {
		for i, name := range names {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			res, err := task(ctx, name)
			if err != nil {
				return nil, err
			}
			results[i] = res
		}
		return results, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	if limit > 0 {
		g.SetLimit(limit)
	}
	for i, name := range names {
		g.Go(func() error {
			res, err := task(gctx, name)
			if err != nil {
				return err
			}
			// 各 goroutine は自分の添字にだけ書き込む
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return results, nil
}
