package testing

import (
	"os"
	"path/filepath"
)

// SampleVTT はテスト用の WebVTT トランスクリプトです
const SampleVTT = `WEBVTT

1
00:00:01.000 --> 00:00:06.000
Jane Smith: Acme Corp rolled out RoutePlanner Cloud to 500 dispatchers starting 2024-03-01.

2
00:00:07.000 --> 00:00:12.000
John Doe: Planning time dropped by 40 percent and we save about $250,000 a year.

3
00:00:13.000 --> 00:00:18.000
Jane Smith: That is roughly a 150% return, and we plan to expand to the new warehouses.
`

// WriteSampleVTT は dir に SampleVTT を書き込み、そのパスを返します
func WriteSampleVTT(dir, name string) (string, error) {
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(SampleVTT), 0o600); err != nil {
		return "", err
	}
	return path, nil
}
