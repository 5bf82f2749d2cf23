package downloader

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadKlines(t *testing.T) {
	data := strings.Join([]string{
		strings.Join(header, ","),
		"1717200000000,67500.1,67600,67400,67550.5,12.5,1717200059999,0,10,0,0",
		"garbage,1,2,3,4,5",
		"1717200060000,67550.5,67700,67500,67690,8.25,1717200119999,0,7,0,0",
	}, "\n")

	klines, skipped, err := LoadKlines(strings.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, 1, skipped)
	require.Len(t, klines, 2)
	assert.Equal(t, time.Date(2024, time.June, 1, 0, 0, 0, 0, time.UTC), klines[0].OpenTime)
	assert.Equal(t, 67550.5, klines[0].Close)
	assert.Equal(t, 8.25, klines[1].Volume)
}

func TestLoadKlinesWithoutHeader(t *testing.T) {
	klines, _, err := LoadKlines(strings.NewReader("1717200000000,1,2,0.5,1.5,100\n"))
	require.NoError(t, err)
	require.Len(t, klines, 1)
	assert.Equal(t, 1.5, klines[0].Close)
}

func TestLoadKlinesEmpty(t *testing.T) {
	_, _, err := LoadKlines(strings.NewReader(strings.Join(header, ",") + "\n"))
	assert.Error(t, err)
}

func TestFileNameRoundTrip(t *testing.T) {
	start := time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC)
	path := FileName("data", "BTCUSDT", start, start.AddDate(0, 1, 0))
	assert.Equal(t, filepath.Join("data", "BTCUSDT-2024-01-01-2024-02-01.csv"), path)
	assert.Equal(t, "BTCUSDT", SymbolFromPath(path))
	assert.Equal(t, "ETHUSDT", SymbolFromPath("/tmp/ETHUSDT.csv"))
}

func TestDownloadKlinesUsesCache(t *testing.T) {
	path := filepath.Join(t.TempDir(), "BTCUSDT.csv")
	require.NoError(t, os.WriteFile(path, []byte("cached"), 0o644))

	d := NewKlineDownloader("", nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, d.DownloadKlines(ctx, "BTCUSDT", path, time.Now().Add(-time.Hour), time.Now()))

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "cached", string(content))
}
