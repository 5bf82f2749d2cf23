// Package downloader fetches historical klines from Binance into CSV files and reads them back
// for replay runs.
package downloader

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/adshao/go-binance/v2"
	"go.uber.org/zap"
)

// pageSize is the largest kline page Binance serves per request.
const pageSize = 1000

var header = []string{"open_time", "open", "high", "low", "close", "volume", "close_time", "quote_asset_volume", "number_of_trades", "taker_buy_base_asset_volume", "taker_buy_quote_asset_volume"}

// KlineDownloader downloads klines through the public market data API.
type KlineDownloader struct {
	client   *binance.Client
	interval string
	pause    time.Duration
	logger   *zap.Logger
}

// NewKlineDownloader creates a downloader. Public endpoints need no API key.
func NewKlineDownloader(interval string, logger *zap.Logger) *KlineDownloader {
	if interval == "" {
		interval = "1m"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KlineDownloader{
		client:   binance.NewClient("", ""),
		interval: interval,
		pause:    200 * time.Millisecond,
		logger:   logger,
	}
}

// DownloadKlines writes the klines of symbol between start and end to filePath.
// An existing file is treated as a cache hit and left untouched.
func (d *KlineDownloader) DownloadKlines(ctx context.Context, symbol, filePath string, start, end time.Time) error {
	if _, err := os.Stat(filePath); err == nil {
		d.logger.Info("Using cached klines", zap.String("file", filePath))
		return nil
	}

	d.logger.Info("Downloading klines",
		zap.String("symbol", symbol),
		zap.String("interval", d.interval),
		zap.Time("start", start),
		zap.Time("end", end))

	if err := os.MkdirAll(filepath.Dir(filePath), 0o755); err != nil {
		return fmt.Errorf("create directory for %s: %w", filePath, err)
	}
	// The cache entry only appears once the download has completed.
	tmp := filePath + ".part"
	file, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create %s: %w", tmp, err)
	}
	defer os.Remove(tmp)

	writer := csv.NewWriter(file)
	if err := writer.Write(header); err != nil {
		file.Close()
		return fmt.Errorf("write CSV header: %w", err)
	}

	rows := 0
	for t := start; t.Before(end); {
		klines, err := d.client.NewKlinesService().
			Symbol(symbol).
			Interval(d.interval).
			StartTime(t.UnixMilli()).
			EndTime(end.UnixMilli()).
			Limit(pageSize).
			Do(ctx)
		if err != nil {
			file.Close()
			return fmt.Errorf("download klines: %w", err)
		}
		if len(klines) == 0 {
			break
		}

		for _, k := range klines {
			record := []string{
				strconv.FormatInt(k.OpenTime, 10),
				k.Open,
				k.High,
				k.Low,
				k.Close,
				k.Volume,
				strconv.FormatInt(k.CloseTime, 10),
				k.QuoteAssetVolume,
				strconv.FormatInt(k.TradeNum, 10),
				k.TakerBuyBaseAssetVolume,
				k.TakerBuyQuoteAssetVolume,
			}
			if err := writer.Write(record); err != nil {
				file.Close()
				return fmt.Errorf("write CSV record: %w", err)
			}
		}
		rows += len(klines)

		t = time.UnixMilli(klines[len(klines)-1].CloseTime + 1)
		d.logger.Debug("Downloaded klines up to", zap.Time("time", t), zap.Int("rows", rows))

		select {
		case <-ctx.Done():
			file.Close()
			return ctx.Err()
		case <-time.After(d.pause):
		}
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		file.Close()
		return fmt.Errorf("flush CSV: %w", err)
	}
	if err := file.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, filePath); err != nil {
		return err
	}
	d.logger.Info("Klines saved", zap.String("file", filePath), zap.Int("rows", rows))
	return nil
}

// Kline is one bar read back from a CSV file.
type Kline struct {
	OpenTime time.Time
	Open     float64
	High     float64
	Low      float64
	Close    float64
	Volume   float64
}

// LoadKlines reads a kline CSV written by DownloadKlines. Rows that fail to parse are skipped
// and counted.
func LoadKlines(r io.Reader) (klines []Kline, skipped int, err error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	first := true
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, skipped, fmt.Errorf("read CSV: %w", err)
		}
		if first {
			first = false
			if record[0] == header[0] {
				continue
			}
		}
		k, ok := parseKline(record)
		if !ok {
			skipped++
			continue
		}
		klines = append(klines, k)
	}
	if len(klines) == 0 {
		return nil, skipped, errors.New("no klines in file")
	}
	return klines, skipped, nil
}

// LoadKlinesFile opens path and reads it with LoadKlines.
func LoadKlinesFile(path string) ([]Kline, int, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	defer file.Close()
	return LoadKlines(file)
}

func parseKline(record []string) (Kline, bool) {
	if len(record) < 6 {
		return Kline{}, false
	}
	ms, err := strconv.ParseInt(record[0], 10, 64)
	if err != nil {
		return Kline{}, false
	}
	var values [5]float64
	for i := range values {
		v, err := strconv.ParseFloat(record[i+1], 64)
		if err != nil {
			return Kline{}, false
		}
		values[i] = v
	}
	return Kline{
		OpenTime: time.UnixMilli(ms).UTC(),
		Open:     values[0],
		High:     values[1],
		Low:      values[2],
		Close:    values[3],
		Volume:   values[4],
	}, true
}

// FileName returns the conventional cache path for a download, e.g. "data/BTCUSDT-2024-01-01-2024-02-01.csv".
func FileName(dir, symbol string, start, end time.Time) string {
	return filepath.Join(dir, fmt.Sprintf("%s-%s-%s.csv", symbol, start.Format("2006-01-02"), end.Format("2006-01-02")))
}

// SymbolFromPath extracts the symbol from a path built by FileName.
func SymbolFromPath(path string) string {
	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	symbol, _, _ := strings.Cut(name, "-")
	return symbol
}
