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
	"time"

	"github.com/adshao/go-binance/v2"
	"go.uber.org/zap"

	"gridvault-bot/internal/models"
)

// 币安单次请求最多返回 1000 条
const pageLimit = 1000

var csvHeader = []string{"open_time", "open", "high", "low", "close", "volume", "close_time", "quote_asset_volume", "number_of_trades", "taker_buy_base_asset_volume", "taker_buy_quote_asset_volume"}

// KlineDownloader 用于从币安下载K线数据
type KlineDownloader struct {
	client   *binance.Client
	logger   *zap.Logger
	interval string
	pause    time.Duration // between pages
}

// NewKlineDownloader 创建一个新的下载器实例。baseURL 为空时使用币安默认地址。
func NewKlineDownloader(baseURL string, logger *zap.Logger) *KlineDownloader {
	client := binance.NewClient("", "") // 公共接口不需要API Key
	if baseURL != "" {
		client.BaseURL = baseURL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KlineDownloader{
		client:   client,
		logger:   logger.Named("downloader"),
		interval: "1m",
		pause:    200 * time.Millisecond,
	}
}

// DownloadKlines 下载指定交易对和时间范围内的1分钟K线数据，并保存到CSV文件。
// 如果文件已存在，则会跳过下载，直接使用缓存。
func (d *KlineDownloader) DownloadKlines(ctx context.Context, symbol, filePath string, startTime, endTime time.Time) error {
	if _, err := os.Stat(filePath); err == nil {
		d.logger.Info("using cached klines", zap.String("file", filePath))
		return nil
	}
	if !startTime.Before(endTime) {
		return fmt.Errorf("start %s is not before end %s", startTime.Format(time.DateOnly), endTime.Format(time.DateOnly))
	}

	d.logger.Info("downloading klines",
		zap.String("symbol", symbol),
		zap.Time("start", startTime),
		zap.Time("end", endTime))

	if err := os.MkdirAll(filepath.Dir(filePath), 0o755); err != nil {
		return fmt.Errorf("create directory for %s: %w", filePath, err)
	}

	// 写入临时文件，成功后再改名，避免中断留下半截缓存
	tmpPath := filePath + ".part"
	file, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("create %s: %w", tmpPath, err)
	}
	rows, err := d.writeKlines(ctx, file, symbol, startTime, endTime)
	if cerr := file.Close(); err == nil && cerr != nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, filePath); err != nil {
		return fmt.Errorf("finalize %s: %w", filePath, err)
	}

	d.logger.Info("klines downloaded", zap.String("file", filePath), zap.Int("rows", rows))
	return nil
}

func (d *KlineDownloader) writeKlines(ctx context.Context, w io.Writer, symbol string, startTime, endTime time.Time) (int, error) {
	writer := csv.NewWriter(w)
	if err := writer.Write(csvHeader); err != nil {
		return 0, fmt.Errorf("write csv header: %w", err)
	}

	rows := 0
	endMs := endTime.UnixMilli()
	for t := startTime; t.Before(endTime); {
		klines, err := d.client.NewKlinesService().
			Symbol(symbol).
			Interval(d.interval).
			StartTime(t.UnixMilli()).
			EndTime(endMs).
			Limit(pageLimit).
			Do(ctx)
		if err != nil {
			return rows, fmt.Errorf("download klines for %s: %w", symbol, err)
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
				return rows, fmt.Errorf("write csv record: %w", err)
			}
			rows++
		}

		next := time.UnixMilli(klines[len(klines)-1].CloseTime + 1)
		if !next.After(t) {
			break
		}
		t = next
		d.logger.Debug("klines page downloaded", zap.Time("until", t))

		if d.pause > 0 {
			select {
			case <-ctx.Done():
				return rows, ctx.Err()
			case <-time.After(d.pause):
			}
		}
	}

	writer.Flush()
	return rows, writer.Error()
}

// LoadKlines reads a kline CSV written by DownloadKlines (or any file with the same leading
// columns: open_time in ms, open, high, low, close). Unparsable rows are skipped and counted.
func LoadKlines(path string) ([]models.Kline, int, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("open kline file: %w", err)
	}
	defer file.Close()

	reader := csv.NewReader(file)
	reader.FieldsPerRecord = -1

	var (
		klines  []models.Kline
		skipped int
		first   = true
	)
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, skipped, fmt.Errorf("read kline file: %w", err)
		}
		if first {
			first = false
			if len(record) > 0 && record[0] == csvHeader[0] {
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
		return nil, skipped, fmt.Errorf("kline file %s has no usable rows", path)
	}
	return klines, skipped, nil
}

func parseKline(record []string) (models.Kline, bool) {
	if len(record) < 5 {
		return models.Kline{}, false
	}
	ts, err := strconv.ParseInt(record[0], 10, 64)
	if err != nil {
		return models.Kline{}, false
	}
	var vals [4]float64
	for i := range vals {
		v, err := strconv.ParseFloat(record[i+1], 64)
		if err != nil || v <= 0 {
			return models.Kline{}, false
		}
		vals[i] = v
	}
	return models.Kline{
		OpenTime: time.UnixMilli(ts).UTC(),
		Open:     vals[0],
		High:     vals[1],
		Low:      vals[2],
		Close:    vals[3],
	}, true
}
