package datafeed

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/adshao/go-binance/v2"

	"simtrade/market"
)

// klineFetcher matches the slice of the go-binance klines service we use,
// so tests can substitute canned data.
type klineFetcher interface {
	fetch(ctx context.Context, symbol, interval string, limit int) ([]*binance.Kline, error)
}

type restFetcher struct {
	client *binance.Client
}

func (f *restFetcher) fetch(ctx context.Context, symbol, interval string, limit int) ([]*binance.Kline, error) {
	return f.client.NewKlinesService().
		Symbol(symbol).
		Interval(interval).
		Limit(limit).
		Do(ctx)
}

// BinanceSource fetches recent klines over REST. Only closed candles are
// returned so the last bar never changes between fetches.
type BinanceSource struct {
	Symbol    string
	Timeframe market.Timeframe
	Limit     int

	fetcher klineFetcher
}

// NewBinanceSource wires a source against the public market data API. Keys
// are not needed for klines.
func NewBinanceSource(symbol string, tf market.Timeframe, limit int) *BinanceSource {
	return &BinanceSource{
		Symbol:    symbol,
		Timeframe: tf,
		Limit:     limit,
		fetcher:   &restFetcher{client: binance.NewClient("", "")},
	}
}

func (s *BinanceSource) Load(ctx context.Context) (*market.Series, error) {
	limit := s.Limit
	if limit <= 0 {
		limit = 1000
	}

	klines, err := s.fetcher.fetch(ctx, s.Symbol, s.Timeframe.Interval(), limit)
	if err != nil {
		return nil, fmt.Errorf("fetch %s %s klines: %w", s.Symbol, s.Timeframe, err)
	}

	now := time.Now().UTC()
	bars := make([]market.Bar, 0, len(klines))
	for _, k := range klines {
		closeTime := time.UnixMilli(k.CloseTime).UTC()
		if closeTime.After(now) {
			continue // candle still forming
		}
		bar, err := klineToBar(k)
		if err != nil {
			return nil, err
		}
		bars = append(bars, bar)
	}

	series := &market.Series{Symbol: s.Symbol, Timeframe: s.Timeframe, Bars: bars}
	if err := series.Validate(); err != nil {
		return nil, fmt.Errorf("klines for %s: %w", s.Symbol, err)
	}
	return series, nil
}

func klineToBar(k *binance.Kline) (market.Bar, error) {
	open, err := parseKlineField("open", k.Open)
	if err != nil {
		return market.Bar{}, err
	}
	high, err := parseKlineField("high", k.High)
	if err != nil {
		return market.Bar{}, err
	}
	low, err := parseKlineField("low", k.Low)
	if err != nil {
		return market.Bar{}, err
	}
	closeP, err := parseKlineField("close", k.Close)
	if err != nil {
		return market.Bar{}, err
	}
	volume, err := parseKlineField("volume", k.Volume)
	if err != nil {
		return market.Bar{}, err
	}

	return market.Bar{
		Time:   time.UnixMilli(k.OpenTime).UTC(),
		Open:   open,
		High:   high,
		Low:    low,
		Close:  closeP,
		Volume: volume,
	}, nil
}

func parseKlineField(name, raw string) (float64, error) {
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("parse kline %s %q: %w", name, raw, err)
	}
	return v, nil
}
