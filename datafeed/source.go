package datafeed

import (
	"context"
	"fmt"

	"simtrade/market"
)

// Source loads one bar series for a run.
type Source interface {
	Load(ctx context.Context) (*market.Series, error)
}

// CSVSource reads bars from a local CSV export.
type CSVSource struct {
	Path      string
	Symbol    string
	Timeframe market.Timeframe
}

func (s *CSVSource) Load(ctx context.Context) (*market.Series, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	series, err := market.LoadCSVFile(s.Path)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", s.Path, err)
	}
	if s.Symbol != "" {
		series.Symbol = s.Symbol
	}
	if s.Timeframe != "" {
		series.Timeframe = s.Timeframe
	}
	return series, nil
}
