package market

import (
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"
)

// csvTimeLayouts are tried in order when parsing the time column. The first
// two are what MT-style exporters emit; RFC3339 covers our own exports.
var csvTimeLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006.01.02 15:04",
}

// ReadCSV parses a bar series from a header-carrying CSV stream. The
// required columns are time, open, high, low, close; volume is optional and
// every remaining column is attached as a named indicator.
func ReadCSV(r io.Reader) (*Series, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("read csv header: %w", err)
	}

	cols := make(map[string]int, len(header))
	for i, name := range header {
		cols[strings.ToLower(strings.TrimSpace(name))] = i
	}
	for _, required := range []string{"time", "open", "high", "low", "close"} {
		if _, ok := cols[required]; !ok {
			return nil, fmt.Errorf("csv missing required column %q", required)
		}
	}

	var indicatorCols []string
	for name := range cols {
		switch name {
		case "time", "open", "high", "low", "close", "volume":
		default:
			indicatorCols = append(indicatorCols, name)
		}
	}
	sort.Strings(indicatorCols)

	series := &Series{}
	line := 1
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read csv line %d: %w", line+1, err)
		}
		line++

		ts, err := parseCSVTime(record[cols["time"]])
		if err != nil {
			return nil, fmt.Errorf("csv line %d: %w", line, err)
		}

		bar := Bar{Time: ts}
		if bar.Open, err = parsePrice(record[cols["open"]]); err != nil {
			return nil, fmt.Errorf("csv line %d open: %w", line, err)
		}
		if bar.High, err = parsePrice(record[cols["high"]]); err != nil {
			return nil, fmt.Errorf("csv line %d high: %w", line, err)
		}
		if bar.Low, err = parsePrice(record[cols["low"]]); err != nil {
			return nil, fmt.Errorf("csv line %d low: %w", line, err)
		}
		if bar.Close, err = parsePrice(record[cols["close"]]); err != nil {
			return nil, fmt.Errorf("csv line %d close: %w", line, err)
		}
		if idx, ok := cols["volume"]; ok {
			bar.Volume, _ = strconv.ParseFloat(strings.TrimSpace(record[idx]), 64)
		}

		if len(indicatorCols) > 0 {
			bar.Indicators = make(map[string]float64, len(indicatorCols))
			for _, name := range indicatorCols {
				raw := strings.TrimSpace(record[cols[name]])
				if raw == "" {
					bar.Indicators[name] = math.NaN()
					continue
				}
				v, err := strconv.ParseFloat(raw, 64)
				if err != nil {
					v = math.NaN()
				}
				bar.Indicators[name] = v
			}
		}

		series.Bars = append(series.Bars, bar)
	}

	if err := series.Validate(); err != nil {
		return nil, err
	}
	return series, nil
}

// LoadCSVFile reads a bar series from disk.
func LoadCSVFile(path string) (*Series, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open bar file: %w", err)
	}
	defer f.Close()

	series, err := ReadCSV(f)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return series, nil
}

// WriteCSV serializes a series with indicator columns in sorted order so
// repeated exports of the same data are byte-identical.
func WriteCSV(w io.Writer, s *Series) error {
	indicatorCols := indicatorNames(s)

	writer := csv.NewWriter(w)
	header := append([]string{"time", "open", "high", "low", "close", "volume"}, indicatorCols...)
	if err := writer.Write(header); err != nil {
		return err
	}

	record := make([]string, 0, len(header))
	for _, bar := range s.Bars {
		record = record[:0]
		record = append(record,
			bar.Time.UTC().Format(time.RFC3339),
			formatPrice(bar.Open),
			formatPrice(bar.High),
			formatPrice(bar.Low),
			formatPrice(bar.Close),
			strconv.FormatFloat(bar.Volume, 'f', -1, 64),
		)
		for _, name := range indicatorCols {
			v, ok := bar.Indicator(name)
			if !ok {
				record = append(record, "")
				continue
			}
			record = append(record, strconv.FormatFloat(v, 'f', -1, 64))
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

func indicatorNames(s *Series) []string {
	seen := make(map[string]bool)
	for _, bar := range s.Bars {
		for name := range bar.Indicators {
			seen[name] = true
		}
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func parseCSVTime(raw string) (time.Time, error) {
	trimmed := strings.TrimSpace(raw)
	for _, layout := range csvTimeLayouts {
		if ts, err := time.Parse(layout, trimmed); err == nil {
			return ts.UTC(), nil
		}
	}
	// Epoch milliseconds, as exchange kline dumps use.
	if ms, err := strconv.ParseInt(trimmed, 10, 64); err == nil && ms > 0 {
		return time.UnixMilli(ms).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("unparseable time %q", raw)
}

func parsePrice(raw string) (float64, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return 0, err
	}
	return v, nil
}

func formatPrice(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
