package market

import (
	"bytes"
	"math"
	"strings"
	"testing"
	"time"
)

func TestParseTimeframe(t *testing.T) {
	cases := []struct {
		input string
		want  Timeframe
		ok    bool
	}{
		{"M5", M5, true},
		{"m15", M15, true},
		{"1h", H1, true},
		{"4h", H4, true},
		{"D1", D1, true},
		{" 1m ", M1, true},
		{"W1", "", false},
		{"", "", false},
	}

	for _, tc := range cases {
		tf, err := ParseTimeframe(tc.input)
		if tc.ok && err != nil {
			t.Fatalf("ParseTimeframe(%q): unexpected error %v", tc.input, err)
		}
		if !tc.ok {
			if err == nil {
				t.Fatalf("ParseTimeframe(%q): expected error", tc.input)
			}
			continue
		}
		if tf != tc.want {
			t.Fatalf("ParseTimeframe(%q) = %s, want %s", tc.input, tf, tc.want)
		}
	}
}

func TestTimeframeAlign(t *testing.T) {
	ts := time.Date(2024, 3, 5, 14, 37, 12, 0, time.UTC)
	aligned := M15.Align(ts)
	want := time.Date(2024, 3, 5, 14, 30, 0, 0, time.UTC)
	if !aligned.Equal(want) {
		t.Fatalf("M15 align = %v, want %v", aligned, want)
	}
}

func TestBarIndicatorMissingAndNaN(t *testing.T) {
	bar := Bar{Indicators: map[string]float64{"atr": 1.25, "adx": math.NaN()}}

	if v, ok := bar.Indicator("atr"); !ok || v != 1.25 {
		t.Fatalf("expected atr=1.25 present, got %v ok=%v", v, ok)
	}
	if _, ok := bar.Indicator("adx"); ok {
		t.Fatal("NaN indicator must report absent")
	}
	if _, ok := bar.Indicator("ema"); ok {
		t.Fatal("missing indicator must report absent")
	}
}

func TestSeriesValidateRejectsUnorderedBars(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s := &Series{Bars: []Bar{
		{Time: base, Open: 1, High: 2, Low: 1, Close: 1.5},
		{Time: base, Open: 1, High: 2, Low: 1, Close: 1.5},
	}}
	if err := s.Validate(); err == nil {
		t.Fatal("expected validation error for duplicate timestamps")
	}
}

func TestReadCSVWithIndicatorColumns(t *testing.T) {
	data := strings.Join([]string{
		"time,open,high,low,close,volume,atr,ema_fast",
		"2024-01-02 00:00:00,1900.0,1905.0,1898.0,1903.0,120,2.5,1901.2",
		"2024-01-02 00:05:00,1903.0,1906.0,1901.0,1902.0,80,,1902.0",
	}, "\n")

	series, err := ReadCSV(strings.NewReader(data))
	if err != nil {
		t.Fatalf("ReadCSV failed: %v", err)
	}
	if series.Len() != 2 {
		t.Fatalf("expected 2 bars, got %d", series.Len())
	}

	first := series.At(0)
	if first.Open != 1900.0 || first.Close != 1903.0 {
		t.Fatalf("unexpected first bar: %+v", first)
	}
	if atr, ok := first.Indicator("atr"); !ok || atr != 2.5 {
		t.Fatalf("expected atr=2.5, got %v ok=%v", atr, ok)
	}
	if _, ok := series.At(1).Indicator("atr"); ok {
		t.Fatal("empty indicator cell must parse as absent")
	}
}

func TestReadCSVMissingColumn(t *testing.T) {
	data := "time,open,high,low\n2024-01-02 00:00:00,1,2,0.5\n"
	if _, err := ReadCSV(strings.NewReader(data)); err == nil {
		t.Fatal("expected error for missing close column")
	}
}

func TestCSVRoundTripDeterministic(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	series := &Series{Bars: []Bar{
		{Time: base, Open: 10, High: 11, Low: 9, Close: 10.5, Volume: 3,
			Indicators: map[string]float64{"atr": 0.4, "adx": 22}},
		{Time: base.Add(time.Minute), Open: 10.5, High: 12, Low: 10, Close: 11, Volume: 5,
			Indicators: map[string]float64{"atr": 0.45, "adx": 24}},
	}}

	var first, second bytes.Buffer
	if err := WriteCSV(&first, series); err != nil {
		t.Fatalf("WriteCSV failed: %v", err)
	}
	if err := WriteCSV(&second, series); err != nil {
		t.Fatalf("WriteCSV failed: %v", err)
	}
	if !bytes.Equal(first.Bytes(), second.Bytes()) {
		t.Fatal("repeated exports must be byte-identical")
	}

	parsed, err := ReadCSV(bytes.NewReader(first.Bytes()))
	if err != nil {
		t.Fatalf("re-parse failed: %v", err)
	}
	if parsed.Len() != series.Len() {
		t.Fatalf("round trip lost bars: %d != %d", parsed.Len(), series.Len())
	}
	if adx, ok := parsed.At(1).Indicator("adx"); !ok || adx != 24 {
		t.Fatalf("round trip lost indicator: %v ok=%v", adx, ok)
	}
}

func TestHistoryReturnsGrowingPrefix(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s := &Series{}
	for i := 0; i < 5; i++ {
		s.Bars = append(s.Bars, Bar{Time: base.Add(time.Duration(i) * time.Minute), Open: 1, High: 2, Low: 1, Close: 1.5})
	}

	if got := len(s.History(2)); got != 3 {
		t.Fatalf("History(2) len = %d, want 3", got)
	}
	if got := len(s.History(99)); got != 5 {
		t.Fatalf("History beyond end len = %d, want 5", got)
	}
	if s.History(-1) != nil {
		t.Fatal("History(-1) must be nil")
	}
}
