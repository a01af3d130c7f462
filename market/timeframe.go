package market

import (
	"fmt"
	"strings"
	"time"
)

// Timeframe identifies a bar interval. The canonical form is the MT-style
// name (M1, M5, M15, M30, H1, H4, D1); exchange-style aliases (1m, 5m, 1h,
// 4h, 1d) are accepted on parse.
type Timeframe string

const (
	M1  Timeframe = "M1"
	M5  Timeframe = "M5"
	M15 Timeframe = "M15"
	M30 Timeframe = "M30"
	H1  Timeframe = "H1"
	H4  Timeframe = "H4"
	D1  Timeframe = "D1"
)

var timeframeDurations = map[Timeframe]time.Duration{
	M1:  time.Minute,
	M5:  5 * time.Minute,
	M15: 15 * time.Minute,
	M30: 30 * time.Minute,
	H1:  time.Hour,
	H4:  4 * time.Hour,
	D1:  24 * time.Hour,
}

var timeframeAliases = map[string]Timeframe{
	"1m": M1, "5m": M5, "15m": M15, "30m": M30,
	"1h": H1, "4h": H4, "1d": D1,
}

// ParseTimeframe resolves a timeframe name or alias.
func ParseTimeframe(s string) (Timeframe, error) {
	trimmed := strings.TrimSpace(s)
	tf := Timeframe(strings.ToUpper(trimmed))
	if _, ok := timeframeDurations[tf]; ok {
		return tf, nil
	}
	if tf, ok := timeframeAliases[strings.ToLower(trimmed)]; ok {
		return tf, nil
	}
	return "", fmt.Errorf("unknown timeframe %q", s)
}

// Duration returns the bar interval. Unknown timeframes return zero.
func (tf Timeframe) Duration() time.Duration {
	return timeframeDurations[tf]
}

// Interval returns the exchange-style lowercase alias (1m, 1h, ...), used
// when requesting klines from a venue API.
func (tf Timeframe) Interval() string {
	for alias, canonical := range timeframeAliases {
		if canonical == tf {
			return alias
		}
	}
	return strings.ToLower(string(tf))
}

// Align truncates t down to the start of its containing bar.
func (tf Timeframe) Align(t time.Time) time.Time {
	d := tf.Duration()
	if d <= 0 {
		return t
	}
	return t.Truncate(d)
}
