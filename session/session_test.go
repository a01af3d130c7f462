package session

import (
	"testing"
	"time"
)

func testTable() Table {
	return Table{
		Windows: []Window{
			{Name: "asia", StartHour: 0, EndHour: 7, Multiplier: 0.5},
			{Name: "london", StartHour: 7, EndHour: 12, Multiplier: 1.0},
			{Name: "ny", StartHour: 12, EndHour: 17, Multiplier: 1.0},
			{Name: "rollover", StartHour: 22, EndHour: 2, Multiplier: 0.3, Avoid: true},
		},
		DefaultMultiplier: 0.75,
		StrongTrendADX:    35,
		WeakTrendADX:      20,
	}
}

func at(hour int) time.Time {
	return time.Date(2024, 3, 6, hour, 30, 0, 0, time.UTC) // a Wednesday
}

func TestEvaluateSessionLookup(t *testing.T) {
	table := testTable()

	cases := []struct {
		hour       int
		multiplier float64
		window     string
	}{
		{3, 0.5, "asia"},
		{9, 1.0, "london"},
		{14, 1.0, "ny"},
		{18, 0.75, "default"},
	}

	for _, tc := range cases {
		v := table.Evaluate(at(tc.hour), 25, true)
		if v.Suppress {
			t.Fatalf("hour %d: unexpected suppression: %+v", tc.hour, v)
		}
		if v.Multiplier != tc.multiplier || v.Window != tc.window {
			t.Fatalf("hour %d: got %+v, want mult=%.2f window=%s", tc.hour, v, tc.multiplier, tc.window)
		}
	}
}

func TestEvaluateWrapAroundWindow(t *testing.T) {
	table := testTable()

	for _, hour := range []int{23, 1} {
		v := table.Evaluate(at(hour), 25, true)
		if v.Window != "rollover" {
			t.Fatalf("hour %d: expected rollover window, got %+v", hour, v)
		}
		if v.Multiplier != 0.3 {
			t.Fatalf("hour %d: expected multiplier 0.3, got %+v", hour, v)
		}
	}
	if v := table.Evaluate(at(2), 25, true); v.Window == "rollover" {
		t.Fatalf("hour 2 must be outside the wrap window, got %+v", v)
	}
}

func TestEvaluateStrongTrendOverride(t *testing.T) {
	table := testTable()
	v := table.Evaluate(at(3), 40, true)
	if v.Multiplier != 1.0 || v.Window != "strong-trend" {
		t.Fatalf("expected trend override, got %+v", v)
	}
}

func TestEvaluateAvoidSessionWeakTrendSuppresses(t *testing.T) {
	table := testTable()

	if v := table.Evaluate(at(23), 15, true); !v.Suppress {
		t.Fatalf("expected suppression in avoid window with weak trend, got %+v", v)
	}
	// Without an ADX reading the avoid window still trades at its multiplier.
	if v := table.Evaluate(at(23), 0, false); v.Suppress || v.Multiplier != 0.3 {
		t.Fatalf("expected plain multiplier without adx, got %+v", v)
	}
}

func TestEvaluateZeroMultiplierSuppresses(t *testing.T) {
	table := Table{Windows: []Window{{Name: "dead", StartHour: 0, EndHour: 24, Multiplier: 0}}}
	if v := table.Evaluate(at(5), 25, true); !v.Suppress {
		t.Fatalf("expected suppression for zero multiplier, got %+v", v)
	}
}

func TestCalendarFridayFlattenOnce(t *testing.T) {
	cal := NewCalendar(20)
	friday := time.Date(2024, 3, 8, 19, 0, 0, 0, time.UTC)

	if flatten, skip := cal.Update(friday); flatten || skip {
		t.Fatal("before close hour nothing should happen")
	}

	flatten, skip := cal.Update(friday.Add(time.Hour)) // 20:00
	if !flatten || !skip {
		t.Fatalf("first close-window bar must flatten and skip, got flatten=%v skip=%v", flatten, skip)
	}

	flatten, skip = cal.Update(friday.Add(2 * time.Hour))
	if flatten {
		t.Fatal("flatten must fire exactly once")
	}
	if !skip {
		t.Fatal("skip must persist through the close window")
	}
}

func TestCalendarWeekendSkipClearsMonday(t *testing.T) {
	cal := NewCalendar(20)

	saturday := time.Date(2024, 3, 9, 10, 0, 0, 0, time.UTC)
	if _, skip := cal.Update(saturday); !skip {
		t.Fatal("saturday must skip")
	}
	sunday := saturday.Add(24 * time.Hour)
	if _, skip := cal.Update(sunday); !skip {
		t.Fatal("sunday must skip")
	}

	monday := sunday.Add(24 * time.Hour)
	if _, skip := cal.Update(monday); skip {
		t.Fatal("monday must clear the skip flag")
	}
	if cal.Skipping() {
		t.Fatal("calendar still reports skipping after monday")
	}
}

func TestCalendarDisabledFridayClose(t *testing.T) {
	cal := NewCalendar(-1)
	fridayLate := time.Date(2024, 3, 8, 23, 0, 0, 0, time.UTC)
	if flatten, skip := cal.Update(fridayLate); flatten || skip {
		t.Fatal("disabled friday close must not flatten or skip on friday")
	}
}
