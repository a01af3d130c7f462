package session

import "time"

// Calendar tracks the Friday-close / weekend-skip state machine. Constructed
// fresh per run; all state is simulated time derived from bar timestamps.
type Calendar struct {
	FridayCloseHour int // flatten at/after this hour on Friday; <0 disables
	skipTrading     bool
	flattened       bool
}

// NewCalendar builds the weekend calendar. fridayCloseHour of -1 disables
// the Friday flatten while keeping the Saturday/Sunday skip.
func NewCalendar(fridayCloseHour int) *Calendar {
	return &Calendar{FridayCloseHour: fridayCloseHour}
}

// Update advances the calendar to a bar timestamp. flatten is true exactly
// once, on the bar that first enters the Friday close window, signalling
// the driver to close all open positions and cancel pending orders. skip is
// true while new trading is disallowed (close window through the weekend).
func (c *Calendar) Update(at time.Time) (flatten, skip bool) {
	switch at.Weekday() {
	case time.Saturday, time.Sunday:
		c.skipTrading = true
	case time.Friday:
		if c.FridayCloseHour >= 0 && at.Hour() >= c.FridayCloseHour {
			if !c.flattened {
				c.flattened = true
				flatten = true
			}
			c.skipTrading = true
		}
	default:
		if c.skipTrading {
			c.skipTrading = false
			c.flattened = false
		}
	}
	return flatten, c.skipTrading
}

// Skipping reports the current weekend-skip state without advancing it.
func (c *Calendar) Skipping() bool {
	return c.skipTrading
}
