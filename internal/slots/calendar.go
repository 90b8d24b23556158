// Package slots describes the fixed daily periods in which a hall can be reserved.
package slots

import (
	"errors"
	"fmt"
	"time"
)

// ErrOutOfRange is returned for a period outside 1..PeriodCount.
var ErrOutOfRange = errors.New("period out of range")

const clockLayout = "15:04"

// Period is one slot of the teaching day, numbered from 1.
type Period struct {
	Index int    `json:"period"`
	Start string `json:"start"`
	End   string `json:"end"`
}

func (p Period) Label() string {
	return p.Start + "-" + p.End
}

// Range is the raw start/end pair used to build a Calendar.
type Range struct {
	Start string `yaml:"start"`
	End   string `yaml:"end"`
}

// DefaultRanges is the standard eight-period day.
var DefaultRanges = []Range{
	{Start: "09:50", End: "10:00"},
	{Start: "10:00", End: "10:45"},
	{Start: "11:00", End: "11:50"},
	{Start: "11:50", End: "12:45"},
	{Start: "13:25", End: "14:20"},
	{Start: "14:20", End: "15:05"},
	{Start: "15:10", End: "16:00"},
	{Start: "16:00", End: "16:50"},
}

// Calendar is an immutable ordered list of periods.
type Calendar struct {
	periods []Period
}

// NewCalendar validates ranges: each must be a well-formed HH:MM pair with start before end
// and must not begin before the previous period ends.
func NewCalendar(ranges []Range) (*Calendar, error) {
	if len(ranges) == 0 {
		return nil, errors.New("calendar needs at least one period")
	}
	periods := make([]Period, 0, len(ranges))
	var prevEnd time.Time
	for i, r := range ranges {
		start, err := time.Parse(clockLayout, r.Start)
		if err != nil {
			return nil, fmt.Errorf("period %d: invalid start %q: %w", i+1, r.Start, err)
		}
		end, err := time.Parse(clockLayout, r.End)
		if err != nil {
			return nil, fmt.Errorf("period %d: invalid end %q: %w", i+1, r.End, err)
		}
		if !start.Before(end) {
			return nil, fmt.Errorf("period %d: start %s is not before end %s", i+1, r.Start, r.End)
		}
		if i > 0 && start.Before(prevEnd) {
			return nil, fmt.Errorf("period %d overlaps the previous period", i+1)
		}
		prevEnd = end
		periods = append(periods, Period{Index: i + 1, Start: start.Format(clockLayout), End: end.Format(clockLayout)})
	}
	return &Calendar{periods: periods}, nil
}

// Default returns the standard calendar.
func Default() *Calendar {
	c, err := NewCalendar(DefaultRanges)
	if err != nil {
		panic(err)
	}
	return c
}

func (c *Calendar) PeriodCount() int {
	return len(c.periods)
}

// Describe returns the period with the given 1-based index.
func (c *Calendar) Describe(period int) (Period, error) {
	if period < 1 || period > len(c.periods) {
		return Period{}, fmt.Errorf("%w: %d not in 1..%d", ErrOutOfRange, period, len(c.periods))
	}
	return c.periods[period-1], nil
}

// Label returns "HH:MM-HH:MM" or an empty string for unknown periods.
func (c *Calendar) Label(period int) string {
	p, err := c.Describe(period)
	if err != nil {
		return ""
	}
	return p.Label()
}

func (c *Calendar) Periods() []Period {
	out := make([]Period, len(c.periods))
	copy(out, c.periods)
	return out
}
