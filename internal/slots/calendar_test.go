package slots

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultCalendar(t *testing.T) {
	c := Default()
	require.Equal(t, 8, c.PeriodCount())

	p, err := c.Describe(1)
	require.NoError(t, err)
	assert.Equal(t, Period{Index: 1, Start: "09:50", End: "10:00"}, p)

	last, err := c.Describe(8)
	require.NoError(t, err)
	assert.Equal(t, "16:00-16:50", last.Label())
	assert.Equal(t, "13:25-14:20", c.Label(5))
}

func TestDescribeOutOfRange(t *testing.T) {
	c := Default()
	for _, period := range []int{0, -1, 9, 100} {
		_, err := c.Describe(period)
		assert.True(t, errors.Is(err, ErrOutOfRange), period)
	}
	assert.Empty(t, c.Label(0))
}

func TestPeriodsIsACopy(t *testing.T) {
	c := Default()
	ps := c.Periods()
	ps[0].Start = "00:00"
	p, _ := c.Describe(1)
	assert.Equal(t, "09:50", p.Start)
}

func TestNewCalendarValidation(t *testing.T) {
	_, err := NewCalendar(nil)
	assert.Error(t, err)

	_, err = NewCalendar([]Range{{Start: "10:00", End: "09:00"}})
	assert.Error(t, err)

	_, err = NewCalendar([]Range{{Start: "9am", End: "10:00"}})
	assert.Error(t, err)

	_, err = NewCalendar([]Range{{Start: "09:00", End: "10:00"}, {Start: "09:30", End: "11:00"}})
	assert.Error(t, err)

	c, err := NewCalendar([]Range{{Start: "8:00", End: "9:00"}})
	require.NoError(t, err)
	assert.Equal(t, "08:00-09:00", c.Label(1))
}
