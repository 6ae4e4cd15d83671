package firewall

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// 2026-10-12 is a Monday.
func at(day, hour, minute, second int) time.Time {
	return time.Date(2026, time.October, 12+day, hour, minute, second, 0, time.UTC)
}

func TestTimeWindowSatisfied(t *testing.T) {
	tests := []struct {
		window string
		when   time.Time
		want   bool
	}{
		{"8-13", at(0, 8, 0, 0), true},
		{"8-13", at(2, 12, 59, 59), true},
		{"8-13", at(3, 13, 0, 0), true},
		{"8-13", at(3, 13, 0, 1), false},
		{"8-13", at(3, 7, 59, 59), false},

		{"!8-13", at(0, 10, 0, 0), false},
		{"!8-13", at(0, 8, 0, 0), false},
		{"!8-13", at(0, 7, 59, 59), true},
		{"!8-13", at(0, 22, 0, 0), true},

		{"mon8-tue9:30", at(0, 8, 0, 0), true},
		{"mon8-tue9:30", at(0, 23, 0, 0), true},
		{"mon8-tue9:30", at(1, 9, 30, 0), true},
		{"mon8-tue9:30", at(1, 9, 30, 1), false},
		{"mon8-tue9:30", at(0, 7, 0, 0), false},
		{"mon8-tue9:30", at(4, 12, 0, 0), false},

		// wraps around midnight
		{"22-6", at(0, 23, 0, 0), true},
		{"22-6", at(0, 3, 0, 0), true},
		{"22-6", at(0, 12, 0, 0), false},

		// wraps around the week boundary
		{"fri18-mon6", at(5, 12, 0, 0), true},
		{"fri18-mon6", at(0, 5, 0, 0), true},
		{"fri18-mon6", at(2, 12, 0, 0), false},

		// any range may match
		{"1-2, 20-21:30", at(0, 21, 15, 0), true},
		{"1-2, 20-21:30", at(0, 15, 0, 0), false},

		{"8:15:30-8:15:45", at(0, 8, 15, 40), true},
		{"0-24", at(0, 23, 59, 59), true},
	}

	for _, tc := range tests {
		t.Run(tc.window+"@"+tc.when.Format("Mon15:04:05"), func(t *testing.T) {
			tw, err := ParseTimeWindow(tc.window)
			require.NoError(t, err)
			assert.Equal(t, tc.want, tw.Satisfied(tc.when))
		})
	}
}

func TestTimeWindowRanges(t *testing.T) {
	tw, err := ParseTimeWindow("mon8-tue9:30")
	require.NoError(t, err)
	assert.Equal(t, []SecondRange{{From: 8 * 3600, To: secondsPerDay + 9*3600 + 30*60, Weekly: true}}, tw.Ranges())

	tw, err = ParseTimeWindow("!8-13")
	require.NoError(t, err)
	assert.Equal(t, []SecondRange{{From: 13 * 3600, To: 8 * 3600}}, tw.Ranges())
}

func TestTimeWindowInvalid(t *testing.T) {
	for _, spec := range []string{
		"",
		"8",
		"mon8-13",
		"8-tue13",
		"8:60-9",
		"25-26",
		"24:01-1",
		"funday8-mon9",
		"8-13,",
	} {
		t.Run(spec, func(t *testing.T) {
			_, err := ParseTimeWindow(spec)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidTimeWindow), "got %v", err)
		})
	}
}

func TestParseCondition(t *testing.T) {
	c, err := ParseCondition("8-13")
	require.NoError(t, err)
	assert.True(t, c.Satisfied(at(0, 9, 0, 0)))
	assert.False(t, c.Satisfied(at(0, 14, 0, 0)))

	c, err = ParseCondition(map[string]any{"timewindow": "!8-13"})
	require.NoError(t, err)
	assert.True(t, c.Satisfied(at(0, 14, 0, 0)))

	_, err = ParseCondition(map[string]any{"weather": "sunny"})
	assert.ErrorIs(t, err, ErrUnknownField)

	_, err = ParseCondition(42)
	assert.ErrorIs(t, err, ErrUnknownField)

	_, err = ParseCondition(map[string]any{"timewindow": 8})
	assert.ErrorIs(t, err, ErrInvalidTimeWindow)
}
