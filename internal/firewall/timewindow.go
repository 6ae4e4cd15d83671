package firewall

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

const secondsPerDay = 86400

var timeRangeRegex = regexp.MustCompile(`(?i)^(!)?\s*(?:([a-z]+)\s*)?(\d{1,2})(?::(\d{2})(?::(\d{2}))?)?\s*-\s*(?:([a-z]+)\s*)?(\d{1,2})(?::(\d{2})(?::(\d{2}))?)?$`)

// weekdayIndex numbers days from Monday = 0.
var weekdayIndex = map[string]int{
	"mon": 0, "monday": 0,
	"tue": 1, "tuesday": 1,
	"wed": 2, "wednesday": 2,
	"thu": 3, "thursday": 3,
	"fri": 4, "friday": 4,
	"sat": 5, "saturday": 5,
	"sun": 6, "sunday": 6,
}

// SecondRange is an inclusive interval in seconds. Weekly ranges count from
// Monday 00:00:00, daily ranges from midnight. From > To means the range is
// satisfied outside [To, From].
type SecondRange struct {
	From   int
	To     int
	Weekly bool
}

func (r SecondRange) satisfied(sec int) bool {
	if r.From <= r.To {
		return r.From <= sec && sec <= r.To
	}
	return !(r.To <= sec && sec <= r.From)
}

// TimeWindow is a set of ranges combined with OR.
type TimeWindow struct {
	ranges []SecondRange
}

// ParseTimeWindow parses comma-separated ranges of the form
// [!][weekday ]HH[:MM[:SS]]-[weekday ]HH[:MM[:SS]].
func ParseTimeWindow(text string) (*TimeWindow, error) {
	tw := &TimeWindow{}
	for _, part := range strings.Split(text, ",") {
		part = strings.TrimSpace(part)
		m := timeRangeRegex.FindStringSubmatch(part)
		if m == nil {
			return nil, policyErrorf(ErrInvalidTimeWindow, "cannot parse %q (part of %q)", part, text)
		}

		fromDay, toDay := strings.ToLower(m[2]), strings.ToLower(m[6])
		if (fromDay == "") != (toDay == "") {
			return nil, policyErrorf(ErrInvalidTimeWindow, "both ends of %q must name a weekday, or neither", part)
		}

		from, err := endpointSeconds(fromDay, m[3], m[4], m[5])
		if err != nil {
			return nil, policyErrorf(ErrInvalidTimeWindow, "%s in %q", err.Error(), part)
		}
		to, err := endpointSeconds(toDay, m[7], m[8], m[9])
		if err != nil {
			return nil, policyErrorf(ErrInvalidTimeWindow, "%s in %q", err.Error(), part)
		}

		if m[1] != "" {
			from, to = to, from
		}
		tw.ranges = append(tw.ranges, SecondRange{From: from, To: to, Weekly: fromDay != ""})
	}
	return tw, nil
}

func endpointSeconds(day, hour, minute, second string) (int, error) {
	h, _ := strconv.Atoi(hour)
	var mi, s int
	if minute != "" {
		mi, _ = strconv.Atoi(minute)
	}
	if second != "" {
		s, _ = strconv.Atoi(second)
	}
	if mi > 59 || s > 59 {
		return 0, errors.New("minutes and seconds must be below 60")
	}
	if h > 24 || (h == 24 && (mi != 0 || s != 0)) {
		return 0, errors.New("hour out of range")
	}

	sec := h*3600 + mi*60 + s
	if day != "" {
		idx, ok := weekdayIndex[day]
		if !ok {
			return 0, fmt.Errorf("unknown weekday %q", day)
		}
		sec += idx * secondsPerDay
	}
	return sec, nil
}

// Ranges returns the parsed ranges.
func (tw *TimeWindow) Ranges() []SecondRange {
	return append([]SecondRange(nil), tw.ranges...)
}

// Satisfied reports whether t falls in any range. Daily ranges use the
// second of the day, weekly ranges the second of the week.
func (tw *TimeWindow) Satisfied(t time.Time) bool {
	daySec := t.Hour()*3600 + t.Minute()*60 + t.Second()
	weekSec := mondayIndex(t.Weekday())*secondsPerDay + daySec
	for _, r := range tw.ranges {
		sec := daySec
		if r.Weekly {
			sec = weekSec
		}
		if r.satisfied(sec) {
			return true
		}
	}
	return false
}

func mondayIndex(d time.Weekday) int {
	return (int(d) + 6) % 7
}
