package cycle

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Schedule maps timestamps to cycle keys. Closings holds each shift's end as
// an offset from local midnight; the last closing is always 24h.
type Schedule struct {
	Closings []time.Duration
	Location *time.Location
}

// Daily returns a single-shift schedule.
func Daily(loc *time.Location) Schedule {
	if loc == nil {
		loc = time.UTC
	}
	return Schedule{Closings: []time.Duration{24 * time.Hour}, Location: loc}
}

// ParseSchedule reads closing times like "08:00,16:00,24:00".
func ParseSchedule(raw string, loc *time.Location) (Schedule, error) {
	if loc == nil {
		loc = time.UTC
	}
	if strings.TrimSpace(raw) == "" {
		return Daily(loc), nil
	}
	var closings []time.Duration
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		var h, m int
		if _, err := fmt.Sscanf(part, "%d:%d", &h, &m); err != nil {
			return Schedule{}, fmt.Errorf("cycle: closing time %q: %w", part, err)
		}
		offset := time.Duration(h)*time.Hour + time.Duration(m)*time.Minute
		if offset <= 0 || offset > 24*time.Hour {
			return Schedule{}, fmt.Errorf("cycle: closing time %q out of range", part)
		}
		closings = append(closings, offset)
	}
	sort.Slice(closings, func(i, j int) bool { return closings[i] < closings[j] })
	for i := 1; i < len(closings); i++ {
		if closings[i] == closings[i-1] {
			return Schedule{}, fmt.Errorf("cycle: duplicate closing time %s", closings[i])
		}
	}
	if closings[len(closings)-1] != 24*time.Hour {
		closings = append(closings, 24*time.Hour)
	}
	return Schedule{Closings: closings, Location: loc}, nil
}

// Shifts returns the number of shifts per day.
func (s Schedule) Shifts() int {
	if len(s.Closings) == 0 {
		return 1
	}
	return len(s.Closings)
}

func (s Schedule) loc() *time.Location {
	if s.Location == nil {
		return time.UTC
	}
	return s.Location
}

// KeyFor returns the cycle key covering t.
func (s Schedule) KeyFor(t time.Time) Key {
	local := t.In(s.loc())
	y, m, d := local.Date()
	midnight := time.Date(y, m, d, 0, 0, 0, 0, s.loc())
	offset := local.Sub(midnight)
	shift := 0
	for i, closing := range s.Closings {
		if offset < closing {
			shift = i
			break
		}
	}
	return NewKey(time.Date(y, m, d, 0, 0, 0, 0, time.UTC), shift)
}

// Previous returns the key immediately before k.
func (s Schedule) Previous(k Key) Key {
	if k.Shift > 0 {
		return Key{Date: k.Date, Shift: k.Shift - 1}
	}
	return Key{Date: k.Date.AddDate(0, 0, -1), Shift: s.Shifts() - 1}
}

// Next returns the key immediately after k.
func (s Schedule) Next(k Key) Key {
	if k.Shift < s.Shifts()-1 {
		return Key{Date: k.Date, Shift: k.Shift + 1}
	}
	return Key{Date: k.Date.AddDate(0, 0, 1), Shift: 0}
}

// ClosesAt returns the wall-clock instant at which k's shift ends.
func (s Schedule) ClosesAt(k Key) time.Time {
	y, m, d := k.Date.Date()
	midnight := time.Date(y, m, d, 0, 0, 0, 0, s.loc())
	idx := k.Shift
	if idx >= len(s.Closings) {
		idx = len(s.Closings) - 1
	}
	if idx < 0 {
		return midnight.Add(24 * time.Hour)
	}
	return midnight.Add(s.Closings[idx])
}

// Validate checks that k's shift exists in the schedule.
func (s Schedule) Validate(k Key) error {
	if k.Shift < 0 || k.Shift >= s.Shifts() {
		return fmt.Errorf("%w: %d (schedule has %d)", ErrInvalidShift, k.Shift, s.Shifts())
	}
	return nil
}
