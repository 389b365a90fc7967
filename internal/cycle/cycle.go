package cycle

import (
	"time"

	"github.com/smallbiznis/partnerpay/internal/category"
)

// Cycle is a closed settlement window. End is the last millisecond of the
// window, so the next cycle starts exactly one millisecond after End.
type Cycle struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

const resolution = time.Millisecond

func (c Cycle) Contains(t time.Time) bool {
	return !t.Before(c.Start) && t.Before(c.End.Add(resolution))
}

// Closed reports whether the whole window lies before now.
func (c Cycle) Closed(now time.Time) bool {
	return now.After(c.End)
}

func (c Cycle) IsZero() bool {
	return c.Start.IsZero() && c.End.IsZero()
}

func (c Cycle) String() string {
	return c.Start.Format(time.DateOnly) + "/" + c.End.Format(time.DateOnly)
}

// ForType returns the cycle of the given type containing ref.
func ForType(t category.CycleType, ref time.Time, loc *time.Location) Cycle {
	if loc == nil {
		loc = time.UTC
	}
	local := ref.In(loc)
	y, m, d := local.Date()

	var start, next time.Time
	switch t {
	case category.CycleWeekly:
		offset := (int(local.Weekday()) + 6) % 7
		start = time.Date(y, m, d-offset, 0, 0, 0, 0, loc)
		next = start.AddDate(0, 0, 7)
	default:
		if d <= 15 {
			start = time.Date(y, m, 1, 0, 0, 0, 0, loc)
			next = time.Date(y, m, 16, 0, 0, 0, 0, loc)
		} else {
			start = time.Date(y, m, 16, 0, 0, 0, 0, loc)
			next = time.Date(y, m+1, 1, 0, 0, 0, 0, loc)
		}
	}
	return Cycle{Start: start, End: next.Add(-resolution)}
}

func Next(t category.CycleType, c Cycle) Cycle {
	return ForType(t, c.End.Add(resolution), c.End.Location())
}

func Prev(t category.CycleType, c Cycle) Cycle {
	return ForType(t, c.Start.Add(-resolution), c.Start.Location())
}
