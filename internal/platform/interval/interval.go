// Package interval implements half-open time interval arithmetic shared by
// slot generation and booking conflict detection.
package interval

import (
	"sort"
	"time"
)

// Interval is the half-open range [Start, End). Comparisons use absolute
// instants, so the locations attached to Start and End are irrelevant.
type Interval struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

func New(start, end time.Time) Interval {
	return Interval{Start: start, End: end}
}

// Valid reports whether both bounds are set and Start is before End.
func (i Interval) Valid() bool {
	return !i.Start.IsZero() && !i.End.IsZero() && i.Start.Before(i.End)
}

func (i Interval) Duration() time.Duration {
	return i.End.Sub(i.Start)
}

// UTC returns the interval with both bounds expressed in UTC.
func (i Interval) UTC() Interval {
	return Interval{Start: i.Start.UTC(), End: i.End.UTC()}
}

// Overlaps reports whether a and b share any instant. Intervals that only
// touch at a boundary do not overlap.
func Overlaps(a, b Interval) bool {
	return a.Start.Before(b.End) && a.End.After(b.Start)
}

// OverlapsAny reports whether a overlaps at least one interval in set.
func OverlapsAny(a Interval, set []Interval) bool {
	for _, b := range set {
		if Overlaps(a, b) {
			return true
		}
	}
	return false
}

// Filter returns the candidates that overlap none of busy, preserving order.
func Filter(candidates, busy []Interval) []Interval {
	out := make([]Interval, 0, len(candidates))
	for _, c := range candidates {
		if !OverlapsAny(c, busy) {
			out = append(out, c)
		}
	}
	return out
}

// Sort orders intervals by start, then by end.
func Sort(items []Interval) {
	sort.SliceStable(items, func(i, j int) bool {
		if !items[i].Start.Equal(items[j].Start) {
			return items[i].Start.Before(items[j].Start)
		}
		return items[i].End.Before(items[j].End)
	})
}
