package appointment

import (
	"fmt"
	"time"

	"github.com/teambition/rrule-go"

	"github.com/ehr/scheduler/internal/platform/interval"
	"github.com/ehr/scheduler/internal/platform/timezone"
)

// MaxOccurrences caps how many appointments one series may create.
const MaxOccurrences = 104

// Options returns the recurrence options for r starting at first.
func (r Rule) Options(first time.Time, count int) (rrule.ROption, error) {
	opt := rrule.ROption{Dtstart: first, Count: count, Interval: 1}
	switch r {
	case RuleWeekly:
		opt.Freq = rrule.WEEKLY
	case RuleBiweekly:
		opt.Freq = rrule.WEEKLY
		opt.Interval = 2
	case RuleMonthly:
		opt.Freq = rrule.MONTHLY
	default:
		return rrule.ROption{}, fmt.Errorf("%w: unknown recurrence rule %q", ErrInvalidAppointment, r)
	}
	return opt, nil
}

// Expand returns count occurrences of rule starting at firstStart, each lasting
// duration. Occurrences keep the wall-clock start of firstStart in zone, so a
// 09:00 series stays at 09:00 across DST transitions. Monthly series skip
// months that lack the starting day of month.
func Expand(rule Rule, firstStart time.Time, duration time.Duration, zone string, count int) ([]interval.Interval, error) {
	if count < 1 || count > MaxOccurrences {
		return nil, fmt.Errorf("%w: occurrence count %d outside 1..%d", ErrInvalidAppointment, count, MaxOccurrences)
	}
	if duration <= 0 {
		return nil, fmt.Errorf("%w: non-positive duration %s", ErrInvalidAppointment, duration)
	}
	loc := timezone.Location(zone)
	opt, err := rule.Options(firstStart.In(loc).Truncate(time.Second), count)
	if err != nil {
		return nil, err
	}
	rr, err := rrule.NewRRule(opt)
	if err != nil {
		return nil, fmt.Errorf("build recurrence: %w", err)
	}

	starts := rr.All()
	out := make([]interval.Interval, 0, len(starts))
	for _, s := range starts {
		out = append(out, interval.New(s.UTC(), s.Add(duration).UTC()))
	}
	return out, nil
}
