package availability

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"cloud.google.com/go/civil"
)

// CalendarDate is a date without a time or zone.
type CalendarDate = civil.Date

var ErrInvalidTimeOfDay = errors.New("invalid time of day")

// TimeOfDay is a wall-clock time with minute precision. It carries no date and
// no zone; it only becomes an instant once paired with both.
type TimeOfDay struct {
	Hour   int
	Minute int
}

// ParseTimeOfDay accepts "H:MM", "HH:MM", "HH:MM:SS" and "HH.MM". Seconds are
// validated and dropped. "24:00" is accepted and means the end of the day; it
// is only usable as an end bound.
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return TimeOfDay{}, fmt.Errorf("%w: empty value", ErrInvalidTimeOfDay)
	}
	s = strings.ReplaceAll(s, ".", ":")
	parts := strings.Split(s, ":")
	if len(parts) < 2 || len(parts) > 3 {
		return TimeOfDay{}, fmt.Errorf("%w: %q", ErrInvalidTimeOfDay, s)
	}
	if n := len(parts[0]); n < 1 || n > 2 || !digits(parts[0]) {
		return TimeOfDay{}, fmt.Errorf("%w: hour in %q", ErrInvalidTimeOfDay, s)
	}
	h, _ := strconv.Atoi(parts[0])
	if len(parts[1]) != 2 || !digits(parts[1]) {
		return TimeOfDay{}, fmt.Errorf("%w: minute in %q", ErrInvalidTimeOfDay, s)
	}
	m, _ := strconv.Atoi(parts[1])
	if len(parts) == 3 {
		if len(parts[2]) != 2 || !digits(parts[2]) {
			return TimeOfDay{}, fmt.Errorf("%w: second in %q", ErrInvalidTimeOfDay, s)
		}
		sec, _ := strconv.Atoi(parts[2])
		if sec > 59 || (h == 24 && sec != 0) {
			return TimeOfDay{}, fmt.Errorf("%w: second in %q", ErrInvalidTimeOfDay, s)
		}
	}
	t := TimeOfDay{Hour: h, Minute: m}
	if !t.Valid() {
		return TimeOfDay{}, fmt.Errorf("%w: %q out of range", ErrInvalidTimeOfDay, s)
	}
	return t, nil
}

func digits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// MustTimeOfDay is ParseTimeOfDay for constants; it panics on bad input.
func MustTimeOfDay(s string) TimeOfDay {
	t, err := ParseTimeOfDay(s)
	if err != nil {
		panic(err)
	}
	return t
}

// TimeOfDayOf returns the wall-clock reading of t in its own location.
func TimeOfDayOf(t time.Time) TimeOfDay {
	return TimeOfDay{Hour: t.Hour(), Minute: t.Minute()}
}

// Valid reports whether t is a time of day or the end of the day.
func (t TimeOfDay) Valid() bool {
	return t.EndOfDay() || (t.Hour >= 0 && t.Hour <= 23 && t.Minute >= 0 && t.Minute <= 59)
}

// EndOfDay reports whether t is 24:00. It anchors to midnight of the next day.
func (t TimeOfDay) EndOfDay() bool {
	return t.Hour == 24 && t.Minute == 0
}

// Minutes returns minutes since midnight.
func (t TimeOfDay) Minutes() int {
	return t.Hour*60 + t.Minute
}

func (t TimeOfDay) Before(o TimeOfDay) bool {
	return t.Minutes() < o.Minutes()
}

// On anchors t to date d in loc. Wall-clock readings that fall into a DST gap
// are normalized by the time package.
func (t TimeOfDay) On(d CalendarDate, loc *time.Location) time.Time {
	return time.Date(d.Year, d.Month, d.Day, t.Hour, t.Minute, 0, 0, loc)
}

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute)
}

func (t TimeOfDay) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t *TimeOfDay) UnmarshalText(b []byte) error {
	parsed, err := ParseTimeOfDay(string(b))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// Weekday returns the day of the week of d.
func Weekday(d CalendarDate) time.Weekday {
	return d.In(time.UTC).Weekday()
}
