package availability

import (
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/ehr/scheduler/internal/platform/interval"
)

// SlotsPerDay is the number of slot positions the practice store keeps per day.
const SlotsPerDay = 3

// Week lists the days in the order the practice displays them.
var Week = []time.Weekday{
	time.Monday, time.Tuesday, time.Wednesday, time.Thursday,
	time.Friday, time.Saturday, time.Sunday,
}

// DayName returns the lowercase English name used in column keys and ids.
func DayName(d time.Weekday) string {
	return strings.ToLower(d.String())
}

// ParseDayName is the inverse of DayName. It also accepts three-letter forms.
func ParseDayName(s string) (time.Weekday, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	for _, d := range Week {
		name := DayName(d)
		if s == name || s == name[:3] {
			return d, true
		}
	}
	return 0, false
}

// Slot is one weekly availability range.
type Slot struct {
	Day    time.Weekday `json:"-"`
	Number int          `json:"slot_number"`
	Start  TimeOfDay    `json:"start_time"`
	End    TimeOfDay    `json:"end_time"`
	Zone   string       `json:"zone"`
}

// ID identifies the slot within its pattern, e.g. "monday-2".
func (s Slot) ID() string {
	return fmt.Sprintf("%s-%d", DayName(s.Day), s.Number)
}

// Valid checks the slot invariants: well-formed times and start before end.
func (s Slot) Valid() bool {
	return s.Start.Valid() && s.End.Valid() && s.Start.Before(s.End) && s.Number > 0
}

type DayAvailability struct {
	Available bool   `json:"is_available"`
	Slots     []Slot `json:"slots"`
}

// WeeklyPattern is a derived view of a clinician's record; it is rebuilt on
// every read and never persisted in this shape.
type WeeklyPattern struct {
	ClinicianID uuid.UUID
	DefaultZone string
	Days        [7]DayAvailability
}

// Day returns the availability of a weekday.
func (p WeeklyPattern) Day(d time.Weekday) DayAvailability {
	return p.Days[d]
}

// SlotCount returns the number of slots across the week.
func (p WeeklyPattern) SlotCount() int {
	n := 0
	for _, d := range p.Days {
		n += len(d.Slots)
	}
	return n
}

// AddSlot appends s to its day and marks the day available.
func (p *WeeklyPattern) AddSlot(s Slot) {
	day := &p.Days[s.Day]
	day.Slots = append(day.Slots, s)
	day.Available = true
}

func (p WeeklyPattern) MarshalJSON() ([]byte, error) {
	days := make(map[string]DayAvailability, len(p.Days))
	for _, d := range Week {
		day := p.Days[d]
		if day.Slots == nil {
			day.Slots = []Slot{}
		}
		days[DayName(d)] = day
	}
	return json.Marshal(struct {
		ClinicianID uuid.UUID                  `json:"clinician_id"`
		DefaultZone string                     `json:"default_zone"`
		Days        map[string]DayAvailability `json:"days"`
	}{p.ClinicianID, p.DefaultZone, days})
}

// Block is one slot projected onto one calendar date.
type Block struct {
	ID           string       `json:"id"`
	SourceSlotID string       `json:"source_slot_id"`
	SlotNumber   int          `json:"slot_number"`
	Date         CalendarDate `json:"date"`
	Start        time.Time    `json:"start"`
	End          time.Time    `json:"end"`
	SlotZone     string       `json:"slot_zone"`
	DisplayZone  string       `json:"display_zone"`
}

func (b Block) Interval() interval.Interval {
	return interval.New(b.Start, b.End)
}
